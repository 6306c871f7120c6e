package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/user/meshdrop/frame"
)

func testConfig() Config {
	return Config{
		MaxAttempts:       3,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        80 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func registerTransfer(t *testing.T, l *Ledger, chunks int) (frame.ID, *PendingTransfer) {
	t.Helper()
	id := frame.NewID()
	payload := make([]byte, chunks*10)
	frames, err := frame.Fragment(payload, id, 10)
	if err != nil {
		t.Fatalf("Fragment() error: %v", err)
	}
	p, err := l.RegisterOutbound(id, frames)
	if err != nil {
		t.Fatalf("RegisterOutbound() error: %v", err)
	}
	return id, p
}

func TestRegisterOutbound(t *testing.T) {
	l := New(testConfig())
	id, p := registerTransfer(t, l, 4)

	if p.UnackedCount() != 4 {
		t.Errorf("UnackedCount() = %d, want 4", p.UnackedCount())
	}
	if p.TotalChunks() != 4 {
		t.Errorf("TotalChunks() = %d, want 4", p.TotalChunks())
	}
	if !l.IsPending(id) {
		t.Error("IsPending() = false after registration")
	}
	if p.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", p.AttemptCount)
	}
}

func TestAcknowledgeCompletesTransfer(t *testing.T) {
	l := New(testConfig())
	id, _ := registerTransfer(t, l, 3)

	if completed := l.Acknowledge(id, 0); completed {
		t.Error("Acknowledge() reported completion with chunks outstanding")
	}
	if completed := l.Acknowledge(id, 2); completed {
		t.Error("Acknowledge() reported completion with chunks outstanding")
	}
	if completed := l.Acknowledge(id, 1); !completed {
		t.Error("Acknowledge() of last chunk did not report completion")
	}
	if l.IsPending(id) {
		t.Error("transfer still pending after full acknowledgement")
	}
}

func TestDuplicateAcknowledgeIsNoop(t *testing.T) {
	l := New(testConfig())
	id, _ := registerTransfer(t, l, 2)

	l.Acknowledge(id, 0)
	l.Acknowledge(id, 0) // duplicate of an already-acked chunk
	if completed := l.Acknowledge(id, 1); !completed {
		t.Error("completion not reported after duplicate ack")
	}

	// Acknowledging a fully-acknowledged transfer must not error or revive it
	if completed := l.Acknowledge(id, 1); completed {
		t.Error("Acknowledge() on completed transfer reported completion again")
	}
	if l.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", l.PendingCount())
	}
}

func TestAcknowledgeUnknownTransfer(t *testing.T) {
	l := New(testConfig())
	if completed := l.Acknowledge(frame.NewID(), 0); completed {
		t.Error("Acknowledge() of unknown transfer reported completion")
	}
}

func TestUnackedFramesShrink(t *testing.T) {
	l := New(testConfig())
	id, p := registerTransfer(t, l, 4)

	l.Acknowledge(id, 1)
	l.Acknowledge(id, 3)

	remaining := p.UnackedFrames()
	if len(remaining) != 2 {
		t.Fatalf("UnackedFrames() returned %d frames, want 2", len(remaining))
	}
	if remaining[0].SequenceIndex != 0 || remaining[1].SequenceIndex != 2 {
		t.Errorf("UnackedFrames() indices = [%d %d], want [0 2]",
			remaining[0].SequenceIndex, remaining[1].SequenceIndex)
	}
}

func TestMarkAttemptCeiling(t *testing.T) {
	cfg := testConfig()
	l := New(cfg)
	id, _ := registerTransfer(t, l, 2)

	// Ticks before the ceiling advance the deadline without failing
	for i := 1; i < cfg.MaxAttempts; i++ {
		if err := l.MarkAttempt(id); err != nil {
			t.Fatalf("MarkAttempt() attempt %d error: %v", i, err)
		}
	}

	// The tick that reaches the ceiling abandons the transfer
	err := l.MarkAttempt(id)
	if !errors.Is(err, ErrTransferAbandoned) {
		t.Fatalf("MarkAttempt() error = %v, want ErrTransferAbandoned", err)
	}
	if l.IsPending(id) {
		t.Error("abandoned transfer still in pending set")
	}
	if l.FailedCount() != 1 {
		t.Errorf("FailedCount() = %d, want 1", l.FailedCount())
	}

	// Excluded from subsequent ticks regardless of elapsed time
	if due := l.Due(time.Now().Add(time.Hour)); len(due) != 0 {
		t.Errorf("Due() returned %d transfers after abandonment, want 0", len(due))
	}
}

func TestBackoffDeadlineGrows(t *testing.T) {
	l := New(testConfig())
	id, p := registerTransfer(t, l, 1)

	first := p.NextRetry
	if err := l.MarkAttempt(id); err != nil {
		t.Fatalf("MarkAttempt() error: %v", err)
	}
	second := p.NextRetry

	if !second.After(first) {
		t.Error("retry deadline did not advance after an attempt")
	}
}

func TestDue(t *testing.T) {
	l := New(testConfig())
	id, _ := registerTransfer(t, l, 1)

	if due := l.Due(time.Now()); len(due) != 0 {
		t.Errorf("Due() = %d transfers before the deadline, want 0", len(due))
	}
	due := l.Due(time.Now().Add(time.Second))
	if len(due) != 1 || due[0].TransferID != id {
		t.Errorf("Due() after deadline = %d transfers, want the registered one", len(due))
	}
}

func TestResetAttempts(t *testing.T) {
	cfg := testConfig()
	l := New(cfg)
	id, _ := registerTransfer(t, l, 2)

	for i := 0; i < cfg.MaxAttempts; i++ {
		l.MarkAttempt(id)
	}
	if l.FailedCount() != 1 {
		t.Fatalf("FailedCount() = %d, want 1", l.FailedCount())
	}

	if !l.ResetAttempts(id) {
		t.Fatal("ResetAttempts() = false for failed transfer")
	}
	if !l.IsPending(id) {
		t.Error("transfer not pending after manual retry reset")
	}

	snap := l.SnapshotNow()
	if len(snap.Pending) != 1 || snap.Pending[0].AttemptCount != 0 {
		t.Error("attempt count not reset to zero")
	}

	if l.ResetAttempts(frame.NewID()) {
		t.Error("ResetAttempts() = true for unknown transfer")
	}
}

func TestForget(t *testing.T) {
	l := New(testConfig())
	id, _ := registerTransfer(t, l, 1)

	if !l.Forget(id) {
		t.Error("Forget() = false for pending transfer")
	}
	if l.Forget(id) {
		t.Error("Forget() = true for already-forgotten transfer")
	}
}

func TestAcknowledgeAll(t *testing.T) {
	l := New(testConfig())
	id, _ := registerTransfer(t, l, 5)

	if !l.AcknowledgeAll(id) {
		t.Error("AcknowledgeAll() = false for pending transfer")
	}
	if l.IsPending(id) {
		t.Error("transfer still pending after completion ack")
	}
	if l.AcknowledgeAll(id) {
		t.Error("AcknowledgeAll() = true for completed transfer")
	}
}
