// Package ledger tracks in-flight outbound transfers: which chunks remain
// unacknowledged, how many delivery attempts have been made, and when the
// next retry is due. It is the single source of truth for pending state.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/user/meshdrop/frame"
)

// ErrTransferAbandoned indicates the attempt ceiling was exceeded. The
// caller must surface the transfer as permanently failed; it stays visible
// until dismissed or manually retried.
var ErrTransferAbandoned = errors.New("ledger: transfer abandoned")

// Config holds the retry policy knobs. They are policy, not mechanism, and
// tests supply their own values.
type Config struct {
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
}

// DefaultConfig returns the retry policy used when the caller has no opinion
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		BackoffInitial:    2 * time.Second,
		BackoffMax:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// PendingTransfer is the ledger-owned record of one outbound transfer
// awaiting end-to-end acknowledgement.
type PendingTransfer struct {
	TransferID   frame.ID
	HasRecipient bool
	Recipient    frame.ID
	OriginalType string
	TotalSize    int
	AttemptCount int
	NextRetry    time.Time
	CreatedAt    time.Time

	frames  []*frame.Frame
	unacked map[uint32]bool
	backoff *backoff.ExponentialBackOff
}

// UnackedFrames returns the frames for chunks not yet acknowledged, in
// index order, so a retry re-emits exactly the missing data.
func (p *PendingTransfer) UnackedFrames() []*frame.Frame {
	indices := make([]uint32, 0, len(p.unacked))
	for idx := range p.unacked {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	out := make([]*frame.Frame, 0, len(indices))
	for _, idx := range indices {
		out = append(out, p.frames[idx])
	}
	return out
}

// UnackedCount returns how many chunks still lack an acknowledgement
func (p *PendingTransfer) UnackedCount() int {
	return len(p.unacked)
}

// TotalChunks returns the number of chunks in the transfer
func (p *PendingTransfer) TotalChunks() int {
	return len(p.frames)
}

// Ledger owns all pending and failed outbound transfer state. Mutation is
// serialized behind one mutex; the engine run loop is the only writer, the
// presentation snapshot is the only other reader.
type Ledger struct {
	mu      sync.Mutex
	cfg     Config
	pending map[frame.ID]*PendingTransfer
	failed  map[frame.ID]*PendingTransfer
}

// New creates an empty ledger with the given retry policy
func New(cfg Config) *Ledger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = DefaultConfig().BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultConfig().BackoffMultiplier
	}
	return &Ledger{
		cfg:     cfg,
		pending: make(map[frame.ID]*PendingTransfer),
		failed:  make(map[frame.ID]*PendingTransfer),
	}
}

func (l *Ledger) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.BackoffInitial
	b.MaxInterval = l.cfg.BackoffMax
	b.Multiplier = l.cfg.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // the attempt ceiling bounds retries, not elapsed time
	b.Reset()
	return b
}

// RegisterOutbound records a new send. All chunk indices start
// unacknowledged and the first retry deadline is one backoff interval out.
func (l *Ledger) RegisterOutbound(transferID frame.ID, frames []*frame.Frame) (*PendingTransfer, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("ledger: no frames for transfer %s", transferID.Short())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.pending[transferID]; ok {
		return existing, nil
	}

	now := time.Now()
	p := &PendingTransfer{
		TransferID:   transferID,
		HasRecipient: frames[0].HasRecipient,
		Recipient:    frames[0].Recipient,
		OriginalType: frames[0].OriginalType,
		CreatedAt:    now,
		frames:       frames,
		unacked:      make(map[uint32]bool, len(frames)),
		backoff:      l.newBackoff(),
	}
	for _, f := range frames {
		p.unacked[f.SequenceIndex] = true
		p.TotalSize += len(f.Payload)
	}
	p.NextRetry = now.Add(p.backoff.NextBackOff())

	l.pending[transferID] = p
	return p, nil
}

// Acknowledge marks one chunk acknowledged. When the unacknowledged set
// becomes empty the transfer is completed and removed from the pending set.
// This is the only path that clears a pending transfer short of giving up.
// Unknown transfers and duplicate acknowledgements are no-ops.
func (l *Ledger) Acknowledge(transferID frame.ID, chunkIndex uint32) (completed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[transferID]
	if !ok {
		return false
	}

	delete(p.unacked, chunkIndex)
	if len(p.unacked) == 0 {
		delete(l.pending, transferID)
		return true
	}
	return false
}

// AcknowledgeAll completes a transfer in response to a completion
// acknowledgement, clearing every outstanding chunk at once.
func (l *Ledger) AcknowledgeAll(transferID frame.ID) (completed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[transferID]; !ok {
		return false
	}
	delete(l.pending, transferID)
	return true
}

// MarkAttempt increments the attempt count and advances the retry deadline
// along the backoff curve. Once the count reaches the configured ceiling the
// transfer is moved to the failed set, excluded from the retry rotation, and
// ErrTransferAbandoned is returned.
func (l *Ledger) MarkAttempt(transferID frame.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[transferID]
	if !ok {
		return fmt.Errorf("ledger: no pending transfer %s", transferID.Short())
	}

	p.AttemptCount++
	if p.AttemptCount >= l.cfg.MaxAttempts {
		delete(l.pending, transferID)
		l.failed[transferID] = p
		return fmt.Errorf("%w: %s after %d attempts", ErrTransferAbandoned, transferID.Short(), p.AttemptCount)
	}

	p.NextRetry = time.Now().Add(p.backoff.NextBackOff())
	return nil
}

// Due returns the pending transfers whose retry deadline has passed
func (l *Ledger) Due(now time.Time) []*PendingTransfer {
	l.mu.Lock()
	defer l.mu.Unlock()

	var due []*PendingTransfer
	for _, p := range l.pending {
		if !p.NextRetry.After(now) {
			due = append(due, p)
		}
	}
	return due
}

// All returns every pending transfer regardless of deadline, for the manual
// retry-now path.
func (l *Ledger) All() []*PendingTransfer {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*PendingTransfer, 0, len(l.pending))
	for _, p := range l.pending {
		out = append(out, p)
	}
	return out
}

// ResetAttempts moves a failed transfer back into the retry rotation with a
// fresh attempt budget. Used for user-driven manual retry.
func (l *Ledger) ResetAttempts(transferID frame.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.failed[transferID]
	if !ok {
		return false
	}
	delete(l.failed, transferID)

	p.AttemptCount = 0
	p.backoff = l.newBackoff()
	p.NextRetry = time.Now()
	l.pending[transferID] = p
	return true
}

// Forget drops a transfer from both the pending and failed sets, for user
// dismissal of a permanently failed send.
func (l *Ledger) Forget(transferID frame.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[transferID]; ok {
		delete(l.pending, transferID)
		return true
	}
	if _, ok := l.failed[transferID]; ok {
		delete(l.failed, transferID)
		return true
	}
	return false
}

// IsPending reports whether this node originated the transfer and is still
// waiting on acknowledgements for it.
func (l *Ledger) IsPending(transferID frame.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[transferID]
	return ok
}

// Snapshot describes pending and failed transfers for the presentation layer
type Snapshot struct {
	Pending []TransferStatus
	Failed  []TransferStatus
}

// TransferStatus is the read-only view of one outbound transfer
type TransferStatus struct {
	TransferID   frame.ID
	OriginalType string
	TotalSize    int
	TotalChunks  int
	Unacked      int
	AttemptCount int
	NextRetry    time.Time
}

// SnapshotNow builds a point-in-time view of the ledger
func (l *Ledger) SnapshotNow() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{}
	for _, p := range l.pending {
		snap.Pending = append(snap.Pending, statusOf(p))
	}
	for _, p := range l.failed {
		snap.Failed = append(snap.Failed, statusOf(p))
	}
	sort.Slice(snap.Pending, func(i, j int) bool {
		return snap.Pending[i].TransferID.String() < snap.Pending[j].TransferID.String()
	})
	sort.Slice(snap.Failed, func(i, j int) bool {
		return snap.Failed[i].TransferID.String() < snap.Failed[j].TransferID.String()
	})
	return snap
}

func statusOf(p *PendingTransfer) TransferStatus {
	return TransferStatus{
		TransferID:   p.TransferID,
		OriginalType: p.OriginalType,
		TotalSize:    p.TotalSize,
		TotalChunks:  len(p.frames),
		Unacked:      len(p.unacked),
		AttemptCount: p.AttemptCount,
		NextRetry:    p.NextRetry,
	}
}

// PendingCount returns the number of transfers awaiting acknowledgement
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// FailedCount returns the number of permanently failed transfers
func (l *Ledger) FailedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.failed)
}
