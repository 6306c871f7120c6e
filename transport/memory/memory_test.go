package memory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/meshdrop/transport"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	froms  []string
}

func (r *recorder) handler(frameBytes []byte, from string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frameBytes)
	r.froms = append(r.froms, from)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDirectSend(t *testing.T) {
	mesh := NewMesh()
	a := mesh.AddNode("a")
	b := mesh.AddNode("b")
	mesh.Link("a", "b")

	rec := &recorder{}
	b.SetHandler(rec.handler)

	if err := a.Send("b", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	waitFor(t, time.Second, func() bool { return rec.count() == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.froms[0] != "a" {
		t.Errorf("from = %q, want %q", rec.froms[0], "a")
	}
}

func TestBroadcastReachesOnlyNeighbors(t *testing.T) {
	mesh := NewMesh()
	a := mesh.AddNode("a")
	b := mesh.AddNode("b")
	c := mesh.AddNode("c")
	mesh.Link("a", "b") // c is not linked to a

	recB, recC := &recorder{}, &recorder{}
	b.SetHandler(recB.handler)
	c.SetHandler(recC.handler)

	if err := a.Send(transport.Broadcast, []byte{9}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	waitFor(t, time.Second, func() bool { return recB.count() == 1 })

	time.Sleep(10 * time.Millisecond)
	if recC.count() != 0 {
		t.Errorf("unlinked node received %d frames, want 0", recC.count())
	}
}

func TestSendToUnlinkedPeerFails(t *testing.T) {
	mesh := NewMesh()
	a := mesh.AddNode("a")
	mesh.AddNode("b")

	err := a.Send("b", []byte{1})
	if err == nil {
		t.Fatal("Send() to unlinked peer succeeded")
	}
	var linkErr *transport.LinkError
	if !errors.As(err, &linkErr) {
		t.Errorf("error %T is not a LinkError", err)
	}
}

func TestUnlinkPartitions(t *testing.T) {
	mesh := NewMesh()
	a := mesh.AddNode("a")
	b := mesh.AddNode("b")
	mesh.Link("a", "b")

	rec := &recorder{}
	b.SetHandler(rec.handler)

	mesh.Unlink("a", "b")
	if err := a.Send("b", []byte{1}); err == nil {
		t.Error("Send() after Unlink succeeded")
	}
	if len(a.Peers()) != 0 {
		t.Errorf("Peers() = %v after Unlink, want none", a.Peers())
	}
}

func TestDeterministicLoss(t *testing.T) {
	mesh := NewMeshWithConfig(SimulationConfig{PacketLossRate: 1.0, Seed: 42})
	a := mesh.AddNode("a")
	b := mesh.AddNode("b")
	mesh.Link("a", "b")

	rec := &recorder{}
	b.SetHandler(rec.handler)

	for i := 0; i < 20; i++ {
		if err := a.Send("b", []byte{byte(i)}); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("received %d frames at 100%% loss, want 0", rec.count())
	}
}

func TestClosedNodeRefusesSend(t *testing.T) {
	mesh := NewMesh()
	a := mesh.AddNode("a")
	b := mesh.AddNode("b")
	mesh.Link("a", "b")

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := a.Send("b", []byte{1}); err == nil {
		t.Error("Send() on closed node succeeded")
	}
	_ = b
}
