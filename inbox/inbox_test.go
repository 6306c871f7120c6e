package inbox

import (
	"testing"

	"github.com/user/meshdrop/frame"
)

func TestInsertIdempotent(t *testing.T) {
	ib := New(10)
	notifications := 0
	ib.SetNotify(func(Event) { notifications++ })

	ev := Event{TransferID: frame.NewID(), OriginalType: "image/jpeg", Size: 1000, Location: "/tmp/a.jpg"}

	if !ib.Insert(ev) {
		t.Fatal("Insert() = false for fresh event")
	}
	if ib.Insert(ev) {
		t.Error("Insert() = true for duplicate transfer ID")
	}

	if ib.Len() != 1 {
		t.Errorf("Len() = %d after duplicate insert, want 1", ib.Len())
	}
	if notifications != 1 {
		t.Errorf("notified %d times, want exactly 1", notifications)
	}
}

func TestDismiss(t *testing.T) {
	ib := New(10)
	ev := Event{TransferID: frame.NewID(), Size: 5}
	ib.Insert(ev)

	if !ib.Dismiss(ev.TransferID) {
		t.Error("Dismiss() = false for present entry")
	}
	if ib.Dismiss(ev.TransferID) {
		t.Error("Dismiss() = true for absent entry")
	}
	if ib.Len() != 0 {
		t.Errorf("Len() = %d after dismissal, want 0", ib.Len())
	}

	// Dismissed entries can complete again later (fresh insert, fresh notice)
	if !ib.Insert(ev) {
		t.Error("Insert() = false after dismissal")
	}
}

func TestListOrderedBySizeDescending(t *testing.T) {
	ib := New(10)
	sizes := []int{300, 9000, 17, 4500}
	for _, size := range sizes {
		ib.Insert(Event{TransferID: frame.NewID(), Size: size})
	}

	list := ib.List()
	if len(list) != len(sizes) {
		t.Fatalf("List() returned %d events, want %d", len(list), len(sizes))
	}
	for i := 1; i < len(list); i++ {
		if list[i].Size > list[i-1].Size {
			t.Errorf("List() not ordered by size descending: %d before %d", list[i-1].Size, list[i].Size)
		}
	}
}

func TestCapacityRefusesNewEntries(t *testing.T) {
	ib := New(2)
	ib.Insert(Event{TransferID: frame.NewID(), Size: 1})
	ib.Insert(Event{TransferID: frame.NewID(), Size: 2})

	if ib.Insert(Event{TransferID: frame.NewID(), Size: 3}) {
		t.Error("Insert() = true past capacity")
	}
	if ib.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (no silent eviction)", ib.Len())
	}
	if ib.Refused() != 1 {
		t.Errorf("Refused() = %d, want 1", ib.Refused())
	}

	// Duplicate of a present entry at capacity is still a duplicate, not a refusal
	present := ib.List()[0]
	ib.Insert(present)
	if ib.Refused() != 1 {
		t.Errorf("Refused() = %d after duplicate at capacity, want 1", ib.Refused())
	}
}
