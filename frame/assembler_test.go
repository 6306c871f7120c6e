package frame

import (
	"bytes"
	"errors"
	"testing"
)

func mustFragment(t *testing.T, payload []byte, mtu int) []*Frame {
	t.Helper()
	frames, err := Fragment(payload, NewID(), mtu)
	if err != nil {
		t.Fatalf("Fragment() error: %v", err)
	}
	return frames
}

func TestAssemblerRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		payloadSize int
		mtu         int
	}{
		{name: "single chunk", payloadSize: 10, mtu: 100},
		{name: "exact multiple", payloadSize: 1000, mtu: 100},
		{name: "remainder chunk", payloadSize: 1001, mtu: 100},
		{name: "mtu of one", payloadSize: 37, mtu: 1},
		{name: "one byte payload", payloadSize: 1, mtu: 1},
		{name: "large payload", payloadSize: 10000, mtu: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := make([]byte, tt.payloadSize)
			for i := range payload {
				payload[i] = byte(i * 7 % 256)
			}

			asm := NewAssembler()
			for _, f := range mustFragment(t, payload, tt.mtu) {
				if _, err := asm.Add(f); err != nil {
					t.Fatalf("Add() error: %v", err)
				}
			}

			got, ok := asm.TryAssemble()
			if !ok {
				t.Fatal("TryAssemble() incomplete after all chunks added")
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("reassembled %d bytes do not match original %d bytes", len(got), len(payload))
			}
		})
	}
}

func TestAssemblerOutOfOrder(t *testing.T) {
	payload := make([]byte, 400)
	for i := range payload {
		payload[i] = byte(i)
	}
	frames := mustFragment(t, payload, 100) // 4 chunks

	// Deliver as [2,0,3,1] and expect the same bytes as in-order delivery
	asm := NewAssembler()
	for _, idx := range []int{2, 0, 3, 1} {
		if idx != 3 {
			if _, ok := asm.TryAssemble(); ok {
				t.Fatal("TryAssemble() reported complete before all chunks arrived")
			}
		}
		if _, err := asm.Add(frames[idx]); err != nil {
			t.Fatalf("Add(frame %d) error: %v", idx, err)
		}
	}

	got, ok := asm.TryAssemble()
	if !ok {
		t.Fatal("TryAssemble() incomplete")
	}
	if !bytes.Equal(got, payload) {
		t.Error("out-of-order reassembly does not match original payload")
	}
}

func TestAssemblerDuplicates(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 250)
	frames := mustFragment(t, payload, 100)

	asm := NewAssembler()
	fresh, err := asm.Add(frames[0])
	if err != nil || !fresh {
		t.Fatalf("Add() = (%v, %v), want fresh insert", fresh, err)
	}

	// Duplicate is tolerated and discarded
	fresh, err = asm.Add(frames[0])
	if err != nil {
		t.Fatalf("Add() duplicate error: %v", err)
	}
	if fresh {
		t.Error("Add() duplicate reported as fresh")
	}
	if asm.Received() != 1 {
		t.Errorf("Received() = %d, want 1", asm.Received())
	}

	for _, f := range frames[1:] {
		asm.Add(f)
	}
	got, ok := asm.TryAssemble()
	if !ok || !bytes.Equal(got, payload) {
		t.Error("reassembly after duplicates failed")
	}
}

func TestAssemblerMalformed(t *testing.T) {
	id := NewID()

	asm := NewAssembler()
	if _, err := asm.Add(&Frame{Kind: KindData, TransferID: id, SequenceIndex: 0, TotalChunks: 4}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name:  "index at chunk count",
			frame: &Frame{Kind: KindData, TransferID: id, SequenceIndex: 4, TotalChunks: 4},
		},
		{
			name:  "index past chunk count",
			frame: &Frame{Kind: KindData, TransferID: id, SequenceIndex: 99, TotalChunks: 4},
		},
		{
			name:  "inconsistent chunk count",
			frame: &Frame{Kind: KindData, TransferID: id, SequenceIndex: 1, TotalChunks: 8},
		},
		{
			name:  "ack frame",
			frame: Ack(id, NewID(), 0, 4, 1, false),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := asm.Add(tt.frame); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Add() error = %v, want ErrMalformedFrame", err)
			}
		})
	}

	// A rejected frame must not corrupt assembler state
	if asm.Received() != 1 {
		t.Errorf("Received() = %d after malformed frames, want 1", asm.Received())
	}
}
