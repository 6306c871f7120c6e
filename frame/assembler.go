package frame

import (
	"fmt"
)

// Assembler collects the data frames seen so far for one transfer and
// reports completeness. Frames may arrive out of order and duplicated;
// duplicates are discarded, malformed frames are rejected.
type Assembler struct {
	totalChunks uint32
	chunks      map[uint32][]byte
	size        int
}

// NewAssembler creates an empty assembler for a single transfer
func NewAssembler() *Assembler {
	return &Assembler{
		chunks: make(map[uint32][]byte),
	}
}

// Add merges one data frame into the set. It returns true if the frame was
// new (not a duplicate), and ErrMalformedFrame for an out-of-range index or
// a chunk count inconsistent with earlier frames of the same transfer.
func (a *Assembler) Add(f *Frame) (bool, error) {
	if f.Kind != KindData {
		return false, fmt.Errorf("%w: assembler fed a non-data frame", ErrMalformedFrame)
	}
	if f.TotalChunks == 0 {
		return false, fmt.Errorf("%w: zero chunk count", ErrMalformedFrame)
	}
	if a.totalChunks == 0 {
		a.totalChunks = f.TotalChunks
	} else if f.TotalChunks != a.totalChunks {
		return false, fmt.Errorf("%w: chunk count %d conflicts with %d", ErrMalformedFrame, f.TotalChunks, a.totalChunks)
	}
	if f.SequenceIndex >= a.totalChunks {
		return false, fmt.Errorf("%w: index %d out of range for %d chunks", ErrMalformedFrame, f.SequenceIndex, a.totalChunks)
	}

	if _, dup := a.chunks[f.SequenceIndex]; dup {
		return false, nil
	}

	chunk := make([]byte, len(f.Payload))
	copy(chunk, f.Payload)
	a.chunks[f.SequenceIndex] = chunk
	a.size += len(chunk)
	return true, nil
}

// Received returns the number of distinct chunks seen so far
func (a *Assembler) Received() int {
	return len(a.chunks)
}

// TotalChunks returns the declared chunk count, or 0 before any frame
func (a *Assembler) TotalChunks() uint32 {
	return a.totalChunks
}

// Complete reports whether every index 0..totalChunks-1 has been received
func (a *Assembler) Complete() bool {
	return a.totalChunks > 0 && uint32(len(a.chunks)) == a.totalChunks
}

// TryAssemble returns the reassembled payload, concatenated in index order,
// once all chunks are present. Until then it returns (nil, false).
func (a *Assembler) TryAssemble() ([]byte, bool) {
	if !a.Complete() {
		return nil, false
	}

	out := make([]byte, 0, a.size)
	for i := uint32(0); i < a.totalChunks; i++ {
		out = append(out, a.chunks[i]...)
	}
	return out, true
}
