// Package frame defines the on-wire frame format for mesh binary transfers
// and the fragmentation/reassembly codec.
package frame

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	MagicByte0 = 0xB1
	MagicByte1 = 0x0B

	// IDSize is the fixed width of transfer and node identifiers
	IDSize = 16

	// headerSize covers magic(2) + kind(1) + ttl(1) + transferID(16) +
	// origin(16) + flags(1). Recipient, type tag, indices and payload follow.
	headerSize = 37

	// MaxTypeTagLen bounds the originalType tag on the wire
	MaxTypeTagLen = 255

	// MaxPayloadSize is the largest payload slice a single frame can carry
	MaxPayloadSize = 0xFFFF
)

// Kind discriminates data frames from acknowledgement frames
type Kind uint8

const (
	KindData Kind = 0x01
	KindAck  Kind = 0x02
)

const (
	flagHasRecipient = 0x01
	flagFinal        = 0x02
)

var (
	// ErrInvalidInput indicates a malformed fragmentation request.
	// Fatal to that single call, never retried.
	ErrInvalidInput = errors.New("frame: invalid input")

	// ErrMalformedFrame indicates a frame with an out-of-range index or
	// inconsistent chunk count. Logged and dropped by callers.
	ErrMalformedFrame = errors.New("frame: malformed frame")
)

// ID is a fixed-width identifier for transfers and nodes
type ID [IDSize]byte

// NewID generates a collision-resistant identifier
func NewID() ID {
	return ID(uuid.New())
}

// ParseID decodes a 32-character hex identifier
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != IDSize {
		return id, fmt.Errorf("frame: invalid identifier %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the full hex form
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an 8-character prefix for log lines
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the identifier is unset
func (id ID) IsZero() bool {
	return id == ID{}
}

// Frame is the unit actually placed on the wire: one MTU-bounded slice of a
// transfer's payload, or an acknowledgement reusing the same envelope with
// an empty payload.
type Frame struct {
	Kind          Kind
	TTL           uint8
	TransferID    ID
	Origin        ID
	HasRecipient  bool
	Recipient     ID
	OriginalType  string
	SequenceIndex uint32
	TotalChunks   uint32
	Final         bool
	Payload       []byte
}

// Encode serializes the frame into its byte-exact wire form
func (f *Frame) Encode() ([]byte, error) {
	if len(f.OriginalType) > MaxTypeTagLen {
		return nil, fmt.Errorf("%w: type tag too long (%d bytes)", ErrInvalidInput, len(f.OriginalType))
	}
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload too large (%d bytes)", ErrInvalidInput, len(f.Payload))
	}

	size := headerSize + 1 + len(f.OriginalType) + 4 + 4 + 2 + len(f.Payload)
	if f.HasRecipient {
		size += IDSize
	}
	buf := make([]byte, 0, size)

	buf = append(buf, MagicByte0, MagicByte1, byte(f.Kind), f.TTL)
	buf = append(buf, f.TransferID[:]...)
	buf = append(buf, f.Origin[:]...)

	var flags byte
	if f.HasRecipient {
		flags |= flagHasRecipient
	}
	if f.Final {
		flags |= flagFinal
	}
	buf = append(buf, flags)

	if f.HasRecipient {
		buf = append(buf, f.Recipient[:]...)
	}

	buf = append(buf, byte(len(f.OriginalType)))
	buf = append(buf, f.OriginalType...)

	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], f.SequenceIndex)
	buf = append(buf, scratch[:]...)
	binary.LittleEndian.PutUint32(scratch[:], f.TotalChunks)
	buf = append(buf, scratch[:]...)

	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(f.Payload)))
	buf = append(buf, scratch[:2]...)
	buf = append(buf, f.Payload...)

	return buf, nil
}

// Decode parses a wire frame. Structural problems (truncation, bad magic,
// an index at or past the chunk count) yield ErrMalformedFrame.
func Decode(data []byte) (*Frame, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the fixed header", ErrMalformedFrame, len(data))
	}
	if data[0] != MagicByte0 || data[1] != MagicByte1 {
		return nil, fmt.Errorf("%w: bad magic %02X%02X", ErrMalformedFrame, data[0], data[1])
	}

	f := &Frame{
		Kind: Kind(data[2]),
		TTL:  data[3],
	}
	if f.Kind != KindData && f.Kind != KindAck {
		return nil, fmt.Errorf("%w: unknown frame kind 0x%02X", ErrMalformedFrame, data[2])
	}

	copy(f.TransferID[:], data[4:20])
	copy(f.Origin[:], data[20:36])

	flags := data[36]
	f.HasRecipient = flags&flagHasRecipient != 0
	f.Final = flags&flagFinal != 0

	off := headerSize
	if f.HasRecipient {
		if len(data) < off+IDSize {
			return nil, fmt.Errorf("%w: truncated recipient", ErrMalformedFrame)
		}
		copy(f.Recipient[:], data[off:off+IDSize])
		off += IDSize
	}

	if len(data) < off+1 {
		return nil, fmt.Errorf("%w: truncated type tag", ErrMalformedFrame)
	}
	tagLen := int(data[off])
	off++
	if len(data) < off+tagLen {
		return nil, fmt.Errorf("%w: truncated type tag", ErrMalformedFrame)
	}
	f.OriginalType = string(data[off : off+tagLen])
	off += tagLen

	if len(data) < off+10 {
		return nil, fmt.Errorf("%w: truncated chunk header", ErrMalformedFrame)
	}
	f.SequenceIndex = binary.LittleEndian.Uint32(data[off : off+4])
	f.TotalChunks = binary.LittleEndian.Uint32(data[off+4 : off+8])
	payloadLen := int(binary.LittleEndian.Uint16(data[off+8 : off+10]))
	off += 10

	if len(data) < off+payloadLen {
		return nil, fmt.Errorf("%w: truncated payload (have %d, need %d)", ErrMalformedFrame, len(data)-off, payloadLen)
	}
	f.Payload = data[off : off+payloadLen]

	if f.Kind == KindData {
		if f.TotalChunks == 0 {
			return nil, fmt.Errorf("%w: zero chunk count", ErrMalformedFrame)
		}
		if f.SequenceIndex >= f.TotalChunks {
			return nil, fmt.Errorf("%w: index %d out of range for %d chunks", ErrMalformedFrame, f.SequenceIndex, f.TotalChunks)
		}
	}

	return f, nil
}

// Ack builds the acknowledgement frame for one chunk of a received transfer.
// The envelope is reused with an empty payload; ttl carries the remaining
// hop budget observed at the acknowledging node.
func Ack(transferID, origin ID, index uint32, total uint32, ttl uint8, final bool) *Frame {
	return &Frame{
		Kind:          KindAck,
		TTL:           ttl,
		TransferID:    transferID,
		Origin:        origin,
		SequenceIndex: index,
		TotalChunks:   total,
		Final:         final,
	}
}

// Fragment deterministically splits a payload into MTU-bounded data frames.
// Every frame but the last carries exactly mtu bytes; the last carries the
// remainder and is flagged final. The caller stamps TTL, origin, recipient
// and type tag on the returned frames before emission.
func Fragment(payload []byte, transferID ID, mtu int) ([]*Frame, error) {
	if mtu <= 0 {
		return nil, fmt.Errorf("%w: mtu must be positive, got %d", ErrInvalidInput, mtu)
	}
	if mtu > MaxPayloadSize {
		return nil, fmt.Errorf("%w: mtu %d exceeds max payload size", ErrInvalidInput, mtu)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}

	totalChunks := (len(payload) + mtu - 1) / mtu
	frames := make([]*Frame, 0, totalChunks)

	for i := 0; i < totalChunks; i++ {
		start := i * mtu
		end := start + mtu
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, &Frame{
			Kind:          KindData,
			TransferID:    transferID,
			SequenceIndex: uint32(i),
			TotalChunks:   uint32(totalChunks),
			Final:         i == totalChunks-1,
			Payload:       payload[start:end],
		})
	}

	return frames, nil
}
