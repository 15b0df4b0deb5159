// Package bufferlist assembles and disassembles values that span one or
// more contiguous slots. Only the head slot of a value carries its total
// length; continuation slots carry a zero length field but the same key,
// so a reader can tell a head from a continuation without consulting
// anything outside the slot itself.
package bufferlist

import (
	"errors"

	"github.com/dreamware/headlesskv/internal/slot"
)

// Validity classifies the state of a fetched bufferlist relative to an
// expected key.
type Validity int

const (
	Ok Validity = iota
	Empty
	Locked
	TooLarge
	PartialRemote
	KeyMismatch
)

func (v Validity) String() string {
	switch v {
	case Ok:
		return "Ok"
	case Empty:
		return "Empty"
	case Locked:
		return "Locked"
	case TooLarge:
		return "TooLarge"
	case PartialRemote:
		return "PartialRemote"
	case KeyMismatch:
		return "KeyMismatch"
	default:
		return "Unknown"
	}
}

// ErrTooLarge is returned by Set when bytes cannot fit within capacity slots.
var ErrTooLarge = errors.New("bufferlist: value exceeds capacity")

// List holds up to capacity contiguously encoded slots for one operation.
type List struct {
	Layout   slot.Layout
	Capacity int
	slots    [][]byte
}

// New creates an empty List bounded to capacity slots under layout.
func New(layout slot.Layout, capacity int) *List {
	return &List{Layout: layout, Capacity: capacity}
}

// SlotCount returns the number of slots currently held.
func (l *List) SlotCount() int { return len(l.slots) }

// Slots returns the raw encoded slot buffers, head first.
func (l *List) Slots() [][]byte { return l.slots }

// Set lays bytes across ⌈len(bytes)/PayloadSize⌉ slots. Only the first
// slot carries length = len(bytes); every slot carries key and an
// independently computed payload checksum.
func (l *List) Set(key string, data []byte) error {
	payloadSize := l.Layout.PayloadSize
	n := 1
	if len(data) > 0 {
		n = (len(data) + payloadSize - 1) / payloadSize
	}
	if n > l.Capacity {
		return ErrTooLarge
	}

	slots := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * payloadSize
		end := start + payloadSize
		if end > len(data) {
			end = len(data)
		}
		length := uint32(0)
		if i == 0 {
			length = uint32(len(data))
		}
		buf, err := l.Layout.Encode(key, data[start:end], length)
		if err != nil {
			return err
		}
		slots = append(slots, buf)
	}
	l.slots = slots
	return nil
}

// Load installs raw fetched slot buffers (as returned by a remote Read)
// for subsequent Validity/Take calls, without re-encoding them.
func (l *List) Load(slots [][]byte) {
	l.slots = slots
}

// Validity validates the held slots against expectedKey, per §4.2: the
// head slot determines Empty/Locked/KeyMismatch; PartialRemote covers a
// head whose declared length exceeds the fetched span, or a fetched head
// that is itself a continuation slot (length == 0 while being addressed
// as a head).
func (l *List) Validity(expectedKey string) Validity {
	if len(l.slots) == 0 {
		return Empty
	}
	head := l.slots[0]
	switch l.Layout.Validate(head, expectedKey) {
	case slot.Empty:
		return Empty
	case slot.Locked, slot.ChecksumMismatch:
		// Both mean a writer is in progress (§4.7): a checksum mismatch
		// is observed on a slot that is mid-overwrite, the same retry
		// path as an explicit lock.
		return Locked
	case slot.KeyMismatch:
		return KeyMismatch
	}

	headDecoded := l.Layout.Decode(head)
	if headDecoded.Length == 0 {
		// A real head always carries a nonzero length (§4.2); length==0
		// here means the fetched slot is actually a continuation slot
		// addressed as if it were the head.
		return PartialRemote
	}
	needSlots := int((uint32(headDecoded.Length) + uint32(l.Layout.PayloadSize) - 1) / uint32(l.Layout.PayloadSize))
	if needSlots > len(l.slots) {
		return PartialRemote
	}
	for _, s := range l.slots[1:needSlots] {
		d := l.Layout.Decode(s)
		if d.Key != expectedKey {
			return KeyMismatch
		}
	}
	return Ok
}

// Take validates the addressed range then gathers length payload bytes
// starting at the head slot's first payload byte (length == -1 means "use
// the head's declared length").
func (l *List) Take(expectedKey string, length int) ([]byte, error) {
	if v := l.Validity(expectedKey); v != Ok {
		return nil, errorsFor(v)
	}
	head := l.Layout.Decode(l.slots[0])
	if length < 0 {
		length = int(head.Length)
	}
	out := make([]byte, 0, length)
	remaining := length
	for _, s := range l.slots {
		if remaining <= 0 {
			break
		}
		d := l.Layout.Decode(s)
		take := remaining
		if take > len(d.Payload) {
			take = len(d.Payload)
		}
		out = append(out, d.Payload[:take]...)
		remaining -= take
	}
	return out, nil
}

func errorsFor(v Validity) error {
	switch v {
	case Empty:
		return errors.New("bufferlist: empty")
	case Locked:
		return errors.New("bufferlist: locked")
	case KeyMismatch:
		return errors.New("bufferlist: key mismatch")
	case PartialRemote:
		return errors.New("bufferlist: partial remote span")
	default:
		return errors.New("bufferlist: not ok")
	}
}

// RequiredSlots returns ⌈len(data)/payloadSize⌉, the slot count Set would use.
func RequiredSlots(payloadSize, dataLen int) int {
	if dataLen == 0 {
		return 1
	}
	return (dataLen + payloadSize - 1) / payloadSize
}
