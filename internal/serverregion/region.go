// Package serverregion implements the server-side passive memory region:
// a byte-addressable buffer standing in for a mapped persistent-memory
// range, exposing only Read/Write/CompareAndSwap primitives. The region
// has no notion of keys, slots, or values — it never reads slot contents
// on behalf of a client; all KV semantics live in internal/kv and
// internal/rdmaops on the client side.
package serverregion

import (
	"encoding/binary"
	"errors"
	"sync"
)

// ErrOutOfBounds is returned for any access outside the region.
var ErrOutOfBounds = errors.New("serverregion: access out of bounds")

// ErrUnaligned is returned when a CAS address is not 8-byte aligned.
var ErrUnaligned = errors.New("serverregion: unaligned CAS address")

// Handle is the capability a server publishes to a connecting client:
// the base address, region length, an opaque remote key, and the slot
// count the region was sized for.
type Handle struct {
	Base      uint64 `json:"base"`
	Length    uint64 `json:"length"`
	RemoteKey string `json:"remote_key"`
	SlotCount uint64 `json:"slot_count"`
}

// stripeCount bounds the number of mutexes allocated regardless of
// region size; a region's contention is already bounded by per-slot CAS
// at the application layer, this stripe only prevents the byte-level
// Read/Write/CAS implementations from interleaving within a word.
const stripeCount = 4096

// Region is the server-owned byte buffer backing a Handle.
type Region struct {
	handle   Handle
	slotSize uint64
	data     []byte
	stripes  [stripeCount]sync.Mutex
}

// New allocates a Region of length bytes and derives its Handle. base is
// an opaque, stable address token (the original design's base is a
// mapped-memory pointer; here it is simply a random non-zero value used
// to compute per-slot addresses the same way a real pointer would).
func New(base, length, slotCount uint64, remoteKey string) *Region {
	return &Region{
		handle:   Handle{Base: base, Length: length, RemoteKey: remoteKey, SlotCount: slotCount},
		slotSize: length / slotCount,
		data:     make([]byte, length),
	}
}

// Handle returns the region's published capability.
func (r *Region) Handle() Handle { return r.handle }

// stripe derives the mutex guarding offset from the *slot* it falls in,
// not the raw byte offset: a slot's trailer (atomic word) and its payload
// live at different byte offsets but must serialize against each other,
// since a Write spans the whole slot while a CompareAndSwap only touches
// the trailing word. Keying the stripe by slot index instead keeps every
// access to one slot behind the same mutex.
func (r *Region) stripe(offset uint64) *sync.Mutex {
	return &r.stripes[(offset/r.slotSize)%stripeCount]
}

func (r *Region) boundsCheck(offset uint64, length int) error {
	if length < 0 || offset > r.handle.Length || uint64(length) > r.handle.Length-offset {
		return ErrOutOfBounds
	}
	return nil
}

// Read returns a copy of length bytes starting at offset (relative to
// the region's base).
func (r *Region) Read(offset uint64, length int) ([]byte, error) {
	if err := r.boundsCheck(offset, length); err != nil {
		return nil, err
	}
	m := r.stripe(offset)
	m.Lock()
	defer m.Unlock()
	out := make([]byte, length)
	copy(out, r.data[offset:offset+uint64(length)])
	return out, nil
}

// Write copies data into the region at offset. Per-slot mutual exclusion
// above the byte level is the caller's (CAS lock holder's) responsibility;
// Write here only guarantees the bytes of one call land atomically with
// respect to a concurrent Read or CompareAndSwap of the same stripe.
func (r *Region) Write(offset uint64, data []byte) error {
	if err := r.boundsCheck(offset, len(data)); err != nil {
		return err
	}
	m := r.stripe(offset)
	m.Lock()
	defer m.Unlock()
	copy(r.data[offset:offset+uint64(len(data))], data)
	return nil
}

// CompareAndSwap performs an 8-byte compare-and-swap at offset, returning
// the value observed before the swap and whether it matched old.
func (r *Region) CompareAndSwap(offset uint64, old, new uint64) (prior uint64, swapped bool, err error) {
	if offset%8 != 0 {
		return 0, false, ErrUnaligned
	}
	if err := r.boundsCheck(offset, 8); err != nil {
		return 0, false, err
	}
	m := r.stripe(offset)
	m.Lock()
	defer m.Unlock()
	prior = binary.LittleEndian.Uint64(r.data[offset : offset+8])
	if prior != old {
		return prior, false, nil
	}
	binary.LittleEndian.PutUint64(r.data[offset:offset+8], new)
	return prior, true, nil
}
