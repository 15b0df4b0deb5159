// Package slot implements the on-medium layout of a single headless hash
// table slot: a fixed payload segment followed by a 512-byte trailer
// carrying the key, length, data checksum, and the atomic word that a
// remote compare-and-swap operates on.
//
// A slot is never allocated; it is encoded directly into a byte range
// inside a server's registered region. All fields other than the atomic
// word are read and written as plain bytes; the atomic word is the sole
// field mutated through a CAS, and its trailing byte carries LOCK/VALID so
// that in-order byte delivery from a single write means those bits are
// always the last thing a reader observes change.
package slot

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

const (
	// KeyFieldSize is the size in bytes of the trailer's key field,
	// including the terminating NUL.
	KeyFieldSize = 496

	// MaxKeyLen is the longest key (excluding the terminating NUL) that
	// fits in the key field.
	MaxKeyLen = KeyFieldSize - 1

	// TrailerSize is the fixed size of a slot's trailer.
	TrailerSize = KeyFieldSize + 4 + 4 + 8

	// DefaultPayloadSize is the default payload segment size in bytes.
	// Total slot size is DefaultPayloadSize + TrailerSize, a multiple of
	// 512 as required by the layout.
	DefaultPayloadSize = 4096

	keyCRCSeed     uint32 = 0x114514
	payloadCRCSeed uint32 = 0x1919810

	lockBit  uint64 = 1 << 56
	validBit uint64 = 1 << 63
	fpMask   uint64 = 0xFFFFFFFF
)

// LockBit and ValidBit are the atomic word's LOCK and VALID bit masks,
// exported for callers (internal/rdmaops) that build CAS expected/new
// words directly rather than through Encode.
const (
	LockBit  = lockBit
	ValidBit = validBit
)

// ErrKeyTooLong is returned when encoding a key longer than MaxKeyLen.
var ErrKeyTooLong = errors.New("slot: key too long")

// State classifies the outcome of Validate.
type State int

const (
	Ok State = iota
	Empty
	Locked
	KeyMismatch
	ChecksumMismatch
)

func (s State) String() string {
	switch s {
	case Ok:
		return "Ok"
	case Empty:
		return "Empty"
	case Locked:
		return "Locked"
	case KeyMismatch:
		return "KeyMismatch"
	case ChecksumMismatch:
		return "ChecksumMismatch"
	default:
		return "Unknown"
	}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// KeyFingerprint returns the 32-bit fingerprint stored in a slot's atomic
// word for the given key, excluding any terminating NUL.
func KeyFingerprint(key string) uint32 {
	fp := crc32.Update(keyCRCSeed, crcTable, []byte(key))
	if fp == 0 {
		// Invariant 1 requires a valid slot's fingerprint to be non-zero;
		// nudge the rare zero result so an empty slot (all-zero atomic
		// word) is never confused with a valid one.
		fp = 1
	}
	return fp
}

func payloadChecksum(payload []byte) uint32 {
	return crc32.Update(payloadCRCSeed, crcTable, payload)
}

// Layout describes the slot geometry in use; PayloadSize must be such that
// PayloadSize+TrailerSize is a multiple of 512.
type Layout struct {
	PayloadSize int
}

// DefaultLayout is the layout used when none is configured.
var DefaultLayout = Layout{PayloadSize: DefaultPayloadSize}

// Size returns the total encoded slot size for this layout.
func (l Layout) Size() int {
	return l.PayloadSize + TrailerSize
}

// Encode produces a Size()-byte slot: payload zero-padded to PayloadSize,
// followed by key/length/checksum/atomic-word trailer. length is the
// caller-supplied head length (0 for a continuation slot). The atomic
// word is initialized VALID=1, LOCK=0.
func (l Layout) Encode(key string, payload []byte, length uint32) ([]byte, error) {
	if len(key) > MaxKeyLen {
		return nil, ErrKeyTooLong
	}
	if len(payload) > l.PayloadSize {
		payload = payload[:l.PayloadSize]
	}
	buf := make([]byte, l.Size())
	copy(buf, payload) // remainder stays zero: the checksum covers the whole padded segment

	trailer := buf[l.PayloadSize:]
	copy(trailer, key)
	binary.LittleEndian.PutUint32(trailer[KeyFieldSize:], length)
	binary.LittleEndian.PutUint32(trailer[KeyFieldSize+4:], payloadChecksum(buf[:l.PayloadSize]))

	word := validBit | uint64(KeyFingerprint(key))
	binary.LittleEndian.PutUint64(trailer[KeyFieldSize+8:], word)
	return buf, nil
}

// Decoded is the parsed view of a slot's contents.
type Decoded struct {
	Key       string
	Payload   []byte
	Length    uint32
	Word      uint64
	State     State
}

// Fingerprint returns the key-fingerprint bits of the atomic word.
func Fingerprint(word uint64) uint32 { return uint32(word & fpMask) }

// IsValid reports whether the VALID bit is set.
func IsValid(word uint64) bool { return word&validBit != 0 }

// IsLocked reports whether the LOCK bit is set.
func IsLocked(word uint64) bool { return word&lockBit != 0 }

// LockWord returns word with LOCK set.
func LockWord(word uint64) uint64 { return word | lockBit }

// Unlocked returns word with LOCK cleared.
func Unlocked(word uint64) uint64 { return word &^ lockBit }

// Decode parses a Size()-byte slot without validating checksums.
func (l Layout) Decode(buf []byte) Decoded {
	trailer := buf[l.PayloadSize:]
	nul := 0
	for nul < KeyFieldSize && trailer[nul] != 0 {
		nul++
	}
	key := string(trailer[:nul])
	length := binary.LittleEndian.Uint32(trailer[KeyFieldSize:])
	word := binary.LittleEndian.Uint64(trailer[KeyFieldSize+8:])
	return Decoded{
		Key:     key,
		Payload: buf[:l.PayloadSize],
		Length:  length,
		Word:    word,
	}
}

// Validate checks a decoded slot against expectedKey, in this order: VALID
// bit, then key fingerprint, then LOCK, then payload checksum. The first
// failing check determines the outcome, so a slot with VALID clear is
// Empty whatever its fingerprint bits hold.
func (l Layout) Validate(buf []byte, expectedKey string) State {
	trailer := buf[l.PayloadSize:]
	word := binary.LittleEndian.Uint64(trailer[KeyFieldSize+8:])

	if !IsValid(word) {
		return Empty
	}
	if Fingerprint(word) != KeyFingerprint(expectedKey) {
		return KeyMismatch
	}
	if IsLocked(word) {
		return Locked
	}
	dataCRC := binary.LittleEndian.Uint32(trailer[KeyFieldSize+4:])
	if payloadChecksum(buf[:l.PayloadSize]) != dataCRC {
		return ChecksumMismatch
	}
	return Ok
}

// AtomicWordOffset returns the byte offset of the atomic word within a
// Size()-byte slot, for callers that need to address it directly for CAS.
func (l Layout) AtomicWordOffset() int {
	return l.PayloadSize + KeyFieldSize + 8
}

// WordAt reads the atomic word from a slot buffer.
func (l Layout) WordAt(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[l.AtomicWordOffset():])
}

// PutWordAt writes the atomic word into a slot buffer.
func (l Layout) PutWordAt(buf []byte, word uint64) {
	binary.LittleEndian.PutUint64(buf[l.AtomicWordOffset():], word)
}
