// Package rdmaops implements the four remote-operation primitives the KV
// engine composes: Read, Lock, Unlock, and PersistedWrite. Each is a
// single completion on one remoteio.Endpoint; PersistedWrite fans out
// across multiple targets with a single aggregated error. The server-side
// CAS classification (Empty/Busy/KeyMismatch) happens entirely here, from
// the prior word the transport returns — the server itself never
// inspects slot semantics.
package rdmaops

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/headlesskv/internal/remoteio"
	"github.com/dreamware/headlesskv/internal/slot"
)

// LockOutcome classifies the result of a Lock CAS.
type LockOutcome int

const (
	LockOk LockOutcome = iota
	LockEmpty
	LockBusy
	LockKeyMismatch
)

func (o LockOutcome) String() string {
	switch o {
	case LockOk:
		return "Ok"
	case LockEmpty:
		return "Empty"
	case LockBusy:
		return "Busy"
	case LockKeyMismatch:
		return "KeyMismatch"
	default:
		return "Unknown"
	}
}

// ErrUnlockFailed is a protocol error: the engine held the lock, so an
// Unlock CAS mismatch means something else touched the slot meanwhile.
var ErrUnlockFailed = errors.New("rdmaops: unlock CAS failed, lock was not held as expected")

// Target addresses one replica: an endpoint plus the byte offset of its
// slot (or, for PersistedWrite, the start of a bufferlist span) within
// that endpoint's region.
type Target struct {
	Endpoint remoteio.Endpoint
	Offset   uint64
}

// Read fetches length bytes from target into a local buffer.
func Read(ctx context.Context, target Target, length int) ([]byte, error) {
	buf, err := target.Endpoint.Read(ctx, target.Offset, length)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	return buf, nil
}

// Lock performs the CAS described in §4.6: expected {fp, VALID=1, LOCK=0},
// new {fp, VALID=1, LOCK=1}. wordOffset is the atomic word's byte offset
// within target's region (target.Offset + layout.AtomicWordOffset()).
func Lock(ctx context.Context, target Target, wordOffset uint64, keyFP uint32) (LockOutcome, error) {
	expected := uint64(keyFP) | slot.ValidBit // VALID=1, LOCK=0
	want := expected | slot.LockBit           // LOCK=1
	prior, swapped, err := target.Endpoint.CompareAndSwap(ctx, wordOffset, expected, want)
	if err != nil {
		return LockOk, classifyTransportErr(err)
	}
	if swapped {
		return LockOk, nil
	}
	return classifyPriorWord(prior, keyFP), nil
}

// Unlock performs the inverse CAS: expected {fp, VALID=1, LOCK=1}, new
// {fp, VALID=1, LOCK=0}. Any mismatch is a protocol error per §4.6.
func Unlock(ctx context.Context, target Target, wordOffset uint64, keyFP uint32) error {
	locked := uint64(keyFP) | slot.ValidBit | slot.LockBit
	unlocked := uint64(keyFP) | slot.ValidBit
	_, swapped, err := target.Endpoint.CompareAndSwap(ctx, wordOffset, locked, unlocked)
	if err != nil {
		return classifyTransportErr(err)
	}
	if !swapped {
		return ErrUnlockFailed
	}
	return nil
}

func classifyPriorWord(prior uint64, keyFP uint32) LockOutcome {
	if !slot.IsValid(prior) {
		return LockEmpty
	}
	if slot.IsLocked(prior) {
		return LockBusy
	}
	if slot.Fingerprint(prior) != keyFP {
		return LockKeyMismatch
	}
	// VALID, unlocked, matching fingerprint but CAS still failed: a
	// concurrent mutation raced us. Treat the same as Busy so the
	// engine retries rather than misclassifying as a mismatch.
	return LockBusy
}

// WriteTarget is one fanout destination for PersistedWrite: the target's
// endpoint/offset plus whether this is the primary replica.
type WriteTarget struct {
	Target    Target
	IsPrimary bool
}

// PersistedWrite writes buf to each target, then issues a trailing short
// read on the same region to force the write to flush before completion
// is signalled. When the primary is to stay locked through the fanout, its
// buffer must already carry LOCK=1 in its atomic word; secondaries carry
// LOCK=0.
// Writes proceed concurrently; the caller has already chosen per-target
// buffers with the correct lock bit baked in (see internal/kv).
// PersistedWrite fans out a write-then-read to every target concurrently
// and tolerates up to floor(R/2) secondary failures, matching the
// replica-write failure-tolerance target: the object survives the loss
// of floor(R/2) nodes mid-write. A failed primary is never tolerated,
// since the primary holds the slot's home index and lock; a failed
// secondary is tolerated as long as the quorum of survivors holds.
func PersistedWrite(ctx context.Context, targets []WriteTarget, bufs [][]byte) error {
	if len(targets) != len(bufs) {
		return fmt.Errorf("rdmaops: targets/bufs length mismatch (%d vs %d)", len(targets), len(bufs))
	}
	type result struct {
		isPrimary bool
		err       error
	}
	results := make(chan result, len(targets))
	for i, t := range targets {
		t, buf := t, bufs[i]
		go func() {
			if err := t.Target.Endpoint.Write(ctx, t.Target.Offset, buf); err != nil {
				results <- result{isPrimary: t.IsPrimary, err: classifyTransportErr(err)}
				return
			}
			// Trailing short read on the same region to force the
			// producer to observe its own write as flushed.
			if _, err := t.Target.Endpoint.Read(ctx, t.Target.Offset, 8); err != nil {
				results <- result{isPrimary: t.IsPrimary, err: classifyTransportErr(err)}
				return
			}
			results <- result{isPrimary: t.IsPrimary}
		}()
	}
	var primaryErr error
	var secondaryFailures int
	var lastSecondaryErr error
	for range targets {
		r := <-results
		if r.err == nil {
			continue
		}
		if r.isPrimary {
			primaryErr = r.err
			continue
		}
		secondaryFailures++
		lastSecondaryErr = r.err
	}
	if primaryErr != nil {
		return primaryErr
	}
	if secondaryFailures > len(targets)/2 {
		return lastSecondaryErr
	}
	return nil
}

func classifyTransportErr(err error) error {
	switch {
	case errors.Is(err, remoteio.ErrTimeout):
		return fmt.Errorf("rdmaops: TransportTimeout: %w", err)
	case errors.Is(err, remoteio.ErrSubmit):
		return fmt.Errorf("rdmaops: TransportSubmit: %w", err)
	case errors.Is(err, remoteio.ErrPoll):
		return fmt.Errorf("rdmaops: TransportPoll: %w", err)
	default:
		return err
	}
}
