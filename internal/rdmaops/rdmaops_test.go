package rdmaops

import (
	"context"
	"testing"

	"github.com/dreamware/headlesskv/internal/remoteio"
	"github.com/dreamware/headlesskv/internal/serverregion"
	"github.com/dreamware/headlesskv/internal/slot"
)

func newTestTarget(t *testing.T) (Target, *serverregion.Region) {
	t.Helper()
	layout := slot.DefaultLayout
	region := serverregion.New(0, uint64(layout.Size()), 1, "k")
	ep := remoteio.NewLoopbackEndpoint(region)
	return Target{Endpoint: ep, Offset: 0}, region
}

func TestLockUnlockWellFormed(t *testing.T) {
	layout := slot.DefaultLayout
	target, region := newTestTarget(t)
	ctx := context.Background()

	buf, err := layout.Encode("k1", []byte("v1"), 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := region.Write(0, buf); err != nil {
		t.Fatal(err)
	}
	wordOffset := uint64(layout.AtomicWordOffset())
	fp := slot.KeyFingerprint("k1")

	outcome, err := Lock(ctx, target, wordOffset, fp)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != LockOk {
		t.Fatalf("Lock = %v, want Ok", outcome)
	}

	if err := Unlock(ctx, target, wordOffset, fp); err != nil {
		t.Fatal(err)
	}

	after, err := region.Read(0, layout.Size())
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(buf) {
		t.Fatal("Lock then Unlock must restore the original slot byte-for-byte")
	}
}

func TestLockClassifiesEmpty(t *testing.T) {
	target, _ := newTestTarget(t)
	layout := slot.DefaultLayout
	outcome, err := Lock(context.Background(), target, uint64(layout.AtomicWordOffset()), slot.KeyFingerprint("k"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != LockEmpty {
		t.Fatalf("Lock on empty slot = %v, want Empty", outcome)
	}
}

func TestLockClassifiesBusy(t *testing.T) {
	layout := slot.DefaultLayout
	target, region := newTestTarget(t)
	buf, _ := layout.Encode("k1", []byte("v"), 1)
	layout.PutWordAt(buf, slot.LockWord(layout.WordAt(buf)))
	region.Write(0, buf)

	outcome, err := Lock(context.Background(), target, uint64(layout.AtomicWordOffset()), slot.KeyFingerprint("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != LockBusy {
		t.Fatalf("Lock on locked slot = %v, want Busy", outcome)
	}
}

func TestLockClassifiesKeyMismatch(t *testing.T) {
	layout := slot.DefaultLayout
	target, region := newTestTarget(t)
	buf, _ := layout.Encode("k1", []byte("v"), 1)
	region.Write(0, buf)

	outcome, err := Lock(context.Background(), target, uint64(layout.AtomicWordOffset()), slot.KeyFingerprint("other-key"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != LockKeyMismatch {
		t.Fatalf("Lock with wrong key = %v, want KeyMismatch", outcome)
	}
}

func TestPersistedWriteSetsLockBitsPerTarget(t *testing.T) {
	layout := slot.DefaultLayout
	ctx := context.Background()
	primaryTarget, primaryRegion := newTestTarget(t)
	secondaryTarget, secondaryRegion := newTestTarget(t)

	primaryBuf, _ := layout.Encode("k", []byte("v"), 1)
	layout.PutWordAt(primaryBuf, slot.LockWord(layout.WordAt(primaryBuf)))
	secondaryBuf, _ := layout.Encode("k", []byte("v"), 1)

	targets := []WriteTarget{
		{Target: primaryTarget, IsPrimary: true},
		{Target: secondaryTarget, IsPrimary: false},
	}
	bufs := [][]byte{primaryBuf, secondaryBuf}

	if err := PersistedWrite(ctx, targets, bufs); err != nil {
		t.Fatal(err)
	}

	pBytes, _ := primaryRegion.Read(0, layout.Size())
	if !slot.IsLocked(layout.WordAt(pBytes)) {
		t.Fatal("primary should remain locked after PersistedWrite fanout")
	}
	sBytes, _ := secondaryRegion.Read(0, layout.Size())
	if slot.IsLocked(layout.WordAt(sBytes)) {
		t.Fatal("secondary should be unlocked after its write completes")
	}
}
