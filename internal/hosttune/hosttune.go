// Package hosttune is the DDIO/NUMA per-host tuning boundary (C10). Real
// DDIO (Direct Data I/O) cache-steering and NUMA node pinning are done
// through model-specific registers and platform tools that are not
// reachable portably from Go without cgo; this package is a best-effort,
// non-correctness-critical shim that exercises what the standard library
// does expose (GOMAXPROCS, OS-thread pinning) and otherwise documents the
// boundary rather than shelling out to msr-tools/numactl.
package hosttune

import "runtime"

// Tuning records the host-tuning knobs applied at server startup.
type Tuning struct {
	GOMAXPROCS   int
	ThreadPinned bool
}

// Apply pins the calling goroutine to its OS thread (approximating the
// original program's NUMA-local data-plane thread) and leaves
// GOMAXPROCS at its current value, returning what was applied so callers
// can log it. It is always safe to call and never returns an error: a
// tuning failure here must never be treated as a correctness failure.
func Apply() Tuning {
	runtime.LockOSThread()
	return Tuning{
		GOMAXPROCS:   runtime.GOMAXPROCS(0),
		ThreadPinned: true,
	}
}

// Release undoes Apply's OS-thread pin.
func Release() {
	runtime.UnlockOSThread()
}
