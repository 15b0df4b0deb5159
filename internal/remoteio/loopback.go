package remoteio

import (
	"context"

	"github.com/dreamware/headlesskv/internal/serverregion"
)

// LoopbackEndpoint is an in-process Endpoint over a serverregion.Region,
// used by unit tests that need to exercise internal/kv and
// internal/rdmaops without a listening HTTP server.
type LoopbackEndpoint struct {
	Region *serverregion.Region
}

// NewLoopbackEndpoint wraps region as an Endpoint.
func NewLoopbackEndpoint(region *serverregion.Region) *LoopbackEndpoint {
	return &LoopbackEndpoint{Region: region}
}

func (e *LoopbackEndpoint) Read(_ context.Context, offset uint64, length int) ([]byte, error) {
	b, err := e.Region.Read(offset, length)
	if err != nil {
		return nil, wrap(err)
	}
	return b, nil
}

func (e *LoopbackEndpoint) Write(_ context.Context, offset uint64, data []byte) error {
	if err := e.Region.Write(offset, data); err != nil {
		return wrap(err)
	}
	return nil
}

func (e *LoopbackEndpoint) CompareAndSwap(_ context.Context, offset uint64, old, new uint64) (uint64, bool, error) {
	prior, swapped, err := e.Region.CompareAndSwap(offset, old, new)
	if err != nil {
		return 0, false, wrap(err)
	}
	return prior, swapped, nil
}

func (e *LoopbackEndpoint) Close() error { return nil }

func wrap(err error) error {
	if err == serverregion.ErrOutOfBounds || err == serverregion.ErrUnaligned {
		return ErrSubmit
	}
	return ErrPoll
}
