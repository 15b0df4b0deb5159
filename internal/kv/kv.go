// Package kv implements the client-side KV engine: locate/get/put
// orchestration over the placement mapper, session pool, and remote
// operations. A Client is not safe for concurrent use — each logical
// client of the system is expected to construct its own Client, with its
// own session pool and buffers, exactly as the engine's single-threaded-
// per-instance concurrency model requires.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/headlesskv/internal/bufferlist"
	"github.com/dreamware/headlesskv/internal/config"
	"github.com/dreamware/headlesskv/internal/hashtable"
	"github.com/dreamware/headlesskv/internal/monitorclient"
	"github.com/dreamware/headlesskv/internal/placement"
	"github.com/dreamware/headlesskv/internal/rdmaops"
	"github.com/dreamware/headlesskv/internal/session"
	"github.com/dreamware/headlesskv/internal/slot"
)

// Sentinel errors matching the semantic error kinds of the error-handling
// design. NotFound/NoSpace/TooLarge are normal outcomes and never wrap an
// underlying cause; ErrBusy is returned bare as well. Transport failures
// are returned as the rdmaops error that produced them.
var (
	ErrNotFound = errors.New("kv: not found")
	ErrNoSpace  = errors.New("kv: no space")
	ErrTooLarge = errors.New("kv: value too large")
	ErrBusy     = errors.New("kv: busy, retry")
)

// Client is the engine described in §4.7. Exactly one slot's worth of
// payload is ever written over the network per put in this cut; larger
// values are rejected as ErrTooLarge rather than attempting a multi-slot
// replicated write (see the module's large-value non-goal).
type Client struct {
	mapper      *placement.Mapper
	pool        *session.Pool
	caches      *placement.Caches
	layout      slot.Layout
	replicas    int
	probeWindow int
	putCapacity int
}

// NewClient fetches the server list from the monitor, connects a session
// pool, and returns a ready Client. clientID identifies this client
// instance to the servers it connects to (see internal/session).
func NewClient(ctx context.Context, cfg *config.Config, clientID string) (*Client, error) {
	servers, err := monitorclient.FetchServers(ctx, cfg.Global.MonitorAddress)
	if err != nil {
		return nil, fmt.Errorf("kv: fetch server list: %w", err)
	}
	mapper := placement.New(servers)
	pool, err := session.New(ctx, mapper, clientID, servers)
	if err != nil {
		return nil, fmt.Errorf("kv: connect session pool: %w", err)
	}
	caches := placement.NewCaches(cfg.Client.LocatorCacheSize, cfg.Client.RedirectionCacheSize, cfg.Client.CollisionSetSize)
	return newClient(mapper, pool, caches, slot.DefaultLayout, cfg.Global.NumReplicas, cfg.Client.ProbeWindow), nil
}

// newClient wires together a Client from already-constructed
// collaborators; used directly by tests that don't need real HTTP
// sessions, and by NewClient once it has built them.
func newClient(mapper *placement.Mapper, pool *session.Pool, caches *placement.Caches, layout slot.Layout, replicas, probeWindow int) *Client {
	if probeWindow <= 0 {
		probeWindow = hashtable.DefaultWindow
	}
	return &Client{
		mapper:      mapper,
		pool:        pool,
		caches:      caches,
		layout:      layout,
		replicas:    replicas,
		probeWindow: probeWindow,
		putCapacity: 1,
	}
}

// Close tears down the underlying session pool.
func (c *Client) Close(ctx context.Context) error {
	return c.pool.Close(ctx)
}

func (c *Client) tableFor(s *session.Session) hashtable.Table {
	return hashtable.Table{Capacity: s.Handle.SlotCount, Window: c.probeWindow}
}

func (c *Client) slotOffset(s *session.Session, index uint64) uint64 {
	return s.Handle.Base + index*uint64(c.layout.Size())
}

// locate resolves key to a replica-server ID list, a slot index shared
// across every replica's region, and whether a probe is still required
// to justify that index (see §4.7).
func (c *Client) locate(key string) (servers []string, index uint64, needProbe bool) {
	fp := slot.KeyFingerprint(key)

	if idx, ok := c.caches.Abnormal.Get(key); ok {
		return c.mapper.Map(fp, c.replicas), idx, false
	}

	servers = c.mapper.Map(fp, c.replicas)
	if len(servers) == 0 {
		return servers, 0, true
	}
	primary, ok := c.pool.Get(servers[0])
	if !ok {
		return servers, 0, true
	}
	homeIndex := c.tableFor(primary).SlotIndex(fp)

	_, normalHit := c.caches.Normal.Get(key)
	return servers, homeIndex, !normalHit
}

// Get implements §4.7's get algorithm.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	servers, index, needProbe := c.locate(key)
	if len(servers) == 0 {
		return nil, fmt.Errorf("kv: no live replica for key %q", key)
	}
	primary, ok := c.pool.Get(servers[0])
	if !ok {
		return nil, fmt.Errorf("kv: primary %s unreachable", servers[0])
	}
	fp := slot.KeyFingerprint(key)

	if needProbe {
		found, foundIndex, err := c.probe(ctx, primary, fp, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ErrNotFound
		}
		index = foundIndex
		if foundIndex == c.tableFor(primary).SlotIndex(fp) {
			c.caches.Normal.Put(key, struct{}{})
		} else {
			c.caches.Abnormal.Put(key, foundIndex)
		}
	}

	buf, err := rdmaops.Read(ctx, rdmaops.Target{Endpoint: primary.Endpoint, Offset: c.slotOffset(primary, index)}, c.layout.Size())
	if err != nil {
		c.mapper.MarkDown(servers[0])
		c.caches.Invalidate(key)
		return nil, err
	}
	return c.interpretGet(key, buf)
}

// interpretGet runs the fetched slot through the bufferlist's validate/take
// (§4.7 step 4): a single-slot bufferlist stands in for "a computed
// multi-slot span" since this cut never writes more than one slot per put.
func (c *Client) interpretGet(key string, buf []byte) ([]byte, error) {
	bl := bufferlist.New(c.layout, c.putCapacity)
	bl.Load([][]byte{buf})
	switch bl.Validity(key) {
	case bufferlist.Ok:
		return bl.Take(key, -1)
	case bufferlist.Empty:
		c.caches.Invalidate(key)
		return nil, ErrNotFound
	case bufferlist.KeyMismatch:
		// A cached index pointed somewhere stale; don't trust it again.
		c.caches.Invalidate(key)
		return nil, ErrNotFound
	case bufferlist.Locked:
		return nil, ErrBusy
	case bufferlist.PartialRemote, bufferlist.TooLarge:
		return nil, ErrTooLarge
	default:
		return nil, fmt.Errorf("kv: unexpected slot state")
	}
}

// probe reads the bounded probe window on primary looking for a slot
// whose key equals key, returning its index within the table.
func (c *Client) probe(ctx context.Context, primary *session.Session, fp uint32, key string) (found bool, index uint64, err error) {
	window := c.tableFor(primary).ProbeWindow(fp)
	for _, idx := range window {
		buf, rerr := rdmaops.Read(ctx, rdmaops.Target{Endpoint: primary.Endpoint, Offset: c.slotOffset(primary, idx)}, c.layout.Size())
		if rerr != nil {
			return false, 0, rerr
		}
		d := c.layout.Decode(buf)
		if slot.IsValid(d.Word) && d.Key == key {
			return true, idx, nil
		}
	}
	return false, 0, nil
}

// Put implements §4.7's put algorithm.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	if len(value) > c.layout.PayloadSize*c.putCapacity {
		return ErrTooLarge
	}
	if _, collided := c.caches.Collision.Get(key); collided {
		return ErrNoSpace
	}

	servers, index, needProbe := c.locate(key)
	if len(servers) == 0 {
		return fmt.Errorf("kv: no live replica for key %q", key)
	}
	primary, ok := c.pool.Get(servers[0])
	if !ok {
		return fmt.Errorf("kv: primary %s unreachable", servers[0])
	}
	fp := slot.KeyFingerprint(key)

	if needProbe {
		idx, err := c.justify(ctx, primary, fp, key)
		if err != nil {
			return err
		}
		index = idx
	}

	wordOffset := c.slotOffset(primary, index) + uint64(c.layout.AtomicWordOffset())
	outcome, err := rdmaops.Lock(ctx, rdmaops.Target{Endpoint: primary.Endpoint, Offset: c.slotOffset(primary, index)}, wordOffset, fp)
	if err != nil {
		c.mapper.MarkDown(servers[0])
		c.caches.Invalidate(key)
		return err
	}
	switch outcome {
	case rdmaops.LockBusy:
		return ErrBusy
	case rdmaops.LockKeyMismatch:
		c.caches.Collision.Put(key, struct{}{})
		c.caches.Invalidate(key)
		return ErrNoSpace
	case rdmaops.LockEmpty, rdmaops.LockOk:
		// fall through to write
	}

	if err := c.writeReplicas(ctx, servers, index, key, value); err != nil {
		return err
	}

	if c.replicas > 1 {
		if err := rdmaops.Unlock(ctx, rdmaops.Target{Endpoint: primary.Endpoint, Offset: c.slotOffset(primary, index)}, wordOffset, fp); err != nil {
			return err
		}
	}

	if index == c.tableFor(primary).SlotIndex(fp) {
		c.caches.Normal.Put(key, struct{}{})
	} else {
		c.caches.Abnormal.Put(key, index)
	}
	return nil
}

// justify runs the placement-justification probe for an insert: look for
// the key already present in the window (update path), else the first
// empty slot (insert path). Neither found is a terminal ErrNoSpace.
func (c *Client) justify(ctx context.Context, primary *session.Session, fp uint32, key string) (uint64, error) {
	window := c.tableFor(primary).ProbeWindow(fp)
	firstEmpty := -1
	for i, idx := range window {
		buf, err := rdmaops.Read(ctx, rdmaops.Target{Endpoint: primary.Endpoint, Offset: c.slotOffset(primary, idx)}, c.layout.Size())
		if err != nil {
			return 0, err
		}
		d := c.layout.Decode(buf)
		if slot.IsValid(d.Word) && d.Key == key {
			return idx, nil
		}
		if !slot.IsValid(d.Word) && firstEmpty == -1 {
			firstEmpty = i
		}
	}
	if firstEmpty == -1 {
		c.caches.Collision.Put(key, struct{}{})
		return 0, ErrNoSpace
	}
	return window[firstEmpty], nil
}

// writeReplicas performs the PersistedWrite fanout: the primary's buffer
// carries LOCK=1 when there is more than one replica (unlocked last,
// after every replica is written-and-persisted); secondaries are written
// unlocked from the start.
func (c *Client) writeReplicas(ctx context.Context, servers []string, index uint64, key string, value []byte) error {
	targets := make([]rdmaops.WriteTarget, 0, len(servers))
	bufs := make([][]byte, 0, len(servers))
	for i, id := range servers {
		s, ok := c.pool.Get(id)
		if !ok {
			continue // a down replica is skipped; ⌊R/2⌋-failure survivability tolerates this
		}
		buf, err := c.layout.Encode(key, value, uint32(len(value)))
		if err != nil {
			return err
		}
		isPrimary := i == 0
		if isPrimary && c.replicas > 1 {
			c.layout.PutWordAt(buf, slot.LockWord(c.layout.WordAt(buf)))
		}
		targets = append(targets, rdmaops.WriteTarget{
			Target:    rdmaops.Target{Endpoint: s.Endpoint, Offset: c.slotOffset(s, index)},
			IsPrimary: isPrimary,
		})
		bufs = append(bufs, buf)
	}
	if len(targets) == 0 {
		return fmt.Errorf("kv: no reachable replica to write key %q", key)
	}
	return rdmaops.PersistedWrite(ctx, targets, bufs)
}
