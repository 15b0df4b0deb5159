// Package placement computes, for a key's hash, an ordered replica set of
// live server identifiers, and keeps the hint caches (normal/abnormal
// placements, collision set) the KV engine consults before it probes.
package placement

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/headlesskv/internal/lru"
)

// Status is a server's membership state as seen by this client.
type Status int

const (
	Up Status = iota
	Down
)

// Server is one entry in the client's immutable-per-session server list.
type Server struct {
	ID      string
	Address string
	Status  Status
}

// Mapper computes ordered replica sets over a fixed server list and
// tracks which servers this client currently considers down. It does not
// talk to the network; C5/C7 do that and call MarkDown on failure.
type Mapper struct {
	mu      sync.RWMutex
	servers []Server // sorted by ID ascending
}

// New builds a Mapper over servers, sorted by ID for deterministic ranking.
func New(servers []Server) *Mapper {
	cp := append([]Server(nil), servers...)
	slices.SortFunc(cp, func(a, b Server) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return &Mapper{servers: cp}
}

// Map returns the ordered list of r live server IDs for fingerprint h:
// start rank = h mod len(servers); walk ranks upward (wrapping), skipping
// down servers, until r are collected or the list is exhausted.
func (m *Mapper) Map(h uint32, r int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.servers)
	if n == 0 {
		return nil
	}
	start := int(uint64(h) % uint64(n))
	out := make([]string, 0, r)
	for i := 0; i < n && len(out) < r; i++ {
		s := m.servers[(start+i)%n]
		if s.Status == Up {
			out = append(out, s.ID)
		}
	}
	return out
}

// MarkDown marks a server down for future Map calls.
func (m *Mapper) MarkDown(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.servers {
		if m.servers[i].ID == id {
			m.servers[i].Status = Down
			return
		}
	}
}

// String renders the current view of the server list for debug logging,
// in ID order with liveness state.
func (m *Mapper) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := "clustermap:"
	for _, s := range m.servers {
		state := "up"
		if s.Status == Down {
			state = "down"
		}
		out += fmt.Sprintf(" %s(%s)=%s", s.ID, s.Address, state)
	}
	return out
}

// Caches bundles the three LRU hint caches the engine consults before
// probing: normal placements (key observed at its calculated slot),
// abnormal placements (key found at another slot index within the probe
// window — the same index is used on every replica, since each replica's
// region runs the identical headless-table layout), and a collision set
// (keys that could not be placed and should fail fast).
type Caches struct {
	Normal    *lru.Cache[string, struct{}]
	Abnormal  *lru.Cache[string, uint64] // key -> slot index
	Collision *lru.Cache[string, struct{}]
}

// NewCaches builds the three caches with the given capacities.
func NewCaches(normalSize, abnormalSize, collisionSize int) *Caches {
	return &Caches{
		Normal:    lru.New[string, struct{}](normalSize),
		Abnormal:  lru.New[string, uint64](abnormalSize),
		Collision: lru.New[string, struct{}](collisionSize),
	}
}

// Invalidate removes key from the normal and abnormal caches, used when a
// probe discovers the cached placement is stale.
func (c *Caches) Invalidate(key string) {
	c.Normal.Delete(key)
	c.Abnormal.Delete(key)
}
