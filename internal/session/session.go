// Package session manages, for each server in a client's server list, a
// connected transport endpoint and the server's published region handle.
// The pool is built once at client construction; a connection failure
// marks the server down via the placement mapper rather than failing
// construction outright, since the engine must still make progress with
// whatever replicas remain reachable.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamware/headlesskv/internal/cluster"
	"github.com/dreamware/headlesskv/internal/placement"
	"github.com/dreamware/headlesskv/internal/remoteio"
	"github.com/dreamware/headlesskv/internal/serverregion"
)

// Session is one server's connected endpoint plus its region handle.
type Session struct {
	ServerID string
	Endpoint remoteio.Endpoint
	Handle   serverregion.Handle
}

// Pool owns every Session for a client instance. It is the sole owner of
// connection handles; Close tears them down in the order registrations,
// then connections, then the pool itself, since leaked registrations pin
// persistent-memory pages on the server.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	mapper   *placement.Mapper
	clientID string
}

// New connects to every server in mapper's list (by contacting each
// server's control endpoint) and returns a Pool. Connection failures mark
// the affected server down in mapper and are not otherwise fatal.
func New(ctx context.Context, mapper *placement.Mapper, clientID string, servers []placement.Server) (*Pool, error) {
	p := &Pool{
		sessions: make(map[string]*Session),
		mapper:   mapper,
		clientID: clientID,
	}
	for _, s := range servers {
		var handle serverregion.Handle
		url := s.Address + "/connect"
		if err := cluster.PostJSON(ctx, url, cluster.ConnectRequest{ClientID: clientID}, &handle); err != nil {
			mapper.MarkDown(s.ID)
			continue
		}
		ep := remoteio.NewHTTPEndpoint(s.Address, handle.RemoteKey)
		p.sessions[s.ID] = &Session{ServerID: s.ID, Endpoint: ep, Handle: handle}
	}
	if len(p.sessions) == 0 && len(servers) > 0 {
		return nil, fmt.Errorf("session: failed to connect to any of %d servers", len(servers))
	}
	return p, nil
}

// NewFromSessions builds a Pool directly from pre-established sessions,
// bypassing the HTTP connect handshake. Used by tests and by any
// in-process harness that wires a client straight to loopback endpoints.
func NewFromSessions(mapper *placement.Mapper, clientID string, sessions map[string]*Session) *Pool {
	return &Pool{sessions: sessions, mapper: mapper, clientID: clientID}
}

// Get returns the Session for serverID, or false if it is not connected
// (e.g. it failed at construction, or was marked down).
func (p *Pool) Get(serverID string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[serverID]
	return s, ok
}

// Close disconnects every session, in registrations-then-connections-
// then-pool order; the HTTP endpoints have no client-side registration to
// release individually, so this amounts to calling /disconnect on each
// server and closing each endpoint. An error does not stop the teardown;
// the first error met is returned once every session has been handled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for id, s := range p.sessions {
		if err := disconnect(ctx, s, p.clientID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("session: disconnect %s: %w", id, err)
		}
		if err := s.Endpoint.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.sessions = nil
	return firstErr
}

func disconnect(ctx context.Context, s *Session, clientID string) error {
	he, ok := s.Endpoint.(*remoteio.HTTPEndpoint)
	if !ok {
		return nil // loopback endpoints (tests) have no server-side lease to tear down
	}
	return cluster.PostJSON(ctx, he.BaseURL+"/disconnect", cluster.ConnectRequest{ClientID: clientID}, nil)
}
