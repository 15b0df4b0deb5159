package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dreamware/headlesskv/internal/placement"
	"github.com/dreamware/headlesskv/internal/serverregion"
)

func fakeServer(t *testing.T, handle serverregion.Handle) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(handle)
	})
	mux.HandleFunc("/disconnect", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return httptest.NewServer(mux)
}

func TestPoolConnectAndClose(t *testing.T) {
	srv := fakeServer(t, serverregion.Handle{Base: 0, Length: 4096, RemoteKey: "rk", SlotCount: 1})
	defer srv.Close()

	mapper := placement.New([]placement.Server{{ID: "s1", Address: srv.URL, Status: placement.Up}})
	pool, err := New(context.Background(), mapper, "client-1", []placement.Server{{ID: "s1", Address: srv.URL, Status: placement.Up}})
	if err != nil {
		t.Fatal(err)
	}
	s, ok := pool.Get("s1")
	if !ok {
		t.Fatal("expected session s1 to be connected")
	}
	if s.Handle.RemoteKey != "rk" {
		t.Fatalf("RemoteKey = %q, want rk", s.Handle.RemoteKey)
	}
	if err := pool.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestPoolMarksUnreachableServerDown(t *testing.T) {
	mapper := placement.New([]placement.Server{
		{ID: "s1", Address: "http://127.0.0.1:1", Status: placement.Up},
	})
	_, err := New(context.Background(), mapper, "client-1", []placement.Server{
		{ID: "s1", Address: "http://127.0.0.1:1", Status: placement.Up},
	})
	if err == nil {
		t.Fatal("expected error when no servers are reachable")
	}
	if got := mapper.Map(0, 1); len(got) != 0 {
		t.Fatalf("Map = %v, want no live servers after s1 failed to connect", got)
	}
}
