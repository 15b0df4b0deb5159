// Package main implements the headlesskv server process: it maps a
// byte-addressable region standing in for persistent memory, registers
// with the monitor, and serves the data-plane Read/Write/CompareAndSwap
// endpoints and the control-plane Connect/Disconnect endpoints described
// in the server bootstrap boundary. The server never interprets slot
// contents; all key/value semantics live in the client.
//
// Configuration:
//   - SERVER_ID: server identifier to register (optional, monitor assigns one if empty)
//   - SERVER_LISTEN: listen address (default ":7100")
//   - SERVER_ADDR: public address advertised to the monitor (default "http://127.0.0.1:7100")
//   - MONITOR_ADDR: monitor base URL (required)
//   - SERVER_SLOT_COUNT: number of slots in the region (default 1 << 20)
package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dreamware/headlesskv/internal/config"
	"github.com/dreamware/headlesskv/internal/hosttune"
	"github.com/dreamware/headlesskv/internal/monitorclient"
	"github.com/dreamware/headlesskv/internal/serverregion"
	"github.com/dreamware/headlesskv/internal/slot"
)

var logFatal = log.Fatalf

// leases tracks which client_id currently holds the region handle; a
// client's first Connect call gets the handle, Disconnect releases it.
// The handle itself never changes, so the lease is bookkeeping only —
// it exists so Disconnect has something to acknowledge and so the
// server can log connect/disconnect churn.
type leases struct {
	mu      sync.Mutex
	clients map[string]bool
}

func newLeases() *leases { return &leases{clients: make(map[string]bool)} }

func (l *leases) add(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients[clientID] = true
}

func (l *leases) remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
}

func main() {
	serverID := getenv("SERVER_ID", "")
	listen := getenv("SERVER_LISTEN", ":7100")
	public := getenv("SERVER_ADDR", "http://127.0.0.1:7100")
	monitorAddr := mustGetenv("MONITOR_ADDR")
	slotCount := getenvInt("SERVER_SLOT_COUNT", 1<<20)

	tuning := hosttune.Apply()
	defer hosttune.Release()
	log.Printf("server host tuning applied: %+v", tuning)

	layout := slot.DefaultLayout
	base := rand.Uint64()
	region := serverregion.New(base, uint64(layout.Size())*uint64(slotCount), uint64(slotCount), newRemoteKey())
	log.Printf("region mapped: %d slots, %d bytes, remote_key=%s", slotCount, region.Handle().Length, region.Handle().RemoteKey)

	ctx := context.Background()
	assignedID := registerWithMonitor(ctx, monitorAddr, serverID, public)

	leases := newLeases()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/connect", handleConnect(region, leases))
	mux.HandleFunc("/disconnect", handleDisconnect(leases))
	mux.HandleFunc("/region/read", handleRegionRead(region))
	mux.HandleFunc("/region/write", handleRegionWrite(region))
	mux.HandleFunc("/region/cas", handleRegionCAS(region))

	s := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("server[%s] listening on %s (public %s)", assignedID, listen, public)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("server stopped")
}

// registerWithMonitor retries registration against a monitor that may
// not yet be up: 10 attempts, 400ms apart.
func registerWithMonitor(ctx context.Context, monitorAddr, id, addr string) string {
	var lastErr error
	for i := 0; i < 10; i++ {
		assigned, err := monitorclient.Register(ctx, monitorAddr, id, addr)
		if err == nil {
			log.Printf("registered with monitor @ %s as %s", monitorAddr, assigned)
			return assigned
		}
		lastErr = err
		log.Printf("monitor register retry %d: %v", i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}
	logFatal("failed to register with monitor: %v", lastErr)
	return ""
}

func handleConnect(region *serverregion.Region, l *leases) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ClientID string `json:"client_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		l.add(req.ClientID)
		log.Printf("client %s connected", req.ClientID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(region.Handle())
	}
}

func handleDisconnect(l *leases) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ClientID string `json:"client_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		l.remove(req.ClientID)
		log.Printf("client %s disconnected", req.ClientID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRegionRead(region *serverregion.Region) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RemoteKey string `json:"remote_key"`
			Offset    uint64 `json:"offset"`
			Length    int    `json:"length"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.RemoteKey != region.Handle().RemoteKey {
			http.Error(w, "bad remote_key", http.StatusForbidden)
			return
		}
		data, err := region.Read(req.Offset, req.Length)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Data []byte `json:"data"`
		}{Data: data})
	}
}

func handleRegionWrite(region *serverregion.Region) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RemoteKey string `json:"remote_key"`
			Offset    uint64 `json:"offset"`
			Data      []byte `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.RemoteKey != region.Handle().RemoteKey {
			http.Error(w, "bad remote_key", http.StatusForbidden)
			return
		}
		if err := region.Write(req.Offset, req.Data); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRegionCAS(region *serverregion.Region) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RemoteKey string `json:"remote_key"`
			Offset    uint64 `json:"offset"`
			Old       uint64 `json:"old"`
			New       uint64 `json:"new"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.RemoteKey != region.Handle().RemoteKey {
			http.Error(w, "bad remote_key", http.StatusForbidden)
			return
		}
		prior, swapped, err := region.CompareAndSwap(req.Offset, req.Old, req.New)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Prior   uint64 `json:"prior"`
			Swapped bool   `json:"swapped"`
		}{Prior: prior, Swapped: swapped})
	}
}

func newRemoteKey() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 16)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustGetenv(k string) string {
	return config.MustGetenv(k, logFatal)
}
