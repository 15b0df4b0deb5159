// Package main implements the headlesskv monitor: a single-writer
// registry of {server_id -> address} that clients read once at startup.
// The monitor takes no part in individual KV operations.
//
// Configuration:
//   - MONITOR_LISTEN: listen address (default ":7000")
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/headlesskv/internal/registry"

	"github.com/google/uuid"
)

var logFatal = log.Fatalf

func main() {
	listen := getenv("MONITOR_LISTEN", ":7000")
	reg := registry.New()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/servers", handleServers(reg))

	s := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("monitor listening on %s", listen)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("monitor stopped")
}

func handleServers(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req struct {
				ID      string `json:"id"`
				Address string `json:"address"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			id, err := reg.AddServer(req.ID, req.Address, func() string { return uuid.NewString() })
			if err != nil {
				switch err {
				case registry.ErrAlreadyExists:
					http.Error(w, err.Error(), http.StatusConflict)
				default:
					http.Error(w, err.Error(), http.StatusBadRequest)
				}
				return
			}
			log.Printf("registered server %s @ %s", id, req.Address)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(struct {
				ID string `json:"id"`
			}{ID: id})

		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(reg.GetServers())

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
