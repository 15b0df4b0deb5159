// Package cluster provides the shared HTTP/JSON transport helpers used
// for every inter-process call in headlesskv that is not raw slot data:
// server-to-monitor registration, client-to-monitor server-list lookups,
// and client-to-server connect/disconnect handshakes. Slot reads,
// writes, and CAS travel over internal/remoteio instead, which has its
// own /region/* request types and error classification.
package cluster
