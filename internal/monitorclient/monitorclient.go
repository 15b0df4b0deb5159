// Package monitorclient is the client side of the monitor boundary:
// a one-shot read of the current server list at startup. Clients never
// poll the monitor again during a session; membership changes are out
// of scope (see spec's no-dynamic-rebalancing non-goal).
package monitorclient

import (
	"context"

	"github.com/dreamware/headlesskv/internal/cluster"
	"github.com/dreamware/headlesskv/internal/placement"
	"github.com/dreamware/headlesskv/internal/registry"
)

// FetchServers reads the server list from the monitor at monitorAddr and
// converts it to the placement package's Server type, all marked Up.
func FetchServers(ctx context.Context, monitorAddr string) ([]placement.Server, error) {
	var infos []registry.ServerInfo
	if err := cluster.GetJSON(ctx, monitorAddr+"/servers", &infos); err != nil {
		return nil, err
	}
	out := make([]placement.Server, len(infos))
	for i, info := range infos {
		out[i] = placement.Server{ID: info.ID, Address: info.Address, Status: placement.Up}
	}
	return out, nil
}

// Register registers this server's own address with the monitor,
// returning the assigned id. Used by cmd/server at startup.
func Register(ctx context.Context, monitorAddr, id, address string) (string, error) {
	var resp cluster.AddServerResponse
	if err := cluster.PostJSON(ctx, monitorAddr+"/servers", cluster.AddServerRequest{ID: id, Address: address}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}
