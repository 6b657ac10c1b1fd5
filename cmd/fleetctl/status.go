package main

import (
	"context"
	"fmt"
)

// runStatusCommand hits fleetcored's liveness endpoint, adapted from the
// teacher's status.go which polled /healthz; fleetcored exposes /ping
// instead, so the check is a simple round trip rather than a field-by-
// field health report.
func runStatusCommand(ctx context.Context, addr string) int {
	client := newAPIClient(addr)
	var resp map[string]string
	if err := client.do(ctx, "GET", "/ping", nil, &resp); err != nil {
		fmt.Printf("%s fleetcored unreachable at %s: %v\n", statusIcon(false), addr, err)
		return 1
	}
	fmt.Printf("%s fleetcored reachable at %s (%s)\n", statusIcon(true), addr, resp["ping"])
	return 0
}
