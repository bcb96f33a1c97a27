package main

import (
	"fmt"
	"os/exec"

	"github.com/cockpit-project/cockpit-ws/internal/creds"
	"github.com/cockpit-project/cockpit-ws/internal/transport"
	"github.com/cockpit-project/cockpit-ws/internal/wsconfig"
)

// SpawnBridge starts one bridge subprocess per session and wraps its
// stdio in a PipeTransport. The bridge binary itself, and everything
// it implements as channel payload types, is out of scope for this
// module (§1's "out of scope, consumed only through
// interfaces"); this is the seam where a real deployment substitutes
// its own bridge path, container exec, or SSH relay.
type SpawnBridge func(cr *creds.Credentials) (transport.Transport, error)

// defaultSpawnBridge execs bridgePath as a child process per session,
// passing the credential's application name so the bridge can select
// its own startup behavior (a cockpit bridge supports "cockpit+=app").
func defaultSpawnBridge(bridgePath string, cfg *wsconfig.Config) SpawnBridge {
	return func(cr *creds.Credentials) (transport.Transport, error) {
		cmd := exec.Command(bridgePath, cr.Application())

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("bridge stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("bridge stdout pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting bridge: %w", err)
		}

		return transport.NewPipeTransport(stdout, stdin, cfg.HighWaterMark), nil
	}
}
