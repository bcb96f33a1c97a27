package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// Version is the current release of cockpit-ws.
const Version = "1.0.0"

// versionCommand prints the build version and exits.
func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(ctx context.Context, c *cli.Command) error {
			fmt.Println("cockpit-ws version " + Version)
			return nil
		},
	}
}
