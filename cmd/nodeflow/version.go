package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/nodeflow/
var version = "dev"

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the nodeflow version",
		Action: func(_ context.Context, cmd *cli.Command) error {
			_, err := fmt.Fprintln(stdout(cmd), version)
			return err
		},
	}
}
