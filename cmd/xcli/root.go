// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package xcli provides the command-line interface for driving a storage
// node's private X-protocol directly: running one-off queries, inspecting
// Pool occupancy, killing a Session, and managing stored Target
// credentials. It implements the subcommands on top of internal/pool,
// internal/handle and internal/credstore using the Cobra CLI framework.
package xcli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xiaoma20082008/polardbx-glue/internal/config"
	"github.com/xiaoma20082008/polardbx-glue/internal/diag"
	"github.com/xiaoma20082008/polardbx-glue/internal/pool"
	"github.com/xiaoma20082008/polardbx-glue/internal/xerrors"
)

// Version is set by the build (ldflags).
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "xcli",
	Short:         "Drive storage-node sessions directly over the private X-protocol",
	Long:          `xcli is a command-line client for the polardbx-glue driver: it runs queries, inspects connection-pool occupancy, kills sessions, and manages stored target credentials.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI application, presenting any returned error and
// exiting 1. Network-shaped failures get the full what-went-wrong banner;
// server-signalled statement errors get the stream-error presenter;
// everything else is printed with secrets masked.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		switch {
		case xerrors.Is(err, xerrors.TransportError),
			xerrors.Is(err, xerrors.Timeout),
			xerrors.Is(err, xerrors.AcquireTimeout):
			_ = diag.FormatNetworkError(err, "talking to the target")
		case xerrors.Is(err, xerrors.SessionError), xerrors.Is(err, xerrors.SessionKilled):
			diag.PresentStreamError(err.Error())
		default:
			fmt.Fprintln(os.Stderr, diag.PresentError("xcli", err))
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the xcli version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("xcli " + Version)
		return nil
	},
}

// sharedPool is the process-lifetime Pool every subcommand acquires
// Handles from. It is created lazily on first use so `xcli version`
// never touches config/credstore.
var sharedPool *pool.Pool

func poolInstance() (*pool.Pool, error) {
	if sharedPool != nil {
		return sharedPool, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	sharedPool = pool.New(cfg)
	return sharedPool, nil
}
