// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package xcli

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var killTarget targetFlags
var killWithClose bool

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Acquire a session and immediately kill it",
	Long:  `kill acquires a fresh Handle on the named target and kills the underlying session, useful for exercising the server's session-killed notice path or clearing a stuck lazy-prepared transaction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := killTarget.resolve()
		if err != nil {
			return err
		}
		p, err := poolInstance()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		h, err := p.Acquire(ctx, target, killTarget.schema)
		if err != nil {
			return err
		}
		if err := h.Kill(true, killWithClose); err != nil {
			return err
		}
		pterm.Success.Println("session killed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(killCmd)
	killTarget.register(killCmd)
	killCmd.Flags().BoolVar(&killWithClose, "close", true, "also close the handle after killing the session")
}
