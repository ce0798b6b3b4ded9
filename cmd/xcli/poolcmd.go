// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package xcli

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/xiaoma20082008/polardbx-glue/internal/diag"
	"github.com/xiaoma20082008/polardbx-glue/internal/pool"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect the process connection pool",
}

var poolStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a snapshot of current pool occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := poolInstance()
		if err != nil {
			return err
		}
		fmt.Print(renderPoolStats(p))
		return nil
	},
}

var poolWatchInterval time.Duration

var poolWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Redraw pool occupancy in place on a fixed interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := poolInstance()
		if err != nil {
			return err
		}
		ticker := time.NewTicker(poolWatchInterval)
		defer ticker.Stop()

		var lastLen int
		for {
			text := renderPoolStats(p)
			if lastLen > 0 {
				diag.ClearPreviousLines(lastLen)
			}
			fmt.Print(text)
			lastLen = len(text)

			select {
			case <-cmd.Context().Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func renderPoolStats(p *pool.Pool) string {
	stats := p.Stats()
	if len(stats) == 0 {
		return pterm.Info.Sprintln("no targets touched yet")
	}
	rows := [][]string{{"target", "transports", "in-use", "idle", "waiters"}}
	for _, s := range stats {
		rows = append(rows, []string{
			s.Target,
			fmt.Sprintf("%d", s.Transports),
			fmt.Sprintf("%d", s.SessionsInUse),
			fmt.Sprintf("%d", s.SessionsIdle),
			fmt.Sprintf("%d", s.WaitersWaiting),
		})
	}
	out, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	return out + "\n"
}

func init() {
	rootCmd.AddCommand(poolCmd)
	poolCmd.AddCommand(poolStatsCmd)
	poolCmd.AddCommand(poolWatchCmd)
	poolWatchCmd.Flags().DurationVar(&poolWatchInterval, "interval", 2*time.Second, "redraw interval")
}
