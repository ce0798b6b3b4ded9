// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package xcli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/xiaoma20082008/polardbx-glue/internal/handle"
	"github.com/xiaoma20082008/polardbx-glue/internal/resultstream"
	"github.com/xiaoma20082008/polardbx-glue/internal/wire"
)

var queryTarget targetFlags
var queryStream bool
var queryTimeout time.Duration

var queryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Run one SQL statement against a target and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := queryTarget.resolve()
		if err != nil {
			return err
		}
		p, err := poolInstance()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), queryTimeout)
		defer cancel()

		h, err := p.Acquire(ctx, target, queryTarget.schema)
		if err != nil {
			return err
		}
		defer h.Close()

		if err := h.Init(ctx, 0); err != nil {
			return err
		}
		h.SetMode(handle.ModeFlags{Stream: queryStream})

		sql := args[0]
		upper := strings.ToUpper(strings.TrimSpace(sql))
		if strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "SHOW") {
			stream, err := h.ExecQuery(ctx, sql, nil, handle.ExecOptions{})
			if err != nil {
				return err
			}
			return printRows(stream)
		}

		affected, lastID, err := h.ExecUpdate(ctx, sql, nil, handle.ExecOptions{})
		if err != nil {
			return err
		}
		pterm.Success.Printf("OK, %d row(s) affected, last insert id %d\n", affected, lastID)
		return nil
	},
}

func printRows(stream *resultstream.Stream) error {
	var rows [][]string
	for stream.Next() {
		row := stream.Row()
		cells := make([]string, len(row))
		for i, p := range row {
			cells[i] = formatParam(p)
		}
		rows = append(rows, cells)
	}
	if err := stream.Err(); err != nil {
		return err
	}
	// Column metadata is complete once the terminal frame has arrived,
	// which draining above guarantees.
	cols := stream.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	table := append([][]string{names}, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}

func formatParam(p wire.Param) string {
	switch p.Kind {
	case wire.ParamNull:
		return "NULL"
	case wire.ParamInt64:
		return fmt.Sprintf("%d", p.I64)
	case wire.ParamDouble:
		return fmt.Sprintf("%g", p.F64)
	case wire.ParamString:
		return p.Str
	case wire.ParamBytes:
		return fmt.Sprintf("\\x%x", p.Buf)
	case wire.ParamBool:
		return fmt.Sprintf("%t", p.Bool)
	default:
		return ""
	}
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryTarget.register(queryCmd)
	queryCmd.Flags().BoolVar(&queryStream, "stream", false, "request streamed row delivery instead of buffered")
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 30*time.Second, "overall timeout for the query")
}
