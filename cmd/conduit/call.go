package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/transport"
)

func callCmd(g *globals) *cobra.Command {
	var (
		timeout time.Duration
		raw     bool
	)

	cmd := &cobra.Command{
		Use:   "call <path> [json]",
		Short: "Call a path and print the response",
		Long: `Send one call to a running daemon and print the response data.

Examples:
  conduit call /environment/os
  conduit call /data/notes '{"set": "hello", "filter": "title"}'
  conduit call /process/uptime`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[1:])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := transport.Dial(ctx, transport.WebSocketURL(g.addr), transport.DefaultConfig())
			if err != nil {
				return err
			}
			defer client.Close()

			out, err := client.Call(ctx, args[0], data)
			if err != nil {
				return err
			}
			if raw {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			if !out.OK() {
				return frameError(out)
			}
			return writeJSON(cmd.OutOrStdout(), out.Data)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Time to wait for the response")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the whole response frame")
	return cmd
}

func frameError(out *protocol.Outbound) error {
	if out.Message != "" {
		return fmt.Errorf("%d: %s", out.Status, out.Message)
	}
	return fmt.Errorf("status %d", out.Status)
}
