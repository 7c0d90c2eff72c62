package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/conduit/internal/transport"
)

func subscribeCmd(g *globals) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "subscribe <path> [json]",
		Short: "Subscribe to a path and print events as JSON lines",
		Long: `Subscribe to a path on a running daemon. Each event is printed as one
line of JSON until interrupted, the daemon closes the stream, or --count
events have arrived.

Examples:
  conduit subscribe /data/notes
  conduit subscribe /fs/watch/etc/hosts --count 2
  conduit subscribe /telemetry`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[1:])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			client, err := transport.Dial(dialCtx, transport.WebSocketURL(g.addr), transport.DefaultConfig())
			if err != nil {
				cancel()
				return err
			}
			defer client.Close()

			sub, err := client.Subscribe(dialCtx, args[0], data)
			cancel()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "subscribed to %s\n", sub.Ack.Topic)

			enc := json.NewEncoder(cmd.OutOrStdout())
			seen := 0
			for {
				select {
				case <-ctx.Done():
					unsubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_, _ = sub.Unsubscribe(unsubCtx)
					return nil
				case ev, ok := <-sub.Events():
					if !ok {
						if err := client.Err(); err != nil && err != transport.ErrClientClosed {
							return fmt.Errorf("stream ended: %w", err)
						}
						return nil
					}
					if !ev.OK() {
						return frameError(ev)
					}
					if err := enc.Encode(ev.Data); err != nil {
						return err
					}
					seen++
					if count > 0 && seen >= count {
						unsubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
						defer cancel()
						_, err := sub.Unsubscribe(unsubCtx)
						return err
					}
				}
			}
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many events (0 = unlimited)")
	return cmd
}
