package main

import (
	"github.com/spf13/cobra"

	"github.com/mattjoyce/conduit/internal/tui/watch"
)

func watchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <path> [json]",
		Short: "Watch a subscription in a terminal UI",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[1:])
			if err != nil {
				return err
			}
			return watch.Run(g.addr, args[0], data)
		},
	}
}
