package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func pluginCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Inspect plugins",
	}
	cmd.AddCommand(pluginListCmd(g))
	return cmd
}

func pluginListCmd(g *globals) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins discovered in plugins_dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			registry, err := discoverPlugins(cfg.PluginsDir)
			if err != nil {
				return err
			}

			type row struct {
				Name     string   `json:"name"`
				Version  string   `json:"version"`
				Enabled  bool     `json:"enabled"`
				Commands []string `json:"commands"`
			}
			rows := make([]row, 0, registry.Len())
			for _, name := range registry.Names() {
				p, _ := registry.Get(name)
				enabled := true
				if pc, ok := cfg.Plugins[name]; ok {
					enabled = pc.Enabled
				}
				rows = append(rows, row{Name: p.Name, Version: p.Version, Enabled: enabled, Commands: p.CommandNames()})
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			if len(rows) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No plugins found in %s\n", cfg.PluginsDir)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tENABLED\tCOMMANDS")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", r.Name, r.Version, r.Enabled, strings.Join(r.Commands, ","))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}
