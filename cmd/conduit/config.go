package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/doctor"
	"github.com/mattjoyce/conduit/internal/plugin"
)

func configCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, lock and inspect configuration",
	}
	cmd.AddCommand(configCheckCmd(g), configLockCmd(g), configShowCmd(g))
	return cmd
}

func configCheckCmd(g *globals) *cobra.Command {
	var (
		strict  bool
		jsonOut bool
		format  string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration against plugins and the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOut {
				format = "json"
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			registry, err := discoverPlugins(cfg.PluginsDir)
			if err != nil {
				return err
			}

			result := doctor.New(cfg, registry).Validate()

			w := cmd.OutOrStdout()
			switch format {
			case "json":
				out, err := doctor.FormatJSON(result)
				if err != nil {
					return fmt.Errorf("JSON format error: %w", err)
				}
				fmt.Fprintln(w, out)
			case "human":
				fmt.Fprint(w, doctor.FormatHuman(result))
			default:
				return fmt.Errorf("unknown format %q (human, json)", format)
			}

			if !result.Valid {
				return fmt.Errorf("configuration has %d error(s)", len(result.Errors))
			}
			if strict && len(result.Warnings) > 0 {
				return fmt.Errorf("configuration has %d warning(s) (strict)", len(result.Warnings))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	cmd.Flags().StringVar(&format, "format", "human", "Output format (human, json)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}

func configLockCmd(g *globals) *cobra.Command {
	var verbose, dryRun bool

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Write BLAKE3 checksums for every config file",
		Long: `Hash the configuration file and its includes and write a .checksums
manifest next to them. Load refuses files that no longer match.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.resolveConfig()
			if err != nil {
				return err
			}
			reports, err := config.Lock(path, dryRun)
			if err != nil {
				return fmt.Errorf("failed to lock config: %w", err)
			}

			w := cmd.OutOrStdout()
			for _, report := range reports {
				if verbose || dryRun {
					fmt.Fprintf(w, "Processing directory: %s\n", report.ConfigDir)
					for _, f := range report.Files {
						if !f.Exists {
							fmt.Fprintf(w, "  SKIP %s (missing)\n", f.Filename)
							continue
						}
						fmt.Fprintf(w, "  HASH %s %s\n", f.Filename, f.Hash)
					}
				}
				switch {
				case dryRun:
					fmt.Fprintf(w, "  DRY-RUN would write %s\n", report.ChecksumPath)
				case verbose:
					fmt.Fprintf(w, "  WROTE %s\n", report.ChecksumPath)
				}
			}
			if !dryRun {
				fmt.Fprintf(w, "Locked %d director%s.\n", len(reports), plural(len(reports), "y", "ies"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute hashes without writing")
	return cmd
}

func configShowCmd(g *globals) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			doc, err := cfg.Public()
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), doc)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(doc); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}

// discoverPlugins tolerates a missing plugins_dir; config check reports
// configured plugins that were not found.
func discoverPlugins(dir string) (*plugin.Registry, error) {
	if dir == "" {
		return plugin.NewRegistry(), nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return plugin.NewRegistry(), nil
	}
	registry, err := plugin.Discover(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("plugin discovery error: %w", err)
	}
	return registry, nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
