// Command conduit runs the conduit daemon and talks to a running one.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/conduit/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultAddr = "http://127.0.0.1:8765"

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	addr       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "conduit",
		Short: "Path-routed call/subscribe daemon",
		Long: `conduit exposes internal services as addressable paths.

Clients call a path for a single answer or subscribe to it for a stream of
updates, over one multiplexed WebSocket or plain HTTP and SSE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to configuration file or directory")
	root.PersistentFlags().StringVar(&g.addr, "addr", envOr("CONDUIT_ADDR", defaultAddr), "Daemon address for client commands")

	root.AddCommand(
		startCmd(g),
		callCmd(g),
		subscribeCmd(g),
		watchCmd(g),
		configCmd(g),
		pluginCmd(g),
		versionCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadConfig loads the --config path, or the discovered default location.
func (g *globals) loadConfig() (*config.Config, error) {
	path, err := g.resolveConfig()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config load error: %w", err)
	}
	return cfg, nil
}

func (g *globals) resolveConfig() (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	discovered, err := config.DiscoverConfig()
	if err != nil {
		return "", fmt.Errorf("failed to discover config: %w", err)
	}
	return discovered, nil
}

// parseData reads an optional JSON argument.
func parseData(args []string) (json.RawMessage, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	if !json.Valid([]byte(args[0])) {
		return nil, fmt.Errorf("data must be valid JSON: %s", args[0])
	}
	return json.RawMessage(args[0]), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
