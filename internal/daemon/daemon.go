// Package daemon is the composition root: it builds the router, mounts every
// collaborator endpoint and serves the transport until shut down.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sort"

	"go.opentelemetry.io/otel"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/endpoint"
	"github.com/mattjoyce/conduit/internal/envinfo"
	"github.com/mattjoyce/conduit/internal/fswatch"
	"github.com/mattjoyce/conduit/internal/lock"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/metrics"
	"github.com/mattjoyce/conduit/internal/plugin"
	"github.com/mattjoyce/conduit/internal/proc"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/state"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/telemetry"
	"github.com/mattjoyce/conduit/internal/transport"
)

const tracerName = "github.com/mattjoyce/conduit"

// Daemon holds every long-lived component of a running conduit.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	metrics *metrics.Collectors
	hub     *telemetry.Hub
	router  *router.Router
	server  *transport.Server
	env     *envinfo.Environment
	plugins *plugin.Registry

	// endpoints are shut down in reverse order on Close.
	endpoints []*endpoint.Endpoint
	data      []*endpoint.DataEndpoint
}

// New opens state and builds the router with every collaborator mounted.
// The caller owns the returned Daemon and must Close it.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	d := &Daemon{
		cfg:    cfg,
		logger: log.WithComponent("daemon"),
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	d.db = db

	d.metrics = metrics.New(nil, metrics.WithNamespace(cfg.Metrics.Namespace))
	d.hub = telemetry.NewHub(telemetry.DefaultCapacity)

	ropts := append([]router.Option{
		router.WithLogger(log.WithComponent("router")),
		router.WithTracer(otel.Tracer(tracerName)),
	}, d.metrics.RouterOptions()...)
	d.router = router.New(ropts...)

	if err := d.mount(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}

	sopts := []transport.ServerOption{
		transport.WithLogger(log.WithComponent("transport")),
		transport.WithConnObserver(d.hub),
	}
	if cfg.Metrics.Enabled {
		sopts = append(sopts, transport.WithMetrics(d.metrics, d.metrics.Handler()))
	}
	d.server = transport.NewServer(transportConfig(cfg.Transport), d.router, sopts...)
	return d, nil
}

func transportConfig(tc config.TransportConfig) transport.Config {
	return transport.Config{
		Listen:          tc.Listen,
		ReadTimeout:     tc.ReadTimeout,
		WriteTimeout:    tc.WriteTimeout,
		Heartbeat:       tc.Heartbeat,
		MaxMessageBytes: tc.MaxMessageBytes,
		OutboundQueue:   tc.OutboundQueue,
	}
}

func (d *Daemon) endpointOptions(component string) []endpoint.Option {
	return []endpoint.Option{
		endpoint.WithLogger(log.WithComponent(component)),
		endpoint.WithObserver(d.metrics),
		endpoint.WithObserver(d.hub),
	}
}

// mount registers the collaborators. Data endpoints come first so a
// misconfigured mount fails before any goroutine starts.
func (d *Daemon) mount(ctx context.Context) error {
	public, err := d.cfg.Public()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	cfgEP, err := endpoint.NewData(ctx, "config", public,
		endpoint.WithEndpointOptions(d.endpointOptions("config")...))
	if err != nil {
		return err
	}
	if err := d.handleData("/config", cfgEP); err != nil {
		return err
	}

	docs := state.NewDocStore(d.db)
	names := make([]string, 0, len(d.cfg.Data))
	for name := range d.cfg.Data {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dc := d.cfg.Data[name]
		opts := []endpoint.DataOption{endpoint.WithEndpointOptions(d.endpointOptions("data")...)}
		if dc.Writable {
			opts = append(opts, endpoint.Writable())
		}
		if dc.Persist {
			opts = append(opts, endpoint.WithStore(docs))
		}
		de, err := endpoint.NewData(ctx, name, dc.Initial, opts...)
		if err != nil {
			return err
		}
		if err := d.handleData(dc.Mount, de); err != nil {
			return err
		}
	}

	scanner := envinfo.NewScanner(d.cfg.Environment.Tools)
	env, err := envinfo.New(ctx, scanner, d.cfg.Environment.RescanInterval, d.endpointOptions("envinfo")...)
	if err != nil {
		return err
	}
	d.env = env
	if err := d.handleData("/environment", env.DataEndpoint); err != nil {
		return err
	}

	tel := telemetry.NewEndpoint(d.hub, d.endpointOptions("telemetry")...)
	if err := d.router.Handle("/telemetry", tel); err != nil {
		return err
	}
	d.endpoints = append(d.endpoints, tel)

	runner := proc.NewRunner(log.WithComponent("proc"))
	procs := proc.NewProcesses(d.cfg.Processes, runner, state.NewRunLog(d.db), d.endpointOptions("proc")...)
	if err := procs.Register(d.router); err != nil {
		return err
	}
	d.endpoints = append(d.endpoints, procs.Endpoint)

	watcher := fswatch.New(d.cfg.Watch.Roots, d.cfg.Watch.PollInterval, d.endpointOptions("fswatch")...)
	if err := d.router.Handle(fswatch.Pattern, watcher); err != nil {
		return err
	}
	d.endpoints = append(d.endpoints, watcher.Endpoint)

	reg, err := discoverPlugins(d.cfg.PluginsDir, d.logger)
	if err != nil {
		return err
	}
	d.plugins = reg
	sub, err := plugin.NewRouter(plugin.NewHost(reg, d.cfg.Plugins, runner),
		router.WithLogger(log.WithComponent("plugin")))
	if err != nil {
		return err
	}
	if err := d.router.Mount("/plugins", sub); err != nil {
		return err
	}

	d.logger.Info("endpoints mounted",
		"data", len(names),
		"processes", len(d.cfg.Processes),
		"plugins", reg.Len(),
	)
	return nil
}

// discoverPlugins returns an empty registry when dir is unset or absent.
func discoverPlugins(dir string, logger *slog.Logger) (*plugin.Registry, error) {
	if dir == "" {
		return plugin.NewRegistry(), nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		logger.Warn("plugins_dir does not exist, no plugins loaded", "plugins_dir", dir)
		return plugin.NewRegistry(), nil
	}
	reg, err := plugin.Discover(dir, log.WithComponent("plugin"))
	if err != nil {
		return nil, fmt.Errorf("failed to discover plugins: %w", err)
	}
	return reg, nil
}

func (d *Daemon) handleData(mount string, de *endpoint.DataEndpoint) error {
	if err := d.router.HandleAll([]string{mount, mount + "/*"}, de); err != nil {
		return fmt.Errorf("failed to mount %s: %w", mount, err)
	}
	d.data = append(d.data, de)
	d.endpoints = append(d.endpoints, de.Endpoint)
	return nil
}

// Router returns the root router.
func (d *Daemon) Router() *router.Router {
	return d.router
}

// Handler returns the HTTP handler serving the transport.
func (d *Daemon) Handler() http.Handler {
	return d.server.Handler()
}

// Hub returns the telemetry hub.
func (d *Daemon) Hub() *telemetry.Hub {
	return d.hub
}

// Plugins returns the discovered plugin registry.
func (d *Daemon) Plugins() *plugin.Registry {
	return d.plugins
}

// Serve starts the background rescans and the HTTP server and blocks until
// ctx is cancelled or the server fails.
func (d *Daemon) Serve(ctx context.Context) error {
	go d.env.Run(ctx)

	d.hub.Publish("daemon.started", map[string]any{
		"name":   d.cfg.Service.Name,
		"listen": d.cfg.Transport.Listen,
	})

	err := d.server.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close ends every session and topic, stops persistence and closes state.
func (d *Daemon) Close() error {
	if d.server != nil {
		d.server.CloseSessions()
	}

	var errs []error
	ctx := context.Background()
	for i := len(d.endpoints) - 1; i >= 0; i-- {
		if err := d.endpoints[i].Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", d.endpoints[i].Name(), err))
		}
	}
	for _, de := range d.data {
		de.Close()
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close state database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run sets up logging, takes the PID lock and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("daemon")

	pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := pidLock.Release(); err != nil {
			logger.Warn("failed to release PID lock", "error", err)
		}
	}()

	d, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	logger.Info("conduit starting",
		"name", cfg.Service.Name,
		"listen", cfg.Transport.Listen,
		"state", cfg.State.Path,
		"config_files", len(cfg.Files),
	)
	if err := d.Serve(ctx); err != nil {
		return err
	}
	logger.Info("conduit stopped")
	return nil
}
