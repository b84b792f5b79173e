// Package app wires the annotation service together.
//
// The App struct owns the full lifecycle: New builds providers, the language
// registry, usage recorders, the pipeline and its HTTP and MCP surfaces;
// Run serves HTTP until the context ends; Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithRecorder). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/config"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/correct"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/health"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/langprofile"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/mcpserver"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/pipeline"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/resilience"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/server"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage/postgres"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/pkg/provider/llm"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	provider llm.Provider
	failover *resilience.Failover
	recorder usage.Recorder
	store    *postgres.Store
	pipeline *pipeline.Pipeline
	mcp      *mcpserver.Server
	server   *server.Server
	httpSrv  *http.Server
	gatherer prometheus.Gatherer
	logLevel *slog.LevelVar
	version  string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects an LLM provider instead of building the configured
// backends from the registry.
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithRecorder injects a usage recorder instead of the configured sinks.
func WithRecorder(r usage.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithLogLevel lets a config reload adjust the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithGatherer serves /metrics from g instead of prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithVersion sets the version reported over MCP.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New creates an App by wiring all subsystems together. reg supplies the
// LLM factories; it may be nil when WithProvider is used.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: reg,
		gatherer: prometheus.DefaultGatherer,
		version:  "dev",
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. Language registry ─────────────────────────────────────────────
	languages, err := loadLanguages(cfg.Pipeline.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("app: load language rules: %w", err)
	}

	// ── 3. Usage recording ───────────────────────────────────────────────
	if err := a.initUsage(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init usage: %w", err)
	}

	// ── 4. Pipeline ──────────────────────────────────────────────────────
	a.pipeline = pipeline.New(a.provider, languages, pipelineConfig(cfg.Pipeline),
		pipeline.WithRecorder(a.recorder))

	// ── 5. Surfaces ──────────────────────────────────────────────────────
	a.mcp = mcpserver.New(a.pipeline, mcpserver.WithVersion(a.version))
	a.initHTTP()

	return a, nil
}

// initProviders builds the primary LLM and its fallbacks, each behind a
// circuit breaker.
func (a *App) initProviders() error {
	if a.provider != nil {
		return nil
	}
	if a.registry == nil {
		return errors.New("no provider registry and no injected provider")
	}

	entries := append([]config.ProviderEntry{a.cfg.Providers.LLM}, a.cfg.Providers.LLMFallbacks...)
	backends := make([]resilience.Backend, 0, len(entries))
	for i, e := range entries {
		p, err := a.registry.CreateLLM(e)
		if err != nil {
			return fmt.Errorf("llm %d (%s): %w", i, e.Name, err)
		}
		name := e.Name
		if e.Model != "" {
			name += "/" + e.Model
		}
		backends = append(backends, resilience.Backend{Name: name, Provider: p})
	}

	bc := a.cfg.Providers.Breaker
	a.failover = resilience.NewFailover(resilience.BreakerConfig{
		MaxFailures: bc.MaxFailures,
		Cooldown:    bc.Cooldown,
		Probes:      bc.Probes,
	}, backends[0], backends[1:]...)
	a.provider = a.failover

	slog.Info("llm providers ready", "primary", backends[0].Name, "fallbacks", len(backends)-1)
	return nil
}

// initUsage builds the configured usage sinks.
func (a *App) initUsage(ctx context.Context) error {
	if a.recorder != nil {
		return nil
	}

	var sinks usage.Multi
	uc := a.cfg.Usage
	if uc.LogEvents {
		sinks = append(sinks, usage.Logger{L: slog.Default()})
	}
	if uc.EventsFile != "" {
		sinks = append(sinks, usage.NewFileRecorder(uc.EventsFile))
	}
	if uc.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, uc.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		sinks = append(sinks, store)
	}

	switch len(sinks) {
	case 0:
		a.recorder = usage.Nop{}
	case 1:
		a.recorder = sinks[0]
	default:
		a.recorder = sinks
	}
	return nil
}

// initHTTP builds the HTTP surface.
func (a *App) initHTTP() {
	var checkers []health.Checker
	if a.failover != nil {
		checkers = append(checkers, health.Available("llm", a.failover.Available))
	}
	if a.store != nil {
		checkers = append(checkers, health.Ping("usage_store", a.store))
	}

	opts := []server.Option{
		server.WithHealth(health.New(checkers...)),
		server.WithGatherer(a.gatherer),
		server.WithRequestTimeout(a.cfg.Server.RequestTimeout),
	}
	if a.store != nil {
		opts = append(opts, server.WithUsageSummary(a.store))
	}
	if a.cfg.MCP.HTTP {
		opts = append(opts, server.WithMCPHandler(a.mcp.HTTPHandler()))
	}
	a.server = server.New(a.pipeline, opts...)

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Pipeline returns the annotation pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run serves HTTP and blocks until ctx is cancelled or the listener fails.
// A cancelled ctx triggers a graceful HTTP shutdown bounded by
// server.shutdown_timeout and returns nil.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.httpSrv.Addr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: shutdown http: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// ServeMCP serves the MCP tools over stdin/stdout until ctx is cancelled
// or the client disconnects.
func (a *App) ServeMCP(ctx context.Context) error {
	return a.mcp.Run(ctx)
}

// ApplyConfig applies the hot-reloadable parts of a changed config: the log
// level and the language rules overlay. Everything else is logged as
// requiring a restart. It is the config watcher callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	// The watcher also fires when only the rules file content changed, so
	// the overlay is reloaded on every callback.
	languages, err := loadLanguages(new.Pipeline.RulesFile)
	if err != nil {
		slog.Warn("language rules reload failed, keeping previous rules", "path", new.Pipeline.RulesFile, "err", err)
	} else {
		a.pipeline.SetRegistry(languages)
		slog.Info("language rules reloaded", "path", new.Pipeline.RulesFile, "languages", len(languages.Codes()))
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
	}
}

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// loadLanguages returns the builtin registry with the overlay at path
// applied. An empty path means builtin rules only.
func loadLanguages(path string) (*langprofile.Registry, error) {
	reg := langprofile.Default()
	if path == "" {
		return reg, nil
	}
	o, err := langprofile.LoadOverlay(path)
	if err != nil {
		return nil, err
	}
	return reg.WithOverlay(o)
}

// pipelineConfig converts the config section into pipeline.Config.
func pipelineConfig(pc config.PipelineConfig) pipeline.Config {
	return pipeline.Config{
		Retry: resilience.RetryConfig{
			MaxAttempts:  pc.Retry.MaxAttempts,
			InitialDelay: pc.Retry.InitialDelay,
		},
		ProviderRetryBudget: pc.Retry.Budget,
		Correction: correct.Config{
			MaxRounds: pc.Correction.MaxRounds,
			Margin:    pc.Correction.Margin,
		},
		MaxOutputTokens:   pc.MaxOutputTokens,
		CoverageThreshold: pc.CoverageThreshold,
		BatchConcurrency:  pc.BatchConcurrency,
	}
}

// ParseLevel converts a config log level to a slog.Level. Unknown values
// map to info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
