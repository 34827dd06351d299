// Package app wires the duplex subsystems into a running assistant.
//
// The App struct owns the full lifecycle: New builds the tool registry, the
// conversation log and the HTTP control surface, Run serves until ctx is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options ([WithDevice],
// [WithDialer], [WithStore]). When an option is not provided, New creates real
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

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/internal/health"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/tools"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/convlog"
	"github.com/MrWong99/duplex/pkg/convlog/postgres"
)

// Store persists and searches conversation entries. *postgres.Store
// satisfies it.
type Store interface {
	convlog.Sink
	EntrySearcher
	health.Pinger
	Close()
}

var _ Store = (*postgres.Store)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	devices        *config.Registry
	device         audio.Device
	dial           Dialer
	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	store          Store
	autoConnect    bool

	tools     *tools.Registry
	log       *convlog.Log
	assistant *Assistant
	server    *http.Server

	serverOnce sync.Once
	serverErr  error

	streamStop     chan struct{}
	streamStopOnce sync.Once

	// closers are called in reverse order during Shutdown, after the
	// assistant and the HTTP server stopped.
	closers []func(ctx context.Context) error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects the audio device instead of creating one from
// cfg.Audio.Device. The App still closes it on Shutdown.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithDeviceRegistry sets the registry used to create the audio device.
// Default: [config.NewRegistry], which only knows "null".
func WithDeviceRegistry(r *config.Registry) Option {
	return func(a *App) { a.devices = r }
}

// WithDialer replaces [realtime.Dial].
func WithDialer(d Dialer) Option {
	return func(a *App) { a.dial = d }
}

// WithMetrics records session, playback and tool metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithStore injects the conversation store instead of opening
// cfg.Log.PostgresDSN.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithAutoConnect connects the assistant when Run starts.
func WithAutoConnect(enabled bool) Option {
	return func(a *App) { a.autoConnect = enabled }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It does not dial the
// realtime endpoint; see [App.Run] and [Assistant.Connect].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, streamStop: make(chan struct{})}
	for _, o := range opts {
		o(a)
	}

	if err := a.initDevice(); err != nil {
		return nil, fmt.Errorf("app: init device: %w", err)
	}
	if err := a.initTools(ctx); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initLog(ctx); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("app: init conversation log: %w", err)
	}

	a.assistant = NewAssistant(AssistantConfig{
		Config:  cfg,
		Device:  a.device,
		Tools:   a.tools,
		Log:     a.log,
		Metrics: a.metrics,
		Dial:    a.dial,
	})

	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDevice() error {
	if a.device == nil {
		if a.devices == nil {
			a.devices = config.NewRegistry()
		}
		dev, err := a.devices.CreateDevice(a.cfg.Audio)
		if err != nil {
			return err
		}
		a.device = dev
	}
	a.closers = append(a.closers, func(context.Context) error { return a.device.Close() })
	return nil
}

// initTools registers the configured built-ins and MCP servers. An MCP server
// that cannot be reached is skipped with a warning so the assistant still
// starts.
func (a *App) initTools(ctx context.Context) error {
	tc := a.cfg.Tools
	opts := []tools.Option{
		tools.WithBreaker(tc.Breaker.MaxFailures, tc.Breaker.ResetTimeout),
		tools.WithCallTimeout(tc.CallTimeout),
	}
	if a.metrics != nil {
		opts = append(opts, tools.WithMetrics(a.metrics))
	}
	a.tools = tools.NewRegistry(opts...)
	a.closers = append(a.closers, func(context.Context) error { return a.tools.Close() })

	for _, name := range tc.Builtin {
		bt, ok := tools.Builtin(name)
		if !ok {
			return fmt.Errorf("unknown builtin tool %q", name)
		}
		if err := a.tools.RegisterBuiltin(bt); err != nil {
			return err
		}
	}
	for _, srv := range tc.MCPServers {
		err := a.tools.RegisterServer(ctx, tools.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			slog.Warn("skipping MCP server", "name", srv.Name, "err", err)
			continue
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}
	slog.Info("tools ready", "count", len(a.tools.Tools()))
	return nil
}

func (a *App) initLog(ctx context.Context) error {
	if a.store == nil && a.cfg.Log.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.Log.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
	}

	var opts []convlog.Option
	if a.store != nil {
		opts = append(opts, convlog.WithSink(a.store))
		store := a.store
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
	}
	a.log = convlog.New(opts...)
	a.closers = append(a.closers, a.log.Close)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Assistant returns the realtime session owner.
func (a *App) Assistant() *Assistant { return a.assistant }

// Log returns the conversation log.
func (a *App) Log() *convlog.Log { return a.log }

// Tools returns the tool registry.
func (a *App) Tools() *tools.Registry { return a.tools }

// Handler returns the HTTP surface: probes, metrics and the session control
// routes, wrapped in the tracing and logging middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	checkers := []health.Checker{
		health.Func("realtime", func() error {
			if !a.assistant.Connected() {
				return ErrNotConnected
			}
			return nil
		}),
	}
	if a.store != nil {
		checkers = append(checkers, health.Ping("conversation_store", a.store))
	}
	health.New(checkers...).Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	ctl := &controlHandler{assistant: a.assistant, log: a.log, stop: a.streamStop}
	if a.store != nil {
		ctl.search = a.store
	}
	ctl.Register(mux)

	var h http.Handler = mux
	if a.metrics != nil {
		h = observe.Middleware(a.metrics)(h)
	}
	return h
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// serverShutdownTimeout bounds the graceful HTTP stop when Run's ctx ends.
const serverShutdownTimeout = 5 * time.Second

// Run serves the HTTP surface, if configured, and blocks until ctx is
// cancelled. The HTTP server stops with ctx; the assistant keeps running until
// [App.Shutdown]. With [WithAutoConnect] it connects the assistant first; a failed
// connect is logged and left to the control surface to retry.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
		slog.Info("http server listening", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve http: %w", err)
			}
			return nil
		})
	}

	if a.autoConnect {
		if err := a.assistant.Connect(ctx); err != nil {
			slog.Error("auto-connect failed", "err", err)
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := a.shutdownServer(sctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return ctx.Err()
	})
	slog.Info("app running", "device", a.cfg.Audio.Device, "tools", len(a.tools.Tools()))
	return g.Wait()
}

func (a *App) shutdownServer(ctx context.Context) error {
	a.streamStopOnce.Do(func() { close(a.streamStop) })
	if a.server == nil {
		return nil
	}
	a.serverOnce.Do(func() {
		if err := a.server.Shutdown(ctx); err != nil {
			a.serverErr = fmt.Errorf("app: shutdown http: %w", err)
		}
	})
	return a.serverErr
}

// ApplyConfig hot-applies the differences between old and new. It has the
// shape of the [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.InstructionsChanged || d.VoiceChanged {
		if err := a.assistant.ApplyConfig(new); err != nil {
			slog.Warn("failed to update live session", "err", err)
		} else {
			slog.Info("session config updated", "instructions", d.InstructionsChanged, "voice", d.VoiceChanged)
		}
	}
	if d.ToolsChanged {
		slog.Warn("tool configuration changed; restart to apply")
	}
	if d.RestartRequired {
		slog.Warn("config changes require a restart to take effect")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects the assistant, stops the HTTP server and closes every
// subsystem in order. It is safe to call more than once; later calls return
// the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		if err := a.assistant.Disconnect(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = append(errs, err)
		}
		errs = append(errs, a.shutdownServer(ctx))
		errs = append(errs, a.close(ctx))
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
