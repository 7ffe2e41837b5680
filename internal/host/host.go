// Package host wires stores, engines, the bridge and the outer services into
// the two execution contexts of a running process.
//
// The foreground Host owns the local engine, the selector, recovery and the
// submission service. The background context runs either in-process over a
// pipe or in a separate worker process reached through NATS.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rendis/genflow/internal/background"
	"github.com/rendis/genflow/internal/bridge"
	"github.com/rendis/genflow/internal/engine"
	"github.com/rendis/genflow/internal/executors"
	"github.com/rendis/genflow/internal/expressions"
	"github.com/rendis/genflow/internal/generation"
	"github.com/rendis/genflow/internal/janitor"
	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/internal/metrics"
	"github.com/rendis/genflow/internal/recovery"
	"github.com/rendis/genflow/internal/rpc"
	"github.com/rendis/genflow/internal/selector"
	"github.com/rendis/genflow/internal/service"
	"github.com/rendis/genflow/internal/store"
	"github.com/rendis/genflow/internal/streaming"
	"github.com/rendis/genflow/internal/validation"
)

const (
	// DefaultChannel names the NATS subject pair when none is configured.
	DefaultChannel = "default"
	subjectPrefix  = "genflow"
	memoryDB       = ":memory:"
)

// Config is the process configuration of both contexts.
type Config struct {
	DBPath            string
	PoolSize          int
	ForegroundTimeout time.Duration
	MaxSteps          int
	PingTimeout       time.Duration
	SubmitTimeout     time.Duration
	RecoveryWindow    time.Duration
	Retention         time.Duration
	PurgeSchedule     string
	NATSURL           string
	Channel           string
	Generation        generation.Config
	Breaker           selector.BreakerConfig
}

// BackgroundMode selects how the foreground reaches a background context.
type BackgroundMode int

const (
	// BackgroundInProcess runs the background engine in this process over a
	// pipe, or connects to a worker when NATSURL is set.
	BackgroundInProcess BackgroundMode = iota
	// BackgroundNone runs everything on the local engine.
	BackgroundNone
)

// Option configures Open.
type Option func(*options)

type options struct {
	mode      BackgroundMode
	store     store.Store
	generator executors.Generator
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func WithBackground(m BackgroundMode) Option     { return func(o *options) { o.mode = m } }
func WithStore(s store.Store) Option             { return func(o *options) { o.store = s } }
func WithGenerator(g executors.Generator) Option { return func(o *options) { o.generator = g } }
func WithMetrics(m *metrics.Metrics) Option      { return func(o *options) { o.metrics = m } }
func WithLogger(l *slog.Logger) Option           { return func(o *options) { o.logger = l } }

// Host is the foreground context of a process.
type Host struct {
	Store    store.Store
	Hub      *streaming.MemoryHub
	Metrics  *metrics.Metrics
	Engine   *engine.Engine
	Selector *selector.Selector
	Recovery *recovery.Coordinator
	Service  *service.Service
	Janitor  *janitor.Janitor
	// Client is nil when no background context is configured.
	Client *background.Client

	logger     *slog.Logger
	foreground *bridge.Foreground
	closers    []func()
}

// Open builds the foreground context and, unless disabled, connects it to a
// background context. The caller runs recovery when it is ready to.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Host, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	h := &Host{Metrics: o.metrics, logger: o.logger}
	opened := false
	defer func() {
		if !opened {
			h.Close()
		}
	}()

	if o.store == nil {
		st, err := OpenStore(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		o.store = st
		h.closers = append(h.closers, func() { _ = st.Close() })
	}
	h.Store = o.store

	v, err := validation.New()
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	if o.generator == nil {
		o.generator = generation.NewClient(cfg.Generation, o.logger)
	}
	guards, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create guard engine: %w", err)
	}

	h.Hub = streaming.NewMemoryHub()
	canvas := &bridge.HubInserter{Hub: h.Hub}
	registry := Tools(o.generator, v, canvas)
	h.Engine = engine.New(h.Store, h.Hub, registry, engine.Config{
		Role:              engine.RoleForeground,
		PoolSize:          cfg.PoolSize,
		ForegroundTimeout: cfg.ForegroundTimeout,
		MaxSteps:          cfg.MaxSteps,
	},
		engine.WithLogger(o.logger),
		engine.WithMetrics(o.metrics),
		engine.WithGuards(guards),
		engine.WithStepHook(engine.CanvasInsertHook(canvas, o.logger)),
	)
	h.closers = append(h.closers, h.Engine.Close)

	if o.mode == BackgroundInProcess {
		conn, err := h.connectBackground(ctx, cfg, o, v)
		if err != nil {
			return nil, err
		}
		peer := rpc.NewPeer(conn, o.logger)
		h.foreground = bridge.NewForeground(peer, registry, canvas, o.logger)
		h.Client = background.NewClient(peer, h.Hub, o.logger)
		peer.Start()
		h.closers = append(h.closers, func() { _ = peer.Close() })
		if err := h.foreground.Attach(ctx); err != nil {
			o.logger.Warn("foreground attach failed", "error", err)
		}
	}

	var backend selector.Backend
	if h.Client != nil {
		backend = h.Client
	}
	h.Selector = selector.New(h.Engine, backend, selector.Config{
		PingTimeout:   cfg.PingTimeout,
		SubmitTimeout: cfg.SubmitTimeout,
		Breaker:       cfg.Breaker,
	}, selector.WithLogger(o.logger), selector.WithMetrics(o.metrics))

	recOpts := []recovery.Option{recovery.WithLogger(o.logger), recovery.WithMetrics(o.metrics)}
	if cfg.RecoveryWindow > 0 {
		recOpts = append(recOpts, recovery.WithWindow(cfg.RecoveryWindow))
	}
	h.Recovery = recovery.New(h.Store, h.Hub, h.Selector, recOpts...)
	h.Service = service.New(h.Selector, h.Store, h.Hub, v, service.WithLogger(o.logger))

	h.Janitor, err = janitor.New(h.Store, janitor.Config{
		Schedule:  cfg.PurgeSchedule,
		Retention: cfg.Retention,
	}, h.Recovery, o.metrics, o.logger)
	if err != nil {
		return nil, err
	}
	opened = true
	return h, nil
}

// connectBackground returns the foreground end of the bridge connection: a
// NATS subject pair when NATSURL is set, an in-process background otherwise.
func (h *Host) connectBackground(ctx context.Context, cfg Config, o options, v *validation.Validator) (rpc.Conn, error) {
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("genflow-foreground"))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		h.closers = append(h.closers, func() { _ = nc.Drain() })
		toFg, toBg := rpc.Subjects(subjectPrefix, channelOf(cfg))
		conn, err := rpc.NewNATSConn(nc, toFg, toBg)
		if err != nil {
			return nil, err
		}
		o.logger.Info("connected to background worker channel", "url", cfg.NATSURL, "subject", toBg)
		return conn, nil
	}

	fgEnd, bgEnd := rpc.Pipe()
	bg, err := StartBackground(ctx, cfg, h.Store, bgEnd, o.generator, v, o.metrics, o.logger)
	if err != nil {
		_ = fgEnd.Close()
		return nil, err
	}
	h.closers = append(h.closers, bg.Close)
	return fgEnd, nil
}

// Close releases everything Open created, newest first.
func (h *Host) Close() {
	if h.Janitor != nil {
		h.Janitor.Stop()
	}
	if h.foreground != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = h.foreground.Detach(ctx)
		cancel()
	}
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
	h.closers = nil
}

// Background is a running background context.
type Background struct {
	Engine    *engine.Engine
	Hub       *streaming.MemoryHub
	Requester *bridge.Requester

	worker *background.Worker
	peer   *rpc.Peer
}

// StartBackground serves a background engine on conn. Foreground-only tools
// and canvas inserts travel back over the same connection.
func StartBackground(ctx context.Context, cfg Config, st store.Store, conn rpc.Conn, gen executors.Generator,
	v *validation.Validator, m *metrics.Metrics, logger *slog.Logger) (*Background, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	guards, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create guard engine: %w", err)
	}

	peer := rpc.NewPeer(conn, logger)
	req := bridge.NewRequester(peer, logger)
	req.OnAttachChange(func(attached bool) {
		logger.Info("foreground attach state changed", "attached", attached)
	})
	worker := background.NewWorker(peer, logger)
	peer.Start()

	hub := streaming.NewMemoryHub()
	eng := engine.New(st, hub, Tools(gen, v, nil), engine.Config{
		Role:              engine.RoleBackground,
		PoolSize:          cfg.PoolSize,
		ForegroundTimeout: cfg.ForegroundTimeout,
		MaxSteps:          cfg.MaxSteps,
	},
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithGuards(guards),
		engine.WithForeground(req),
		engine.WithStepHook(engine.CanvasInsertHook(&bridge.AsyncInserter{Inner: req, Logger: logger}, logger)),
	)
	if err := worker.Ready(ctx, eng, hub); err != nil {
		eng.Close()
		_ = peer.Close()
		return nil, err
	}
	return &Background{Engine: eng, Hub: hub, Requester: req, worker: worker, peer: peer}, nil
}

// Close stops forwarding, the engine and the connection.
func (b *Background) Close() {
	b.worker.Close()
	b.Engine.Close()
	_ = b.peer.Close()
}

// RunWorker runs a standalone background context on the NATS channel of cfg
// until ctx is cancelled.
func RunWorker(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if cfg.NATSURL == "" {
		return fmt.Errorf("worker needs nats_url")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	st, err := OpenStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := validation.New()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("genflow-background"))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Drain()

	toFg, toBg := rpc.Subjects(subjectPrefix, channelOf(cfg))
	conn, err := rpc.NewNATSConn(nc, toBg, toFg)
	if err != nil {
		return err
	}
	bg, err := StartBackground(ctx, cfg, st, conn, generation.NewClient(cfg.Generation, logger), v, metrics.New(), logger)
	if err != nil {
		return err
	}
	defer bg.Close()

	logger.Info("background worker listening", "subject", toBg)
	<-ctx.Done()
	return nil
}

// OpenStore opens and migrates the libSQL store at path. An empty path or
// ":memory:" gives an in-memory store.
func OpenStore(ctx context.Context, path string) (store.Store, error) {
	if path == "" || path == memoryDB {
		return store.NewMemoryStore(), nil
	}
	dsn, file, err := storeDSN(path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// storeDSN turns a db path into a libSQL URL. Plain paths, with "~" expanded,
// become file: URLs and file names the local file; URLs pass through.
func storeDSN(path string) (dsn, file string, err error) {
	for _, scheme := range []string{"libsql://", "http://", "https://"} {
		if strings.HasPrefix(path, scheme) {
			return path, "", nil
		}
	}
	file = strings.TrimPrefix(path, "file:")
	if file == "~" || strings.HasPrefix(file, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("expand db path %q: %w", path, err)
		}
		file = filepath.Join(home, strings.TrimPrefix(file, "~"))
	}
	return "file:" + file, file, nil
}

// Tools returns a registry with every built-in tool. canvas is nil in the
// background, where canvas tools are handed off to the foreground.
func Tools(gen executors.Generator, v *validation.Validator, canvas executors.Canvas) *executors.Registry {
	return executors.NewRegistry().MustRegister(
		executors.NewImageExecutor(gen),
		executors.NewVideoExecutor(gen),
		executors.NewAnalyzeExecutor(gen, expressions.NewGoJQEngine(), v, executors.DefaultPlanQuery),
		executors.NewInsertMindmapExecutor(canvas),
		executors.NewInsertToCanvasExecutor(canvas),
	)
}

func channelOf(cfg Config) string {
	if cfg.Channel == "" {
		return DefaultChannel
	}
	return cfg.Channel
}
