// Package timewarden is a durable, cluster-aware timer scheduler: one-off
// delays, fixed-period intervals, cron-style calendar events and absolute
// alarms that survive process restarts and do not double-fire across
// multiple instances sharing a backing store.
//
// Package timewarden is a thin facade over internal/sched, internal/store,
// internal/dispatcher and internal/cluster, the same way the teacher's
// provisr.go is a thin facade over its internal packages.
package timewarden

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/timewarden/internal/cluster"
	cfg "github.com/loykin/timewarden/internal/config"
	"github.com/loykin/timewarden/internal/dispatcher"
	"github.com/loykin/timewarden/internal/logger"
	"github.com/loykin/timewarden/internal/metrics"
	"github.com/loykin/timewarden/internal/registry"
	"github.com/loykin/timewarden/internal/sched"
	"github.com/loykin/timewarden/internal/store"
	"github.com/loykin/timewarden/internal/timerow"
)

// Re-exported types and errors for external consumers. Aliases keep
// conversions zero-cost, per the teacher's re-export convention.

type Timer = timerow.Row
type Callable = sched.Callable
type Options = sched.Options
type CreateSpec = sched.CreateSpec

var ErrInvalidCron = sched.ErrInvalidCron
var ErrInvalidSpec = sched.ErrInvalidSpec

type Registry = registry.Registry
type Handler = registry.Handler

func NewRegistry() *Registry { return registry.New() }

// Scheduler is the embeddable entry point: construct one per process with
// New, register handlers on its Registry, then Start its worker.
type Scheduler struct {
	adapter     store.Adapter
	api         *sched.Scheduler
	worker      *dispatcher.Worker
	broadcaster *cluster.Broadcaster
	registry    *registry.Registry
	log         *slog.Logger
}

// fanoutBroadcaster is the sched.Broadcaster wired into every Scheduler: it
// notifies the co-located worker in-process before fanning the same hint out
// to remote peers, so a single-node scheduler (peers == nil) still wakes its
// own dispatcher on create/cancel instead of relying on the next unrelated
// refresh. worker already satisfies cluster.Dispatcher; the two methods below
// are the ctx-dropping adapter that bridges it to sched.Broadcaster's
// context-carrying signatures.
type fanoutBroadcaster struct {
	worker *dispatcher.Worker
	remote *cluster.Broadcaster
}

func (f fanoutBroadcaster) Refresh(ctx context.Context) {
	f.worker.Refresh()
	f.remote.Refresh(ctx)
}

func (f fanoutBroadcaster) SetNextExpiry(ctx context.Context, at time.Time) {
	f.worker.SetNextExpiry(at)
	f.remote.SetNextExpiry(ctx, at)
}

// Config mirrors internal/config.Config; LoadConfig reads one from disk the
// way the teacher's LoadConfig reads process-manager config.
type Config = cfg.Config

func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// New constructs a Scheduler backed by a store adapter resolved from dsn
// (see internal/store.NewFromDSN for the supported schemes), wired to the
// given registry and cluster peers. It does not start the dispatcher worker
// or run EnsureSchema — call EnsureSchema then Start explicitly.
func New(dsn string, reg *Registry, peers []string, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{registry: reg, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	adapter, err := store.NewFromDSN(dsn, "")
	if err != nil {
		return nil, err
	}
	s.adapter = adapter

	executor := dispatcher.NewRegistryExecutor(reg, s.log)
	s.worker = dispatcher.New(adapter, executor, dispatcher.WithLogger(s.log))

	s.broadcaster = cluster.NewBroadcaster(peers, cluster.WithBroadcastLogger(s.log))
	s.api = sched.New(adapter, sched.WithBroadcaster(fanoutBroadcaster{worker: s.worker, remote: s.broadcaster}))
	return s, nil
}

type Option func(*Scheduler)

func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// NewFromConfig builds a Scheduler from a loaded Config, wiring the store
// DSN/table name, orphan-reclaim window, execution threshold and cluster
// peers in one call. This is what cmd/timewarden uses.
func NewFromConfig(c *Config, reg *Registry, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{registry: reg, log: slog.Default()}
	if c.Log != nil {
		s.log = logger.New(logger.Config{
			Dir: c.Log.Dir, Stdout: c.Log.Stdout,
			MaxSizeMB: c.Log.MaxSizeMB, MaxBackups: c.Log.MaxBackups, MaxAgeDays: c.Log.MaxAgeDays,
			Compress: c.Log.Compress, Level: c.Log.Level,
		})
	}
	for _, opt := range opts {
		opt(s)
	}

	adapter, err := store.NewFromDSN(c.Store.DSN, c.Store.TableName)
	if err != nil {
		return nil, err
	}
	s.adapter = adapter

	executor := dispatcher.NewRegistryExecutor(reg, s.log)
	s.worker = dispatcher.New(adapter, executor,
		dispatcher.WithLogger(s.log),
		dispatcher.WithOrphanWindow(c.OrphanWindow),
		dispatcher.WithExecutionThreshold(c.ExecutionThreshold),
	)

	s.broadcaster = cluster.NewBroadcaster(c.Cluster.Peers, cluster.WithBroadcastLogger(s.log))
	s.api = sched.New(adapter, sched.WithBroadcaster(fanoutBroadcaster{worker: s.worker, remote: s.broadcaster}))
	return s, nil
}

// EnsureSchema creates the backing table if it does not already exist.
func (s *Scheduler) EnsureSchema(ctx context.Context) error {
	return s.adapter.EnsureSchema(ctx)
}

// Start launches this node's dispatcher worker.
func (s *Scheduler) Start(ctx context.Context) { s.worker.Start(ctx) }

// Stop shuts the dispatcher worker down and closes the store connection.
func (s *Scheduler) Stop() error {
	s.worker.Stop()
	return s.adapter.Close()
}

// ClusterHandler returns the HTTP handler peers POST refresh/set_next_expiry
// hints to. Mount it (directly, or via NewHTTPServer) so peer nodes can
// reach this one.
func (s *Scheduler) ClusterHandler() http.Handler {
	return cluster.NewReceiver(s.worker, s.log).Handler()
}

// NewHTTPServer starts a standalone HTTP server exposing ClusterHandler.
func (s *Scheduler) NewHTTPServer(addr string) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.ClusterHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// CallAfter creates a single-shot timer firing duration after now.
func (s *Scheduler) CallAfter(ctx context.Context, c Callable, duration time.Duration, opts Options) (Timer, error) {
	return s.api.CallAfter(ctx, c, duration, opts)
}

// CallAt creates a single-shot timer firing at the given absolute instant.
func (s *Scheduler) CallAt(ctx context.Context, c Callable, at time.Time, opts Options) (Timer, error) {
	return s.api.CallAt(ctx, c, at, opts)
}

// CallInterval creates a recurring timer. If leadIn is zero it defaults to
// interval.
func (s *Scheduler) CallInterval(ctx context.Context, c Callable, leadIn, interval time.Duration, opts Options) (Timer, error) {
	return s.api.CallInterval(ctx, c, leadIn, interval, opts)
}

// CallCrontab creates a recurring timer on a cron schedule.
func (s *Scheduler) CallCrontab(ctx context.Context, c Callable, expression, timezone string, opts Options) (Timer, error) {
	return s.api.CallCrontab(ctx, c, expression, timezone, opts)
}

// CreateMany bulk-inserts timers in a single round trip.
func (s *Scheduler) CreateMany(ctx context.Context, specs []CreateSpec) ([]Timer, error) {
	return s.api.CreateMany(ctx, specs)
}

func (s *Scheduler) CancelByID(ctx context.Context, id int64) error {
	return s.api.CancelByID(ctx, id)
}

func (s *Scheduler) CancelByName(ctx context.Context, name string) error {
	return s.api.CancelByName(ctx, name)
}

func (s *Scheduler) CancelAll(ctx context.Context, module, function string) (int64, error) {
	return s.api.CancelAll(ctx, module, function)
}

func (s *Scheduler) NameExists(ctx context.Context, name string) (bool, error) {
	return s.api.NameExists(ctx, name)
}

func (s *Scheduler) IDExists(ctx context.Context, id int64) (bool, error) {
	return s.api.IDExists(ctx, id)
}

// RegisterMetrics registers timewarden's Prometheus collectors.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler returns an http.Handler serving Prometheus's text exposition
// format for the default registry.
func MetricsHandler() http.Handler { return metrics.Handler() }
