// Package manager bootstraps the system: it wires the bus, store, registry,
// ledger, router, and workers together from configuration, and exposes the
// operations the CLI drives.
package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"hive/internal/agent"
	"hive/internal/bus"
	"hive/internal/cachemanager"
	"hive/internal/config"
	"hive/internal/infrastructure/sqlite"
	"hive/internal/ledger"
	"hive/internal/log"
	"hive/internal/message"
	"hive/internal/pubsub"
	"hive/internal/roster"
	"hive/internal/router"
	"hive/internal/store"
	"hive/internal/task"
	"hive/internal/tracing"
)

const (
	managerID      = "manager"
	statusCacheKey = "status"
	statusCacheTTL = 2 * time.Second
	awaitPollEvery = 25 * time.Millisecond
	sweepInterval  = 15 * time.Second
)

// Manager owns the wired system.
type Manager struct {
	cfg    config.Config
	bus    *bus.Bus
	store  *store.FileStore
	ledger *ledger.Ledger

	registry   task.Registry
	taskEvents *pubsub.Broker[task.Task]
	router     *router.Router
	workers    []*agent.Worker
	roster     *roster.Roster

	tracing *tracing.Provider
	watcher *roster.Watcher

	statusCache cachemanager.CacheManager[string, []task.Task]

	bgCancel context.CancelFunc

	workFuncs map[string]agent.WorkFunc
}

// Option configures a Manager before bootstrap.
type Option func(*Manager)

// WithWorkFunc overrides the work function for a roster worker. Workers
// without an override run the probe's default work.
func WithWorkFunc(agentID string, fn agent.WorkFunc) Option {
	return func(m *Manager) {
		m.workFuncs[agentID] = fn
	}
}

// New wires the system from configuration. Call Start to bring the agents
// up.
func New(cfg config.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		workFuncs: make(map[string]agent.WorkFunc),
	}
	for _, opt := range opts {
		opt(m)
	}

	fileStore, err := store.NewFileStore(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	m.store = fileStore
	m.bus = bus.New()
	m.ledger = ledger.New(fileStore)
	m.statusCache = cachemanager.NewInMemoryCacheManager[string, []task.Task](
		"status", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.TracesFilePath(),
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  "hive",
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	m.tracing = provider

	m.registry, err = m.openRegistry()
	if err != nil {
		return nil, err
	}

	m.roster, err = m.loadRoster()
	if err != nil {
		return nil, err
	}

	routerID := m.roster.Router().ID
	m.router = router.New(routerID, m.bus, m.registry, fileStore, m.ledger,
		router.WithTracer(provider.Tracer()),
		router.WithDelegationTimeout(cfg.DelegationTimeout),
	)

	for _, spec := range m.roster.Workers() {
		work := m.workFuncs[spec.ID]
		if work == nil {
			work = agent.ProbeWork
		}
		w := agent.NewWorker(spec.ID, spec.CapabilitySet(), m.bus, fileStore, routerID, work)
		m.workers = append(m.workers, w)
	}

	return m, nil
}

func (m *Manager) openRegistry() (task.Registry, error) {
	if m.cfg.Registry == "memory" {
		return task.NewMemoryRegistry(), nil
	}
	m.taskEvents = pubsub.NewBroker[task.Task]()
	reg, err := sqlite.Open(m.cfg.RegistryPath(), sqlite.WithEventPublisher(m.taskEvents))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return reg, nil
}

func (m *Manager) loadRoster() (*roster.Roster, error) {
	if m.cfg.RosterPath == "" {
		log.Info(log.CatManager, "using built-in roster")
		return roster.Default(), nil
	}
	r, err := roster.Load(m.cfg.RosterPath)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatManager, "roster loaded", "path", m.cfg.RosterPath, "agents", len(r.Agents))
	return r, nil
}

// Start brings up the router and workers, reconciles registry state from a
// previous run, and starts the background sweeps.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.router.Start(ctx); err != nil {
		return err
	}
	for _, w := range m.workers {
		m.router.RegisterWorker(w.ID(), w.Capabilities())
		if err := w.Start(ctx); err != nil {
			return err
		}
	}

	if err := m.router.Recover(ctx); err != nil {
		return fmt.Errorf("recover registry state: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	m.bgCancel = cancel
	log.SafeGo("router.sweeper", func() {
		m.router.RunSweeper(bgCtx, sweepInterval)
	})

	// mirror bus deliveries and registry changes into the debug log
	deliveries := m.bus.Observe(bgCtx)
	log.SafeGo("bus.observer", func() {
		for ev := range deliveries {
			d := ev.Payload
			log.Debug(log.CatBus, "delivered", "to", d.To, "type", string(d.Message.Type),
				"task", d.Message.TaskID, "handlers", d.Handlers)
		}
	})
	if m.taskEvents != nil {
		changes := m.taskEvents.Subscribe(bgCtx)
		log.SafeGo("registry.observer", func() {
			for ev := range changes {
				log.Debug(log.CatTask, "task recorded", "event", string(ev.Type),
					"task", ev.Payload.ID, "state", string(ev.Payload.State))
			}
		})
	}

	if m.cfg.WatchRoster && m.cfg.RosterPath != "" {
		w, err := roster.NewWatcher(m.cfg.RosterPath)
		if err != nil {
			log.ErrorErr(log.CatManager, "roster watcher unavailable", err)
		} else {
			changes, err := w.Start()
			if err != nil {
				log.ErrorErr(log.CatManager, "roster watcher failed to start", err)
			} else {
				m.watcher = w
				// the watcher logs the restart warning itself; drain the signals
				log.SafeGo("roster.watcher", func() {
					for range changes {
					}
				})
			}
		}
	}

	log.Info(log.CatManager, "system started", "router", m.router.ID(), "workers", len(m.workers))
	return nil
}

// SubmitTask accepts a new task: it allocates the next ID, records the task
// as submitted, and announces it to the router. Routing, delegation, and on
// a fast worker even completion have all happened by the time this returns,
// because bus dispatch is synchronous.
func (m *Manager) SubmitTask(ctx context.Context, payload string) (task.Task, error) {
	ctx, span := m.tracing.Tracer().Start(ctx, tracing.SpanSubmit, trace.WithAttributes(
		attribute.Int(tracing.AttrPayloadLen, len(payload)),
	))
	defer span.End()

	if payload == "" {
		return task.Task{}, fmt.Errorf("task payload must not be empty")
	}

	created, err := m.registry.Create(ctx, payload)
	if err != nil {
		return task.Task{}, err
	}
	span.SetAttributes(attribute.String(tracing.AttrTaskID, created.ID))
	m.invalidateStatus(ctx)

	if err := m.bus.Publish(ctx, m.router.ID(), message.NewTask(managerID, created.ID, payload)); err != nil {
		return task.Task{}, err
	}

	return m.registry.Get(ctx, created.ID)
}

// Status returns every task in creation order. Snapshots are cached briefly
// so repeated status calls do not hammer the registry.
func (m *Manager) Status(ctx context.Context) ([]task.Task, error) {
	if cached, ok := m.statusCache.Get(ctx, statusCacheKey); ok {
		return cached, nil
	}

	all, err := m.registry.All(ctx)
	if err != nil {
		return nil, err
	}
	m.statusCache.Set(ctx, statusCacheKey, all, statusCacheTTL)
	return all, nil
}

func (m *Manager) invalidateStatus(ctx context.Context) {
	_ = m.statusCache.Delete(ctx, statusCacheKey)
}

// AwaitTerminal blocks until the task reaches a terminal state or ctx ends.
func (m *Manager) AwaitTerminal(ctx context.Context, taskID string) (task.Task, error) {
	ticker := time.NewTicker(awaitPollEvery)
	defer ticker.Stop()

	for {
		t, err := m.registry.Get(ctx, taskID)
		if err != nil {
			return task.Task{}, err
		}
		if t.State.IsTerminal() {
			m.invalidateStatus(ctx)
			return t, nil
		}

		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LedgerEntries returns the consolidated ledger blocks in append order.
func (m *Manager) LedgerEntries(ctx context.Context) ([]ledger.Entry, error) {
	return m.ledger.Entries(ctx)
}

// Task returns a single task by ID.
func (m *Manager) Task(ctx context.Context, id string) (task.Task, error) {
	return m.registry.Get(ctx, id)
}

// Router exposes the router for introspection.
func (m *Manager) Router() *router.Router {
	return m.router
}

// Shutdown stops agents and background work and releases resources.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.bgCancel != nil {
		m.bgCancel()
	}
	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			log.ErrorErr(log.CatManager, "roster watcher stop failed", err)
		}
	}

	for _, w := range m.workers {
		if err := w.Stop(); err != nil {
			log.ErrorErr(log.CatManager, "worker stop failed", err, "agent", w.ID())
		}
	}
	if err := m.router.Stop(); err != nil {
		log.ErrorErr(log.CatManager, "router stop failed", err)
	}
	m.bus.Close()
	if m.taskEvents != nil {
		m.taskEvents.Close()
	}

	if err := m.tracing.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatManager, "tracing shutdown failed", err)
	}

	if err := m.registry.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	log.Info(log.CatManager, "system stopped")
	return nil
}
