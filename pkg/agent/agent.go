package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nokchalatte/backend.ai-agent/pkg/accelerator"
	"github.com/nokchalatte/backend.ai-agent/pkg/config"
	"github.com/nokchalatte/backend.ai-agent/pkg/events"
	"github.com/nokchalatte/backend.ai-agent/pkg/kernel"
	"github.com/nokchalatte/backend.ai-agent/pkg/log"
	"github.com/nokchalatte/backend.ai-agent/pkg/metrics"
	"github.com/nokchalatte/backend.ai-agent/pkg/resource"
	"github.com/nokchalatte/backend.ai-agent/pkg/rpc"
	"github.com/nokchalatte/backend.ai-agent/pkg/runtime"
)

// Agent is one per-node agent process: slot registry, kernel lifecycle
// manager, command server, and the outbound event pipeline, wired together
// and started in dependency order.
type Agent struct {
	cfg    *config.Config
	logger zerolog.Logger

	rt        runtime.ContainerRuntime
	registry  *resource.Registry
	plugins   *accelerator.Registry
	store     *kernel.Store
	manager   *kernel.Manager
	emitter   events.Emitter
	broker    *events.Broker
	pipeline  *events.Pipeline
	server    *rpc.Server
	collector *metrics.Collector
	control   *http.Server

	eventsDone chan struct{}

	shutdownCh chan struct{}
	shutdownMu sync.Once
	stopOnce   sync.Once
}

// New constructs an agent against the real containerd runtime and the
// manager's ZeroMQ event endpoint.
func New(ctx context.Context, cfg *config.Config) (*Agent, error) {
	return newAgent(ctx, cfg, nil, nil)
}

func newAgent(ctx context.Context, cfg *config.Config, rt runtime.ContainerRuntime, emitter events.Emitter) (*Agent, error) {
	a := &Agent{
		cfg:        cfg,
		logger:     log.WithComponent("agent").With().Str("agent_id", cfg.AgentID).Logger(),
		shutdownCh: make(chan struct{}),
	}

	// Accelerator plugins first: their discovered units are part of the
	// node capacity the registry is built from.
	a.plugins = accelerator.NewRegistry()
	accCapacity, err := a.plugins.DiscoverAll(ctx, cfg.Accelerators)
	if err != nil {
		return nil, err
	}

	capacity, err := resource.DiscoverNodeCapacity(cfg.CPUCores, cfg.MemoryBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to discover node capacity: %w", err)
	}
	capacity.Add(accCapacity)
	a.registry = resource.NewRegistry(capacity)
	a.logger.Info().Str("capacity", capacity.String()).Msg("node capacity discovered")

	a.store, err = kernel.OpenStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	if rt == nil {
		rt, err = runtime.NewContainerdRuntime(cfg.ContainerdSocket, cfg.ContainerdNamespace)
		if err != nil {
			a.store.Close()
			return nil, err
		}
	}
	a.rt = rt
	metrics.RegisterComponent("containerd", true, "")

	if emitter == nil {
		emitter, err = events.NewZMQEmitter(ctx, cfg.AgentID, cfg.EventAddr)
		if err != nil {
			a.store.Close()
			a.rt.Close()
			return nil, err
		}
	}
	a.emitter = emitter

	a.pipeline = events.NewPipeline(events.PipelineConfig{
		QueueDepth:        cfg.EventQueueDepth,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendTimeout:       cfg.HeartbeatTimeout,
	}, a.emitter)

	// The broker sits between the lifecycle manager and its observers so
	// one published event reaches both the manager pipeline and metrics.
	a.broker = events.NewBroker()

	a.manager = kernel.NewManager(kernel.Config{
		ScratchRoot:    cfg.ScratchRoot,
		PullAttempts:   cfg.PullAttempts,
		PullBackoff:    cfg.PullBackoff,
		PullTimeout:    cfg.PullTimeout,
		RuntimeTimeout: cfg.RuntimeTimeout,
		ExecTimeout:    cfg.ExecTimeout,
		RestartLimit:   cfg.RestartLimit,
		RestartWindow:  cfg.RestartWindow,
		IdleTimeout:    cfg.IdleTimeout,
		SweepInterval:  cfg.SweepInterval,
	}, a.rt, a.registry, a.plugins, a.store, a.broker)

	dispatcher, err := rpc.NewDispatcher(a.manager, a.registry, rpc.BusyPolicy(cfg.BusyPolicy), cfg.DedupCacheSize)
	if err != nil {
		a.store.Close()
		a.rt.Close()
		return nil, err
	}
	a.server = rpc.NewServer(cfg.RPCBindAddr, dispatcher)

	a.collector = metrics.NewCollector(a.sampleStats, 15*time.Second)
	a.control = &http.Server{
		Addr:    cfg.ControlAddr,
		Handler: a.controlMux(),
	}

	return a, nil
}

// Start brings the agent up: reconcile surviving kernels, then background
// loops, then the command server last so no command observes a half-built
// agent.
func (a *Agent) Start(ctx context.Context) error {
	// The event fan must be running before reconciliation, which may report
	// kernels lost across the restart.
	a.broker.Start()
	a.startEventFan()

	if err := a.manager.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile kernels: %w", err)
	}

	a.manager.Start()
	a.pipeline.Start(a.snapshot)
	metrics.RegisterComponent("pipeline", true, "")

	a.collector.Start()

	go func() {
		if err := a.control.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("control server failed")
		}
	}()

	if err := a.server.Start(); err != nil {
		return err
	}
	metrics.RegisterComponent("rpc", true, "")

	a.broker.Publish(&events.Event{Type: events.AgentStarted, Timestamp: time.Now()})
	a.logger.Info().Msg("agent started")
	return nil
}

// startEventFan subscribes the broker's two standing observers: the metrics
// observer and the outbound pipeline.
func (a *Agent) startEventFan() {
	sub := a.broker.Subscribe()
	a.eventsDone = make(chan struct{})
	go func() {
		defer close(a.eventsDone)
		for ev := range sub {
			a.observeEvent(ev)
			a.pipeline.Publish(ev)
		}
	}()
}

func (a *Agent) observeEvent(ev *events.Event) {
	if ev.Type == events.KernelRestarting {
		metrics.KernelRestartsTotal.Inc()
	}
}

// Stop shuts the agent down: commands first, then kernels, then the event
// pipeline so terminations still reach the manager.
func (a *Agent) Stop(ctx context.Context) {
	a.stopOnce.Do(func() {
		a.logger.Info().Msg("agent shutting down")
		metrics.UpdateComponent("rpc", false, "shutting down")

		a.server.Stop()

		if err := a.manager.DestroyAll(ctx, "agent-termination"); err != nil {
			a.logger.Error().Err(err).Msg("failed to destroy kernels during shutdown")
		}
		a.manager.Stop()

		a.broker.Publish(&events.Event{Type: events.AgentTerminated, Timestamp: time.Now()})
		// Broker stop drains its buffer into the fan goroutine, which exits
		// once its channel closes; the flush then empties the pipeline so
		// the final events reach the manager before the emitter closes.
		if a.eventsDone != nil {
			a.broker.Stop()
			<-a.eventsDone
		}
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.pipeline.Flush(flushCtx); err != nil {
			a.logger.Warn().Err(err).Msg("event pipeline not fully drained at shutdown")
		}
		flushCancel()
		a.pipeline.Stop()
		a.emitter.Close()

		a.collector.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.control.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("control server shutdown failed")
		}

		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close kernel store")
		}
		if err := a.rt.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close container runtime")
		}
		a.logger.Info().Msg("agent stopped")
	})
}

// ShutdownRequested is closed when a graceful shutdown is requested through
// the control surface.
func (a *Agent) ShutdownRequested() <-chan struct{} {
	return a.shutdownCh
}

func (a *Agent) requestShutdown() {
	a.shutdownMu.Do(func() { close(a.shutdownCh) })
}

func (a *Agent) controlMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", metrics.HealthHandler)
	mux.HandleFunc("/readyz", metrics.ReadinessHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.logger.Info().Msg("shutdown requested via control surface")
		a.requestShutdown()
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

// snapshot builds one heartbeat.
func (a *Agent) snapshot() *events.HeartbeatSnapshot {
	return &events.HeartbeatSnapshot{
		AgentID:   a.cfg.AgentID,
		Address:   a.cfg.RPCBindAddr,
		Capacity:  a.registry.Capacity().ToStringMap(),
		Allocated: a.registry.Allocated().ToStringMap(),
		Kernels:   a.manager.Snapshot(),
		Timestamp: time.Now(),
	}
}

// sampleStats feeds the metrics collector.
func (a *Agent) sampleStats() metrics.Stats {
	byState := make(map[string]int)
	for _, info := range a.manager.List() {
		byState[info.State.String()]++
	}

	capacity := make(map[string]float64)
	for name, q := range a.registry.Capacity() {
		capacity[string(name)] = q.InexactFloat64()
	}
	allocated := make(map[string]float64)
	for name, q := range a.registry.Allocated() {
		allocated[string(name)] = q.InexactFloat64()
	}

	return metrics.Stats{
		KernelsByState: byState,
		Capacity:       capacity,
		Allocated:      allocated,
	}
}
