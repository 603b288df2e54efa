package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/nokchalatte/backend.ai-agent/pkg/accelerator"
	"github.com/nokchalatte/backend.ai-agent/pkg/events"
	"github.com/nokchalatte/backend.ai-agent/pkg/log"
	"github.com/nokchalatte/backend.ai-agent/pkg/metrics"
	"github.com/nokchalatte/backend.ai-agent/pkg/resource"
	"github.com/nokchalatte/backend.ai-agent/pkg/runtime"
)

// ErrInternal marks a lifecycle invariant violation. It is not recoverable
// at the command boundary; the dispatcher surfaces it to the watcher path.
var ErrInternal = errors.New("internal lifecycle invariant violation")

// terminalRetention is how long terminated/errored kernel records stay
// queryable before the sweeper prunes them.
const terminalRetention = time.Minute

// stopTimeout bounds the SIGTERM grace period during teardown.
const stopTimeout = 10 * time.Second

// EventSink receives one event per state transition plus runtime
// observations. Satisfied by *events.Pipeline.
type EventSink interface {
	Publish(*events.Event)
}

// Config tunes the lifecycle manager.
type Config struct {
	ScratchRoot string

	PullAttempts   int
	PullBackoff    time.Duration
	PullTimeout    time.Duration
	RuntimeTimeout time.Duration
	ExecTimeout    time.Duration

	RestartLimit  int
	RestartWindow time.Duration

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// Clock is swapped for a mock in tests. Nil means the wall clock.
	Clock clock.Clock
}

// Manager owns every kernel on this node and is the sole mutator of kernel
// state and of each kernel's reservation. State transitions happen under the
// manager lock; container runtime I/O happens outside it.
type Manager struct {
	cfg      Config
	rt       runtime.ContainerRuntime
	registry *resource.Registry
	plugins  *accelerator.Registry
	store    *Store
	sink     EventSink
	logger   zerolog.Logger

	mu      sync.Mutex
	kernels map[string]*Kernel

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wires the lifecycle manager to its collaborators.
func NewManager(cfg Config, rt runtime.ContainerRuntime, registry *resource.Registry,
	plugins *accelerator.Registry, store *Store, sink EventSink) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PullAttempts < 1 {
		cfg.PullAttempts = 1
	}
	return &Manager{
		cfg:      cfg,
		rt:       rt,
		registry: registry,
		plugins:  plugins,
		store:    store,
		sink:     sink,
		logger:   log.WithComponent("kernel-manager"),
		kernels:  make(map[string]*Kernel),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the idle sweeper.
func (m *Manager) Start() {
	if m.cfg.SweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
}

// Stop halts background work. Kernels are not destroyed here; the agent
// calls DestroyAll first during graceful shutdown.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// ---------------------------------------------------------------------------
// state transitions

// transitionLocked moves k to a new state, persists the record, and emits
// exactly one lifecycle event. Callers hold m.mu.
func (m *Manager) transitionLocked(k *Kernel, to State, reason string) error {
	if !canTransition(k.State, to) {
		return fmt.Errorf("%w: %s -> %s for kernel %s", ErrInternal, k.State, to, k.ID)
	}
	k.State = to
	if to.Terminal() {
		k.TerminatedAt = m.cfg.Clock.Now()
	}
	m.persistLocked(k)
	m.emitLocked(k, eventFor(to), reason, to.Terminal(), nil)
	metrics.KernelTransitionsTotal.WithLabelValues(to.String()).Inc()
	return nil
}

// enterErrorLocked force-moves k to the absorbing error state from any
// non-terminal state. The caller must already have released the reservation.
func (m *Manager) enterErrorLocked(k *Kernel, reason string) {
	if k.State.Terminal() {
		return
	}
	k.State = StateError
	k.TerminatedAt = m.cfg.Clock.Now()
	m.persistLocked(k)
	m.emitLocked(k, events.KernelError, reason, true, nil)
	metrics.KernelTransitionsTotal.WithLabelValues(StateError.String()).Inc()
}

func (m *Manager) emitLocked(k *Kernel, typ events.Type, reason string, terminal bool, exitCode *uint32) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(&events.Event{
		KernelID:  k.ID,
		Type:      typ,
		Reason:    reason,
		ExitCode:  exitCode,
		Terminal:  terminal,
		Timestamp: m.cfg.Clock.Now(),
	})
}

func (m *Manager) persistLocked(k *Kernel) {
	if m.store == nil {
		return
	}
	rec := &Record{
		ID:          k.ID,
		Image:       k.Request.Image,
		Command:     k.Request.Command,
		Env:         k.Request.Env,
		State:       k.State.String(),
		ContainerID: string(k.ContainerID),
		CreatedAt:   k.CreatedAt,
	}
	if k.reservation != nil && !k.reservation.Released() {
		rec.Occupied = k.reservation.Slots.ToStringMap()
	}
	if len(k.devices) > 0 {
		rec.Devices = make(map[string][]string, len(k.devices))
		for slot, ids := range k.devices {
			strs := make([]string, len(ids))
			for i, id := range ids {
				strs[i] = string(id)
			}
			rec.Devices[string(slot)] = strs
		}
	}
	if err := m.store.Put(rec); err != nil {
		m.logger.Error().Err(err).Str("kernel_id", k.ID).Msg("failed to persist kernel record")
	}
}

// releaseLocked returns the kernel's devices and slots. Safe to call more
// than once; the registry release is idempotent and plugin releases are too.
func (m *Manager) releaseLocked(k *Kernel) {
	for slot := range k.devices {
		if p, ok := m.plugins.Get(slot); ok {
			p.Release(k.ID)
		}
	}
	m.registry.Release(k.reservation)
}

// ---------------------------------------------------------------------------
// create

// Create drives a new kernel from request to RUNNING. On any failure the
// reservation is released, the kernel enters ERROR, and the typed cause is
// returned to the dispatcher.
func (m *Manager) Create(ctx context.Context, req Request) (Info, error) {
	if err := req.Validate(); err != nil {
		return Info{}, err
	}

	id := req.KernelID
	if id == "" {
		id = uuid.NewString()
	}
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	if _, exists := m.kernels[id]; exists {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: kernel %s already exists", ErrInvalidRequest, id)
	}
	k := &Kernel{
		ID:           id,
		Request:      req,
		State:        StatePreparing,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.kernels[id] = k
	m.persistLocked(k)
	m.emitLocked(k, events.KernelPreparing, "", false, nil)
	metrics.KernelTransitionsTotal.WithLabelValues(StatePreparing.String()).Inc()

	// Reserve while still holding the lock: validation and the slot claim
	// are one atomic step with respect to other kernels' creates.
	res, err := m.registry.Reserve(req.Resources)
	if err != nil {
		m.enterErrorLocked(k, "insufficient-resources")
		m.mu.Unlock()
		return Info{}, err
	}
	k.reservation = res
	m.mu.Unlock()

	// Accelerator device assignment.
	deviceSpecs, err := m.assignDevices(ctx, k)
	if err != nil {
		m.abort(k, "accelerator-assignment-failed")
		return Info{}, fmt.Errorf("failed to assign accelerators: %w", err)
	}

	// Image pull with bounded retry.
	m.mu.Lock()
	if err := m.transitionLocked(k, StatePullingImage, ""); err != nil {
		m.mu.Unlock()
		return Info{}, err
	}
	m.mu.Unlock()

	if err := m.pullWithRetry(ctx, req.Image); err != nil {
		m.abort(k, "image-pull-failed")
		return Info{}, fmt.Errorf("failed to pull image %s: %w", req.Image, err)
	}

	// Container creation and start.
	m.mu.Lock()
	if err := m.transitionLocked(k, StateCreating, ""); err != nil {
		m.mu.Unlock()
		return Info{}, err
	}
	m.mu.Unlock()

	if err := m.startContainer(ctx, k, deviceSpecs); err != nil {
		m.abort(k, "container-create-failed")
		return Info{}, err
	}

	m.mu.Lock()
	if err := m.transitionLocked(k, StateRunning, ""); err != nil {
		m.mu.Unlock()
		return Info{}, err
	}
	info := k.info()
	m.mu.Unlock()

	m.logger.Info().Str("kernel_id", id).Str("image", req.Image).Msg("kernel is running")
	return info, nil
}

// abort releases everything a failed create/restart holds and parks the
// kernel in the error state.
func (m *Manager) abort(k *Kernel, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(k)
	m.enterErrorLocked(k, reason)
}

func (m *Manager) assignDevices(ctx context.Context, k *Kernel) ([]specs.LinuxDevice, error) {
	var deviceSpecs []specs.LinuxDevice

	for _, p := range m.plugins.Plugins() {
		count := k.Request.Resources.Get(p.Name())
		if count.IsZero() {
			continue
		}
		ids, err := p.Assign(ctx, k.ID, count)
		if err != nil {
			return nil, err
		}
		// Recorded per plugin as it succeeds, so a later plugin's failure
		// still releases these through the error path.
		m.mu.Lock()
		if k.devices == nil {
			k.devices = make(map[resource.SlotName][]accelerator.DeviceID)
		}
		k.devices[p.Name()] = ids
		m.mu.Unlock()
		deviceSpecs = append(deviceSpecs, p.DeviceSpecs(ids)...)
	}
	return deviceSpecs, nil
}

func (m *Manager) pullWithRetry(ctx context.Context, image string) error {
	backoff := m.cfg.PullBackoff
	var lastErr error

	for attempt := 1; attempt <= m.cfg.PullAttempts; attempt++ {
		pullCtx := ctx
		var cancel context.CancelFunc
		if m.cfg.PullTimeout > 0 {
			pullCtx, cancel = context.WithTimeout(ctx, m.cfg.PullTimeout)
		}
		timer := metrics.NewTimer()
		lastErr = m.rt.PullImage(pullCtx, image)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			metrics.ImagePullsTotal.WithLabelValues("success").Inc()
			timer.ObserveDuration(metrics.ImagePullDuration)
			return nil
		}
		metrics.ImagePullsTotal.WithLabelValues("failure").Inc()

		m.logger.Warn().Err(lastErr).Str("image", image).
			Int("attempt", attempt).Int("max_attempts", m.cfg.PullAttempts).
			Msg("image pull failed")

		if attempt == m.cfg.PullAttempts {
			break
		}
		backoffTimer := m.cfg.Clock.Timer(backoff)
		select {
		case <-backoffTimer.C:
		case <-ctx.Done():
			backoffTimer.Stop()
			return ctx.Err()
		case <-m.stopCh:
			backoffTimer.Stop()
			return fmt.Errorf("agent shutting down")
		}
		backoff *= 2
	}
	return lastErr
}

// containerSpec renders the kernel's reservation into runtime limits.
func (m *Manager) containerSpec(k *Kernel, deviceSpecs []specs.LinuxDevice) runtime.KernelContainerSpec {
	cpu, _ := k.Request.Resources.Get(resource.SlotCPU).Float64()
	mem := k.Request.Resources.Get(resource.SlotMemory).IntPart()

	spec := runtime.KernelContainerSpec{
		KernelID:         k.ID,
		Image:            k.Request.Image,
		Command:          k.Request.Command,
		Env:              k.Request.Env,
		CPUQuota:         cpu,
		MemoryLimitBytes: mem,
		Devices:          deviceSpecs,
		Labels:           map[string]string{KernelIDLabel: k.ID},
	}
	if m.cfg.ScratchRoot != "" {
		spec.Mounts = []specs.Mount{{
			Source:      m.workDir(k.ID),
			Destination: "/home/work",
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}
	}
	return spec
}

func (m *Manager) workDir(id string) string {
	return filepath.Join(m.cfg.ScratchRoot, id)
}

// startContainer creates and starts a container for k and launches its exit
// monitor. Used by both the create path and the restart path.
func (m *Manager) startContainer(ctx context.Context, k *Kernel, deviceSpecs []specs.LinuxDevice) error {
	if m.cfg.ScratchRoot != "" {
		if err := os.MkdirAll(m.workDir(k.ID), 0755); err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
	}

	callCtx, cancel := m.runtimeCtx(ctx)
	cid, err := m.rt.CreateContainer(callCtx, m.containerSpec(k, deviceSpecs))
	cancel()
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	callCtx, cancel = m.runtimeCtx(ctx)
	err = m.rt.StartContainer(callCtx, cid)
	cancel()
	if err != nil {
		callCtx, cancel = m.runtimeCtx(context.Background())
		if rmErr := m.rt.RemoveContainer(callCtx, cid); rmErr != nil {
			m.logger.Warn().Err(rmErr).Str("container_id", string(cid)).Msg("failed to remove container after start failure")
		}
		cancel()
		return fmt.Errorf("failed to start container: %w", err)
	}

	exitCh, err := m.rt.WaitContainer(context.Background(), cid)
	if err != nil {
		return fmt.Errorf("failed to watch container: %w", err)
	}

	m.mu.Lock()
	k.ContainerID = cid
	k.containerGen++
	gen := k.containerGen
	m.persistLocked(k)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.monitor(k.ID, gen, exitCh)
	return nil
}

func (m *Manager) runtimeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.RuntimeTimeout > 0 {
		return context.WithTimeout(parent, m.cfg.RuntimeTimeout)
	}
	return context.WithCancel(parent)
}

// ---------------------------------------------------------------------------
// exit monitoring and automatic restart

func (m *Manager) monitor(id string, gen uint64, exitCh <-chan runtime.ExitEvent) {
	defer m.wg.Done()
	select {
	case ev, ok := <-exitCh:
		if !ok {
			return
		}
		m.handleExit(id, gen, ev)
	case <-m.stopCh:
	}
}

// handleExit classifies an unexpected container exit observed while RUNNING.
// Exits belonging to replaced or deliberately stopped containers are ignored
// via the generation check.
func (m *Manager) handleExit(id string, gen uint64, ev runtime.ExitEvent) {
	m.mu.Lock()
	k, ok := m.kernels[id]
	if !ok || k.containerGen != gen || k.State != StateRunning {
		m.mu.Unlock()
		return
	}

	code := ev.ExitCode
	if ev.OOMKilled {
		m.emitLocked(k, events.KernelOOMKilled, "out-of-memory", false, &code)
	} else {
		m.emitLocked(k, events.KernelUnexpectedExit, "", false, &code)
	}

	// Clean self-exit means the session ended; OOM kills are not retried
	// because the same workload would be killed again. Non-zero exits are
	// treated as transient and restarted within the budget.
	recoverable := !ev.OOMKilled && ev.ExitCode != 0
	if recoverable && m.allowAutoRestartLocked(k) {
		if err := m.transitionLocked(k, StateRestarting, "unexpected-exit"); err != nil {
			m.logger.Error().Err(err).Str("kernel_id", id).Msg("restart transition rejected")
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.completeRestart(context.Background(), k)
		return
	}

	reason := "exited"
	if ev.OOMKilled {
		reason = "out-of-memory"
	} else if ev.ExitCode != 0 {
		reason = "restart-budget-exhausted"
	}
	m.mu.Unlock()
	if err := m.Destroy(context.Background(), id, reason); err != nil {
		m.logger.Error().Err(err).Str("kernel_id", id).Msg("failed to tear down exited kernel")
	}
}

// allowAutoRestartLocked enforces the bounded restart budget within the
// configured window.
func (m *Manager) allowAutoRestartLocked(k *Kernel) bool {
	if m.cfg.RestartLimit <= 0 {
		return false
	}
	now := m.cfg.Clock.Now()
	cutoff := now.Add(-m.cfg.RestartWindow)
	kept := k.restartsInWindow[:0]
	for _, t := range k.restartsInWindow {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	k.restartsInWindow = kept
	if len(k.restartsInWindow) >= m.cfg.RestartLimit {
		return false
	}
	k.restartsInWindow = append(k.restartsInWindow, now)
	return true
}

// completeRestart recreates the container for a kernel already in
// RESTARTING. The reservation and device assignment are untouched; only the
// container instance is replaced.
func (m *Manager) completeRestart(ctx context.Context, k *Kernel) {
	m.mu.Lock()
	oldCID := k.ContainerID
	// Invalidate any monitor still attached to the old container.
	k.containerGen++
	var deviceSpecs []specs.LinuxDevice
	for slot, ids := range k.devices {
		if p, ok := m.plugins.Get(slot); ok {
			deviceSpecs = append(deviceSpecs, p.DeviceSpecs(ids)...)
		}
	}
	m.mu.Unlock()

	if oldCID != "" {
		callCtx, cancel := m.runtimeCtx(context.Background())
		if err := m.rt.StopContainer(callCtx, oldCID, stopTimeout); err != nil {
			m.logger.Warn().Err(err).Str("container_id", string(oldCID)).Msg("failed to stop container during restart")
		}
		cancel()
		callCtx, cancel = m.runtimeCtx(context.Background())
		if err := m.rt.RemoveContainer(callCtx, oldCID); err != nil {
			m.logger.Warn().Err(err).Str("container_id", string(oldCID)).Msg("failed to remove container during restart")
		}
		cancel()
	}

	if err := m.startContainer(ctx, k, deviceSpecs); err != nil {
		m.logger.Error().Err(err).Str("kernel_id", k.ID).Msg("restart failed, kernel unrecoverable")
		m.abort(k, "restart-failed")
		return
	}

	m.mu.Lock()
	if err := m.transitionLocked(k, StateRunning, "restarted"); err != nil {
		m.logger.Error().Err(err).Str("kernel_id", k.ID).Msg("restart completion rejected")
	}
	k.LastActivity = m.cfg.Clock.Now()
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// commands

// Restart replaces a running kernel's container on explicit manager request.
// Explicit restarts do not consume the automatic restart budget.
func (m *Manager) Restart(ctx context.Context, id string) (Info, error) {
	m.mu.Lock()
	k, ok := m.kernels[id]
	if !ok {
		m.mu.Unlock()
		return Info{}, ErrKernelNotFound
	}
	if k.State != StateRunning {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: kernel %s is %s", ErrKernelNotRunning, id, k.State)
	}
	if err := m.transitionLocked(k, StateRestarting, "user-requested"); err != nil {
		m.mu.Unlock()
		return Info{}, err
	}
	m.mu.Unlock()

	m.completeRestart(ctx, k)

	m.mu.Lock()
	defer m.mu.Unlock()
	if k.State != StateRunning {
		return Info{}, fmt.Errorf("restart of kernel %s failed", id)
	}
	return k.info(), nil
}

// Destroy tears a kernel down: container stop/remove best effort, then the
// reservation is released unconditionally, then TERMINATED. Destroying a
// kernel that already reached a terminal state is a no-op.
func (m *Manager) Destroy(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	k, ok := m.kernels[id]
	if !ok {
		m.mu.Unlock()
		return ErrKernelNotFound
	}
	if k.State.Terminal() || k.State == StateTerminating {
		m.mu.Unlock()
		return nil
	}
	if err := m.transitionLocked(k, StateTerminating, reason); err != nil {
		m.mu.Unlock()
		return err
	}
	// Stale exit observations from this teardown must not trigger restart.
	k.containerGen++
	cid := k.ContainerID
	m.mu.Unlock()

	if cid != "" {
		callCtx, cancel := m.runtimeCtx(ctx)
		if err := m.rt.StopContainer(callCtx, cid, stopTimeout); err != nil {
			m.logger.Warn().Err(err).Str("kernel_id", id).Msg("container stop failed during teardown")
		}
		cancel()
		callCtx, cancel = m.runtimeCtx(ctx)
		if err := m.rt.RemoveContainer(callCtx, cid); err != nil {
			m.logger.Warn().Err(err).Str("kernel_id", id).Msg("container removal failed during teardown")
		}
		cancel()
	}
	if m.cfg.ScratchRoot != "" {
		if err := os.RemoveAll(m.workDir(id)); err != nil {
			m.logger.Warn().Err(err).Str("kernel_id", id).Msg("failed to remove scratch directory")
		}
	}

	// Slots are returned even when container teardown failed above; leaking
	// capacity is worse than leaking one dead container.
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(k)
	if err := m.transitionLocked(k, StateTerminated, reason); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.Delete(id); err != nil {
			m.logger.Error().Err(err).Str("kernel_id", id).Msg("failed to delete kernel record")
		}
	}
	return nil
}

// DestroyAll tears down every live kernel, used on agent reset and graceful
// shutdown.
func (m *Manager) DestroyAll(ctx context.Context, reason string) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.kernels))
	for id, k := range m.kernels {
		if !k.State.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Destroy(ctx, id, reason); err != nil && !errors.Is(err, ErrKernelNotFound) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Execute runs a command inside a running kernel and refreshes its activity
// timestamp.
func (m *Manager) Execute(ctx context.Context, id string, cmd []string) (*runtime.ExecResult, error) {
	m.mu.Lock()
	k, ok := m.kernels[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrKernelNotFound
	}
	if k.State != StateRunning {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: kernel %s is %s", ErrKernelNotRunning, id, k.State)
	}
	cid := k.ContainerID
	k.LastActivity = m.cfg.Clock.Now()
	k.numQueries++
	m.mu.Unlock()

	execCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.ExecTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, m.cfg.ExecTimeout)
		defer cancel()
	}
	res, err := m.rt.ExecProcess(execCtx, cid, cmd)
	if err != nil {
		// A kernel whose process outlives the execution deadline is wedged;
		// it is destroyed rather than left running something unbounded.
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			m.logger.Warn().Str("kernel_id", id).Msg("execution timed out, destroying kernel")
			if derr := m.Destroy(context.Background(), id, "exec-timeout"); derr != nil {
				m.logger.Error().Err(derr).Str("kernel_id", id).Msg("failed to destroy kernel after execution timeout")
			}
		}
		return nil, fmt.Errorf("execution in kernel %s failed: %w", id, err)
	}
	return res, nil
}

// RefreshIdleTimeout resets a kernel's idle clock without running anything.
func (m *Manager) RefreshIdleTimeout(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.kernels[id]
	if !ok {
		return ErrKernelNotFound
	}
	k.LastActivity = m.cfg.Clock.Now()
	return nil
}

// Get returns one kernel's current view.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.kernels[id]
	if !ok {
		return Info{}, ErrKernelNotFound
	}
	return k.info(), nil
}

// List returns every kernel still tracked, terminal ones included until
// pruning.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.kernels))
	for _, k := range m.kernels {
		out = append(out, k.info())
	}
	return out
}

// Snapshot renders the live kernels for a heartbeat.
func (m *Manager) Snapshot() []events.KernelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.KernelInfo, 0, len(m.kernels))
	for _, k := range m.kernels {
		info := events.KernelInfo{
			ID:           k.ID,
			Image:        k.Request.Image,
			State:        k.State.String(),
			LastActivity: k.LastActivity,
		}
		if k.reservation != nil && !k.reservation.Released() {
			info.Occupied = k.reservation.Slots.ToStringMap()
		}
		out = append(out, info)
	}
	return out
}

// ---------------------------------------------------------------------------
// idle sweeping and terminal pruning

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := m.cfg.Clock.Ticker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	var idle, pruned []string
	for id, k := range m.kernels {
		switch {
		case k.State == StateRunning && m.cfg.IdleTimeout > 0 &&
			now.Sub(k.LastActivity) > m.cfg.IdleTimeout:
			idle = append(idle, id)
		case k.State.Terminal() && now.Sub(k.TerminatedAt) > terminalRetention:
			delete(m.kernels, id)
			pruned = append(pruned, id)
		}
	}
	m.mu.Unlock()

	// Errored kernels never pass through Destroy, so their store records
	// are dropped here together with the in-memory entry.
	for _, id := range pruned {
		if m.store == nil {
			continue
		}
		if err := m.store.Delete(id); err != nil {
			m.logger.Error().Err(err).Str("kernel_id", id).Msg("failed to delete pruned kernel record")
		}
	}

	for _, id := range idle {
		m.logger.Info().Str("kernel_id", id).Msg("destroying idle kernel")
		if err := m.Destroy(context.Background(), id, "idle-timeout"); err != nil {
			m.logger.Warn().Err(err).Str("kernel_id", id).Msg("idle destroy failed")
		}
	}
}
