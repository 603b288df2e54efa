package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/nokchalatte/backend.ai-agent/pkg/accelerator"
	"github.com/nokchalatte/backend.ai-agent/pkg/events"
	"github.com/nokchalatte/backend.ai-agent/pkg/metrics"
	"github.com/nokchalatte/backend.ai-agent/pkg/resource"
	"github.com/nokchalatte/backend.ai-agent/pkg/runtime"
)

// captureSink records every published event for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (s *captureSink) Publish(e *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *captureSink) countType(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (s *captureSink) terminalCount(kernelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.KernelID == kernelID && e.Terminal {
			n++
		}
	}
	return n
}

func (s *captureSink) lastReason(t events.Type) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason := ""
	for _, e := range s.events {
		if e.Type == t {
			reason = e.Reason
		}
	}
	return reason
}

type testEnv struct {
	mgr   *Manager
	rt    *runtime.FakeRuntime
	reg   *resource.Registry
	sink  *captureSink
	store *Store
}

func testCapacity() resource.SlotSet {
	return resource.SlotSet{
		resource.SlotCPU:    decimal.NewFromInt(8),
		resource.SlotMemory: decimal.NewFromInt(16 << 30),
	}
}

func testRequest(id string) Request {
	return Request{
		KernelID: id,
		Image:    "python:3.11",
		Command:  []string{"python", "-m", "kernel"},
		Resources: resource.SlotSet{
			resource.SlotCPU:    decimal.NewFromInt(2),
			resource.SlotMemory: decimal.NewFromInt(1 << 30),
		},
	}
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		ScratchRoot:    t.TempDir(),
		PullAttempts:   3,
		PullBackoff:    time.Millisecond,
		RestartLimit:   3,
		RestartWindow:  5 * time.Minute,
		IdleTimeout:    30 * time.Minute,
		SweepInterval:  0, // sweeper off unless a test turns it on
		RuntimeTimeout: 5 * time.Second,
		ExecTimeout:    5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	fake := runtime.NewFakeRuntime()
	reg := resource.NewRegistry(testCapacity())
	sink := &captureSink{}
	mgr := NewManager(cfg, fake, reg, accelerator.NewRegistry(), store, sink)
	t.Cleanup(mgr.Stop)

	return &testEnv{mgr: mgr, rt: fake, reg: reg, sink: sink, store: store}
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func (e *testEnv) waitForState(t *testing.T, id string, want State) {
	t.Helper()
	waitFor(t, func() bool {
		info, err := e.mgr.Get(id)
		return err == nil && info.State == want
	}, "kernel "+id+" to reach "+want.String())
}

func TestCreateHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)

	info, err := env.mgr.Create(context.Background(), testRequest("k1"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if info.State != StateRunning {
		t.Errorf("state = %s, want running", info.State)
	}
	if info.ContainerID == "" {
		t.Error("expected a container id")
	}

	want := []events.Type{
		events.KernelPreparing,
		events.KernelPullingImage,
		events.KernelCreating,
		events.KernelRunning,
	}
	got := env.sink.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	allocated := env.reg.Allocated()
	if !allocated.Get(resource.SlotCPU).Equal(decimal.NewFromInt(2)) {
		t.Errorf("allocated cpu = %s, want 2", allocated.Get(resource.SlotCPU))
	}

	// The record must survive for crash recovery.
	rec, err := env.store.Get("k1")
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if rec.State != "running" {
		t.Errorf("persisted state = %s, want running", rec.State)
	}
}

func TestCreateRejectsInvalidRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.mgr.Create(context.Background(), Request{KernelID: "k1"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Create() error = %v, want ErrInvalidRequest", err)
	}
	if got := len(env.sink.types()); got != 0 {
		t.Errorf("events published = %d, want 0", got)
	}
}

func TestCreateInsufficientResources(t *testing.T) {
	env := newTestEnv(t, nil)

	req := testRequest("k1")
	req.Resources[resource.SlotCPU] = decimal.NewFromInt(100)

	_, err := env.mgr.Create(context.Background(), req)
	if !errors.Is(err, resource.ErrInsufficientResources) {
		t.Fatalf("Create() error = %v, want insufficient resources", err)
	}

	info, err := env.mgr.Get("k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if info.State != StateError {
		t.Errorf("state = %s, want error", info.State)
	}
	if n := env.sink.terminalCount("k1"); n != 1 {
		t.Errorf("terminal events = %d, want exactly 1", n)
	}
	if !env.reg.Allocated().IsZero() {
		t.Errorf("allocated = %s, want zero", env.reg.Allocated())
	}
}

func TestCreatePullRetrySucceedsWithinBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	env.rt.PullErrs = []error{errors.New("registry unavailable"), errors.New("registry unavailable")}

	info, err := env.mgr.Create(context.Background(), testRequest("k1"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if info.State != StateRunning {
		t.Errorf("state = %s, want running", info.State)
	}
}

func TestCreatePullExhaustionReleasesAndErrorsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.rt.PullErrs = []error{
		errors.New("registry unavailable"),
		errors.New("registry unavailable"),
		errors.New("registry unavailable"),
	}

	_, err := env.mgr.Create(context.Background(), testRequest("k1"))
	if err == nil {
		t.Fatal("Create() succeeded, want pull failure")
	}

	info, _ := env.mgr.Get("k1")
	if info.State != StateError {
		t.Errorf("state = %s, want error", info.State)
	}
	if n := env.sink.terminalCount("k1"); n != 1 {
		t.Errorf("terminal events = %d, want exactly 1", n)
	}
	if !env.reg.Allocated().IsZero() {
		t.Errorf("allocated = %s, want zero after release", env.reg.Allocated())
	}
	if got := env.sink.lastReason(events.KernelError); got != "image-pull-failed" {
		t.Errorf("error reason = %q, want image-pull-failed", got)
	}
}

func TestCreateStartFailureReleases(t *testing.T) {
	env := newTestEnv(t, nil)
	env.rt.StartErrs = []error{errors.New("oci runtime error")}

	_, err := env.mgr.Create(context.Background(), testRequest("k1"))
	if err == nil {
		t.Fatal("Create() succeeded, want start failure")
	}
	if !env.reg.Allocated().IsZero() {
		t.Errorf("allocated = %s, want zero", env.reg.Allocated())
	}
	// The half-started container must not linger.
	if len(env.rt.Removed) != 1 {
		t.Errorf("removed containers = %d, want 1", len(env.rt.Removed))
	}
}

func TestUnexpectedExitTriggersAutoRestart(t *testing.T) {
	env := newTestEnv(t, nil)

	info, err := env.mgr.Create(context.Background(), testRequest("k1"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	firstCID := info.ContainerID

	env.rt.InjectExit(runtime.ContainerID(firstCID), 1, false)

	waitFor(t, func() bool {
		cur, err := env.mgr.Get("k1")
		return err == nil && cur.State == StateRunning && cur.ContainerID != firstCID
	}, "kernel to restart with a new container")

	if env.sink.countType(events.KernelUnexpectedExit) != 1 {
		t.Error("expected one unexpected-exit event")
	}
	if env.sink.countType(events.KernelRestarting) != 1 {
		t.Error("expected one restarting event")
	}

	// The reservation must ride through the restart untouched.
	if !env.reg.Allocated().Get(resource.SlotCPU).Equal(decimal.NewFromInt(2)) {
		t.Errorf("allocated cpu = %s, want 2", env.reg.Allocated().Get(resource.SlotCPU))
	}
}

func TestOOMKillTerminatesWithoutRestart(t *testing.T) {
	env := newTestEnv(t, nil)

	info, err := env.mgr.Create(context.Background(), testRequest("k1"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	env.rt.InjectExit(runtime.ContainerID(info.ContainerID), 137, true)
	env.waitForState(t, "k1", StateTerminated)

	if env.sink.countType(events.KernelOOMKilled) != 1 {
		t.Error("expected one oom-killed event")
	}
	if env.sink.countType(events.KernelRestarting) != 0 {
		t.Error("oom kill must not trigger restart")
	}
	if got := env.sink.lastReason(events.KernelTerminated); got != "out-of-memory" {
		t.Errorf("terminated reason = %q, want out-of-memory", got)
	}
	if !env.reg.Allocated().IsZero() {
		t.Errorf("allocated = %s, want zero", env.reg.Allocated())
	}
}

func TestCleanExitTerminates(t *testing.T) {
	env := newTestEnv(t, nil)

	info, err := env.mgr.Create(context.Background(), testRequest("k1"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	env.rt.InjectExit(runtime.ContainerID(info.ContainerID), 0, false)
	env.waitForState(t, "k1", StateTerminated)

	if env.sink.countType(events.KernelRestarting) != 0 {
		t.Error("clean exit must not trigger restart")
	}
	if got := env.sink.lastReason(events.KernelTerminated); got != "exited" {
		t.Errorf("terminated reason = %q, want exited", got)
	}
}

func TestRestartBudgetExhaustion(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RestartLimit = 1
	})

	info, err := env.mgr.Create(context.Background(), testRequest("k1"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// First crash consumes the budget.
	env.rt.InjectExit(runtime.ContainerID(info.ContainerID), 1, false)
	waitFor(t, func() bool {
		cur, err := env.mgr.Get("k1")
		return err == nil && cur.State == StateRunning && cur.ContainerID != info.ContainerID
	}, "first restart")

	// Second crash exceeds it.
	cur, _ := env.mgr.Get("k1")
	env.rt.InjectExit(runtime.ContainerID(cur.ContainerID), 1, false)
	env.waitForState(t, "k1", StateTerminated)

	if got := env.sink.lastReason(events.KernelTerminated); got != "restart-budget-exhausted" {
		t.Errorf("terminated reason = %q, want restart-budget-exhausted", got)
	}
	if n := env.sink.terminalCount("k1"); n != 1 {
		t.Errorf("terminal events = %d, want exactly 1", n)
	}
	if !env.reg.Allocated().IsZero() {
		t.Errorf("allocated = %s, want zero", env.reg.Allocated())
	}
}

func TestExplicitRestartKeepsReservation(t *testing.T) {
	env := newTestEnv(t, nil)

	info, err := env.mgr.Create(context.Background(), testRequest("k1"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	restarted, err := env.mgr.Restart(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if restarted.State != StateRunning {
		t.Errorf("state = %s, want running", restarted.State)
	}
	if restarted.ContainerID == info.ContainerID {
		t.Error("restart must replace the container")
	}
	if !env.reg.Allocated().Get(resource.SlotCPU).Equal(decimal.NewFromInt(2)) {
		t.Errorf("allocated cpu = %s, want 2", env.reg.Allocated().Get(resource.SlotCPU))
	}
}

func TestRestartNotRunning(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.mgr.Restart(context.Background(), "missing"); !errors.Is(err, ErrKernelNotFound) {
		t.Errorf("Restart(missing) error = %v, want ErrKernelNotFound", err)
	}

	info, _ := env.mgr.Create(context.Background(), testRequest("k1"))
	env.rt.InjectExit(runtime.ContainerID(info.ContainerID), 0, false)
	env.waitForState(t, "k1", StateTerminated)

	if _, err := env.mgr.Restart(context.Background(), "k1"); !errors.Is(err, ErrKernelNotRunning) {
		t.Errorf("Restart(terminated) error = %v, want ErrKernelNotRunning", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.mgr.Create(context.Background(), testRequest("k1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := env.mgr.Destroy(context.Background(), "k1", "user-requested"); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if err := env.mgr.Destroy(context.Background(), "k1", "user-requested"); err != nil {
		t.Fatalf("second Destroy() error = %v", err)
	}

	if n := env.sink.countType(events.KernelTerminated); n != 1 {
		t.Errorf("terminated events = %d, want exactly 1", n)
	}
	if !env.reg.Allocated().IsZero() {
		t.Errorf("allocated = %s, want zero", env.reg.Allocated())
	}
	if _, err := env.store.Get("k1"); !errors.Is(err, ErrKernelNotFound) {
		t.Errorf("record still present after destroy: %v", err)
	}
}

func TestDestroyUnknownKernel(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.mgr.Destroy(context.Background(), "missing", "user-requested"); !errors.Is(err, ErrKernelNotFound) {
		t.Errorf("Destroy(missing) error = %v, want ErrKernelNotFound", err)
	}
}

func TestDestroyAll(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, id := range []string{"k1", "k2", "k3"} {
		if _, err := env.mgr.Create(context.Background(), testRequest(id)); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	if err := env.mgr.DestroyAll(context.Background(), "agent-termination"); err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}

	if n := env.sink.countType(events.KernelTerminated); n != 3 {
		t.Errorf("terminated events = %d, want 3", n)
	}
	if !env.reg.Allocated().IsZero() {
		t.Errorf("allocated = %s, want zero", env.reg.Allocated())
	}
}

func TestExecuteRefreshesActivity(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.mgr.Create(context.Background(), testRequest("k1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	env.rt.ExecResults = []*runtime.ExecResult{{ExitCode: 0, Stdout: "4\n"}}

	res, err := env.mgr.Execute(context.Background(), "k1", []string{"python", "-c", "print(2+2)"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Stdout != "4\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "4\n")
	}

	info, _ := env.mgr.Get("k1")
	if info.NumQueries != 1 {
		t.Errorf("num queries = %d, want 1", info.NumQueries)
	}
}

func TestExecuteRequiresRunningKernel(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.mgr.Execute(context.Background(), "missing", []string{"true"}); !errors.Is(err, ErrKernelNotFound) {
		t.Errorf("Execute(missing) error = %v, want ErrKernelNotFound", err)
	}

	info, _ := env.mgr.Create(context.Background(), testRequest("k1"))
	env.rt.InjectExit(runtime.ContainerID(info.ContainerID), 0, false)
	env.waitForState(t, "k1", StateTerminated)

	if _, err := env.mgr.Execute(context.Background(), "k1", []string{"true"}); !errors.Is(err, ErrKernelNotRunning) {
		t.Errorf("Execute(terminated) error = %v, want ErrKernelNotRunning", err)
	}
}

func TestIdleSweepDestroysIdleKernels(t *testing.T) {
	mc := clock.NewMock()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Clock = mc
		cfg.IdleTimeout = 10 * time.Minute
		cfg.SweepInterval = time.Minute
	})
	env.mgr.Start()

	if _, err := env.mgr.Create(context.Background(), testRequest("k1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := env.mgr.Create(context.Background(), testRequest("k2")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// k2 stays busy, k1 goes idle.
	mc.Add(6 * time.Minute)
	if err := env.mgr.RefreshIdleTimeout("k2"); err != nil {
		t.Fatalf("RefreshIdleTimeout() error = %v", err)
	}
	mc.Add(6 * time.Minute)

	env.waitForState(t, "k1", StateTerminated)

	if got := env.sink.lastReason(events.KernelTerminated); got != "idle-timeout" {
		t.Errorf("terminated reason = %q, want idle-timeout", got)
	}
	k2, err := env.mgr.Get("k2")
	if err != nil {
		t.Fatalf("Get(k2) error = %v", err)
	}
	if k2.State != StateRunning {
		t.Errorf("k2 state = %s, want running", k2.State)
	}
}

func TestSweepPrunesTerminalKernels(t *testing.T) {
	mc := clock.NewMock()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Clock = mc
		cfg.SweepInterval = time.Minute
		cfg.IdleTimeout = 0
	})
	env.mgr.Start()

	if _, err := env.mgr.Create(context.Background(), testRequest("k1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := env.mgr.Destroy(context.Background(), "k1", "user-requested"); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	// Still queryable within the retention window.
	if _, err := env.mgr.Get("k1"); err != nil {
		t.Fatalf("Get() right after destroy error = %v", err)
	}

	mc.Add(3 * time.Minute)
	waitFor(t, func() bool {
		_, err := env.mgr.Get("k1")
		return errors.Is(err, ErrKernelNotFound)
	}, "terminal kernel to be pruned")
}

func TestSnapshotListsLiveKernels(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.mgr.Create(context.Background(), testRequest("k1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	snap := env.mgr.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot kernels = %d, want 1", len(snap))
	}
	if snap[0].ID != "k1" || snap[0].State != "running" {
		t.Errorf("snapshot = %+v", snap[0])
	}
	if snap[0].Occupied["cpu"] != "2" {
		t.Errorf("snapshot occupied cpu = %q, want 2", snap[0].Occupied["cpu"])
	}
}

func TestEventSequencePerKernelTransition(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.mgr.Create(context.Background(), testRequest("k1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := env.mgr.Destroy(context.Background(), "k1", "user-requested"); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	want := []events.Type{
		events.KernelPreparing,
		events.KernelPullingImage,
		events.KernelCreating,
		events.KernelRunning,
		events.KernelTerminating,
		events.KernelTerminated,
	}
	got := env.sink.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestExecuteTimeoutDestroysKernel(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ExecTimeout = 20 * time.Millisecond
	})

	if _, err := env.mgr.Create(context.Background(), testRequest("k1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	env.rt.ExecDelay = 200 * time.Millisecond

	_, err := env.mgr.Execute(context.Background(), "k1", []string{"sleep", "600"})
	if err == nil {
		t.Fatal("Execute() succeeded, want timeout error")
	}

	info, err := env.mgr.Get("k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if info.State != StateTerminated {
		t.Errorf("state after timed-out execution = %s, want terminated", info.State)
	}
	if got := env.sink.lastReason(events.KernelTerminated); got != "exec-timeout" {
		t.Errorf("terminated reason = %q, want exec-timeout", got)
	}
}

func TestExecuteCallerCancelLeavesKernelRunning(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ExecTimeout = time.Minute
	})

	if _, err := env.mgr.Create(context.Background(), testRequest("k1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	env.rt.ExecDelay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := env.mgr.Execute(ctx, "k1", []string{"echo", "hi"}); err == nil {
		t.Fatal("Execute() succeeded, want cancellation error")
	}

	// Only the execution deadline condemns a kernel; a caller giving up
	// early does not.
	info, err := env.mgr.Get("k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if info.State != StateRunning {
		t.Errorf("state after caller cancel = %s, want running", info.State)
	}
}

func TestSweepDropsErroredKernelRecord(t *testing.T) {
	mc := clock.NewMock()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Clock = mc
		cfg.SweepInterval = time.Minute
		cfg.IdleTimeout = 0
	})
	env.mgr.Start()

	env.rt.PullErrs = []error{
		errors.New("registry down"),
		errors.New("registry down"),
		errors.New("registry down"),
	}
	if _, err := env.mgr.Create(context.Background(), testRequest("k1")); err == nil {
		t.Fatal("Create() succeeded, want pull exhaustion")
	}
	if rec, err := env.store.Get("k1"); err != nil || rec.State != "error" {
		t.Fatalf("store.Get() = %+v, %v; want an error-state record", rec, err)
	}

	mc.Add(3 * time.Minute)
	waitFor(t, func() bool {
		_, err := env.store.Get("k1")
		return errors.Is(err, ErrKernelNotFound)
	}, "errored kernel record to be pruned from the store")
}

func TestImagePullCounters(t *testing.T) {
	succeeded := testutil.ToFloat64(metrics.ImagePullsTotal.WithLabelValues("success"))
	failed := testutil.ToFloat64(metrics.ImagePullsTotal.WithLabelValues("failure"))

	env := newTestEnv(t, nil)
	env.rt.PullErrs = []error{errors.New("registry blip")}

	if _, err := env.mgr.Create(context.Background(), testRequest("k1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.ImagePullsTotal.WithLabelValues("success")) - succeeded; got != 1 {
		t.Errorf("successful pull counter grew by %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ImagePullsTotal.WithLabelValues("failure")) - failed; got != 1 {
		t.Errorf("failed pull counter grew by %v, want 1", got)
	}
}

// fakePlugin is a scriptable accelerator plugin for assignment tests.
type fakePlugin struct {
	mu        sync.Mutex
	name      resource.SlotName
	assignErr error
	assigned  map[string][]accelerator.DeviceID
	released  []string
}

func (p *fakePlugin) Name() resource.SlotName { return p.name }

func (p *fakePlugin) Discover(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(2), nil
}

func (p *fakePlugin) Assign(ctx context.Context, kernelID string, count decimal.Decimal) ([]accelerator.DeviceID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.assignErr != nil {
		return nil, p.assignErr
	}
	ids := make([]accelerator.DeviceID, count.IntPart())
	for i := range ids {
		ids[i] = accelerator.DeviceID(fmt.Sprintf("%s-%d", p.name, i))
	}
	if p.assigned == nil {
		p.assigned = make(map[string][]accelerator.DeviceID)
	}
	p.assigned[kernelID] = ids
	return ids, nil
}

func (p *fakePlugin) Release(kernelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.assigned, kernelID)
	p.released = append(p.released, kernelID)
}

func (p *fakePlugin) Restore(kernelID string, ids []accelerator.DeviceID) error { return nil }

func (p *fakePlugin) DeviceSpecs(ids []accelerator.DeviceID) []specs.LinuxDevice { return nil }

func (p *fakePlugin) releasedFor(kernelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.released {
		if id == kernelID {
			return true
		}
	}
	return false
}

func TestAssignFailureReleasesEarlierPluginClaims(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	capacity := testCapacity()
	capacity["cuda.device"] = decimal.NewFromInt(2)
	capacity["npu.device"] = decimal.NewFromInt(2)
	reg := resource.NewRegistry(capacity)

	// Plugins assign in slot-name order, so the cuda claim lands before
	// the npu plugin fails.
	okPlugin := &fakePlugin{name: "cuda.device"}
	badPlugin := &fakePlugin{name: "npu.device", assignErr: errors.New("all units busy")}
	plugins := accelerator.NewRegistry()
	plugins.Register(okPlugin)
	plugins.Register(badPlugin)

	sink := &captureSink{}
	mgr := NewManager(Config{
		ScratchRoot:    t.TempDir(),
		PullAttempts:   3,
		PullBackoff:    time.Millisecond,
		RestartLimit:   3,
		RestartWindow:  5 * time.Minute,
		RuntimeTimeout: 5 * time.Second,
	}, runtime.NewFakeRuntime(), reg, plugins, store, sink)
	t.Cleanup(mgr.Stop)

	req := testRequest("k1")
	req.Resources["cuda.device"] = decimal.NewFromInt(1)
	req.Resources["npu.device"] = decimal.NewFromInt(1)

	if _, err := mgr.Create(context.Background(), req); err == nil {
		t.Fatal("Create() succeeded, want accelerator assignment failure")
	}

	if !okPlugin.releasedFor("k1") {
		t.Error("earlier plugin claim was not released after a later plugin failed")
	}
	if !reg.Allocated().IsZero() {
		t.Errorf("allocated = %s, want zero", reg.Allocated())
	}
	info, err := mgr.Get("k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if info.State != StateError {
		t.Errorf("state = %s, want error", info.State)
	}
}
