package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/nokchalatte/backend.ai-agent/pkg/config"
	"github.com/nokchalatte/backend.ai-agent/pkg/events"
	"github.com/nokchalatte/backend.ai-agent/pkg/kernel"
	"github.com/nokchalatte/backend.ai-agent/pkg/metrics"
	"github.com/nokchalatte/backend.ai-agent/pkg/resource"
	"github.com/nokchalatte/backend.ai-agent/pkg/runtime"
)

type fakeEmitter struct {
	mu         sync.Mutex
	events     []*events.Event
	heartbeats []*events.HeartbeatSnapshot
}

func (f *fakeEmitter) SendEvent(ctx context.Context, ev *events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEmitter) SendHeartbeat(ctx context.Context, hb *events.HeartbeatSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return nil
}

func (f *fakeEmitter) Close() error { return nil }

func (f *fakeEmitter) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.AgentID = "agent-test"
	cfg.RPCBindAddr = "tcp://127.0.0.1:0"
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.ScratchRoot = t.TempDir()
	cfg.DataDir = t.TempDir()
	cfg.CPUCores = 4
	cfg.MemoryBytes = 8 << 30
	cfg.HeartbeatInterval = time.Hour // keep heartbeats out of the way
	cfg.SweepInterval = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func newTestAgent(t *testing.T) (*Agent, *fakeEmitter) {
	t.Helper()
	emitter := &fakeEmitter{}
	a, err := newAgent(context.Background(), testConfig(t), runtime.NewFakeRuntime(), emitter)
	if err != nil {
		t.Fatalf("newAgent() error = %v", err)
	}
	return a, emitter
}

func TestAgentStartStop(t *testing.T) {
	a, emitter := newTestAgent(t)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a.Stop(context.Background())

	// agent.started and agent.terminated both cross the pipeline.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && emitter.eventCount() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if emitter.eventCount() < 2 {
		t.Errorf("lifecycle events delivered = %d, want at least 2", emitter.eventCount())
	}
}

func TestAgentSnapshot(t *testing.T) {
	a, _ := newTestAgent(t)

	snap := a.snapshot()
	if snap.AgentID != "agent-test" {
		t.Errorf("agent id = %q, want agent-test", snap.AgentID)
	}
	if snap.Capacity["cpu"] != "4" {
		t.Errorf("capacity cpu = %q, want 4", snap.Capacity["cpu"])
	}
	if snap.Allocated["cpu"] != "0" {
		t.Errorf("allocated cpu = %q, want 0", snap.Allocated["cpu"])
	}
	if len(snap.Kernels) != 0 {
		t.Errorf("kernels = %d, want 0", len(snap.Kernels))
	}
}

func TestControlShutdownEndpoint(t *testing.T) {
	a, _ := newTestAgent(t)
	mux := a.controlMux()

	// GET is rejected.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/shutdown", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /shutdown = %d, want 405", rec.Code)
	}

	select {
	case <-a.ShutdownRequested():
		t.Fatal("shutdown triggered by rejected request")
	default:
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/shutdown", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("POST /shutdown = %d, want 202", rec.Code)
	}

	select {
	case <-a.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("shutdown channel not closed")
	}
}

func TestControlHealthEndpoints(t *testing.T) {
	a, _ := newTestAgent(t)
	mux := a.controlMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK && rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /healthz = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", rec.Code)
	}
}

func (f *fakeEmitter) countType(t events.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestAgentFansKernelEventsToEmitterAndMetrics(t *testing.T) {
	restarts := testutil.ToFloat64(metrics.KernelRestartsTotal)

	emitter := &fakeEmitter{}
	rt := runtime.NewFakeRuntime()
	a, err := newAgent(context.Background(), testConfig(t), rt, emitter)
	if err != nil {
		t.Fatalf("newAgent() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop(context.Background())

	info, err := a.manager.Create(context.Background(), kernel.Request{
		KernelID: "k1",
		Image:    "python:3.11",
		Command:  []string{"python", "-m", "kernel"},
		Resources: resource.SlotSet{
			resource.SlotCPU:    decimal.NewFromInt(1),
			resource.SlotMemory: decimal.NewFromInt(1 << 30),
		},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// An unexpected exit triggers an automatic restart, whose event must
	// reach the manager emitter and the restart counter alike.
	rt.InjectExit(runtime.ContainerID(info.ContainerID), 1, false)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && emitter.countType(events.KernelRestarting) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if emitter.countType(events.KernelRestarting) == 0 {
		t.Fatal("restart event never reached the emitter")
	}
	if emitter.countType(events.KernelRunning) == 0 {
		t.Error("running event never reached the emitter")
	}
	if got := testutil.ToFloat64(metrics.KernelRestartsTotal) - restarts; got != 1 {
		t.Errorf("restart counter grew by %v, want 1", got)
	}
}
