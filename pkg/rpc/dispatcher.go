package rpc

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nokchalatte/backend.ai-agent/pkg/kernel"
	"github.com/nokchalatte/backend.ai-agent/pkg/log"
	"github.com/nokchalatte/backend.ai-agent/pkg/metrics"
	"github.com/nokchalatte/backend.ai-agent/pkg/resource"
	"github.com/nokchalatte/backend.ai-agent/pkg/runtime"
)

// BusyPolicy selects what happens when a command arrives for a kernel that
// already has one in flight.
type BusyPolicy string

const (
	// BusyQueue blocks the new command until the in-flight one completes.
	BusyQueue BusyPolicy = "queue"
	// BusyReject fails the new command with kernel-busy immediately.
	BusyReject BusyPolicy = "reject"
)

// Backend is the slice of the kernel lifecycle manager the dispatcher
// drives. Satisfied by *kernel.Manager.
type Backend interface {
	Create(ctx context.Context, req kernel.Request) (kernel.Info, error)
	Destroy(ctx context.Context, id, reason string) error
	Restart(ctx context.Context, id string) (kernel.Info, error)
	Execute(ctx context.Context, id string, cmd []string) (*runtime.ExecResult, error)
	RefreshIdleTimeout(id string) error
	DestroyAll(ctx context.Context, reason string) error
}

// Dispatcher routes decoded commands to the lifecycle manager. It owns two
// concurrency concerns the manager does not: at-least-once deduplication by
// command ID, and the per-kernel one-command-in-flight gate.
type Dispatcher struct {
	backend  Backend
	registry *resource.Registry
	policy   BusyPolicy
	logger   zerolog.Logger

	mu       sync.Mutex
	finished *lru.Cache[string, *Response]
	inflight map[string]chan struct{}
	gates    map[string]*kernelGate
}

// kernelGate serializes lifecycle-mutating commands for one kernel. refs
// counts holders plus waiters; the gate is pruned from the map only when it
// drops to zero, so a queued command never races a fresh gate for the same
// kernel.
type kernelGate struct {
	ch   chan struct{}
	refs int
}

// NewDispatcher creates a dispatcher with a dedup cache of the given size.
func NewDispatcher(backend Backend, registry *resource.Registry, policy BusyPolicy, dedupSize int) (*Dispatcher, error) {
	if dedupSize <= 0 {
		dedupSize = 1024
	}
	cache, err := lru.New[string, *Response](dedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	if policy == "" {
		policy = BusyQueue
	}
	return &Dispatcher{
		backend:  backend,
		registry: registry,
		policy:   policy,
		logger:   log.WithComponent("rpc-dispatcher"),
		finished: cache,
		inflight: make(map[string]chan struct{}),
		gates:    make(map[string]*kernelGate),
	}, nil
}

// Dispatch handles one command. Redelivered commands (same ID) replay the
// original response instead of re-executing; a redelivery that races the
// original waits for it to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	if req.ID == "" {
		return failResponse("", fmt.Errorf("%w: missing command id", kernel.ErrInvalidRequest))
	}

	for {
		d.mu.Lock()
		if resp, ok := d.finished.Get(req.ID); ok {
			d.mu.Unlock()
			metrics.CommandsDeduplicated.Inc()
			return resp
		}
		done, running := d.inflight[req.ID]
		if !running {
			done = make(chan struct{})
			d.inflight[req.ID] = done
			d.mu.Unlock()
			break
		}
		d.mu.Unlock()

		// A duplicate racing the original: wait and replay.
		select {
		case <-done:
		case <-ctx.Done():
			return failResponse(req.ID, ctx.Err())
		}
	}

	timer := metrics.NewTimer()
	resp := d.handle(ctx, req)
	timer.ObserveDurationVec(metrics.CommandDuration, string(req.Kind))

	status := "ok"
	if !resp.OK {
		status = string(resp.Failure.Code)
	}
	metrics.CommandsTotal.WithLabelValues(string(req.Kind), status).Inc()

	d.mu.Lock()
	d.finished.Add(req.ID, resp)
	close(d.inflight[req.ID])
	delete(d.inflight, req.ID)
	d.mu.Unlock()
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, req *Request) *Response {
	switch req.Kind {
	case KindCreateKernel:
		return d.handleCreate(ctx, req)
	case KindDestroyKernel:
		return d.handleDestroy(ctx, req)
	case KindRestartKernel:
		return d.handleRestart(ctx, req)
	case KindExecute:
		return d.handleExecute(ctx, req)
	case KindRefreshIdle:
		return d.handleRefreshIdle(ctx, req)
	case KindQueryCapacity:
		return d.handleQueryCapacity(req)
	case KindPing:
		return okResponse(req.ID, PingResult{Now: timeNow()})
	case KindReset:
		if err := d.backend.DestroyAll(ctx, "agent-reset"); err != nil {
			return failResponse(req.ID, err)
		}
		return okResponse(req.ID, nil)
	default:
		return failResponse(req.ID, fmt.Errorf("%w: unknown command kind %q", kernel.ErrInvalidRequest, req.Kind))
	}
}

func (d *Dispatcher) handleCreate(ctx context.Context, req *Request) *Response {
	var p CreatePayload
	if err := msgpack.Unmarshal(req.Payload, &p); err != nil {
		return failResponse(req.ID, fmt.Errorf("%w: %v", kernel.ErrInvalidRequest, err))
	}
	slots, err := resource.SlotSetFromStringMap(p.Resources)
	if err != nil {
		return failResponse(req.ID, fmt.Errorf("%w: %v", kernel.ErrInvalidRequest, err))
	}

	kreq := kernel.Request{
		KernelID:  p.KernelID,
		Image:     p.Image,
		Command:   p.Command,
		Env:       p.Env,
		Resources: slots,
	}

	if p.KernelID != "" {
		release, err := d.acquire(ctx, p.KernelID)
		if err != nil {
			return failResponse(req.ID, err)
		}
		defer release()
	}

	info, err := d.backend.Create(ctx, kreq)
	if err != nil {
		return failResponse(req.ID, err)
	}
	return okResponse(req.ID, kernelResult(info))
}

func (d *Dispatcher) handleDestroy(ctx context.Context, req *Request) *Response {
	var p DestroyPayload
	if err := msgpack.Unmarshal(req.Payload, &p); err != nil || p.KernelID == "" {
		return failResponse(req.ID, fmt.Errorf("%w: missing kernel id", kernel.ErrInvalidRequest))
	}
	reason := p.Reason
	if reason == "" {
		reason = "user-requested"
	}

	release, err := d.acquire(ctx, p.KernelID)
	if err != nil {
		return failResponse(req.ID, err)
	}
	defer release()

	if err := d.backend.Destroy(ctx, p.KernelID, reason); err != nil {
		return failResponse(req.ID, err)
	}
	return okResponse(req.ID, nil)
}

func (d *Dispatcher) handleRestart(ctx context.Context, req *Request) *Response {
	var p RestartPayload
	if err := msgpack.Unmarshal(req.Payload, &p); err != nil || p.KernelID == "" {
		return failResponse(req.ID, fmt.Errorf("%w: missing kernel id", kernel.ErrInvalidRequest))
	}

	release, err := d.acquire(ctx, p.KernelID)
	if err != nil {
		return failResponse(req.ID, err)
	}
	defer release()

	info, err := d.backend.Restart(ctx, p.KernelID)
	if err != nil {
		return failResponse(req.ID, err)
	}
	return okResponse(req.ID, kernelResult(info))
}

func (d *Dispatcher) handleExecute(ctx context.Context, req *Request) *Response {
	var p ExecutePayload
	if err := msgpack.Unmarshal(req.Payload, &p); err != nil || p.KernelID == "" {
		return failResponse(req.ID, fmt.Errorf("%w: missing kernel id", kernel.ErrInvalidRequest))
	}
	if len(p.Command) == 0 {
		return failResponse(req.ID, fmt.Errorf("%w: empty command", kernel.ErrInvalidRequest))
	}

	release, err := d.acquire(ctx, p.KernelID)
	if err != nil {
		return failResponse(req.ID, err)
	}
	defer release()

	res, err := d.backend.Execute(ctx, p.KernelID, p.Command)
	if err != nil {
		return failResponse(req.ID, err)
	}
	return okResponse(req.ID, ExecuteResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	})
}

func (d *Dispatcher) handleRefreshIdle(ctx context.Context, req *Request) *Response {
	var p RefreshIdlePayload
	if err := msgpack.Unmarshal(req.Payload, &p); err != nil || p.KernelID == "" {
		return failResponse(req.ID, fmt.Errorf("%w: missing kernel id", kernel.ErrInvalidRequest))
	}
	if err := d.backend.RefreshIdleTimeout(p.KernelID); err != nil {
		return failResponse(req.ID, err)
	}
	return okResponse(req.ID, nil)
}

func (d *Dispatcher) handleQueryCapacity(req *Request) *Response {
	return okResponse(req.ID, CapacityResult{
		Capacity:  d.registry.Capacity().ToStringMap(),
		Allocated: d.registry.Allocated().ToStringMap(),
		Available: d.registry.Available().ToStringMap(),
	})
}

// acquire takes the per-kernel gate, applying the busy policy. The returned
// function releases the gate.
func (d *Dispatcher) acquire(ctx context.Context, kernelID string) (func(), error) {
	d.mu.Lock()
	gate, ok := d.gates[kernelID]
	if !ok {
		gate = &kernelGate{ch: make(chan struct{}, 1)}
		d.gates[kernelID] = gate
	}
	gate.refs++
	d.mu.Unlock()

	if d.policy == BusyReject {
		select {
		case gate.ch <- struct{}{}:
		default:
			d.unref(kernelID, gate)
			return nil, fmt.Errorf("%w: kernel %s", ErrKernelBusy, kernelID)
		}
	} else {
		select {
		case gate.ch <- struct{}{}:
		case <-ctx.Done():
			d.unref(kernelID, gate)
			return nil, ctx.Err()
		}
	}
	return func() {
		<-gate.ch
		d.unref(kernelID, gate)
	}, nil
}

// unref drops one reference and prunes the gate once nothing holds or waits
// on it, so the map does not grow with kernel churn.
func (d *Dispatcher) unref(kernelID string, gate *kernelGate) {
	d.mu.Lock()
	gate.refs--
	if gate.refs == 0 && d.gates[kernelID] == gate {
		delete(d.gates, kernelID)
	}
	d.mu.Unlock()
}
