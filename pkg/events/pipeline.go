package events

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/nokchalatte/backend.ai-agent/pkg/log"
	"github.com/nokchalatte/backend.ai-agent/pkg/metrics"
)

// Emitter is the outbound channel to the manager. Implementations must be
// safe for use from the pipeline goroutine and the heartbeat goroutine.
type Emitter interface {
	SendEvent(ctx context.Context, ev *Event) error
	SendHeartbeat(ctx context.Context, hb *HeartbeatSnapshot) error
	Close() error
}

// SnapshotFunc builds a fresh HeartbeatSnapshot per tick.
type SnapshotFunc func() *HeartbeatSnapshot

// PipelineConfig tunes the outbound pipeline.
type PipelineConfig struct {
	// QueueDepth bounds the outbound event queue. Beyond it, superseded
	// non-terminal events are coalesced away.
	QueueDepth int

	// HeartbeatInterval drives the heartbeat ticker.
	HeartbeatInterval time.Duration

	// SendTimeout bounds one transmission attempt to the manager.
	SendTimeout time.Duration

	// RetryDelay is how long the pipeline waits before retrying after a
	// failed event transmission.
	RetryDelay time.Duration

	// Clock is swapped for a mock in tests. Nil means the wall clock.
	Clock clock.Clock
}

// Pipeline forwards kernel lifecycle events to the manager in per-kernel
// arrival order and sends periodic heartbeat snapshots. A slow or
// unreachable manager never blocks the callers publishing events: the queue
// absorbs bursts and coalesces superseded states when saturated, and the
// heartbeat provides the eventual resync point.
type Pipeline struct {
	cfg     PipelineConfig
	emitter Emitter
	logger  zerolog.Logger

	mu      sync.Mutex
	queue   []*Event
	seqs    map[string]uint64
	sending bool
	wake    chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPipeline creates a pipeline delivering through the given emitter.
func NewPipeline(cfg PipelineConfig, emitter Emitter) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 1 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 1 * time.Second
	}
	return &Pipeline{
		cfg:     cfg,
		emitter: emitter,
		logger:  log.WithComponent("event-pipeline"),
		seqs:    make(map[string]uint64),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the delivery goroutine and, when snapshot is non-nil, the
// heartbeat goroutine.
func (p *Pipeline) Start(snapshot SnapshotFunc) {
	p.wg.Add(1)
	go p.deliverLoop()

	if snapshot != nil && p.cfg.HeartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop(snapshot)
	}
}

// Stop drains nothing further and waits for the loops to exit.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Publish enqueues an event for delivery. Events for one kernel are
// delivered in the order published; Publish stamps the per-kernel sequence
// number. Never blocks.
func (p *Pipeline) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.cfg.Clock.Now()
	}

	p.mu.Lock()
	p.seqs[ev.KernelID]++
	ev.Seq = p.seqs[ev.KernelID]
	p.queue = append(p.queue, ev)
	if len(p.queue) > p.cfg.QueueDepth {
		p.coalesceLocked()
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// QueueLen reports the current outbound backlog.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// coalesceLocked removes the oldest non-terminal event that a later event
// for the same kernel supersedes. Terminal events are never removed. Called
// with p.mu held.
func (p *Pipeline) coalesceLocked() {
	for i, ev := range p.queue {
		if ev.Terminal {
			continue
		}
		for _, later := range p.queue[i+1:] {
			if later.KernelID == ev.KernelID {
				p.logger.Debug().
					Str("kernel_id", ev.KernelID).
					Str("type", string(ev.Type)).
					Msg("coalescing superseded event under backpressure")
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				return
			}
		}
	}
	// Nothing coalescible; keep the overflow and let the queue run long.
	p.logger.Warn().Int("depth", len(p.queue)).Msg("event queue over depth with no coalescible events")
}

func (p *Pipeline) pop() *Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	ev := p.queue[0]
	p.queue = p.queue[1:]
	p.sending = true
	return ev
}

func (p *Pipeline) doneSending() {
	p.mu.Lock()
	p.sending = false
	p.mu.Unlock()
}

func (p *Pipeline) requeueFront(ev *Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append([]*Event{ev}, p.queue...)
	p.sending = false
}

// Flush blocks until the outbound queue is fully delivered or ctx expires.
// Used during shutdown so the final lifecycle events reach the manager
// before the emitter closes.
func (p *Pipeline) Flush(ctx context.Context) error {
	for {
		p.mu.Lock()
		drained := len(p.queue) == 0 && !p.sending
		p.mu.Unlock()
		if drained {
			return nil
		}

		timer := p.cfg.Clock.Timer(10 * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (p *Pipeline) deliverLoop() {
	defer p.wg.Done()

	for {
		ev := p.pop()
		if ev == nil {
			select {
			case <-p.wake:
				continue
			case <-p.stopCh:
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
		err := p.emitter.SendEvent(ctx, ev)
		cancel()
		if err == nil {
			metrics.EventsPublished.Inc()
			p.doneSending()
			continue
		}
		metrics.EventSendFailures.Inc()
		p.logger.Warn().Err(err).
			Str("kernel_id", ev.KernelID).
			Str("type", string(ev.Type)).
			Msg("event delivery failed, will retry")
		p.requeueFront(ev)

		timer := p.cfg.Clock.Timer(p.cfg.RetryDelay)
		select {
		case <-timer.C:
		case <-p.stopCh:
			timer.Stop()
			return
		}
	}
}

func (p *Pipeline) heartbeatLoop(snapshot SnapshotFunc) {
	defer p.wg.Done()

	ticker := p.cfg.Clock.Ticker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb := snapshot()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
			err := p.emitter.SendHeartbeat(ctx, hb)
			cancel()
			if err != nil {
				// Logged and retried on the next tick; never escalated.
				p.logger.Warn().Err(err).Msg("heartbeat delivery failed")
			} else {
				metrics.HeartbeatsSent.Inc()
			}
		case <-p.stopCh:
			return
		}
	}
}
