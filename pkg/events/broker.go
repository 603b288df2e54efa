package events

import (
	"sync"
	"time"
)

// Subscriber receives every event published to a Broker, in publish order.
type Subscriber chan *Event

// Broker fans lifecycle events out to in-process observers: the outbound
// pipeline and the agent's metrics observer. Delivery is ordered and
// lossless; every subscriber must keep draining its channel until it is
// closed by Unsubscribe or Stop, or the broker's distribution goroutine
// stalls.
type Broker struct {
	mu          sync.Mutex
	subscribers []Subscriber
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewBroker returns a broker without subscribers. Start launches delivery.
func NewBroker() *Broker {
	return &Broker{
		eventCh: make(chan *Event, 128),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the distribution goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop drains buffered events to the subscribers, then closes their
// channels and returns. Publish calls arriving after Stop are discarded.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.done
}

// Subscribe registers a new observer. The returned channel is closed when
// the observer unsubscribes or the broker stops.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers = append(b.subscribers, sub)
	return sub
}

// Unsubscribe removes an observer and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish hands an event to the broker. Satisfies the lifecycle manager's
// event sink.
func (b *Broker) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			// Deliver what is already buffered so terminal events published
			// right before shutdown still reach the pipeline.
			for {
				select {
				case ev := <-b.eventCh:
					b.broadcast(ev)
				default:
					b.closeSubscribers()
					return
				}
			}
		}
	}
}

// broadcast holds the lock across the sends so Unsubscribe can never close
// a channel mid-delivery.
func (b *Broker) broadcast(ev *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		sub <- ev
	}
}

func (b *Broker) closeSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}
