package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/vmihailenco/msgpack/v5"
)

// Envelope kinds on the manager event channel.
const (
	envelopeEvent     = "event"
	envelopeHeartbeat = "heartbeat"
)

// envelope is the wire frame sent to the manager's event endpoint.
type envelope struct {
	Kind    string `msgpack:"kind"`
	AgentID string `msgpack:"agent_id"`
	Payload []byte `msgpack:"payload"`
}

// ZMQEmitter delivers events and heartbeats to the manager over a ZeroMQ
// DEALER socket, msgpack-encoded.
type ZMQEmitter struct {
	agentID string
	socket  zmq4.Socket

	mu sync.Mutex
}

// NewZMQEmitter connects a DEALER socket to the manager's event endpoint.
func NewZMQEmitter(ctx context.Context, agentID, addr string) (*ZMQEmitter, error) {
	socket := zmq4.NewDealer(ctx)
	if err := socket.Dial(addr); err != nil {
		return nil, fmt.Errorf("failed to connect to event endpoint %s: %w", addr, err)
	}
	return &ZMQEmitter{agentID: agentID, socket: socket}, nil
}

func (e *ZMQEmitter) send(ctx context.Context, kind string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := msgpack.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	frame, err := msgpack.Marshal(&envelope{
		Kind:    kind,
		AgentID: e.agentID,
		Payload: body,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", kind, err)
	}

	// zmq4 sockets are not safe for concurrent sends.
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.socket.Send(zmq4.NewMsg(frame)); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	return nil
}

func (e *ZMQEmitter) SendEvent(ctx context.Context, ev *Event) error {
	return e.send(ctx, envelopeEvent, ev)
}

func (e *ZMQEmitter) SendHeartbeat(ctx context.Context, hb *HeartbeatSnapshot) error {
	return e.send(ctx, envelopeHeartbeat, hb)
}

func (e *ZMQEmitter) Close() error {
	return e.socket.Close()
}
