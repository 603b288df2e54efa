package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nokchalatte/backend.ai-agent/pkg/log"
)

// Server accepts agent commands on a ZeroMQ ROUTER socket. Each command is
// handled in its own goroutine; ordering per kernel is enforced by the
// dispatcher's gate, not by the socket.
type Server struct {
	addr       string
	dispatcher *Dispatcher
	logger     zerolog.Logger

	socket zmq4.Socket
	cancel context.CancelFunc

	sendMu   sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a command server bound to addr once started.
func NewServer(addr string, dispatcher *Dispatcher) *Server {
	return &Server{
		addr:       addr,
		dispatcher: dispatcher,
		logger:     log.WithComponent("rpc-server"),
	}
}

// Start binds the socket and begins serving commands.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.socket = zmq4.NewRouter(ctx)

	if err := s.socket.Listen(s.addr); err != nil {
		cancel()
		return fmt.Errorf("failed to bind command socket %s: %w", s.addr, err)
	}

	s.wg.Add(1)
	go s.serveLoop(ctx)

	s.logger.Info().Str("addr", s.addr).Msg("command server listening")
	return nil
}

// Stop closes the socket and waits for in-flight commands to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.socket != nil {
			s.socket.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) serveLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		msg, err := s.socket.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("failed to receive command")
			continue
		}
		if len(msg.Frames) < 2 {
			s.logger.Warn().Int("frames", len(msg.Frames)).Msg("dropping short command message")
			continue
		}

		identity := msg.Frames[0]
		body := msg.Frames[len(msg.Frames)-1]

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleCommand(ctx, identity, body)
		}()
	}
}

func (s *Server) handleCommand(ctx context.Context, identity, body []byte) {
	var req Request
	var resp *Response
	if err := msgpack.Unmarshal(body, &req); err != nil {
		s.logger.Warn().Err(err).Msg("malformed command payload")
		resp = &Response{
			OK:      false,
			Failure: &Failure{Code: CodeInvalidArgument, Message: "malformed command payload"},
		}
	} else {
		resp = s.dispatcher.Dispatch(ctx, &req)
	}

	data, err := msgpack.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Str("command_id", req.ID).Msg("failed to encode response")
		return
	}

	// zmq4 sockets are not safe for concurrent sends.
	s.sendMu.Lock()
	err = s.socket.Send(zmq4.NewMsgFrom(identity, data))
	s.sendMu.Unlock()
	if err != nil {
		s.logger.Warn().Err(err).Str("command_id", req.ID).Msg("failed to send response")
	}
}
