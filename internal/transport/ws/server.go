package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/command"
	"macrosim.ai/internal/sim/kernel"
)

const maxCommandBytes = 64 * 1024

// Server accepts commands and streams tick audits over websockets.
type Server struct {
	sched *kernel.Scheduler
	log   *slog.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewServer(s *kernel.Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sched: s,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[chan []byte]struct{}{},
	}
}

// Submit runs one raw command through decode, mapping and queue validation.
// Safe for concurrent use.
func (s *Server) Submit(raw []byte) protocol.CommandAck {
	ack := protocol.CommandAck{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		ServerTick:      s.sched.World().Tick(),
	}
	msg, err := protocol.DecodeCommand(raw)
	if err != nil {
		return reject(ack, err)
	}
	ack.CommandID = msg.ID
	cmd, err := command.FromWire(msg)
	if err != nil {
		return reject(ack, err)
	}
	ack.CommandID = cmd.ID().String()
	if !command.IsControl(cmd) && s.sched.State().State == kernel.StateAborted {
		ack.Code = protocol.ErrKernelAborted
		ack.Message = "kernel aborted; reset required"
		return ack
	}
	if err := s.sched.World().Commands().Enqueue(cmd); err != nil {
		return reject(ack, err)
	}
	ack.Accepted = true
	return ack
}

func reject(ack protocol.CommandAck, err error) protocol.CommandAck {
	var (
		pe *protocol.Error
		ve *command.ValidationError
	)
	switch {
	case errors.As(err, &pe):
		ack.Code = pe.Code
		ack.Message = pe.Message
	case errors.As(err, &ve):
		ack.Code = ve.Code
		ack.Message = ve.Error()
	case errors.Is(err, command.ErrControlBusy):
		ack.Code = protocol.ErrQueueFull
		ack.Message = err.Error()
	default:
		ack.Code = protocol.ErrInternal
		ack.Message = err.Error()
	}
	return ack
}

// CommandHandler serves /v1/ws/command: one ACK per inbound message.
func (s *Server) CommandHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxCommandBytes)

		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ack := s.Submit(msg)
			if !ack.Accepted {
				s.log.Info("command rejected", "command_id", ack.CommandID, "code", ack.Code, "reason", ack.Message)
			}
			if err := writeJSON(conn, ack); err != nil {
				return
			}
		}
	}
}

// HTTPCommandHandler is the plain POST variant of the command stream.
func (s *Server) HTTPCommandHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		ack := s.Submit(raw)
		rw.Header().Set("Content-Type", "application/json")
		if !ack.Accepted {
			rw.WriteHeader(statusFor(ack.Code))
		}
		_ = json.NewEncoder(rw).Encode(ack)
	}
}

func statusFor(code string) int {
	switch code {
	case protocol.ErrQueueFull:
		return http.StatusTooManyRequests
	case protocol.ErrKernelAborted:
		return http.StatusServiceUnavailable
	case protocol.ErrInternal:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// LiveHandler serves /v1/ws/live: every TICK_AUDIT as it is finalized.
// Slow readers miss audits rather than stall the kernel.
func (s *Server) LiveHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		out := s.subscribe(32)
		defer s.unsubscribe(out)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Reader goroutine: only to notice the close.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case b := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}
}

// BroadcastAudit is registered as a kernel audit observer. It never blocks.
func (s *Server) BroadcastAudit(a protocol.TickAudit) {
	b, err := json.Marshal(a)
	if err != nil {
		s.log.Warn("audit marshal failed", "tick", a.Tick, "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- b:
		default:
		}
	}
}

func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) subscribe(buf int) chan []byte {
	ch := make(chan []byte, buf)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan []byte) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
