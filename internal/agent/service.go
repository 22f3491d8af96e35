package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/collaborator"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service is a scripted voice agent attached to the bus. It answers start
// requests, plays a short exchange on the call's event subject and stops
// when asked.
type Service struct {
	cfg      config.AgentConfig
	bus      *bus.Client
	logger   *slog.Logger
	script   []protocol.Event
	subStart *nats.Subscription
	subStop  *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	calls    map[string]context.CancelFunc
	mu       sync.Mutex
}

func NewService(parent context.Context, cfg config.AgentConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "agent")),
		script: collaborator.DemoScript(),
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]context.CancelFunc),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAgentStart, s.handleStart)
	if err != nil {
		return err
	}
	s.subStart = sub

	subStop, err := s.bus.Conn().Subscribe(protocol.SubjectAgentStop, s.handleStop)
	if err != nil {
		_ = s.subStart.Drain()
		return err
	}
	s.subStop = subStop
	// Make sure the server has the subscriptions before anyone asks.
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	s.cancel()
	if s.subStart != nil {
		_ = s.subStart.Drain()
	}
	if s.subStop != nil {
		_ = s.subStop.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subStart != nil && s.subStop != nil)
}

// ActiveCalls reports how many calls are still playing.
func (s *Service) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("agent failed to decode start request", slogError(err))
		s.reply(msg, protocol.StartReply{Error: "malformed start request"})
		return
	}
	if req.CallID == "" {
		s.reply(msg, protocol.StartReply{Error: "call id required"})
		return
	}
	if len(s.cfg.Assistants) > 0 && !slices.Contains(s.cfg.Assistants, req.AssistantID) {
		s.logger.Info("agent rejected unknown assistant", slog.String("assistant_id", req.AssistantID))
		s.reply(msg, protocol.StartReply{CallID: req.CallID, Error: "unknown assistant " + req.AssistantID})
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if _, exists := s.calls[req.CallID]; exists {
		s.mu.Unlock()
		cancel()
		s.reply(msg, protocol.StartReply{CallID: req.CallID, Error: "call already started"})
		return
	}
	s.calls[req.CallID] = cancel
	s.mu.Unlock()

	s.reply(msg, protocol.StartReply{CallID: req.CallID})
	s.logger.Info("agent call started", slog.String("call_id", req.CallID), slog.String("assistant_id", req.AssistantID))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(req.CallID)
		s.play(ctx, req.CallID)
	}()
}

func (s *Service) play(ctx context.Context, callID string) {
	delay := time.Duration(s.cfg.ReplyDelayMS) * time.Millisecond
	subject := protocol.AgentEventsSubject(callID)
	for _, evt := range s.script {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		} else if ctx.Err() != nil {
			return
		}
		evt.Timestamp = time.Now().UTC()
		if err := s.bus.PublishJSON(subject, evt); err != nil {
			s.logger.Warn("agent failed to publish event", slog.String("call_id", callID), slogError(err))
			return
		}
	}
	if s.cfg.HangUpAfterScript && ctx.Err() == nil {
		if err := s.bus.PublishJSON(subject, protocol.Event{Name: protocol.EventCallEnded, Timestamp: time.Now().UTC()}); err != nil {
			s.logger.Warn("agent failed to publish hang-up", slog.String("call_id", callID), slogError(err))
		}
	}
}

func (s *Service) finish(callID string) {
	s.mu.Lock()
	cancel := s.calls[callID]
	delete(s.calls, callID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.StopRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("agent failed to decode stop request", slogError(err))
		return
	}
	s.mu.Lock()
	cancel := s.calls[req.CallID]
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.logger.Info("agent call stopped", slog.String("call_id", req.CallID))
}

func (s *Service) reply(msg *nats.Msg, reply protocol.StartReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("agent failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("agent failed to respond", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
