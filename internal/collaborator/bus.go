package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Bus reaches a voice agent attached to the NATS bus. Start is a
// request/reply on voicechat.agent.start; the agent then publishes the
// call's events on voicechat.agent.events.<call id>.
type Bus struct {
	bus       *bus.Client
	log       *slog.Logger
	events    chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	sub    *nats.Subscription
	callID string
	closed bool
}

func NewBus(busClient *bus.Client, buffer int) *Bus {
	return &Bus{
		bus:    busClient,
		log:    busClient.Logger().With(slog.String("component", "collaborator.bus")),
		events: make(chan protocol.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (b *Bus) Start(ctx context.Context, assistantID string) (CallHandle, error) {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return CallHandle{}, ErrClosed
	case b.sub != nil:
		b.mu.Unlock()
		return CallHandle{}, ErrAlreadyStarted
	}
	b.mu.Unlock()

	callID := uuid.NewString()
	// Subscribe before asking so events published right after the reply
	// are not lost.
	sub, err := b.bus.Conn().Subscribe(protocol.AgentEventsSubject(callID), b.handleEvent(callID))
	if err != nil {
		return CallHandle{}, fmt.Errorf("subscribe agent events: %w", err)
	}

	var reply protocol.StartReply
	req := protocol.StartRequest{CallID: callID, AssistantID: assistantID, Timestamp: time.Now().UTC()}
	if err := b.bus.RequestJSON(ctx, protocol.SubjectAgentStart, req, &reply); err != nil {
		_ = sub.Unsubscribe()
		if errors.Is(err, nats.ErrNoResponders) {
			return CallHandle{}, fmt.Errorf("no voice agent listening: %w", err)
		}
		if ctx.Err() != nil {
			// The agent may have accepted the call after we gave up on
			// the reply; a stop for an unknown call is ignored.
			b.publishStop(callID)
		}
		return CallHandle{}, err
	}
	if reply.Error != "" {
		_ = sub.Unsubscribe()
		return CallHandle{}, fmt.Errorf("start rejected: %s", reply.Error)
	}

	b.mu.Lock()
	if b.closed || b.sub != nil {
		b.mu.Unlock()
		_ = sub.Unsubscribe()
		b.publishStop(callID)
		return CallHandle{}, ErrAlreadyStarted
	}
	b.sub = sub
	b.callID = callID
	b.mu.Unlock()

	b.log.Info("call started", slog.String("call_id", callID), slog.String("assistant_id", assistantID))
	return CallHandle{ID: callID, AssistantID: assistantID, StartedAt: time.Now().UTC()}, nil
}

func (b *Bus) handleEvent(callID string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var evt protocol.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.log.Debug("ignoring undecodable agent event", slogError(err))
			return
		}
		evt.CallID = callID
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now().UTC()
		}
		select {
		case b.events <- evt:
		case <-b.done:
		}
		if evt.Name == protocol.EventCallEnded {
			b.release(callID)
		}
	}
}

func (b *Bus) release(callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callID != callID || b.sub == nil {
		return
	}
	_ = b.sub.Unsubscribe()
	b.sub = nil
	b.callID = ""
}

func (b *Bus) Stop() {
	b.mu.Lock()
	sub, callID := b.sub, b.callID
	b.sub = nil
	b.callID = ""
	b.mu.Unlock()
	if sub == nil {
		return
	}
	_ = sub.Unsubscribe()
	b.publishStop(callID)
	b.log.Info("call stopped", slog.String("call_id", callID))
}

func (b *Bus) publishStop(callID string) {
	if err := b.bus.PublishJSON(protocol.SubjectAgentStop, protocol.StopRequest{CallID: callID, Timestamp: time.Now().UTC()}); err != nil {
		b.log.Warn("failed to publish stop", slogError(err))
	}
}

func (b *Bus) Events() <-chan protocol.Event { return b.events }

func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.Stop()
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
	})
	return nil
}
