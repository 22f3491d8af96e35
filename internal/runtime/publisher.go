package runtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/loqalabs/loqa-voicechat/internal/session"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
)

type jsonPublisher interface {
	PublishJSON(subject string, v any) error
}

// publisher mirrors call state changes and transcript lines onto the bus.
type publisher struct {
	bus   jsonPublisher
	log   *slog.Logger
	clock func() time.Time

	mu     sync.Mutex
	callID string
}

func newPublisher(bus jsonPublisher, log *slog.Logger) *publisher {
	return &publisher{bus: bus, log: log.With(slog.String("component", "publisher")), clock: time.Now}
}

func (p *publisher) observeChange(change session.Change) {
	to := change.To
	callID := to.CallID
	if callID == "" && change.From.Call == session.Active {
		callID = change.From.CallID
	}
	p.mu.Lock()
	if to.Call == session.Active {
		p.callID = to.CallID
	}
	p.mu.Unlock()

	update := protocol.CallStateUpdate{
		CallID:    callID,
		State:     to.Call.String(),
		Duration:  to.Duration,
		Timestamp: p.clock().UTC(),
	}
	if err := p.bus.PublishJSON(protocol.SubjectCallState, update); err != nil {
		p.log.Warn("failed to publish call state", slog.String("error", err.Error()))
	}
}

func (p *publisher) observeMessage(index int, msg transcript.Message) {
	p.mu.Lock()
	callID := p.callID
	p.mu.Unlock()

	line := protocol.TranscriptMessage{
		CallID:    callID,
		Index:     index,
		Text:      msg.Text,
		IsUser:    msg.IsUser,
		Timestamp: p.clock().UTC(),
	}
	if err := p.bus.PublishJSON(protocol.SubjectTranscriptMessage, line); err != nil {
		p.log.Warn("failed to publish transcript line", slog.String("error", err.Error()))
	}
}
