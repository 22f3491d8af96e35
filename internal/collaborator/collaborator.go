package collaborator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

var (
	ErrAlreadyStarted = errors.New("collaborator: call already started")
	ErrNotConnected   = errors.New("collaborator: not connected")
	ErrClosed         = errors.New("collaborator: closed")
)

// CallHandle identifies a call accepted by the collaborator.
type CallHandle struct {
	ID          string
	AssistantID string
	StartedAt   time.Time
}

// Collaborator is the hosted voice agent that does capture, recognition,
// synthesis and dialogue. At most one call is open at a time.
type Collaborator interface {
	// Start opens a call against assistantID and returns once the agent
	// accepted or rejected it.
	Start(ctx context.Context, assistantID string) (CallHandle, error)
	// Stop ends the open call, if any. Safe to call when idle.
	Stop()
	// Events delivers speech-start, speech-end, message, error and
	// call-ended notifications for the lifetime of the collaborator.
	Events() <-chan protocol.Event
	Close() error
}

// New builds the collaborator selected by cfg.Mode. busClient is required
// for mode=bus only.
func New(cfg config.CollaboratorConfig, busClient *bus.Client, log *slog.Logger) (Collaborator, error) {
	switch cfg.Mode {
	case "mock":
		m := NewMock(cfg.EventBuffer)
		m.SetScript(DemoScript())
		return m, nil
	case "websocket":
		return NewWebsocket(cfg, log), nil
	case "exec":
		return NewExec(cfg, log)
	case "bus":
		if busClient == nil {
			return nil, errors.New("bus collaborator requires bus client")
		}
		return NewBus(busClient, cfg.EventBuffer), nil
	default:
		return nil, fmt.Errorf("unknown collaborator mode %q", cfg.Mode)
	}
}
