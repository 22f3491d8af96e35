package collaborator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

// StartFunc overrides how Mock settles a start request.
type StartFunc func(ctx context.Context, assistantID string) (CallHandle, error)

// Mock is an in-process collaborator. Tests drive it with Emit and
// SetStartFunc; mode=mock replays a script after every accepted call.
type Mock struct {
	events    chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	startFunc StartFunc
	script    []protocol.Event
	starts    []string
	stops     int
	active    *CallHandle
}

func NewMock(buffer int) *Mock {
	return &Mock{
		events: make(chan protocol.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (m *Mock) SetStartFunc(fn StartFunc) {
	m.mu.Lock()
	m.startFunc = fn
	m.mu.Unlock()
}

// SetScript sets events emitted, in order, after each accepted start.
func (m *Mock) SetScript(events []protocol.Event) {
	m.mu.Lock()
	m.script = append([]protocol.Event(nil), events...)
	m.mu.Unlock()
}

func (m *Mock) Start(ctx context.Context, assistantID string) (CallHandle, error) {
	m.mu.Lock()
	m.starts = append(m.starts, assistantID)
	fn := m.startFunc
	script := m.script
	m.mu.Unlock()

	var (
		handle CallHandle
		err    error
	)
	if fn != nil {
		handle, err = fn(ctx, assistantID)
	} else {
		handle = CallHandle{ID: uuid.NewString(), AssistantID: assistantID, StartedAt: time.Now().UTC()}
	}
	if err != nil {
		return CallHandle{}, err
	}

	m.mu.Lock()
	m.active = &handle
	m.mu.Unlock()

	if len(script) > 0 {
		go func() {
			for _, evt := range script {
				evt.CallID = handle.ID
				m.Emit(evt)
			}
		}()
	}
	return handle, nil
}

func (m *Mock) Stop() {
	m.mu.Lock()
	m.stops++
	m.active = nil
	m.mu.Unlock()
}

func (m *Mock) Events() <-chan protocol.Event { return m.events }

// Emit delivers evt to the consumer, blocking until it is taken or the
// mock is closed.
func (m *Mock) Emit(evt protocol.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case m.events <- evt:
	case <-m.done:
	}
}

func (m *Mock) Close() error {
	m.closeOnce.Do(func() {
		m.Stop()
		close(m.done)
	})
	return nil
}

func (m *Mock) StartCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.starts...)
}

func (m *Mock) StopCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Active reports whether the mock holds an open call.
func (m *Mock) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// DemoScript is the short exchange replayed in mode=mock.
func DemoScript() []protocol.Event {
	return []protocol.Event{
		{Name: protocol.EventSpeechStart},
		{Name: protocol.EventMessage, Message: &protocol.MessagePayload{
			Type: protocol.MessageTypeTranscript, TranscriptType: protocol.TranscriptTypePartial,
			Role: protocol.RoleUser, Transcript: "I'd like some",
		}},
		{Name: protocol.EventMessage, Message: &protocol.MessagePayload{
			Type: protocol.MessageTypeTranscript, TranscriptType: protocol.TranscriptTypeFinal,
			Role: protocol.RoleUser, Transcript: "I'd like some milk",
		}},
		{Name: protocol.EventSpeechEnd},
		{Name: protocol.EventMessage, Message: &protocol.MessagePayload{
			Type: protocol.MessageTypeAssistantMessage, Text: "Sure, adding milk to your list.",
		}},
	}
}
