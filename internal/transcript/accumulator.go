package transcript

import (
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

// Message is one line of the chat transcript.
type Message struct {
	Text   string `json:"text"`
	IsUser bool   `json:"is_user"`
}

// AppendFunc observes a message appended at index.
type AppendFunc func(index int, msg Message)

// Accumulator keeps the append-only chat transcript. Messages are never
// removed or rewritten and survive across calls.
type Accumulator struct {
	log       *slog.Logger
	mu        sync.RWMutex
	messages  []Message
	observers []AppendFunc
}

// New returns an accumulator seeded with greeting as the first assistant
// line. An empty greeting starts with an empty transcript.
func New(greeting string, log *slog.Logger) *Accumulator {
	a := &Accumulator{log: log.With(slog.String("component", "transcript"))}
	if greeting != "" {
		a.messages = append(a.messages, Message{Text: greeting, IsUser: false})
	}
	return a
}

// OnAppend registers fn to run after every append. Observers run on the
// appending goroutine and must not block.
func (a *Accumulator) OnAppend(fn AppendFunc) {
	a.mu.Lock()
	a.observers = append(a.observers, fn)
	a.mu.Unlock()
}

// Apply folds a collaborator event into the transcript and reports the
// appended message, if any.
func (a *Accumulator) Apply(evt protocol.Event) (Message, bool) {
	switch evt.Name {
	case protocol.EventSpeechStart:
		a.log.Debug("speech started", slog.String("call_id", evt.CallID))
	case protocol.EventSpeechEnd:
		a.log.Debug("speech ended", slog.String("call_id", evt.CallID))
	case protocol.EventError:
		a.log.Warn("collaborator error", slog.String("call_id", evt.CallID), slog.String("error", evt.Error))
	case protocol.EventMessage:
		if evt.Message == nil {
			return Message{}, false
		}
		text, isUser, ok := evt.Message.Utterance()
		if !ok {
			return Message{}, false
		}
		msg := Message{Text: text, IsUser: isUser}
		a.Append(msg)
		return msg, true
	}
	return Message{}, false
}

// Append adds msg to the end of the transcript and returns its index.
func (a *Accumulator) Append(msg Message) int {
	a.mu.Lock()
	a.messages = append(a.messages, msg)
	index := len(a.messages) - 1
	observers := append([]AppendFunc(nil), a.observers...)
	a.mu.Unlock()

	for _, fn := range observers {
		fn(index, msg)
	}
	return index
}

// Messages returns a copy of the transcript in display order.
func (a *Accumulator) Messages() []Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Message(nil), a.messages...)
}

func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.messages)
}
