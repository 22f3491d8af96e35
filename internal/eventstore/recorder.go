package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/session"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
)

const (
	EventCallStarted       = "call.started"
	EventCallEnded         = "call.ended"
	EventTranscriptMessage = "transcript.message"
)

type recordJob func(ctx context.Context) error

// Recorder writes call lifecycle and transcript lines to the store off the
// controller goroutine. Lines that arrive before the first call are not
// recorded; later ones are attributed to the most recent call.
type Recorder struct {
	store       *Store
	assistantID string
	log         *slog.Logger
	queue       chan recordJob
	wg          sync.WaitGroup

	mu       sync.Mutex
	lastCall string
	closed   bool
}

func NewRecorder(store *Store, assistantID string, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	r := &Recorder{
		store:       store,
		assistantID: assistantID,
		log:         log.With(slog.String("component", "eventstore.recorder")),
		queue:       make(chan recordJob, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for job := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := job(ctx); err != nil {
			r.log.Warn("failed to record event", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// ObserveChange is a session.Observer.
func (r *Recorder) ObserveChange(change session.Change) {
	from, to := change.From, change.To
	switch {
	case from.Call != session.Active && to.Call == session.Active:
		callID := to.CallID
		r.mu.Lock()
		r.lastCall = callID
		r.mu.Unlock()
		r.enqueue(func(ctx context.Context) error {
			if err := r.store.BeginCall(ctx, callID, r.assistantID); err != nil {
				return err
			}
			return r.store.AppendEvent(ctx, Event{CallID: callID, Type: EventCallStarted})
		})
	case from.Call == session.Active && to.Call != session.Active:
		callID, duration := from.CallID, from.Duration
		payload, err := json.Marshal(struct {
			Duration int `json:"duration_seconds"`
		}{duration})
		if err != nil {
			// The call row must still be closed; the event goes without a payload.
			r.log.Warn("failed to encode call end", slog.String("error", err.Error()))
			payload = nil
		}
		r.enqueue(func(ctx context.Context) error {
			if err := r.store.AppendEvent(ctx, Event{CallID: callID, Type: EventCallEnded, Payload: payload}); err != nil {
				return err
			}
			return r.store.EndCall(ctx, callID, duration)
		})
	}
}

// ObserveMessage is a transcript.AppendFunc.
func (r *Recorder) ObserveMessage(index int, msg transcript.Message) {
	r.mu.Lock()
	callID := r.lastCall
	r.mu.Unlock()
	if callID == "" {
		return
	}
	payload, err := json.Marshal(struct {
		Index  int    `json:"index"`
		Text   string `json:"text"`
		IsUser bool   `json:"is_user"`
	}{index, msg.Text, msg.IsUser})
	if err != nil {
		r.log.Warn("failed to encode transcript line", slog.String("error", err.Error()))
		return
	}
	r.enqueue(func(ctx context.Context) error {
		return r.store.AppendEvent(ctx, Event{CallID: callID, Type: EventTranscriptMessage, Payload: payload})
	})
}

func (r *Recorder) enqueue(job recordJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- job:
	default:
		r.log.Warn("recorder queue full, dropping event")
	}
}

// Close flushes queued writes.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}
