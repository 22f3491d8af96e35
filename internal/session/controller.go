package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/collaborator"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-voicechat/session"

// Config tunes a Controller. Zero durations and a nil Clock take defaults.
type Config struct {
	AssistantID  string
	TickInterval time.Duration
	StartTimeout time.Duration
	Clock        Clock
}

// Change is one state transition, delivered to observers in order.
type Change struct {
	From  State
	To    State
	Cause Input
}

// Observer is called on the controller goroutine and must not block.
type Observer func(Change)

type commandKind int

const (
	cmdSnapshot commandKind = iota
	cmdToggle
	cmdStop
	cmdClose
)

type command struct {
	kind  commandKind
	reply chan State
}

// Controller owns the call state. A single goroutine serializes user
// commands, collaborator events, start settlements and ticks, so state is
// only ever touched from one place.
type Controller struct {
	cfg        Config
	collab     collaborator.Collaborator
	transcript *transcript.Accumulator
	log        *slog.Logger
	tracer     trace.Tracer
	metrics    *instruments

	ctx       context.Context
	cancel    context.CancelFunc
	cmds      chan command
	settled   chan Input
	finished  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	obsMu     sync.Mutex
	observers []Observer

	lastMu sync.RWMutex
	last   State

	// owned by run
	state       State
	ticker      Ticker
	cancelStart context.CancelFunc
}

// NewController starts the controller loop. Close must be called to issue
// the final stop and release the loop.
func NewController(parent context.Context, collab collaborator.Collaborator, acc *transcript.Accumulator, cfg Config, log *slog.Logger) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		cfg:        cfg,
		collab:     collab,
		transcript: acc,
		log:        log.With(slog.String("component", "session")),
		tracer:     otel.Tracer(instrumentationName),
		ctx:        ctx,
		cancel:     cancel,
		cmds:       make(chan command),
		settled:    make(chan Input),
		finished:   make(chan struct{}),
	}
	metrics, err := newInstruments(otel.Meter(instrumentationName))
	if err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	c.metrics = metrics

	go c.run()
	return c
}

// Subscribe registers fn for every subsequent state change.
func (c *Controller) Subscribe(fn Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// Toggle starts a call from Idle, hangs up from Active and abandons a
// pending start from Connecting. It returns the state right after the
// synchronous part of the transition.
func (c *Controller) Toggle() State { return c.do(cmdToggle) }

// Stop ends or abandons the call. It is a no-op on the state when Idle.
func (c *Controller) Stop() State { return c.do(cmdStop) }

// Snapshot returns the current state, ordered after every input the
// controller has already received.
func (c *Controller) Snapshot() State { return c.do(cmdSnapshot) }

// Transcript exposes the accumulator the controller feeds.
func (c *Controller) Transcript() *transcript.Accumulator { return c.transcript }

// Close stops any call unconditionally and waits for the loop and pending
// start requests to finish.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { c.do(cmdClose) })
	<-c.finished
	c.wg.Wait()
}

func (c *Controller) do(kind commandKind) State {
	reply := make(chan State, 1)
	select {
	case c.cmds <- command{kind: kind, reply: reply}:
		return <-reply
	case <-c.finished:
		c.lastMu.RLock()
		defer c.lastMu.RUnlock()
		return c.last
	}
}

func (c *Controller) run() {
	defer close(c.finished)
	events := c.collab.Events()
	for {
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C()
		}
		select {
		case cmd := <-c.cmds:
			switch cmd.kind {
			case cmdToggle:
				c.apply(Toggle{})
			case cmdStop:
				c.apply(Stop{})
			case cmdClose:
				c.shutdown()
				cmd.reply <- c.state
				return
			}
			cmd.reply <- c.state
		case in := <-c.settled:
			c.apply(in)
		case evt := <-events:
			c.handleEvent(evt)
		case <-tick:
			c.apply(Tick{})
		case <-c.ctx.Done():
			c.shutdown()
			return
		}
	}
}

func (c *Controller) handleEvent(evt protocol.Event) {
	if _, ok := c.transcript.Apply(evt); ok {
		c.metrics.messageAppended(c.ctx)
	}
	switch evt.Name {
	case protocol.EventError:
		c.apply(CollaboratorError{Message: evt.Error})
	case protocol.EventCallEnded:
		c.apply(CallEnded{CallID: evt.CallID})
	}
}

func (c *Controller) apply(in Input) {
	prev := c.state
	next, effects := Reduce(prev, in)
	c.state = next
	for _, e := range effects {
		c.perform(e)
	}
	c.record(prev, next, in)
	if prev != next {
		c.notify(Change{From: prev, To: next, Cause: in})
	}
}

func (c *Controller) perform(e Effect) {
	switch e.Kind {
	case EffectStartCall:
		c.startCall(e.Attempt)
	case EffectCancelStart:
		if c.cancelStart != nil {
			c.cancelStart()
			c.cancelStart = nil
		}
	case EffectStopCall:
		c.collab.Stop()
	case EffectArmTick:
		c.stopTicker()
		c.ticker = c.cfg.Clock.NewTicker(c.cfg.TickInterval)
	case EffectDisarmTick:
		c.stopTicker()
	}
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) startCall(attempt uint64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.StartTimeout)
	c.cancelStart = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		ctx, span := c.tracer.Start(ctx, "voicechat.call.start", trace.WithAttributes(
			attribute.String("assistant.id", c.cfg.AssistantID),
			attribute.Int64("attempt", int64(attempt)),
		))
		handle, err := c.collab.Start(ctx, c.cfg.AssistantID)
		var in Input
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			in = StartFailed{Attempt: attempt, Err: err}
		} else {
			span.SetAttributes(attribute.String("call.id", handle.ID))
			in = StartSucceeded{Attempt: attempt, Handle: handle}
		}
		span.End()

		select {
		case c.settled <- in:
		case <-c.finished:
			if err == nil {
				c.collab.Stop()
			}
		}
	}()
}

// record logs and counts a transition.
func (c *Controller) record(prev, next State, in Input) {
	switch {
	case prev.Call == Connecting && next.Call == Active:
		c.metrics.callStarted(c.ctx)
		c.log.Info("call active", slog.String("call_id", next.CallID), slog.Uint64("attempt", next.Attempt))
	case prev.Call == Connecting && next.Call == Idle:
		c.metrics.callFailed(c.ctx)
		if failed, ok := in.(StartFailed); ok {
			if errors.Is(failed.Err, context.DeadlineExceeded) {
				c.log.Warn("call start timed out", slog.Uint64("attempt", failed.Attempt))
			} else {
				c.log.Warn("call start failed", slog.Uint64("attempt", failed.Attempt), slogError(failed.Err))
			}
		} else {
			c.log.Info("call attempt abandoned", slog.Uint64("attempt", prev.Attempt))
		}
	case prev.Call == Active && next.Call == Idle:
		c.metrics.callEnded(c.ctx, prev.Duration)
		c.log.Info("call ended", slog.String("call_id", prev.CallID), slog.Int("duration_seconds", prev.Duration))
	}
	switch in := in.(type) {
	case StartSucceeded:
		if prev.Call != Connecting || in.Attempt != prev.Attempt {
			c.log.Debug("discarding stale start", slog.Uint64("attempt", in.Attempt), slog.String("call_id", in.Handle.ID))
		}
	case StartFailed:
		if prev.Call != Connecting || in.Attempt != prev.Attempt {
			c.log.Debug("discarding stale start failure", slog.Uint64("attempt", in.Attempt))
		}
	}
}

func (c *Controller) notify(change Change) {
	c.lastMu.Lock()
	c.last = change.To
	c.lastMu.Unlock()

	c.obsMu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.obsMu.Unlock()
	for _, fn := range observers {
		fn(change)
	}
}

// shutdown leaves the controller Idle and stops the collaborator whatever
// the current state.
func (c *Controller) shutdown() {
	if c.cancelStart != nil {
		c.cancelStart()
		c.cancelStart = nil
	}
	c.stopTicker()
	prev := c.state
	next := State{Call: Idle, Attempt: prev.Attempt}
	c.state = next
	c.collab.Stop()
	c.cancel()
	c.record(prev, next, Stop{})
	if prev != next {
		c.notify(Change{From: prev, To: next, Cause: Stop{}})
	}
	c.log.Info("session controller closed")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
