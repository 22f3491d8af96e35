package collaborator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

// frameConn is a bidirectional stream of protocol frames.
type frameConn interface {
	ReadFrame() (protocol.Frame, error)
	WriteFrame(protocol.Frame) error
	Close() error
}

type dialFunc func(ctx context.Context) (frameConn, error)

// streamCollaborator runs the start/stop handshake over any frameConn.
// A fresh connection is dialed for every call.
type streamCollaborator struct {
	name      string
	dial      dialFunc
	log       *slog.Logger
	events    chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	conn   frameConn
	callID string
	closed bool
}

func newStreamCollaborator(name string, dial dialFunc, buffer int, log *slog.Logger) *streamCollaborator {
	return &streamCollaborator{
		name:   name,
		dial:   dial,
		log:    log.With(slog.String("component", "collaborator."+name)),
		events: make(chan protocol.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (s *streamCollaborator) Start(ctx context.Context, assistantID string) (CallHandle, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return CallHandle{}, ErrClosed
	case s.conn != nil:
		s.mu.Unlock()
		return CallHandle{}, ErrAlreadyStarted
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return CallHandle{}, fmt.Errorf("%s dial: %w", s.name, err)
	}
	if err := conn.WriteFrame(protocol.Frame{Type: protocol.FrameStart, AssistantID: assistantID}); err != nil {
		_ = conn.Close()
		return CallHandle{}, fmt.Errorf("%s send start: %w", s.name, err)
	}

	// Closing the connection is the only way to unblock a pending read.
	settled := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-settled:
		}
	}()
	callID, err := awaitStarted(conn)
	close(settled)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return CallHandle{}, ctxErr
		}
		return CallHandle{}, err
	}

	s.mu.Lock()
	if s.closed || s.conn != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return CallHandle{}, ErrAlreadyStarted
	}
	s.conn = conn
	s.callID = callID
	s.mu.Unlock()

	go s.readLoop(conn, callID)

	s.log.Info("call started", slog.String("call_id", callID), slog.String("assistant_id", assistantID))
	return CallHandle{ID: callID, AssistantID: assistantID, StartedAt: time.Now().UTC()}, nil
}

func awaitStarted(conn frameConn) (string, error) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return "", err
		}
		switch frame.Type {
		case protocol.FrameCallStarted:
			if frame.CallID == "" {
				return uuid.NewString(), nil
			}
			return frame.CallID, nil
		case protocol.EventError:
			return "", fmt.Errorf("start rejected: %s", frame.Error)
		case protocol.EventCallEnded:
			return "", fmt.Errorf("call ended before it started")
		}
	}
}

func (s *streamCollaborator) readLoop(conn frameConn, callID string) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if s.detach(conn) {
				_ = conn.Close()
				s.log.Warn("collaborator connection lost", slogError(err))
				s.emit(protocol.Event{Name: protocol.EventError, CallID: callID, Error: err.Error()})
				s.emit(protocol.Event{Name: protocol.EventCallEnded, CallID: callID})
			}
			return
		}
		evt, ok := frameEvent(frame, callID)
		if !ok {
			continue
		}
		if !s.owns(conn) {
			return
		}
		s.emit(evt)
		if evt.Name == protocol.EventCallEnded {
			if s.detach(conn) {
				_ = conn.Close()
			}
			return
		}
	}
}

func frameEvent(frame protocol.Frame, callID string) (protocol.Event, bool) {
	evt := protocol.Event{CallID: callID, Timestamp: time.Now().UTC()}
	switch frame.Type {
	case protocol.EventSpeechStart, protocol.EventSpeechEnd, protocol.EventCallEnded:
		evt.Name = frame.Type
	case protocol.EventMessage:
		evt.Name = frame.Type
		evt.Message = frame.Message
	case protocol.EventError:
		evt.Name = frame.Type
		evt.Error = frame.Error
	default:
		return protocol.Event{}, false
	}
	return evt, true
}

func (s *streamCollaborator) owns(conn frameConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

// detach clears conn as the current connection and reports whether it was.
func (s *streamCollaborator) detach(conn frameConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return false
	}
	s.conn = nil
	s.callID = ""
	return true
}

// Stop detaches the current connection immediately; the stop frame and
// close happen in the background.
func (s *streamCollaborator) Stop() {
	s.mu.Lock()
	conn, callID := s.conn, s.callID
	s.conn = nil
	s.callID = ""
	s.mu.Unlock()
	if conn == nil {
		return
	}
	go func() {
		if err := conn.WriteFrame(protocol.Frame{Type: protocol.FrameStop, CallID: callID}); err != nil {
			s.log.Debug("send stop failed", slogError(err))
		}
		_ = conn.Close()
	}()
	s.log.Info("call stopped", slog.String("call_id", callID))
}

func (s *streamCollaborator) Events() <-chan protocol.Event { return s.events }

func (s *streamCollaborator) emit(evt protocol.Event) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *streamCollaborator) Close() error {
	s.closeOnce.Do(func() {
		s.Stop()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
