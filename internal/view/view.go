package view

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voicechat/internal/session"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
)

// Controller is the part of the session controller the view drives.
type Controller interface {
	Toggle() session.State
	Snapshot() session.State
}

// StateView is the rendered call control.
type StateView struct {
	State    string `json:"state"`
	Duration int    `json:"duration_seconds"`
	Elapsed  string `json:"elapsed"`
	Label    string `json:"label"`
	// Busy disables the call button while a start is pending.
	Busy bool `json:"busy"`
}

func renderState(s session.State) StateView {
	return StateView{
		State:    s.Call.String(),
		Duration: s.Duration,
		Elapsed:  s.Elapsed(),
		Label:    s.Label(),
		Busy:     s.Call == session.Connecting,
	}
}

// MessageView is one rendered transcript line.
type MessageView struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	IsUser bool   `json:"is_user"`
	Align  string `json:"align"`
}

func renderMessage(index int, msg transcript.Message) MessageView {
	align := "start"
	if msg.IsUser {
		align = "end"
	}
	return MessageView{Index: index, Text: msg.Text, IsUser: msg.IsUser, Align: align}
}

// TranscriptView is the whole chat log with the scroll anchor on the newest line.
type TranscriptView struct {
	Messages []MessageView `json:"messages"`
	ScrollTo int           `json:"scroll_to"`
}

// Update is pushed to stream clients.
type Update struct {
	Kind    string       `json:"kind"`
	State   *StateView   `json:"state,omitempty"`
	Message *MessageView `json:"message,omitempty"`
	// ScrollTo is the index the log should scroll to after this update.
	ScrollTo *int `json:"scroll_to,omitempty"`
}

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Hub renders controller and transcript changes and fans them out to
// websocket clients. Slow clients are dropped instead of blocking the
// controller.
type Hub struct {
	ctrl     Controller
	acc      *transcript.Accumulator
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(ctrl Controller, acc *transcript.Accumulator, log *slog.Logger) *Hub {
	return &Hub{
		ctrl:    ctrl,
		acc:     acc,
		log:     log.With(slog.String("component", "view")),
		clients: make(map[*client]struct{}),
	}
}

// ObserveChange is a session.Observer.
func (h *Hub) ObserveChange(change session.Change) {
	sv := renderState(change.To)
	h.broadcast(Update{Kind: "state", State: &sv})
}

// ObserveMessage is a transcript.AppendFunc.
func (h *Hub) ObserveMessage(index int, msg transcript.Message) {
	mv := renderMessage(index, msg)
	h.broadcast(Update{Kind: "message", Message: &mv, ScrollTo: &index})
}

func (h *Hub) broadcast(u Update) {
	data, err := json.Marshal(u)
	if err != nil {
		h.log.Warn("failed to encode update", slogError(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping slow stream client")
			h.removeLocked(c)
		}
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Routes registers the view endpoints on mux.
func (h *Hub) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", h.handleState)
	mux.HandleFunc("POST /api/toggle", h.handleToggle)
	mux.HandleFunc("GET /api/transcript", h.handleTranscript)
	mux.HandleFunc("GET /api/stream", h.handleStream)
}

func (h *Hub) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, renderState(h.ctrl.Snapshot()))
}

func (h *Hub) handleToggle(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, renderState(h.ctrl.Toggle()))
}

func (h *Hub) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.renderTranscript())
}

func (h *Hub) renderTranscript() TranscriptView {
	msgs := h.acc.Messages()
	tv := TranscriptView{Messages: make([]MessageView, 0, len(msgs)), ScrollTo: len(msgs) - 1}
	for i, m := range msgs {
		tv.Messages = append(tv.Messages, renderMessage(i, m))
	}
	return tv
}

func (h *Hub) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("stream upgrade failed", slogError(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	// Register before taking the snapshot so no update falls in between.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	sv := renderState(h.ctrl.Snapshot())
	tv := h.renderTranscript()
	initial := struct {
		Kind       string         `json:"kind"`
		State      StateView      `json:"state"`
		Transcript TranscriptView `json:"transcript"`
	}{"snapshot", sv, tv}
	if err := h.write(conn, initial); err != nil {
		h.drop(c)
		_ = conn.Close()
		return
	}

	go h.readPump(c)
	h.writePump(c)
}

// readPump only watches for the client going away.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(c)
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// Clients reports the number of connected stream clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every stream client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
