package collaborator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

const wsWriteTimeout = 5 * time.Second

// NewWebsocket returns a collaborator that opens one websocket per call to
// the hosted agent at cfg.Endpoint.
func NewWebsocket(cfg config.CollaboratorConfig, log *slog.Logger) Collaborator {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	dial := func(ctx context.Context) (frameConn, error) {
		conn, _, err := dialer.DialContext(ctx, cfg.Endpoint, header)
		if err != nil {
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}
	return newStreamCollaborator("websocket", dial, cfg.EventBuffer, log)
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// ReadFrame skips messages that are not valid JSON frames.
func (c *wsConn) ReadFrame() (protocol.Frame, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.Frame{}, err
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		return frame, nil
	}
}

func (c *wsConn) WriteFrame(frame protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
