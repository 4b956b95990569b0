package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/shsh-actions/internal/identity"
	"github.com/ashureev/shsh-actions/internal/shared"
)

// Client frame types.
const (
	frameStart  = "start"
	frameCancel = "cancel"
	framePing   = "ping"
)

// wsControl is a server frame that is not a stream chunk.
type wsControl struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	StreamID  string `json:"streamId,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// HandleWebSocket handles GET /ws/chat. Clients send start, cancel and ping
// frames; the server answers with control frames and the chunks of the
// active stream. One connection drives at most one stream at a time.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	ctx, cancel := context.WithCancel(r.Context())
	conn := &wsConn{h: h, ws: ws, ctx: ctx}
	defer func() {
		conn.cancelActive()
		cancel()
		conn.wg.Wait()
	}()

	h.logger.Info("WebSocket chat connected", "session_id", identity.SessionIDFromContext(ctx))

	for {
		var frame wsFrame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}

		switch frame.Type {
		case frameStart:
			conn.start(r, frame)
		case frameCancel:
			conn.cancel(frame)
		case framePing:
			conn.write(wsControl{Type: "pong"})
		default:
			conn.writeError(shared.ErrBadRequest, "unknown frame type "+frame.Type)
		}
	}
}

type wsConn struct {
	h   *Handler
	ws  *websocket.Conn
	ctx context.Context
	wg  sync.WaitGroup

	mu     sync.Mutex
	active *StreamHandle
}

func (c *wsConn) start(r *http.Request, frame wsFrame) {
	c.mu.Lock()
	busy := c.active
	c.mu.Unlock()
	if busy != nil {
		c.writeError(shared.ErrSessionBusy, "connection already streams "+busy.StreamID)
		return
	}

	if !c.h.limiter.Allow(rateKey(r)) {
		c.writeErr(shared.ErrRateLimited)
		return
	}
	sessionID := identity.Resolve(c.ctx, frame.SessionID)
	handle, err := c.h.coord.StartStream(sessionID, frame.Message)
	if err != nil {
		c.writeErr(err)
		return
	}

	// Frames are read one at a time, so nothing else sets active here.
	c.mu.Lock()
	c.active = handle
	c.mu.Unlock()

	c.write(wsControl{Type: "started", SessionID: sessionID, StreamID: handle.StreamID})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.relay(handle)
	}()
}

// relay forwards chunks until the terminal marker or a dead connection.
// A stream the connection stops reading is cancelled.
func (c *wsConn) relay(handle *StreamHandle) {
	defer c.release(handle)
	for {
		chunk, err := handle.Sink.Next(c.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.h.abandon(handle, err)
			}
			return
		}
		if chunk.Type.Terminal() {
			// Free the slot first so a client reacting to the marker can start again.
			c.release(handle)
		}
		if err := wsjson.Write(c.ctx, c.ws, chunk); err != nil {
			if !chunk.Type.Terminal() {
				c.h.abandon(handle, err)
			}
			return
		}
		if chunk.Type.Terminal() {
			return
		}
	}
}

func (c *wsConn) release(handle *StreamHandle) {
	c.mu.Lock()
	if c.active == handle {
		c.active = nil
	}
	c.mu.Unlock()
}

func (c *wsConn) cancel(frame wsFrame) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	switch {
	case frame.StreamID != "":
		sessionID := identity.Resolve(c.ctx, frame.SessionID)
		if active != nil && active.StreamID == frame.StreamID {
			sessionID = active.SessionID
		}
		if err := c.h.coord.CancelStream(sessionID, frame.StreamID); err != nil {
			c.writeErr(err)
		}
	case active != nil:
		if err := c.h.coord.CancelStream(active.SessionID, active.StreamID); err != nil {
			c.writeErr(err)
		}
	default:
		c.writeError(shared.ErrNotFound, "no active stream")
	}
}

// cancelActive stops the stream of a connection that is going away.
func (c *wsConn) cancelActive() {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active != nil {
		_ = c.h.coord.CancelStream(active.SessionID, active.StreamID)
	}
}

func (c *wsConn) write(v any) {
	if err := wsjson.Write(c.ctx, c.ws, v); err != nil {
		c.h.logger.Debug("WebSocket write failed", "error", err)
	}
}

func (c *wsConn) writeErr(err error) {
	code := shared.Code(err)
	msg := err.Error()
	if code == shared.CodeInternal {
		c.h.logger.Error("WebSocket request failed", "error", err)
		msg = "internal error"
	}
	c.write(wsControl{Type: "error", Error: code, Message: msg})
}

func (c *wsConn) writeError(sentinel error, msg string) {
	c.write(wsControl{Type: "error", Error: shared.Code(sentinel), Message: msg})
}
