package gateway

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendBuffer is the per-client outbound queue. A slow reader overflows
// it and loses frames rather than stalling the run.
const sendBuffer = 256

// Client is one WebSocket connection and its session subscriptions.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan Frame

	mu       sync.Mutex
	sessions map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		server:   server,
		send:     make(chan Frame, sendBuffer),
		sessions: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Subscribe adds a session to this connection's fan-out set.
func (c *Client) Subscribe(sessionID string) {
	c.mu.Lock()
	c.sessions[sessionID] = true
	c.mu.Unlock()
}

func (c *Client) subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

// Send queues one frame, dropping it if the client cannot keep up.
func (c *Client) Send(f Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		c.server.logger.Warn("client_send_dropped", "client_id", c.id, "frame_type", f.Type)
	}
}

// Run pumps the connection until it closes. The write loop runs in its
// own goroutine; reads happen here.
func (c *Client) Run() {
	go c.writeLoop()
	defer c.Close(websocket.CloseNormalClosure, "")

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.Send(Frame{Type: FrameError, Message: "invalid frame: " + err.Error()})
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame ClientFrame) {
	switch frame.Type {
	case FrameSendMessage:
		if frame.SessionID == "" {
			c.Send(Frame{Type: FrameError, Message: "send_message requires sessionId"})
			return
		}
		if !c.server.rateLimiter.Allow(c.id) {
			c.Send(Frame{Type: FrameError, SessionID: frame.SessionID, Message: "Rate limit exceeded. Please slow down."})
			return
		}
		c.Subscribe(frame.SessionID)
		c.server.orch.Enqueue(frame.SessionID, frame.Content, c.server.broadcast)
	case FrameCancel:
		c.server.orch.Cancel(frame.SessionID, frame.RunID)
	default:
		c.Send(Frame{Type: FrameError, Message: "unknown frame type: " + frame.Type})
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if err := c.conn.WriteJSON(f); err != nil {
				c.Close(websocket.CloseNormalClosure, "")
				return
			}
		}
	}
}

// Close sends a close frame once and tears the connection down.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), closeDeadline())
		c.conn.Close()
	})
}
