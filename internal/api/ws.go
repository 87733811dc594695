package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/coltonfrstt/koltbot-control-plane/internal/logx"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
	"github.com/coltonfrstt/koltbot-control-plane/internal/orchestrator"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
	wsInboxSize       = 4
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newConnectionID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), idEntropy).String()
}

// wsConn owns one socket. The read loop queues frames for a single invoke
// loop, so a connection has at most one invocation in flight; frames beyond
// wsInboxSize are refused with RATE_LIMITED. The write loop is the only
// writer. done is closed exactly once, after which Send reports Gone.
type wsConn struct {
	id   string
	ctx  context.Context
	log  *slog.Logger
	conn *websocket.Conn
	orch Invoker

	inbox     chan []byte
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ctx context.Context, id string, conn *websocket.Conn, orch Invoker) *wsConn {
	return &wsConn{
		id:   id,
		ctx:  ctx,
		log:  logx.FromContext(ctx),
		conn: conn,
		orch:  orch,
		inbox: make(chan []byte, wsInboxSize),
		send:  make(chan []byte, wsSendBuffer),
		done:  make(chan struct{}),
	}
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	go c.invokeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Send queues ev for the write loop, waiting for buffer space. It never
// blocks past close.
func (c *wsConn) Send(ev model.StreamEvent) orchestrator.SendResult {
	b, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("event_marshal_failed", "type", ev.Type, "err", err)
		return orchestrator.Delivered
	}
	select {
	case <-c.done:
		return orchestrator.Gone
	default:
	}
	select {
	case c.send <- b:
		return orchestrator.Delivered
	case <-c.done:
		c.log.Debug("recipient_gone", "type", ev.Type)
		return orchestrator.Gone
	}
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read_failed", "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case c.inbox <- data:
		default:
			c.log.Warn("inbound_frame_refused", "queued", len(c.inbox))
			c.Send(model.StreamEvent{
				Type:      model.EventError,
				Timestamp: time.Now().UnixMilli(),
				Code:      model.ErrRateLimited.Code,
				Message:   "too many messages in flight on this connection",
			})
		}
	}
}

// invokeLoop runs queued frames one at a time. An invocation that has started
// finishes after close; frames still queued at close are dropped.
func (c *wsConn) invokeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.inbox:
			c.orch.Handle(c.ctx, c.id, data, c)
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
