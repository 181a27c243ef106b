package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-sync/internal/config"
	"chat-sync/internal/observability"
)

// ConnOptions bounds one connection's queue and heartbeat timing.
type ConnOptions struct {
	SendBuffer int
	ReadLimit  int64
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

// OptionsFromConfig maps the ws config section onto ConnOptions.
func OptionsFromConfig(cfg config.WSConfig) ConnOptions {
	return ConnOptions{
		SendBuffer: cfg.SendBuffer,
		ReadLimit:  cfg.ReadLimit,
		WriteWait:  cfg.WriteWait,
		PongWait:   cfg.PongWait,
		PingPeriod: cfg.PingPeriod,
	}
}

// Conn is a device session's websocket. Frames are queued on a bounded
// channel drained by writePump, which is the only writer of data frames.
type Conn struct {
	ws    *websocket.Conn
	info  observability.SessionIdentity
	opts  ConnOptions
	log   *zap.Logger
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	cause string
}

// NewConn wraps an upgraded websocket.
func NewConn(ws *websocket.Conn, info observability.SessionIdentity, opts ConnOptions) *Conn {
	return &Conn{
		ws:   ws,
		info: info,
		opts: opts,
		log:  zap.L().With(zap.String("session_id", info.SessionID), zap.Int("user_id", info.UserID), zap.String("conn_id", info.ConnID)),
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) SessionID() string { return c.info.SessionID }

func (c *Conn) UserID() int { return c.info.UserID }

// Send enqueues frame. A full queue means the peer is not keeping up: the
// frame is dropped and the connection closed so the client resyncs on
// reconnect.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("ws send buffer full, closing", zap.Int("buffer", cap(c.send)))
		c.closeWith(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

// Close sends a close frame and tears the socket down without blocking the
// caller. It is safe to call more than once and from any goroutine.
func (c *Conn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "closed by server")
}

// closeWith marks the connection done and returns. The close frame waits for
// the write lock, which a stalled writePump holds for up to WriteWait, so the
// frame and the socket teardown run on their own goroutine.
func (c *Conn) closeWith(code int, reason string) {
	c.once.Do(func() {
		c.cause = reason
		close(c.done)
		go func() {
			deadline := time.Now().Add(c.opts.WriteWait)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
			_ = c.ws.Close()
		}()
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Run starts the write pump and blocks in the read pump until the socket
// fails or is closed. It returns the reason the connection ended.
func (c *Conn) Run() string {
	go c.writePump()
	reason := c.readPump()
	c.closeWith(websocket.CloseNormalClosure, reason)
	if c.cause != "" {
		return c.cause
	}
	return reason
}

// readPump only services control frames; clients send over REST.
func (c *Conn) readPump() string {
	c.ws.SetReadLimit(c.opts.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					c.log.Info("ws read failed", zap.Error(err))
					observability.IncWSEvent("ws_error")
				}
			}
			return err.Error()
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Info("ws write failed", zap.Error(err))
				c.closeWith(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.closeWith(websocket.CloseGoingAway, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
