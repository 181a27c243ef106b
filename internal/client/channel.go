package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-sync/internal/envelope"
)

const (
	// DefaultReconnectDelay is the fixed wait between a close and the next
	// connection attempt.
	DefaultReconnectDelay = 5 * time.Second

	// jitterDivisor bounds backoff jitter to [0, delay/jitterDivisor).
	jitterDivisor = 2
)

// ErrUnauthorized is returned by a dialer when the server refused the
// credentials. The channel stops reconnecting until SetToken.
var ErrUnauthorized = errors.New("notification socket unauthorized")

// ChannelState is the connection state of a Channel.
type ChannelState int

const (
	Disconnected ChannelState = iota
	Connecting
	Connected
)

func (s ChannelState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// FrameConn is the read side of a notification socket. *websocket.Conn
// satisfies it.
type FrameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc opens a notification socket.
type DialFunc func(ctx context.Context, rawURL string) (FrameConn, error)

// Timer is a pending reconnect. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Backoff is a capped exponential reconnect policy with jitter.
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait after failures consecutive failed attempts. jitter
// returns a value in [0, n) and may be nil.
func (b Backoff) Delay(failures int, jitter func(n int64) int64) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := b.Min
	for i := 1; i < failures && d < b.Max; i++ {
		d = time.Duration(float64(d) * mult)
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if jitter != nil && int64(d) >= jitterDivisor {
		d += time.Duration(jitter(int64(d) / jitterDivisor))
	}
	return d
}

// ChannelConfig identifies the socket to hold open.
type ChannelConfig struct {
	// URL is the notification listener, e.g. wss://chat.example.com.
	URL         string
	SessionID   string
	AccessToken string

	// ReconnectDelay is used when Backoff is nil. Zero means
	// DefaultReconnectDelay.
	ReconnectDelay time.Duration
	Backoff        *Backoff

	// ReadTimeout drops a socket that has seen no frame or ping for this
	// long. Zero disables it.
	ReadTimeout time.Duration
}

// ChannelOption customizes a Channel.
type ChannelOption func(*Channel)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) ChannelOption {
	return func(c *Channel) { c.log = log }
}

// WithDialer replaces the websocket dialer.
func WithDialer(dial DialFunc) ChannelOption {
	return func(c *Channel) { c.dial = dial }
}

// WithAfterFunc replaces the reconnect timer.
func WithAfterFunc(after AfterFunc) ChannelOption {
	return func(c *Channel) { c.after = after }
}

// WithStateHook is called on every state change. Calls may come from
// different goroutines.
func WithStateHook(hook func(ChannelState)) ChannelOption {
	return func(c *Channel) { c.onState = hook }
}

// Channel keeps one notification socket open for a device session and
// hands every decoded event to handle, in arrival order. After a close it
// reconnects forever until Close.
type Channel struct {
	cfg     ChannelConfig
	handle  func(envelope.Event)
	log     *zap.Logger
	dial    DialFunc
	after   AfterFunc
	onState func(ChannelState)
	jitter  func(n int64) int64

	mu          sync.Mutex
	state       ChannelState
	token       string
	started     bool
	closed      bool
	authBlocked bool
	conn        FrameConn
	cancelDial  context.CancelFunc
	timer       Timer
	failures    int
}

// NewChannel validates cfg and builds an idle channel. Call Start to connect.
func NewChannel(cfg ChannelConfig, handle func(envelope.Event), opts ...ChannelOption) (*Channel, error) {
	if cfg.URL == "" || cfg.SessionID == "" || cfg.AccessToken == "" {
		return nil, errors.New("channel needs url, session id and access token")
	}
	if handle == nil {
		return nil, errors.New("channel needs an event handler")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	c := &Channel{
		cfg:    cfg,
		handle: handle,
		log:    zap.NewNop(),
		after: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		jitter: rand.Int64N,
		token:  cfg.AccessToken,
	}
	c.dial = WebsocketDialer(websocket.DefaultDialer, cfg.ReadTimeout)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WebsocketDialer dials with gorilla/websocket. With a positive readTimeout
// the socket's read deadline is pushed forward on every server ping.
func WebsocketDialer(dialer *websocket.Dialer, readTimeout time.Duration) DialFunc {
	return func(ctx context.Context, rawURL string) (FrameConn, error) {
		conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
			return nil, fmt.Errorf("dial notification socket: %w", err)
		}
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			conn.SetPingHandler(func(data string) error {
				_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
				err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
				if errors.Is(err, websocket.ErrCloseSent) {
					return nil
				}
				return err
			})
		}
		return conn, nil
	}
}

// Start begins connecting. It is a no-op after the first call or after Close.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.connect()
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetToken replaces the access token used by the next attempt. A channel that
// stopped on an auth failure starts connecting again.
func (c *Channel) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	resume := c.authBlocked && !c.closed
	c.authBlocked = false
	c.mu.Unlock()

	if resume {
		go c.connect()
	}
}

// Close stops the pending reconnect and closes the socket. The channel never
// connects again.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
	}
	conn := c.conn
	c.conn = nil
	changed := c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.emit(Disconnected, changed)
}

func (c *Channel) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	target := c.urlLocked()
	changed := c.setStateLocked(Connecting)
	c.mu.Unlock()
	c.emit(Connecting, changed)

	conn, err := c.dial(ctx, target)
	cancel()

	c.mu.Lock()
	c.cancelDial = nil
	if c.closed {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.failures++
		changed = c.setStateLocked(Disconnected)
		if errors.Is(err, ErrUnauthorized) {
			c.authBlocked = true
			c.mu.Unlock()
			c.log.Error("notification socket refused credentials", zap.String("session_id", c.cfg.SessionID), zap.Error(err))
			c.emit(Disconnected, changed)
			return
		}
		delay := c.scheduleLocked()
		c.mu.Unlock()
		c.log.Warn("notification socket dial failed", zap.String("session_id", c.cfg.SessionID), zap.Duration("retry_in", delay), zap.Error(err))
		c.emit(Disconnected, changed)
		return
	}
	c.failures = 0
	c.conn = conn
	changed = c.setStateLocked(Connected)
	c.mu.Unlock()

	c.log.Info("notification socket connected", zap.String("session_id", c.cfg.SessionID))
	c.emit(Connected, changed)
	c.readLoop(conn)
}

func (c *Channel) readLoop(conn FrameConn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Info("notification socket closed", zap.String("session_id", c.cfg.SessionID), zap.Error(err))
			break
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		ev, err := envelope.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Int("size", len(data)), zap.Error(err))
			continue
		}
		c.handle(ev)
	}
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(Disconnected)
	delay := c.scheduleLocked()
	c.mu.Unlock()

	c.log.Debug("reconnect scheduled", zap.Duration("retry_in", delay))
	c.emit(Disconnected, changed)
}

// scheduleLocked arms the reconnect timer unless one is already pending.
func (c *Channel) scheduleLocked() time.Duration {
	if c.timer != nil {
		return 0
	}
	delay := c.cfg.ReconnectDelay
	if c.cfg.Backoff != nil {
		delay = c.cfg.Backoff.Delay(c.failures, c.jitter)
	}
	c.timer = c.after(delay, c.fire)
	return delay
}

func (c *Channel) fire() {
	c.mu.Lock()
	c.timer = nil
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.connect()
	}
}

func (c *Channel) urlLocked() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/" + url.PathEscape(c.cfg.SessionID) + "?token=" + url.QueryEscape(c.token)
}

func (c *Channel) setStateLocked(state ChannelState) bool {
	if c.state == state {
		return false
	}
	c.state = state
	return true
}

func (c *Channel) emit(state ChannelState, changed bool) {
	if changed && c.onState != nil {
		c.onState(state)
	}
}
