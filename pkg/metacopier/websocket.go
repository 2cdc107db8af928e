package metacopier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultTopic is the per-user destination carrying account changes.
const DefaultTopic = "/user/queue/accounts/changes"

var ErrAuthRejected = errors.New("metacopier: stream authentication rejected")

type StreamOptions struct {
	URL              string
	Topic            string
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	// ReconnectDelay is the fixed pause between reconnect attempts.
	ReconnectDelay time.Duration
	// MaxReconnects caps consecutive reconnect attempts; zero means unbounded.
	MaxReconnects int
}

type UpdateHandler func(Update)

// link is one subscribed connection. readTimeout is zero when the server
// does not send heart-beats.
type link struct {
	conn        *websocket.Conn
	subID       string
	readTimeout time.Duration
}

// StreamClient holds one authenticated STOMP subscription to the MetaCopier
// push endpoint and fans parsed updates out to registered handlers.
type StreamClient struct {
	opts   StreamOptions
	auth   Authenticator
	logger *logrus.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	subscriptionID string
	cancel         context.CancelFunc

	writeMu sync.Mutex

	handlersMu  sync.RWMutex
	handlers    map[uint64]UpdateHandler
	nextHandler uint64
}

func NewStreamClient(auth Authenticator, opts StreamOptions, logger *logrus.Logger) *StreamClient {
	if opts.URL == "" {
		opts.URL = DefaultStreamURL
	}
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 4 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}

	return &StreamClient{
		opts:     opts,
		auth:     auth,
		logger:   logger,
		handlers: make(map[uint64]UpdateHandler),
	}
}

// Connect opens, authenticates and subscribes. It returns immediately when a
// connection is already live and wraps ErrAuthRejected when the endpoint
// answers the CONNECT frame with an ERROR frame.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	l, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.conn = l.conn
	c.connected = true
	c.subscriptionID = l.subID
	c.cancel = cancel

	go c.run(runCtx, cancel, l)
	go c.keepAlive(runCtx)

	return nil
}

// OnUpdate registers a handler invoked once per inbound message. The returned
// function removes it.
func (c *StreamClient) OnUpdate(handler UpdateHandler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.nextHandler++
	id := c.nextHandler
	c.handlers[id] = handler

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.handlers, id)
	}
}

// Disconnect unsubscribes, closes the connection and drops every handler.
// Calling it on a closed client is a no-op.
func (c *StreamClient) Disconnect() {
	c.mu.Lock()
	conn, connected, subID := c.conn, c.connected, c.subscriptionID
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		if connected {
			if err := c.writeFrame(conn, frame.New(frame.UNSUBSCRIBE, frame.Id, subID)); err != nil {
				c.logger.WithError(err).Debug("Failed to unsubscribe from stream")
			}
			if err := c.writeFrame(conn, frame.New(frame.DISCONNECT)); err != nil {
				c.logger.WithError(err).Debug("Failed to send DISCONNECT")
			}
		}
		conn.Close()
	}

	c.handlersMu.Lock()
	c.handlers = make(map[uint64]UpdateHandler)
	c.handlersMu.Unlock()

	c.logger.Info("MetaCopier stream disconnected")
}

func (c *StreamClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *StreamClient) dial(ctx context.Context) (*link, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
		Subprotocols:     []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	}

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}

	hb := fmt.Sprintf("%d,%d", c.opts.Heartbeat.Milliseconds(), c.opts.Heartbeat.Milliseconds())
	headers := append([]string{
		frame.AcceptVersion, "1.2,1.1,1.0",
		frame.Host, u.Hostname(),
		frame.HeartBeat, hb,
	}, c.auth.StreamHeaders()...)

	if err := c.writeFrame(conn, frame.New(frame.CONNECT, headers...)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	readTimeout, err := c.awaitConnected(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	subID := uuid.NewString()
	sub := frame.New(frame.SUBSCRIBE,
		frame.Id, subID,
		frame.Destination, c.opts.Topic,
		frame.Ack, "auto",
	)
	if err := c.writeFrame(conn, sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send SUBSCRIBE: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"topic":        c.opts.Topic,
		"read_timeout": readTimeout,
	}).Info("Subscribed to MetaCopier stream")
	return &link{conn: conn, subID: subID, readTimeout: readTimeout}, nil
}

// awaitConnected waits for the CONNECTED reply and returns how long the
// connection may stay silent before it is considered dead: twice the
// negotiated server heart-beat, or zero when none was agreed.
func (c *StreamClient) awaitConnected(conn *websocket.Conn) (time.Duration, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		return 0, err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		f, err := readFrame(conn)
		if err != nil {
			return 0, fmt.Errorf("await CONNECTED: %w", err)
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			return 2 * negotiateHeartbeat(f.Header.Get(frame.HeartBeat), c.opts.Heartbeat), nil
		case frame.ERROR:
			return 0, fmt.Errorf("%w: %s", ErrAuthRejected, f.Header.Get(frame.Message))
		default:
			return 0, fmt.Errorf("await CONNECTED: unexpected %s frame", f.Command)
		}
	}
}

// negotiateHeartbeat returns the interval at which the server promised to
// send heart-beats, given its CONNECTED heart-beat header "sx,sy" and the
// interval we asked for. Zero means the server sends none.
func negotiateHeartbeat(header string, want time.Duration) time.Duration {
	sx, _, ok := strings.Cut(header, ",")
	if !ok || want <= 0 {
		return 0
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(sx), 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	interval := time.Duration(ms) * time.Millisecond
	if want > interval {
		interval = want
	}
	return interval
}

// run reads frames until the connection drops, then reconnects until the
// context is cancelled or the attempt cap is reached.
func (c *StreamClient) run(ctx context.Context, cancel context.CancelFunc, l *link) {
	defer cancel()

	for {
		err := c.readLoop(l)
		if ctx.Err() != nil {
			return
		}
		c.logger.WithError(err).Warn("MetaCopier stream connection lost")
		c.handleDisconnect(l.conn)

		next, err := c.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.WithError(err).WithField("max_reconnects", c.opts.MaxReconnects).Error("Giving up on MetaCopier stream")
			}
			return
		}
		l = next
	}
}

// readLoop dispatches frames until a read fails. Every frame, heart-beats
// included, pushes the read deadline forward.
func (c *StreamClient) readLoop(l *link) error {
	for {
		if l.readTimeout > 0 {
			if err := l.conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
				return err
			}
		}
		f, err := readFrame(l.conn)
		if err != nil {
			return err
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			c.dispatch(f.Body)
		case frame.ERROR:
			c.logger.WithFields(logrus.Fields{
				"message": f.Header.Get(frame.Message),
				"body":    string(f.Body),
			}).Error("MetaCopier stream error frame")
		}
	}
}

// reconnect waits ReconnectDelay and then dials until one attempt succeeds,
// retrying at the same fixed delay. A rejected key stops the retries. A
// connection that completes after the client was disconnected is closed
// instead of being installed.
func (c *StreamClient) reconnect(ctx context.Context) (*link, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.opts.ReconnectDelay):
	}

	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.ReconnectDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"retry":   next,
			}).Warn("MetaCopier stream reconnect failed")
		}),
	}
	if c.opts.MaxReconnects > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(c.opts.MaxReconnects)))
	}

	return backoff.Retry(ctx, func() (*link, error) {
		attempt++
		l, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, ErrAuthRejected) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if ctx.Err() != nil {
			l.conn.Close()
			return nil, backoff.Permanent(ctx.Err())
		}
		c.conn = l.conn
		c.connected = true
		c.subscriptionID = l.subID

		c.logger.WithField("attempt", attempt).Info("MetaCopier stream reconnected")
		return l, nil
	}, opts...)
}

func (c *StreamClient) handleDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.connected = false
	}
	conn.Close()
}

func (c *StreamClient) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn, connected := c.conn, c.connected
			c.mu.Unlock()
			if !connected || conn == nil {
				continue
			}

			if err := c.writeFrame(conn, nil); err != nil {
				c.logger.WithError(err).Warn("Failed to send heart-beat")
				conn.Close()
				continue
			}
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.WithError(err).Warn("Failed to send ping")
				conn.Close()
			}
		}
	}
}

func (c *StreamClient) dispatch(body []byte) {
	u, err := ParseUpdate(body)
	if err != nil {
		c.logger.WithError(err).Warn("Dropping malformed stream message")
		return
	}

	c.handlersMu.RLock()
	ids := make([]uint64, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]UpdateHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.handlers[id])
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		c.invoke(h, u)
	}
}

func (c *StreamClient) invoke(h UpdateHandler, u Update) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).Error("Stream update handler panicked")
		}
	}()
	h(u)
}

// writeFrame encodes f into a single text message. A nil frame is a
// heart-beat.
func (c *StreamClient) writeFrame(conn *websocket.Conn, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// readFrame returns nil for heart-beats. Heart-beat newlines in front of a
// frame are skipped.
func readFrame(conn *websocket.Conn) (*frame.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, nil
	}
	return frame.NewReader(bytes.NewReader(data)).Read()
}
