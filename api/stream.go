package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/accountdash/pkg/dashboard"
	"github.com/gregtusar/accountdash/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamMessage is the frame pushed to dashboard clients. Each frame carries
// the full account list.
type StreamMessage struct {
	Type     string           `json:"type"`
	Live     bool             `json:"live"`
	Accounts []models.Account `json:"accounts"`
	Summary  models.Summary   `json:"summary"`
}

type streamClient struct {
	id      string
	conn    *websocket.Conn
	session *dashboard.Session
	logger  *logrus.Entry
	// send holds at most the latest state; older pending states are dropped.
	send    chan []models.Account
	offerMu sync.Mutex
	done    chan struct{}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on a websocket handshake, so this route
	// also takes the session token as a query parameter.
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	id, _ := s.identifyToken(r, token)
	apiKey := s.apiKeyFor(id)
	if apiKey == "" {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Not authenticated"})
		return
	}

	session, err := s.opts.Sessions.Acquire(r.Context(), apiKey)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to open dashboard session")
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Session unavailable"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		s.opts.Sessions.Release(apiKey)
		return
	}

	c := &streamClient{
		id:      uuid.NewString(),
		conn:    conn,
		session: session,
		logger:  s.logger.WithField("client", id.Email),
		send:    make(chan []models.Account, 1),
		done:    make(chan struct{}),
	}
	c.logger = c.logger.WithField("stream_id", c.id)
	c.logger.Info("Dashboard stream client connected")

	unsubscribe := session.Subscribe(c.offer)
	c.offer(session.Accounts())

	go func() {
		defer s.opts.Sessions.Release(apiKey)
		defer unsubscribe()
		c.writePump()
	}()
	go c.readPump()
}

// offer queues accounts for delivery, replacing any state not yet written.
func (c *streamClient) offer(accounts []models.Account) {
	c.offerMu.Lock()
	defer c.offerMu.Unlock()

	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- accounts:
	default:
	}
}

// readPump discards client frames and closes done when the peer goes away.
func (c *streamClient) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("Dashboard stream closed unexpectedly")
			}
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Info("Dashboard stream client disconnected")
	}()

	for {
		select {
		case <-c.done:
			return
		case accounts := <-c.send:
			msg := StreamMessage{
				Type:     "accounts",
				Live:     c.session.Live(),
				Accounts: accounts,
				Summary:  models.Summarize(accounts),
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.WithError(err).Debug("Failed to write stream frame")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
