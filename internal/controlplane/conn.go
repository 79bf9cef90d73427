package controlplane

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/auth"
)

// Conn is one duplex connection. Outbound frames go through a bounded send
// buffer drained by writePump; a full buffer marks a slow consumer.
type Conn struct {
	ID       string
	JoinedAt time.Time

	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	log  *zap.Logger

	mu            sync.RWMutex
	role          auth.Role
	principal     string
	authenticated bool
	groups        map[string]struct{}

	missed    atomic.Int32
	graceTime *time.Timer

	closeOnce sync.Once
	done      chan struct{}
	closeMsg  []byte
}

// ConnectionInfo is a read-only view of a connection.
type ConnectionInfo struct {
	ID            string    `json:"connection_id"`
	Role          auth.Role `json:"role,omitempty"`
	PrincipalID   string    `json:"principal_id,omitempty"`
	Groups        []string  `json:"joined_groups"`
	Authenticated bool      `json:"authenticated"`
	JoinedAt      time.Time `json:"joined_at"`
}

func newConn(h *Hub, ws *websocket.Conn, id string) *Conn {
	return &Conn{
		ID:       id,
		JoinedAt: time.Now(),
		hub:      h,
		ws:       ws,
		send:     make(chan []byte, h.cfg.SendBuffer),
		log:      h.log.With(zap.String("conn", id)),
		groups:   make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Conn) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := ConnectionInfo{
		ID:            c.ID,
		Role:          c.role,
		PrincipalID:   c.principal,
		Authenticated: c.authenticated,
		JoinedAt:      c.JoinedAt,
		Groups:        make([]string, 0, len(c.groups)),
	}
	for g := range c.groups {
		info.Groups = append(info.Groups, g)
	}
	sort.Strings(info.Groups)
	return info
}

func (c *Conn) identity() (auth.Role, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role, c.principal, c.authenticated
}

func (c *Conn) bind(role auth.Role, principal string, groups ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
	c.principal = principal
	c.authenticated = true
	for _, g := range groups {
		c.groups[g] = struct{}{}
	}
	if c.graceTime != nil {
		c.graceTime.Stop()
	}
}

func (c *Conn) memberOf() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	return out
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close sends a close frame with code and reason and tears the connection
// down. Safe to call more than once.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		c.mu.Lock()
		if c.graceTime != nil {
			c.graceTime.Stop()
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// enqueue never blocks. It returns false when the buffer is full or the
// connection is closing.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) sendEvent(id string, e Event) bool {
	data, err := EncodeEvent(id, e)
	if err != nil {
		c.log.Error("encode event", zap.String("type", e.EventType()), zap.Error(err))
		return false
	}
	return c.enqueue(data)
}

func (c *Conn) sendError(id, command string, err error) {
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.KindOf(err).String()
	}
	msg := err.Error()
	if apperr.KindOf(err) == apperr.KindInternal {
		msg = "internal error"
	}
	c.sendEvent(id, ErrorEvt{Command: command, Code: code, Message: msg})
}

// readTimeout allows MaxMissedPongs ping periods of silence plus one.
func (c *Conn) readTimeout() time.Duration {
	return c.hub.cfg.PingInterval * time.Duration(c.hub.cfg.MaxMissedPongs+1)
}

// readPump reads frames until the connection fails, then unregisters.
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.readTimeout()))
	c.ws.SetPongHandler(func(string) error {
		c.missed.Store(0)
		return c.ws.SetReadDeadline(time.Now().Add(c.readTimeout()))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.sendError("", "", apperr.Validation("malformed frame"))
			continue
		}
		c.hub.handle(c, f)
	}
}

// writePump drains the send buffer and pings on a fixed interval. More
// than MaxMissedPongs unanswered pings force a disconnect.
func (c *Conn) writePump() {
	wait := c.hub.cfg.WriteWait
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(wait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}

		case <-ticker.C:
			if int(c.missed.Add(1)) > c.hub.cfg.MaxMissedPongs {
				c.log.Info("heartbeat lost, disconnecting")
				c.Close(websocket.ClosePolicyViolation, "heartbeat timeout")
				c.writeClose(wait)
				return
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}

		case <-c.done:
			c.writeClose(wait)
			return
		}
	}
}

func (c *Conn) writeClose(wait time.Duration) {
	if len(c.closeMsg) == 0 {
		return
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, c.closeMsg, time.Now().Add(wait))
}
