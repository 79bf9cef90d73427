// Package controlplane is the real-time channel between requesters,
// operators and worker agents. Connections authenticate into one role,
// join role-scoped groups and exchange tagged frames with the lifecycle.
package controlplane

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/browser"
	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/events"
	"github.com/neboloop/signon/internal/lifecycle"
	"github.com/neboloop/signon/internal/logging"
	"github.com/neboloop/signon/internal/metrics"
)

// Engine is the lifecycle surface the control plane drives.
type Engine interface {
	Submit(ctx context.Context, in lifecycle.SubmitInput) (lifecycle.Request, error)
	OperatorDecision(ctx context.Context, id string, d lifecycle.Decision, actor string) (lifecycle.Request, error)
	SubmitInterventionResult(ctx context.Context, id string, p lifecycle.InterventionPayload, actor string) (lifecycle.InterventionResult, error)
	Cancel(ctx context.Context, id, actor string) (lifecycle.Request, error)
	Get(ctx context.Context, id string) (lifecycle.Request, error)
	Active() []lifecycle.Request
	ListByRequester(requesterID string) []lifecycle.Request
}

// ProfileControl is the operator surface of the profile pool.
type ProfileControl interface {
	Recycle(profileID string) error
	Profiles() []browser.Profile
}

// Group names.
const (
	GroupOperators = "operators"
	GroupWorkers   = "workers"
)

// GroupRequester is the group holding every connection of one requester.
func GroupRequester(principalID string) string { return "requester:" + principalID }

type Config struct {
	AuthGrace      time.Duration
	PingInterval   time.Duration
	WriteWait      time.Duration
	MaxMissedPongs int
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string
	CommandTimeout time.Duration
}

// Target addresses a group or a single connection.
type Target struct {
	Group  string
	ConnID string
}

func ToGroup(g string) Target { return Target{Group: g} }
func ToConn(id string) Target  { return Target{ConnID: id} }
func (t Target) String() string {
	if t.ConnID != "" {
		return "conn:" + t.ConnID
	}
	return t.Group
}

type Option func(*Hub)

func WithStore(s db.Store) Option { return func(h *Hub) { h.store = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(h *Hub) { h.metrics = m } }

// Hub owns every connection and its group membership.
type Hub struct {
	cfg      Config
	verifier *auth.Verifier
	engine   Engine
	profiles ProfileControl
	store    db.Store
	metrics  *metrics.Metrics
	agents   *AgentExecutor
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]*Conn
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(cfg Config, verifier *auth.Verifier, engine Engine, profiles ProfileControl, opts ...Option) *Hub {
	if cfg.AuthGrace <= 0 {
		cfg.AuthGrace = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMissedPongs <= 0 {
		cfg.MaxMissedPongs = 3
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		verifier: verifier,
		engine:   engine,
		profiles: profiles,
		log:      logging.Named("controlplane"),
		conns:    make(map[string]*Conn),
		groups:   make(map[string]map[string]*Conn),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.agents = newAgentExecutor(h, cfg.CommandTimeout)
	return h
}

// Agents is the executor that runs jobs on connected worker agents.
func (h *Hub) Agents() *AgentExecutor { return h.agents }

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	c := newConn(h, ws, "conn_"+uuid.NewString())
	if !h.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		ws.Close()
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.ID] = c

	c.mu.Lock()
	c.graceTime = time.AfterFunc(h.cfg.AuthGrace, func() {
		if _, _, ok := c.identity(); !ok {
			c.log.Info("authentication grace period elapsed")
			c.Close(websocket.ClosePolicyViolation, "authentication required")
		}
	})
	c.mu.Unlock()
	return true
}

// unregister removes c from every group. Called once by readPump.
func (h *Hub) unregister(c *Conn) {
	c.Close(websocket.CloseNormalClosure, "")

	h.mu.Lock()
	delete(h.conns, c.ID)
	for _, g := range c.memberOf() {
		if members, ok := h.groups[g]; ok {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(h.groups, g)
			}
		}
	}
	h.mu.Unlock()

	role, _, authed := c.identity()
	if authed {
		h.metrics.ConnectionClosed(string(role))
	}
	if role == auth.RoleWorker {
		h.agents.dropConn(c.ID)
	}
	c.log.Debug("connection closed")
}

func (h *Hub) join(c *Conn, groups ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, g := range groups {
		members, ok := h.groups[g]
		if !ok {
			members = make(map[string]*Conn)
			h.groups[g] = members
		}
		members[c.ID] = c
	}
}

// Conn returns a connection by id.
func (h *Hub) Conn(id string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// Members returns a group's connections ordered by id.
func (h *Hub) Members(group string) []*Conn {
	h.mu.RLock()
	out := make([]*Conn, 0, len(h.groups[group]))
	for _, c := range h.groups[group] {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connections lists every live connection.
func (h *Hub) Connections() []ConnectionInfo {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispatch delivers e at most once to the target's current members and
// returns how many accepted it. It never blocks: a member whose buffer is
// full is disconnected as a slow consumer.
func (h *Hub) Dispatch(t Target, id string, e Event) int {
	var members []*Conn
	if t.ConnID != "" {
		if c := h.Conn(t.ConnID); c != nil {
			members = []*Conn{c}
		}
	} else {
		members = h.Members(t.Group)
	}
	if len(members) == 0 {
		return 0
	}

	data, err := EncodeEvent(id, e)
	if err != nil {
		h.log.Error("encode event", zap.String("type", e.EventType()), zap.Error(err))
		return 0
	}
	delivered := 0
	for _, c := range members {
		if c.enqueue(data) {
			delivered++
			continue
		}
		if c.Closed() {
			continue
		}
		role, _, _ := c.identity()
		h.metrics.Dropped(string(role))
		c.log.Warn("slow consumer dropped", zap.String("event", e.EventType()))
		c.Close(websocket.ClosePolicyViolation, "slow consumer")
	}
	return delivered
}

// OnTransition fans a lifecycle transition out to operators and to the
// owning requester.
func (h *Hub) OnTransition(_ context.Context, tr lifecycle.Transition) error {
	h.Dispatch(ToGroup(GroupOperators), "", StatusChangeEvt{
		RequestID: tr.Request.ID,
		From:      tr.From,
		To:        tr.To,
		Actor:     tr.Actor,
		Reason:    tr.Reason,
		At:        tr.At,
		Request:   tr.Request,
	})
	h.Dispatch(ToGroup(GroupRequester(tr.Request.RequesterID)), "", RequesterStatusEvt{
		RequesterView: tr.Request.View(tr.At),
		At:            tr.At,
	})
	return nil
}

// OnProfile forwards pool status changes to operators.
func (h *Hub) OnProfile(_ context.Context, ev browser.ProfileEvent) error {
	h.Dispatch(ToGroup(GroupOperators), "", ProfileStatusEvt{Profile: ev.Profile, At: ev.At})
	return nil
}

// Subscribe attaches the hub to the bus.
func (h *Hub) Subscribe(bus *events.Subject) []events.Subscription {
	return []events.Subscription{
		events.Subscribe(bus, events.TopicRequestTransition, h.OnTransition),
		events.Subscribe(bus, events.TopicProfileStatus, h.OnProfile),
	}
}

// Close disconnects everyone and waits for the pumps to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
	return nil
}

func (h *Hub) audit(c *Conn, command, requestID string, err error) {
	accepted := err == nil
	h.metrics.Command(command, accepted)
	if h.store == nil {
		return
	}
	role, principal, _ := c.identity()
	a := db.CommandAudit{
		ConnectionID: c.ID,
		PrincipalID:  principal,
		Role:         string(role),
		Command:      command,
		RequestID:    requestID,
		Accepted:     accepted,
		CreatedAt:    time.Now(),
	}
	if err != nil {
		a.Detail = err.Error()
	}
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	if err := h.store.AppendCommandAudit(ctx, a); err != nil {
		h.log.Warn("command audit not stored", zap.String("command", command), zap.Error(err))
	}
}

var errUnknownCommand = apperr.Validation("unknown command")
