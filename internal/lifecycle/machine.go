package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/browser"
	"github.com/neboloop/signon/internal/credential"
	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/events"
	"github.com/neboloop/signon/internal/logging"
	"github.com/neboloop/signon/internal/metrics"
	"github.com/neboloop/signon/internal/sites"
)

// ProfilePool hands out profiles for approved requests.
type ProfilePool interface {
	Acquire(ctx context.Context, requestID string) (string, error)
	Release(profileID string) error
}

// Executor runs a job on an acquired profile and reports the outcome.
type Executor interface {
	Execute(ctx context.Context, job browser.Job) browser.Outcome
}

// SiteCatalog answers whether a targetSite has a definition.
type SiteCatalog interface {
	Supported(site string) bool
}

type Config struct {
	PendingTTL              time.Duration
	InterventionTTL         time.Duration
	QueueTimeout            time.Duration
	MaxInterventionAttempts int
}

// Action is an operator decision.
type Action string

const (
	ActionApprove             Action = "approve"
	ActionReject              Action = "reject"
	ActionRequireIntervention Action = "require_intervention"
)

type Decision struct {
	Action       Action                 `json:"action"`
	Reason       string                 `json:"reason,omitempty"`
	Intervention sites.InterventionType `json:"intervention_type,omitempty"`
}

// SubmitInput is what a requester sends to open a request.
type SubmitInput struct {
	RequesterID    string
	TargetSite     string
	CredentialsRef string
	RequesterMeta  map[string]string
}

// InterventionPayload carries a code or challenge answer. Attempt, when
// set, must be the next attempt number; stale retries are refused.
type InterventionPayload struct {
	Code    string `json:"code,omitempty"`
	Answer  string `json:"answer,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

type InterventionResult struct {
	Success           bool   `json:"success"`
	Status            Status `json:"status"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

var codePattern = regexp.MustCompile(`^[0-9]{4,8}$`)

const maxAnswerLen = 256

type Option func(*Machine)

func WithStore(s db.Store) Option { return func(m *Machine) { m.store = s } }

func WithBus(b *events.Subject) Option { return func(m *Machine) { m.bus = b } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Machine) { m.metrics = mt } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// entry is one slot in the arena. All request mutation happens under mu.
type entry struct {
	mu  sync.Mutex
	req Request

	// held is true while the assigned profile is BUSY for this request.
	held bool
	// resumed marks a run continuing an intervention.
	resumed    bool
	cancelWait context.CancelFunc
	cancelled  atomic.Bool
}

// Machine is the request lifecycle state machine. Requests live in an
// id-keyed arena; each is serialized by its own lock and unrelated requests
// proceed in parallel.
type Machine struct {
	cfg     Config
	pool    ProfilePool
	exec    Executor
	catalog SiteCatalog
	store   db.Store
	bus     *events.Subject
	metrics *metrics.Metrics
	now     func() time.Time
	log     *zap.Logger

	mu     sync.RWMutex
	arena  map[string]*entry
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMachine(cfg Config, pool ProfilePool, exec Executor, catalog SiteCatalog, opts ...Option) *Machine {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 120 * time.Second
	}
	if cfg.InterventionTTL <= 0 {
		cfg.InterventionTTL = 120 * time.Second
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 60 * time.Second
	}
	if cfg.MaxInterventionAttempts <= 0 {
		cfg.MaxInterventionAttempts = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:     cfg,
		pool:    pool,
		exec:    exec,
		catalog: catalog,
		now:     time.Now,
		log:     logging.Named("lifecycle"),
		arena:   make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit opens a request in PENDING_REVIEW.
func (m *Machine) Submit(ctx context.Context, in SubmitInput) (Request, error) {
	if strings.TrimSpace(in.RequesterID) == "" {
		return Request{}, apperr.Validation("requesterId is required")
	}
	if !m.catalog.Supported(in.TargetSite) {
		return Request{}, apperr.Validation("unsupported targetSite %q", in.TargetSite)
	}
	if !credential.ValidRef(in.CredentialsRef) {
		return Request{}, apperr.Validation("malformed credentialsRef")
	}

	now := m.now()
	e := &entry{req: Request{
		ID:             "req_" + uuid.NewString(),
		RequesterID:    in.RequesterID,
		TargetSite:     in.TargetSite,
		CredentialsRef: in.CredentialsRef,
		RequesterMeta:  in.RequesterMeta,
		Status:         StatusPendingReview,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.PendingTTL),
		AuditTrail:     []AuditEntry{},
	}}

	if m.store != nil {
		rec, err := toRecord(e.req)
		if err != nil {
			return Request{}, err
		}
		if err := m.store.PutRequest(ctx, rec); err != nil {
			return Request{}, fmt.Errorf("persist request: %w", err)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Request{}, apperr.Capacity(context.Canceled)
	}
	m.arena[e.req.ID] = e
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	m.emit(Transition{Request: e.req.clone(), To: StatusPendingReview, Actor: "requester:" + in.RequesterID, At: now})
	m.log.Info("request submitted",
		zap.String("request", e.req.ID),
		zap.String("site", in.TargetSite),
		zap.String("credentials", logging.Ref(in.CredentialsRef)))
	return e.req.clone(), nil
}

// OperatorDecision applies approve, reject or require_intervention.
func (m *Machine) OperatorDecision(ctx context.Context, id string, d Decision, actor string) (Request, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Request{}, err
	}

	e.mu.Lock()
	var release string
	switch d.Action {
	case ActionApprove:
		if err := m.transitionLocked(e, StatusApproved, actor, d.Reason); err != nil {
			e.mu.Unlock()
			return Request{}, err
		}
		// Approving a mid-run intervention restarts on a clean profile.
		release = m.dropHoldLocked(e)
		m.startLocked(e, browser.InterventionInput{})

	case ActionReject:
		if !CanTransition(e.req.Status, StatusRejected) {
			from := e.req.Status
			e.mu.Unlock()
			return Request{}, apperr.InvalidTransition("request %s: %s -> %s is not allowed", id, from, StatusRejected)
		}
		e.req.Reason = "rejected"
		e.req.ResultSummary = strings.TrimSpace("rejected " + d.Reason)
		_ = m.transitionLocked(e, StatusRejected, actor, d.Reason)
		release = m.dropHoldLocked(e)

	case ActionRequireIntervention:
		if !d.Intervention.Valid() {
			e.mu.Unlock()
			return Request{}, apperr.Validation("unknown intervention type %q", d.Intervention)
		}
		if e.req.Status != StatusPendingReview {
			from := e.req.Status
			e.mu.Unlock()
			return Request{}, apperr.InvalidTransition("request %s is %s; intervention can only be required during review", id, from)
		}
		e.req.InterventionType = d.Intervention
		e.req.InterventionAttempts = 0
		e.req.ExpiresAt = m.now().Add(m.cfg.InterventionTTL)
		if err := m.transitionLocked(e, StatusInterventionRequired, actor, d.Reason); err != nil {
			e.mu.Unlock()
			return Request{}, err
		}

	default:
		e.mu.Unlock()
		return Request{}, apperr.Validation("unknown decision %q", d.Action)
	}
	out := e.req.clone()
	e.mu.Unlock()

	m.release(release, id)
	return out, nil
}

// SubmitInterventionResult verifies a code or challenge answer. A valid
// payload resumes the approved path; an invalid one counts an attempt and
// rejects the request once attempts run out.
func (m *Machine) SubmitInterventionResult(ctx context.Context, id string, p InterventionPayload, actor string) (InterventionResult, error) {
	e, err := m.lookup(id)
	if err != nil {
		return InterventionResult{}, err
	}

	e.mu.Lock()
	if e.req.Status != StatusInterventionRequired {
		e.mu.Unlock()
		return InterventionResult{}, apperr.InvalidTransition("request %s is not awaiting intervention", id)
	}
	if p.Attempt > 0 && p.Attempt != e.req.InterventionAttempts+1 {
		want := e.req.InterventionAttempts + 1
		e.mu.Unlock()
		return InterventionResult{}, apperr.Validation("attempt %d is stale, expected %d", p.Attempt, want)
	}

	var release string
	if !verifyPayload(e.req.InterventionType, p) {
		e.req.InterventionAttempts++
		remaining := m.cfg.MaxInterventionAttempts - e.req.InterventionAttempts
		if remaining <= 0 {
			remaining = 0
			e.req.Reason = apperr.ReasonAttemptsExhausted
			e.req.ResultSummary = apperr.ReasonAttemptsExhausted
			if err := m.transitionLocked(e, StatusRejected, actor, apperr.ReasonAttemptsExhausted); err != nil {
				e.mu.Unlock()
				return InterventionResult{}, err
			}
			release = m.dropHoldLocked(e)
		} else {
			e.req.UpdatedAt = m.now()
			m.persistLocked(e)
		}
		res := InterventionResult{Success: false, Status: e.req.Status, AttemptsRemaining: remaining}
		e.mu.Unlock()
		m.release(release, id)
		return res, nil
	}

	if err := m.transitionLocked(e, StatusApproved, actor, "intervention accepted"); err != nil {
		e.mu.Unlock()
		return InterventionResult{}, err
	}
	m.startLocked(e, browser.InterventionInput{Code: p.Code, Answer: p.Answer})
	res := InterventionResult{
		Success:           true,
		Status:            e.req.Status,
		AttemptsRemaining: m.cfg.MaxInterventionAttempts - e.req.InterventionAttempts,
	}
	e.mu.Unlock()
	return res, nil
}

func verifyPayload(t sites.InterventionType, p InterventionPayload) bool {
	switch t {
	case sites.OneTimeCode:
		return codePattern.MatchString(p.Code)
	case sites.Challenge:
		answer := strings.TrimSpace(p.Answer)
		return answer != "" && len(answer) <= maxAnswerLen
	}
	return false
}

// WorkerCallback routes a finished run: success to COMPLETED, failure to
// FAILED, intervention_needed to INTERVENTION_REQUIRED unless the run was
// cancelled.
func (m *Machine) WorkerCallback(ctx context.Context, id string, out browser.Outcome) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.req.Status != StatusProcessing {
		status := e.req.Status
		e.mu.Unlock()
		return apperr.InvalidTransition("request %s is %s, not PROCESSING", id, status)
	}
	actor := "worker:" + e.req.AssignedProfileID

	// A run that pauses for a human after a cancel must not park the request.
	if out.Kind == browser.OutcomeIntervention && e.cancelled.Load() {
		out = browser.Failure(apperr.ReasonCancelled, "cancelled before "+string(out.Intervention))
	}

	var release string
	switch out.Kind {
	case browser.OutcomeSuccess:
		e.req.ResultSummary = out.Summary
		err = m.transitionLocked(e, StatusCompleted, actor, "")
		release = m.dropHoldLocked(e)

	case browser.OutcomeIntervention:
		if e.resumed {
			e.req.InterventionAttempts++
		} else {
			e.req.InterventionAttempts = 0
		}
		if e.req.InterventionAttempts >= m.cfg.MaxInterventionAttempts {
			e.req.Reason = apperr.ReasonAttemptsExhausted
			e.req.ResultSummary = apperr.ReasonAttemptsExhausted
			err = m.transitionLocked(e, StatusFailed, actor, apperr.ReasonAttemptsExhausted)
			release = m.dropHoldLocked(e)
			break
		}
		e.req.InterventionType = out.Intervention
		e.req.ExpiresAt = m.now().Add(m.cfg.InterventionTTL)
		err = m.transitionLocked(e, StatusInterventionRequired, actor, string(out.Intervention))

	default:
		reason := out.Reason
		if reason == "" {
			reason = apperr.ReasonDriver
		}
		e.req.Reason = reason
		e.req.ResultSummary = reason
		if out.Detail != "" {
			e.req.ResultSummary = reason + ": " + out.Detail
		}
		err = m.transitionLocked(e, StatusFailed, actor, reason)
		release = m.dropHoldLocked(e)
	}
	e.mu.Unlock()

	m.release(release, id)
	return err
}

// Cancel stops an approved or processing request. A queued request fails
// immediately; a running one aborts at the next step checkpoint.
func (m *Machine) Cancel(ctx context.Context, id, actor string) (Request, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Request{}, err
	}

	e.mu.Lock()
	var release string
	switch e.req.Status {
	case StatusApproved:
		e.cancelled.Store(true)
		if e.cancelWait != nil {
			e.cancelWait()
		}
		e.req.Reason = apperr.ReasonCancelled
		e.req.ResultSummary = apperr.ReasonCancelled
		if err := m.transitionLocked(e, StatusFailed, actor, apperr.ReasonCancelled); err != nil {
			e.mu.Unlock()
			return Request{}, err
		}
		release = m.dropHoldLocked(e)
	case StatusProcessing:
		e.cancelled.Store(true)
		m.log.Info("cancel requested", zap.String("request", id), zap.String("actor", actor))
	default:
		status := e.req.Status
		e.mu.Unlock()
		return Request{}, apperr.InvalidTransition("request %s is %s; only APPROVED or PROCESSING requests can be cancelled", id, status)
	}
	out := e.req.clone()
	e.mu.Unlock()

	m.release(release, id)
	return out, nil
}

// Sweep expires waiting requests past their deadline and releases any
// profile they still hold. It returns how many expired.
func (m *Machine) Sweep(ctx context.Context) int {
	now := m.now()
	expired := 0
	for _, e := range m.entries() {
		if ctx.Err() != nil {
			break
		}
		e.mu.Lock()
		if !e.req.Status.Waiting() || now.Before(e.req.ExpiresAt) {
			e.mu.Unlock()
			continue
		}
		e.req.Reason = apperr.ReasonExpired
		if err := m.transitionLocked(e, StatusExpired, ActorSweeper, apperr.ReasonExpired); err != nil {
			e.mu.Unlock()
			continue
		}
		release := m.dropHoldLocked(e)
		id := e.req.ID
		e.mu.Unlock()

		m.release(release, id)
		expired++
	}
	if expired > 0 {
		m.log.Info("expired waiting requests", zap.Int("count", expired))
	}
	return expired
}

// Get returns a snapshot of a request, falling back to the store for
// requests not held in memory.
func (m *Machine) Get(ctx context.Context, id string) (Request, error) {
	m.mu.RLock()
	e, ok := m.arena[id]
	m.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.req.clone(), nil
	}
	if m.store == nil {
		return Request{}, apperr.NotFound("request %s", id)
	}
	rec, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	return fromRecord(rec)
}

// Queue returns requests awaiting an operator decision, newest first.
func (m *Machine) Queue() []Request {
	return m.collect(func(r *Request) bool { return r.Status.Waiting() })
}

// ListByRequester returns a requester's requests, newest first.
func (m *Machine) ListByRequester(requesterID string) []Request {
	return m.collect(func(r *Request) bool { return r.RequesterID == requesterID })
}

// Active returns every non-terminal request, newest first.
func (m *Machine) Active() []Request {
	return m.collect(func(r *Request) bool { return !r.Status.Terminal() })
}

func (m *Machine) collect(keep func(*Request) bool) []Request {
	var out []Request
	for _, e := range m.entries() {
		e.mu.Lock()
		if keep(&e.req) {
			out = append(out, e.req.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// OldestPendingAge is the age of the oldest PENDING_REVIEW request.
func (m *Machine) OldestPendingAge() time.Duration {
	now := m.now()
	var oldest time.Duration
	for _, e := range m.entries() {
		e.mu.Lock()
		if e.req.Status == StatusPendingReview {
			if age := now.Sub(e.req.CreatedAt); age > oldest {
				oldest = age
			}
		}
		e.mu.Unlock()
	}
	return oldest
}

// Recover reloads non-terminal requests after a restart. Runs that were
// queued or in flight cannot be resumed and fail as interrupted; waiting
// requests keep their original deadline.
func (m *Machine) Recover(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	recs, err := m.store.ScanRequests(ctx, db.RequestFilter{Statuses: []string{
		string(StatusPendingReview), string(StatusInterventionRequired),
		string(StatusApproved), string(StatusProcessing),
	}})
	if err != nil {
		return 0, fmt.Errorf("scan requests: %w", err)
	}

	n := 0
	for _, rec := range recs {
		req, err := fromRecord(rec)
		if err != nil {
			m.log.Warn("skipping unreadable request", zap.String("request", rec.ID), zap.Error(err))
			continue
		}
		e := &entry{req: req}

		m.mu.Lock()
		if _, exists := m.arena[req.ID]; exists {
			m.mu.Unlock()
			continue
		}
		m.arena[req.ID] = e
		m.mu.Unlock()

		e.mu.Lock()
		if req.Status == StatusApproved || req.Status == StatusProcessing {
			e.req.Reason = apperr.ReasonInterrupted
			e.req.ResultSummary = apperr.ReasonInterrupted
			_ = m.transitionLocked(e, StatusFailed, ActorSystem, apperr.ReasonInterrupted)
		}
		// A held profile did not survive the restart.
		if e.req.Status == StatusInterventionRequired && e.req.AssignedProfileID != "" {
			e.req.AssignedProfileID = ""
			m.persistLocked(e)
		}
		e.mu.Unlock()
		n++
	}
	if n > 0 {
		m.log.Info("recovered requests", zap.Int("count", n))
	}
	return n, nil
}

// Prune drops terminal requests last updated before cutoff from memory.
func (m *Machine) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.arena {
		e.mu.Lock()
		drop := e.req.Status.Terminal() && e.req.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if drop {
			delete(m.arena, id)
			n++
		}
	}
	return n
}

// Close stops background runs and waits for them to report.
func (m *Machine) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Machine) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.arena[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("request %s", id)
	}
	return e, nil
}

func (m *Machine) entries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.arena))
	for _, e := range m.arena {
		out = append(out, e)
	}
	return out
}

// transitionLocked moves e to `to`, appends the audit entry, persists and
// publishes. Publishing under the entry lock keeps one request's events in
// order on the bus.
func (m *Machine) transitionLocked(e *entry, to Status, actor, reason string) error {
	from := e.req.Status
	if !CanTransition(from, to) {
		return apperr.InvalidTransition("request %s: %s -> %s is not allowed", e.req.ID, from, to)
	}
	now := m.now()
	e.req.Status = to
	e.req.UpdatedAt = now
	e.req.AuditTrail = append(e.req.AuditTrail, AuditEntry{From: from, To: to, Actor: actor, Reason: reason, At: now})
	m.persistLocked(e)
	m.metrics.Transition(string(from), string(to))
	m.emit(Transition{Request: e.req.clone(), From: from, To: to, Actor: actor, Reason: reason, At: now})
	m.log.Debug("transition",
		zap.String("request", e.req.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
		zap.String("reason", reason))
	return nil
}

func (m *Machine) persistLocked(e *entry) {
	if m.store == nil {
		return
	}
	rec, err := toRecord(e.req)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = m.store.PutRequest(ctx, rec)
		cancel()
	}
	if err != nil {
		m.log.Error("persist request", zap.String("request", e.req.ID), zap.Error(err))
	}
}

func (m *Machine) emit(t Transition) {
	if m.bus == nil {
		return
	}
	if err := events.Emit(m.bus, events.TopicRequestTransition, t); err != nil {
		m.log.Warn("transition not published", zap.String("request", t.Request.ID), zap.Error(err))
	}
}

// dropHoldLocked clears the profile hold and returns the profile to
// release once the entry lock is dropped.
func (m *Machine) dropHoldLocked(e *entry) string {
	if !e.held {
		return ""
	}
	e.held = false
	return e.req.AssignedProfileID
}

func (m *Machine) release(profileID, requestID string) {
	if profileID == "" {
		return
	}
	if err := m.pool.Release(profileID); err != nil {
		m.log.Warn("profile release failed",
			zap.String("profile", profileID),
			zap.String("request", requestID),
			zap.Error(err))
	}
}

// startLocked begins the approved path for e in the background.
func (m *Machine) startLocked(e *entry, input browser.InterventionInput) {
	m.mu.RLock()
	closed := m.closed
	if !closed {
		m.wg.Add(1)
	}
	m.mu.RUnlock()
	if closed {
		return
	}
	go func() {
		defer m.wg.Done()
		m.process(e, input)
	}()
}

// process acquires a profile (unless one is still held from an
// intervention), moves the request to PROCESSING, runs it and reports the
// outcome through WorkerCallback.
func (m *Machine) process(e *entry, input browser.InterventionInput) {
	e.mu.Lock()
	id := e.req.ID
	if e.req.Status != StatusApproved {
		e.mu.Unlock()
		return
	}
	resume := e.held

	if !resume {
		actx, cancel := context.WithTimeout(m.ctx, m.cfg.QueueTimeout)
		e.cancelWait = cancel
		e.mu.Unlock()

		profileID, err := m.pool.Acquire(actx, id)
		cancel()

		e.mu.Lock()
		e.cancelWait = nil
		if e.req.Status != StatusApproved {
			e.mu.Unlock()
			if err == nil {
				m.release(profileID, id)
			}
			return
		}
		if err != nil {
			reason := apperr.ReasonNoCapacity
			if m.ctx.Err() != nil {
				reason = apperr.ReasonInterrupted
			}
			e.req.Reason = reason
			e.req.ResultSummary = reason
			_ = m.transitionLocked(e, StatusFailed, ActorSystem, reason)
			e.mu.Unlock()
			return
		}
		e.req.AssignedProfileID = profileID
		e.held = true
	}

	e.resumed = resume
	if err := m.transitionLocked(e, StatusProcessing, ActorSystem, ""); err != nil {
		e.mu.Unlock()
		m.log.Error("could not start processing", zap.String("request", id), zap.Error(err))
		return
	}
	job := browser.Job{
		RequestID:      id,
		ProfileID:      e.req.AssignedProfileID,
		Site:           e.req.TargetSite,
		CredentialsRef: e.req.CredentialsRef,
		Resume:         resume,
		Intervention:   e.req.InterventionType,
		Input:          input,
		Cancelled:      e.cancelled.Load,
	}
	e.mu.Unlock()

	out := m.exec.Execute(m.ctx, job)
	if out.Kind == browser.OutcomeFailure && m.ctx.Err() != nil {
		out = browser.Failure(apperr.ReasonInterrupted, "engine shutting down")
	}
	if err := m.WorkerCallback(m.ctx, id, out); err != nil {
		m.log.Error("worker callback rejected", zap.String("request", id), zap.Error(err))
	}
}
