package browser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/events"
	"github.com/neboloop/signon/internal/logging"
	"github.com/neboloop/signon/internal/metrics"
)

// ProfileStatus is the pool-side state of a profile slot.
type ProfileStatus string

const (
	StatusFree    ProfileStatus = "FREE"
	StatusOpening ProfileStatus = "OPENING"
	StatusBusy    ProfileStatus = "BUSY"
	StatusClosing ProfileStatus = "CLOSING"
	StatusError   ProfileStatus = "ERROR"
)

var allStatuses = []ProfileStatus{StatusFree, StatusOpening, StatusBusy, StatusClosing, StatusError}

// Profile is a point-in-time view of one slot.
type Profile struct {
	ID               string        `json:"profile_id"`
	ControlPort      int           `json:"control_port"`
	Status           ProfileStatus `json:"status"`
	CurrentRequestID string        `json:"current_request_id,omitempty"`
	LastUsedAt       time.Time     `json:"last_used_at"`
	LastError        string        `json:"last_error,omitempty"`
}

// ProfileEvent is published on events.TopicProfileStatus.
type ProfileEvent struct {
	Profile Profile
	At      time.Time
}

type Stats struct {
	Size    int `json:"size"`
	Free    int `json:"free"`
	Opening int `json:"opening"`
	Busy    int `json:"busy"`
	Closing int `json:"closing"`
	Error   int `json:"error"`
}

type PoolConfig struct {
	Size         int
	BasePort     int
	DataDir      string
	OpenStagger  time.Duration
	RetryBackoff time.Duration
	ClearTimeout time.Duration
}

type PoolOption func(*Pool)

func WithStore(s db.Store) PoolOption { return func(p *Pool) { p.store = s } }

func WithBus(b *events.Subject) PoolOption { return func(p *Pool) { p.bus = b } }

func WithMetrics(m *metrics.Metrics) PoolOption { return func(p *Pool) { p.metrics = m } }

// WithReleaseHook is called after a BUSY profile is handed back, before it
// is torn down.
func WithReleaseHook(fn func(profileID, requestID string)) PoolOption {
	return func(p *Pool) { p.onRelease = fn }
}

type slotState struct {
	Profile
	slot       Slot
	inst       *Instance
	page       Page
	generation int
}

type waiter struct {
	requestID string
	since     time.Time
	ch        chan *slotState
}

type change struct {
	profile Profile
	counts  map[string]int
}

var errPoolClosed = errors.New("profile pool closed")

// Pool is the fixed-size set of isolated browser profiles. Bookkeeping is
// guarded by mu and never held across a launch, teardown or run.
type Pool struct {
	cfg       PoolConfig
	launcher  Launcher
	driver    Driver
	runner    *Runner
	store     db.Store
	bus       *events.Subject
	metrics   *metrics.Metrics
	onRelease func(profileID, requestID string)
	log       *zap.Logger

	mu      sync.Mutex
	slots   []*slotState
	byID    map[string]*slotState
	waiters []*waiter
	closed  bool

	openMu   sync.Mutex
	lastOpen time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(cfg PoolConfig, launcher Launcher, driver Driver, runner *Runner, opts ...PoolOption) *Pool {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.ClearTimeout <= 0 {
		cfg.ClearTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		launcher: launcher,
		driver:   driver,
		runner:   runner,
		log:      logging.Named("pool"),
		byID:     make(map[string]*slotState, cfg.Size),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < cfg.Size; i++ {
		id := fmt.Sprintf("profile-%02d", i+1)
		ss := &slotState{
			Profile: Profile{ID: id, ControlPort: cfg.BasePort + i, Status: StatusOpening},
			slot:    Slot{ProfileID: id, ControlPort: cfg.BasePort + i, DataDir: filepath.Join(cfg.DataDir, id)},
		}
		p.slots = append(p.slots, ss)
		p.byID[id] = ss
	}
	return p
}

// Start opens every profile in the background. Opens are staggered.
func (p *Pool) Start() {
	p.mu.Lock()
	changes := make([]change, 0, len(p.slots))
	for _, ss := range p.slots {
		changes = append(changes, p.changeLocked(ss))
	}
	p.mu.Unlock()
	p.publish(changes...)

	for _, ss := range p.slots {
		p.wg.Add(1)
		go func(ss *slotState) {
			defer p.wg.Done()
			p.reopen(ss)
		}(ss)
	}
}

// Acquire hands out a FREE profile, marking it BUSY for requestID. When
// none is free the caller waits in FIFO order until ctx is done.
func (p *Pool) Acquire(ctx context.Context, requestID string) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", apperr.Capacity(errPoolClosed)
	}
	if len(p.waiters) == 0 {
		if ss := p.firstFreeLocked(); ss != nil {
			p.assignLocked(ss, requestID)
			c := p.changeLocked(ss)
			p.mu.Unlock()
			p.publish(c)
			p.metrics.AcquireWaited(0)
			return ss.ID, nil
		}
	}
	w := &waiter{requestID: requestID, since: time.Now(), ch: make(chan *slotState, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case ss, ok := <-w.ch:
		if !ok {
			return "", apperr.Capacity(errPoolClosed)
		}
		p.metrics.AcquireWaited(time.Since(w.since))
		return ss.ID, nil

	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(w)
		p.mu.Unlock()
		if !removed {
			// Lost the race with a hand-off: the profile was never used, pass it on.
			if ss, ok := <-w.ch; ok {
				p.mu.Lock()
				ss.CurrentRequestID = ""
				p.handOffLocked(ss)
				c := p.changeLocked(ss)
				p.mu.Unlock()
				p.publish(c)
			}
		}
		return "", apperr.Capacity(ctx.Err())
	}
}

// Release returns a BUSY profile. It is always torn down and reopened
// clean before serving another request.
func (p *Pool) Release(profileID string) error {
	p.mu.Lock()
	ss, ok := p.byID[profileID]
	if !ok {
		p.mu.Unlock()
		return apperr.NotFound("profile %s", profileID)
	}
	if ss.Status != StatusBusy {
		status := ss.Status
		p.mu.Unlock()
		return apperr.InvalidTransition("profile %s is %s, not BUSY", profileID, status)
	}
	requestID := ss.CurrentRequestID
	page, inst := ss.page, ss.inst
	ss.page, ss.inst = nil, nil
	ss.Status = StatusClosing
	ss.CurrentRequestID = ""
	ss.LastUsedAt = time.Now()
	c := p.changeLocked(ss)
	p.wg.Add(1)
	p.mu.Unlock()

	p.publish(c)
	if p.onRelease != nil {
		p.onRelease(profileID, requestID)
	}
	go func() {
		defer p.wg.Done()
		p.recycle(ss, page, inst)
	}()
	return nil
}

// Recycle force-closes and reopens an idle or failed profile.
func (p *Pool) Recycle(profileID string) error {
	p.mu.Lock()
	ss, ok := p.byID[profileID]
	if !ok {
		p.mu.Unlock()
		return apperr.NotFound("profile %s", profileID)
	}
	if ss.Status != StatusFree && ss.Status != StatusError {
		status := ss.Status
		p.mu.Unlock()
		return apperr.InvalidTransition("profile %s is %s; only FREE or ERROR profiles can be recycled", profileID, status)
	}
	p.startRecycleLocked(ss)
	c := p.changeLocked(ss)
	p.mu.Unlock()
	p.publish(c)
	return nil
}

// HealthCheck recycles FREE profiles whose browser died and retries ERROR
// profiles. It returns how many recycles were started.
func (p *Pool) HealthCheck(ctx context.Context) int {
	type probe struct {
		ss   *slotState
		inst *Instance
		gen  int
	}
	var (
		idle    []probe
		failed  []*slotState
		started int
	)
	p.mu.Lock()
	for _, ss := range p.slots {
		switch ss.Status {
		case StatusFree:
			idle = append(idle, probe{ss, ss.inst, ss.generation})
		case StatusError:
			failed = append(failed, ss)
		}
	}
	p.mu.Unlock()

	for _, pr := range idle {
		if ctx.Err() != nil {
			break
		}
		if p.launcher.Alive(pr.inst) {
			continue
		}
		p.mu.Lock()
		if pr.ss.Status == StatusFree && pr.ss.generation == pr.gen && !p.closed {
			pr.ss.LastError = "browser not responding"
			p.startRecycleLocked(pr.ss)
			c := p.changeLocked(pr.ss)
			p.mu.Unlock()
			p.publish(c)
			p.log.Warn("profile failed health check", zap.String("profile", pr.ss.ID))
			started++
			continue
		}
		p.mu.Unlock()
	}

	for _, ss := range failed {
		p.mu.Lock()
		if ss.Status == StatusError && !p.closed {
			p.startRecycleLocked(ss)
			c := p.changeLocked(ss)
			p.mu.Unlock()
			p.publish(c)
			started++
			continue
		}
		p.mu.Unlock()
	}
	return started
}

// Execute runs or resumes job on its assigned profile.
func (p *Pool) Execute(ctx context.Context, job Job) Outcome {
	if job.Resume {
		return p.ResumeScript(ctx, job)
	}
	return p.RunScript(ctx, job)
}

// RunScript opens a session on the profile's control port if needed and
// runs the site's login steps.
func (p *Pool) RunScript(ctx context.Context, job Job) Outcome {
	job.Resume = false
	return p.run(ctx, job)
}

// ResumeScript continues a paused run on the page that raised the
// intervention.
func (p *Pool) ResumeScript(ctx context.Context, job Job) Outcome {
	job.Resume = true
	return p.run(ctx, job)
}

func (p *Pool) run(ctx context.Context, job Job) Outcome {
	page, out, ok := p.pageFor(ctx, job)
	if !ok {
		return out
	}
	started := time.Now()
	out = p.runner.Run(ctx, page, job)
	p.metrics.RunFinished(job.Site, string(out.Kind), time.Since(started))
	return out
}

func (p *Pool) pageFor(ctx context.Context, job Job) (Page, Outcome, bool) {
	p.mu.Lock()
	ss, ok := p.byID[job.ProfileID]
	if !ok || ss.Status != StatusBusy || ss.CurrentRequestID != job.RequestID {
		p.mu.Unlock()
		return nil, Failure(apperr.ReasonSessionLost, fmt.Sprintf("profile %s is not assigned to this request", job.ProfileID)), false
	}
	if ss.page != nil {
		page := ss.page
		p.mu.Unlock()
		return page, Outcome{}, true
	}
	if job.Resume {
		p.mu.Unlock()
		return nil, Failure(apperr.ReasonSessionLost, "no open session to resume"), false
	}
	inst := ss.inst
	p.mu.Unlock()

	page, err := p.openPage(ctx, inst)
	if err != nil {
		return nil, Failure(apperr.ReasonDriver, err.Error()), false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ss.Status != StatusBusy || ss.CurrentRequestID != job.RequestID {
		_ = page.Close()
		return nil, Failure(apperr.ReasonSessionLost, "profile released while opening session"), false
	}
	ss.page = page
	return page, Outcome{}, true
}

// openPage attaches the driver, retrying once with backoff.
func (p *Pool) openPage(ctx context.Context, inst *Instance) (Page, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.RetryBackoff):
			}
		}
		page, err := p.driver.Open(ctx, inst)
		if err == nil {
			return page, nil
		}
		lastErr = err
		p.log.Warn("driver open failed", zap.String("profile", inst.Slot.ProfileID), zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, lastErr
}

// Get returns a snapshot of one profile.
func (p *Pool) Get(profileID string) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, ok := p.byID[profileID]
	if !ok {
		return Profile{}, apperr.NotFound("profile %s", profileID)
	}
	return ss.Profile, nil
}

// Profiles returns snapshots in slot order.
func (p *Pool) Profiles() []Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Profile, 0, len(p.slots))
	for _, ss := range p.slots {
		out = append(out, ss.Profile)
	}
	return out
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Size: len(p.slots)}
	for _, ss := range p.slots {
		switch ss.Status {
		case StatusFree:
			s.Free++
		case StatusOpening:
			s.Opening++
		case StatusBusy:
			s.Busy++
		case StatusClosing:
			s.Closing++
		case StatusError:
			s.Error++
		}
	}
	return s
}

// Waiting reports how many Acquire calls are queued.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Close fails queued Acquire calls, waits for in-flight recycles and stops
// every browser.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	var (
		pages []Page
		insts []*Instance
	)
	for _, ss := range p.slots {
		if ss.page != nil {
			pages = append(pages, ss.page)
			ss.page = nil
		}
		if ss.inst != nil {
			insts = append(insts, ss.inst)
			ss.inst = nil
		}
	}
	p.mu.Unlock()

	for _, pg := range pages {
		_ = pg.Close()
	}
	for _, inst := range insts {
		_ = p.launcher.Stop(inst)
	}
	return nil
}

// recycle tears down the previous browser and opens a fresh one.
func (p *Pool) recycle(ss *slotState, page Page, inst *Instance) {
	if page != nil {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.ClearTimeout)
		err := page.ClearState(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			ss.Status = StatusError
			ss.LastError = "clear state: " + err.Error()
			c := p.changeLocked(ss)
			p.mu.Unlock()
			p.publish(c)
			p.log.Warn("profile state clear failed, recycling", zap.String("profile", ss.ID), zap.Error(err))
		}
		_ = page.Close()
	}
	if inst != nil {
		if err := p.launcher.Stop(inst); err != nil {
			p.log.Warn("browser stop failed", zap.String("profile", ss.ID), zap.Error(err))
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	ss.Status = StatusOpening
	c := p.changeLocked(ss)
	p.mu.Unlock()
	p.publish(c)

	p.reopen(ss)
}

// reopen launches the slot's browser, retrying once with backoff. On
// success the profile goes to the next waiter or back to FREE.
func (p *Pool) reopen(ss *slotState) {
	var (
		inst *Instance
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.cfg.RetryBackoff):
			}
		}
		if !p.stagger() {
			return
		}
		inst, err = p.launcher.Launch(p.ctx, ss.slot)
		if err == nil {
			break
		}
		p.log.Warn("profile launch failed", zap.String("profile", ss.ID), zap.Int("attempt", attempt), zap.Error(err))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if inst != nil {
			_ = p.launcher.Stop(inst)
		}
		return
	}
	if err != nil {
		ss.Status = StatusError
		ss.LastError = err.Error()
	} else {
		ss.inst = inst
		ss.generation++
		ss.LastError = ""
		p.handOffLocked(ss)
	}
	c := p.changeLocked(ss)
	p.mu.Unlock()
	p.publish(c)
}

// stagger spaces consecutive launches by OpenStagger. It returns false when
// the pool is closing.
func (p *Pool) stagger() bool {
	p.openMu.Lock()
	defer p.openMu.Unlock()
	if !p.lastOpen.IsZero() {
		if wait := p.cfg.OpenStagger - time.Since(p.lastOpen); wait > 0 {
			select {
			case <-p.ctx.Done():
				return false
			case <-time.After(wait):
			}
		}
	}
	p.lastOpen = time.Now()
	return p.ctx.Err() == nil
}

func (p *Pool) startRecycleLocked(ss *slotState) {
	page, inst := ss.page, ss.inst
	ss.page, ss.inst = nil, nil
	ss.Status = StatusClosing
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.recycle(ss, page, inst)
	}()
}

func (p *Pool) firstFreeLocked() *slotState {
	for _, ss := range p.slots {
		if ss.Status == StatusFree {
			return ss
		}
	}
	return nil
}

func (p *Pool) assignLocked(ss *slotState, requestID string) {
	ss.Status = StatusBusy
	ss.CurrentRequestID = requestID
	ss.LastUsedAt = time.Now()
}

// handOffLocked gives a ready profile to the oldest waiter, or frees it.
func (p *Pool) handOffLocked(ss *slotState) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.assignLocked(ss, w.requestID)
		w.ch <- ss
		return
	}
	ss.Status = StatusFree
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) changeLocked(ss *slotState) change {
	counts := make(map[string]int, len(allStatuses))
	for _, st := range allStatuses {
		counts[string(st)] = 0
	}
	for _, s := range p.slots {
		counts[string(s.Status)]++
	}
	return change{profile: ss.Profile, counts: counts}
}

func (p *Pool) publish(changes ...change) {
	for _, c := range changes {
		if p.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := p.store.PutProfile(ctx, db.ProfileRecord{
				ID:               c.profile.ID,
				ControlPort:      c.profile.ControlPort,
				Status:           string(c.profile.Status),
				CurrentRequestID: c.profile.CurrentRequestID,
				LastUsedAt:       c.profile.LastUsedAt,
				LastError:        c.profile.LastError,
			})
			cancel()
			if err != nil {
				p.log.Warn("persist profile failed", zap.String("profile", c.profile.ID), zap.Error(err))
			}
		}
		if p.bus != nil {
			if err := events.Emit(p.bus, events.TopicProfileStatus, ProfileEvent{Profile: c.profile, At: time.Now()}); err != nil {
				p.log.Debug("profile event dropped", zap.Error(err))
			}
		}
		p.metrics.ProfileCounts(c.counts)
	}
}
