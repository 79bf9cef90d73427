package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/browser"
	"github.com/neboloop/signon/internal/browser/browsertest"
	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/events"
	"github.com/neboloop/signon/internal/lifecycle"
	"github.com/neboloop/signon/internal/sites"
)

const validRef = "cred_0123456789abcdef"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	m        *lifecycle.Machine
	pool     *browser.Pool
	launcher *browsertest.Launcher
	store    *db.MemoryStore
}

type fixtureOpts struct {
	poolSize int
	hook     browsertest.Hook
	cfg      lifecycle.Config
	opts     []lifecycle.Option
	exec     lifecycle.Executor
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	if fo.poolSize == 0 {
		fo.poolSize = 1
	}
	if fo.hook == nil {
		fo.hook = browsertest.SignInHook("button[type=submit]", "https://mail.example.com/inbox")
	}
	registry, err := sites.NewRegistry()
	require.NoError(t, err)

	launcher := browsertest.NewLauncher()
	driver := browsertest.NewDriver()
	driver.Hook = fo.hook
	runner := browser.NewRunner(registry, browsertest.Credentials{Username: "u", Password: "p"}, nil, browser.RunnerConfig{
		StepTimeout:    time.Second,
		MaxRetries:     1,
		DetectInterval: 2 * time.Millisecond,
	})
	pool := browser.NewPool(browser.PoolConfig{
		Size:         fo.poolSize,
		BasePort:     9400,
		DataDir:      t.TempDir(),
		RetryBackoff: 5 * time.Millisecond,
	}, launcher, driver, runner)
	pool.Start()
	t.Cleanup(func() { pool.Close() })
	require.Eventually(t, func() bool { return pool.Stats().Free == fo.poolSize }, 3*time.Second, 2*time.Millisecond)

	store := db.NewMemoryStore()
	opts := append([]lifecycle.Option{lifecycle.WithStore(store)}, fo.opts...)
	var exec lifecycle.Executor = pool
	if fo.exec != nil {
		exec = fo.exec
	}
	m := lifecycle.NewMachine(fo.cfg, pool, exec, registry, opts...)
	t.Cleanup(func() { m.Close() })
	return &fixture{m: m, pool: pool, launcher: launcher, store: store}
}

func (f *fixture) submit(t *testing.T) lifecycle.Request {
	t.Helper()
	req, err := f.m.Submit(context.Background(), lifecycle.SubmitInput{
		RequesterID:    "alice",
		TargetSite:     "example-mail",
		CredentialsRef: validRef,
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) waitStatus(t *testing.T, id string, want lifecycle.Status) lifecycle.Request {
	t.Helper()
	var got lifecycle.Request
	require.Eventually(t, func() bool {
		var err error
		got, err = f.m.Get(context.Background(), id)
		return err == nil && got.Status == want
	}, 3*time.Second, 2*time.Millisecond, "waiting for %s", want)
	return got
}

func approve(t *testing.T, m *lifecycle.Machine, id string) {
	t.Helper()
	_, err := m.OperatorDecision(context.Background(), id, lifecycle.Decision{Action: lifecycle.ActionApprove}, "operator:bob")
	require.NoError(t, err)
}

func auditPath(r lifecycle.Request) []lifecycle.Status {
	out := make([]lifecycle.Status, 0, len(r.AuditTrail))
	for _, a := range r.AuditTrail {
		out = append(out, a.To)
	}
	return out
}

func TestCanTransitionFollowsEdges(t *testing.T) {
	all := []lifecycle.Status{
		lifecycle.StatusPendingReview, lifecycle.StatusInterventionRequired, lifecycle.StatusApproved,
		lifecycle.StatusProcessing, lifecycle.StatusCompleted, lifecycle.StatusFailed,
		lifecycle.StatusRejected, lifecycle.StatusExpired,
	}
	for _, from := range all {
		if from.Terminal() {
			for _, to := range all {
				assert.False(t, lifecycle.CanTransition(from, to), "%s -> %s", from, to)
			}
		}
	}
	assert.True(t, lifecycle.CanTransition(lifecycle.StatusPendingReview, lifecycle.StatusExpired))
	assert.False(t, lifecycle.CanTransition(lifecycle.StatusApproved, lifecycle.StatusExpired))
	assert.False(t, lifecycle.CanTransition(lifecycle.StatusProcessing, lifecycle.StatusExpired))
	assert.False(t, lifecycle.CanTransition(lifecycle.StatusPendingReview, lifecycle.StatusProcessing))
}

func TestSubmitValidates(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	_, err := f.m.Submit(ctx, lifecycle.SubmitInput{RequesterID: "alice", TargetSite: "nowhere", CredentialsRef: validRef})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.m.Submit(ctx, lifecycle.SubmitInput{RequesterID: "alice", TargetSite: "example-mail", CredentialsRef: "password123"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.m.Submit(ctx, lifecycle.SubmitInput{TargetSite: "example-mail", CredentialsRef: validRef})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	req := f.submit(t)
	assert.Equal(t, lifecycle.StatusPendingReview, req.Status)
	assert.Equal(t, 120*time.Second, req.ExpiresAt.Sub(req.CreatedAt))
	assert.Empty(t, req.AuditTrail)

	rec, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING_REVIEW", rec.Status)
}

func TestUnknownRequestIsNotFound(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.m.OperatorDecision(context.Background(), "req_missing", lifecycle.Decision{Action: lifecycle.ActionApprove}, "operator:bob")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestApproveRunsToCompletion(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	req := f.submit(t)

	approve(t, f.m, req.ID)
	done := f.waitStatus(t, req.ID, lifecycle.StatusCompleted)

	assert.Equal(t, []lifecycle.Status{
		lifecycle.StatusApproved, lifecycle.StatusProcessing, lifecycle.StatusCompleted,
	}, auditPath(done))
	assert.Equal(t, "profile-01", done.AssignedProfileID)
	assert.Equal(t, "signed in to example-mail", done.ResultSummary)
	assert.Equal(t, "operator:bob", done.AuditTrail[0].Actor)

	require.Eventually(t, func() bool { return f.pool.Stats().Free == 1 }, 3*time.Second, 2*time.Millisecond)
	assert.Equal(t, 2, f.launcher.Launches("profile-01"), "profile reopened after the run")
}

func TestIllegalDecisionLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	req := f.submit(t)
	approve(t, f.m, req.ID)
	done := f.waitStatus(t, req.ID, lifecycle.StatusCompleted)

	for _, d := range []lifecycle.Decision{
		{Action: lifecycle.ActionApprove},
		{Action: lifecycle.ActionReject, Reason: "late"},
		{Action: lifecycle.ActionRequireIntervention, Intervention: sites.OneTimeCode},
	} {
		_, err := f.m.OperatorDecision(context.Background(), req.ID, d, "operator:bob")
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition), "%s", d.Action)
	}
	after, err := f.m.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, done, after)
}

func TestPendingRequestExpiresOnNextSweep(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	f := newFixture(t, fixtureOpts{opts: []lifecycle.Option{lifecycle.WithClock(c.Now)}})
	req := f.submit(t)

	c.Advance(119 * time.Second)
	assert.Equal(t, 0, f.m.Sweep(context.Background()))

	c.Advance(2 * time.Second)
	assert.Equal(t, 1, f.m.Sweep(context.Background()))

	got, err := f.m.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusExpired, got.Status)
	assert.Equal(t, apperr.ReasonExpired, got.Reason)
	assert.Equal(t, lifecycle.ActorSweeper, got.AuditTrail[0].Actor)

	_, err = f.m.OperatorDecision(context.Background(), req.ID, lifecycle.Decision{Action: lifecycle.ActionApprove}, "operator:bob")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))
}

func TestInterventionAttemptsExhaust(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	req := f.submit(t)

	_, err := f.m.OperatorDecision(ctx, req.ID, lifecycle.Decision{
		Action:       lifecycle.ActionRequireIntervention,
		Intervention: sites.OneTimeCode,
	}, "operator:bob")
	require.NoError(t, err)

	for i, want := range []int{2, 1, 0} {
		res, err := f.m.SubmitInterventionResult(ctx, req.ID, lifecycle.InterventionPayload{Code: "12ab"}, "requester:alice")
		require.NoError(t, err, "attempt %d", i+1)
		assert.False(t, res.Success)
		assert.Equal(t, want, res.AttemptsRemaining)
	}

	got, err := f.m.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusRejected, got.Status)
	assert.Equal(t, apperr.ReasonAttemptsExhausted, got.Reason)

	_, err = f.m.SubmitInterventionResult(ctx, req.ID, lifecycle.InterventionPayload{Code: "123456"}, "requester:alice")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))
}

func TestInterventionPayloadShape(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	req := f.submit(t)
	_, err := f.m.OperatorDecision(ctx, req.ID, lifecycle.Decision{Action: lifecycle.ActionRequireIntervention, Intervention: sites.Challenge}, "operator:bob")
	require.NoError(t, err)

	res, err := f.m.SubmitInterventionResult(ctx, req.ID, lifecycle.InterventionPayload{Answer: "   "}, "requester:alice")
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = f.m.SubmitInterventionResult(ctx, req.ID, lifecycle.InterventionPayload{Answer: "blue", Attempt: 1}, "requester:alice")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "attempt 1 was already used")

	res, err = f.m.SubmitInterventionResult(ctx, req.ID, lifecycle.InterventionPayload{Answer: "blue", Attempt: 2}, "requester:alice")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, lifecycle.StatusApproved, res.Status)

	f.waitStatus(t, req.ID, lifecycle.StatusCompleted)
}

func otpHook(verified func()) browsertest.Hook {
	return func(_ context.Context, p *browsertest.Page, action, selector, _ string) error {
		switch {
		case action == "click" && selector == "button[type=submit]":
			p.Show("input[name=otp]", "")
		case action == "click" && selector == "button#verify":
			code, _ := p.Disk.Get("filled:input[name=otp]")
			if code == "424242" {
				p.Hide("input[name=otp]")
				p.SetURL("https://mail.example.com/inbox")
				if verified != nil {
					verified()
				}
			}
		}
		return nil
	}
}

func TestMidRunInterventionResumesOnSameProfile(t *testing.T) {
	f := newFixture(t, fixtureOpts{hook: otpHook(nil)})
	ctx := context.Background()
	req := f.submit(t)

	approve(t, f.m, req.ID)
	paused := f.waitStatus(t, req.ID, lifecycle.StatusInterventionRequired)
	assert.Equal(t, sites.OneTimeCode, paused.InterventionType)

	p, err := f.pool.Get("profile-01")
	require.NoError(t, err)
	assert.Equal(t, browser.StatusBusy, p.Status, "profile stays held while waiting for the code")
	assert.Equal(t, req.ID, p.CurrentRequestID)

	res, err := f.m.SubmitInterventionResult(ctx, req.ID, lifecycle.InterventionPayload{Code: "424242"}, "requester:alice")
	require.NoError(t, err)
	assert.True(t, res.Success)

	done := f.waitStatus(t, req.ID, lifecycle.StatusCompleted)
	assert.Equal(t, []lifecycle.Status{
		lifecycle.StatusApproved, lifecycle.StatusProcessing, lifecycle.StatusInterventionRequired,
		lifecycle.StatusApproved, lifecycle.StatusProcessing, lifecycle.StatusCompleted,
	}, auditPath(done))
	assert.Equal(t, "profile-01", done.AssignedProfileID)
}

func TestWrongCodeAtSiteCountsAsAttempt(t *testing.T) {
	f := newFixture(t, fixtureOpts{hook: otpHook(nil)})
	ctx := context.Background()
	req := f.submit(t)

	approve(t, f.m, req.ID)
	f.waitStatus(t, req.ID, lifecycle.StatusInterventionRequired)

	for i := 0; i < 2; i++ {
		_, err := f.m.SubmitInterventionResult(ctx, req.ID, lifecycle.InterventionPayload{Code: "111111"}, "requester:alice")
		require.NoError(t, err)
		got := f.waitStatus(t, req.ID, lifecycle.StatusInterventionRequired)
		require.Equal(t, i+1, got.InterventionAttempts)
	}

	_, err := f.m.SubmitInterventionResult(ctx, req.ID, lifecycle.InterventionPayload{Code: "111111"}, "requester:alice")
	require.NoError(t, err)
	got := f.waitStatus(t, req.ID, lifecycle.StatusFailed)
	assert.Equal(t, apperr.ReasonAttemptsExhausted, got.Reason)
	require.Eventually(t, func() bool { return f.pool.Stats().Free == 1 }, 3*time.Second, 2*time.Millisecond)
}

func TestExpiryReleasesHeldProfile(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	f := newFixture(t, fixtureOpts{
		hook: otpHook(nil),
		opts: []lifecycle.Option{lifecycle.WithClock(c.Now)},
	})
	req := f.submit(t)
	approve(t, f.m, req.ID)
	f.waitStatus(t, req.ID, lifecycle.StatusInterventionRequired)

	c.Advance(121 * time.Second)
	assert.Equal(t, 1, f.m.Sweep(context.Background()))
	f.waitStatus(t, req.ID, lifecycle.StatusExpired)

	require.Eventually(t, func() bool { return f.pool.Stats().Free == 1 }, 3*time.Second, 2*time.Millisecond)
	assert.Equal(t, 2, f.launcher.Launches("profile-01"))
}

func TestSingleProfileSerializesApprovals(t *testing.T) {
	slow := func(_ context.Context, p *browsertest.Page, action, selector, _ string) error {
		if action == "click" && selector == "button[type=submit]" {
			time.Sleep(40 * time.Millisecond)
			p.SetURL("https://mail.example.com/inbox")
		}
		return nil
	}
	f := newFixture(t, fixtureOpts{hook: slow})
	first := f.submit(t)
	second := f.submit(t)

	approve(t, f.m, first.ID)
	approve(t, f.m, second.ID)

	a := f.waitStatus(t, first.ID, lifecycle.StatusCompleted)
	b := f.waitStatus(t, second.ID, lifecycle.StatusCompleted)
	if a.AuditTrail[1].At.After(b.AuditTrail[1].At) {
		a, b = b, a
	}
	firstDone := a.AuditTrail[2].At
	secondStart := b.AuditTrail[1].At
	assert.Equal(t, lifecycle.StatusProcessing, b.AuditTrail[1].To)
	assert.False(t, secondStart.Before(firstDone), "second run started before the first released its profile")
}

func blockingHook(release <-chan struct{}) browsertest.Hook {
	return func(_ context.Context, p *browsertest.Page, action, selector, _ string) error {
		switch {
		case action == "navigate":
			<-release
		case action == "click" && selector == "button[type=submit]":
			p.SetURL("https://mail.example.com/inbox")
		}
		return nil
	}
}

func TestQueuedApprovalTimesOutWithoutCapacity(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, fixtureOpts{
		hook: blockingHook(release),
		cfg:  lifecycle.Config{QueueTimeout: 50 * time.Millisecond},
	})
	t.Cleanup(func() { close(release) })

	first := f.submit(t)
	second := f.submit(t)
	approve(t, f.m, first.ID)
	f.waitStatus(t, first.ID, lifecycle.StatusProcessing)

	approve(t, f.m, second.ID)
	got := f.waitStatus(t, second.ID, lifecycle.StatusFailed)
	assert.Equal(t, apperr.ReasonNoCapacity, got.Reason)
	assert.Equal(t, []lifecycle.Status{lifecycle.StatusApproved, lifecycle.StatusFailed}, auditPath(got))
}

func TestCancelQueuedAndRunning(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, fixtureOpts{hook: blockingHook(release)})
	ctx := context.Background()

	running := f.submit(t)
	queued := f.submit(t)
	approve(t, f.m, running.ID)
	f.waitStatus(t, running.ID, lifecycle.StatusProcessing)
	approve(t, f.m, queued.ID)
	require.Eventually(t, func() bool { return f.pool.Waiting() == 1 }, time.Second, time.Millisecond)

	got, err := f.m.Cancel(ctx, queued.ID, "operator:bob")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusFailed, got.Status)
	require.Eventually(t, func() bool { return f.pool.Waiting() == 0 }, time.Second, time.Millisecond)

	got, err = f.m.Cancel(ctx, running.ID, "operator:bob")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusProcessing, got.Status, "running cancel is cooperative")

	close(release)
	got = f.waitStatus(t, running.ID, lifecycle.StatusFailed)
	assert.Equal(t, apperr.ReasonCancelled, got.Reason)

	_, err = f.m.Cancel(ctx, running.ID, "operator:bob")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))
}

// gatedExecutor hands each job to the test and returns whatever outcome
// the test sends back.
type gatedExecutor struct {
	started chan browser.Job
	finish  chan browser.Outcome
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{started: make(chan browser.Job, 1), finish: make(chan browser.Outcome, 1)}
}

func (g *gatedExecutor) Execute(ctx context.Context, job browser.Job) browser.Outcome {
	g.started <- job
	select {
	case out := <-g.finish:
		return out
	case <-ctx.Done():
		return browser.Failure(apperr.ReasonInterrupted, "stopped")
	}
}

func TestCancelledRunDoesNotParkForIntervention(t *testing.T) {
	gate := newGatedExecutor()
	f := newFixture(t, fixtureOpts{exec: gate})
	ctx := context.Background()

	req := f.submit(t)
	approve(t, f.m, req.ID)
	job := <-gate.started
	f.waitStatus(t, req.ID, lifecycle.StatusProcessing)

	_, err := f.m.Cancel(ctx, req.ID, "operator:bob")
	require.NoError(t, err)
	assert.True(t, job.Cancelled())

	gate.finish <- browser.InterventionNeeded(sites.OneTimeCode)
	got := f.waitStatus(t, req.ID, lifecycle.StatusFailed)
	assert.Equal(t, apperr.ReasonCancelled, got.Reason)
	assert.Equal(t, []lifecycle.Status{
		lifecycle.StatusApproved, lifecycle.StatusProcessing, lifecycle.StatusFailed,
	}, auditPath(got))
	require.Eventually(t, func() bool { return f.pool.Stats().Free == 1 }, 2*time.Second, 2*time.Millisecond)

	_, err = f.m.SubmitInterventionResult(ctx, req.ID, lifecycle.InterventionPayload{Code: "424242"}, "requester:alice")
	require.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))
	assert.NotContains(t, err.Error(), string(lifecycle.StatusFailed), "refusal must not name internal states")
}

func TestTransitionsPublishedInOrder(t *testing.T) {
	bus := events.NewSubject()
	t.Cleanup(func() { events.Complete(bus) })

	var (
		mu  sync.Mutex
		got []lifecycle.Status
	)
	events.Subscribe(bus, events.TopicRequestTransition, func(_ context.Context, tr lifecycle.Transition) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, tr.To)
		return nil
	})

	f := newFixture(t, fixtureOpts{opts: []lifecycle.Option{lifecycle.WithBus(bus)}})
	req := f.submit(t)
	approve(t, f.m, req.ID)
	f.waitStatus(t, req.ID, lifecycle.StatusCompleted)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, time.Millisecond)
	assert.Equal(t, []lifecycle.Status{
		lifecycle.StatusPendingReview, lifecycle.StatusApproved,
		lifecycle.StatusProcessing, lifecycle.StatusCompleted,
	}, got)
}

func TestQueueNewestFirstAndOldestPendingAge(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	f := newFixture(t, fixtureOpts{opts: []lifecycle.Option{lifecycle.WithClock(c.Now)}})

	older := f.submit(t)
	c.Advance(10 * time.Second)
	newer := f.submit(t)
	c.Advance(5 * time.Second)

	q := f.m.Queue()
	require.Len(t, q, 2)
	assert.Equal(t, newer.ID, q[0].ID)
	assert.Equal(t, older.ID, q[1].ID)
	assert.Equal(t, 15*time.Second, f.m.OldestPendingAge())
}

func TestRecoverFailsInterruptedRuns(t *testing.T) {
	registry, err := sites.NewRegistry()
	require.NoError(t, err)
	store := db.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	for id, status := range map[string]string{
		"req_running": "PROCESSING",
		"req_waiting": "PENDING_REVIEW",
		"req_done":    "COMPLETED",
	} {
		require.NoError(t, store.PutRequest(ctx, db.RequestRecord{
			ID: id, RequesterID: "alice", TargetSite: "example-mail", CredentialsRef: validRef,
			Status: status, CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Minute),
		}))
	}

	m := lifecycle.NewMachine(lifecycle.Config{}, nil, nil, registry, lifecycle.WithStore(store))
	t.Cleanup(func() { m.Close() })
	n, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	running, err := m.Get(ctx, "req_running")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusFailed, running.Status)
	assert.Equal(t, apperr.ReasonInterrupted, running.Reason)

	waiting, err := m.Get(ctx, "req_waiting")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPendingReview, waiting.Status)

	rec, err := store.GetRequest(ctx, "req_running")
	require.NoError(t, err)
	assert.Equal(t, "FAILED", rec.Status)
}

func TestRequesterViewHidesDiagnostics(t *testing.T) {
	now := time.Now()
	r := lifecycle.Request{
		ID:            "req_x",
		Status:        lifecycle.StatusFailed,
		Reason:        apperr.ReasonDriver,
		ResultSummary: "driver_error: chrome crashed at 0x7f",
	}
	v := r.View(now)
	assert.Equal(t, lifecycle.CoarseFailed, v.Status)
	assert.NotContains(t, v.Message, "chrome")
	assert.Zero(t, v.ExpiresIn)

	r = lifecycle.Request{Status: lifecycle.StatusInterventionRequired, InterventionType: sites.OneTimeCode, ExpiresAt: now.Add(30 * time.Second)}
	v = r.View(now)
	assert.Equal(t, lifecycle.CoarseNeedsCode, v.Status)
	assert.Equal(t, 30, v.ExpiresIn)
}
