package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/browser"
	"github.com/neboloop/signon/internal/browser/browsertest"
	"github.com/neboloop/signon/internal/events"
	"github.com/neboloop/signon/internal/sites"
)

type fixture struct {
	pool     *browser.Pool
	launcher *browsertest.Launcher
	driver   *browsertest.Driver
}

func newFixture(t *testing.T, size int, mutate func(*browser.PoolConfig), opts ...browser.PoolOption) fixture {
	t.Helper()
	registry, err := sites.NewRegistry()
	require.NoError(t, err)

	launcher := browsertest.NewLauncher()
	driver := browsertest.NewDriver()
	driver.Hook = browsertest.SignInHook("button[type=submit]", "https://mail.example.com/inbox")

	runner := browser.NewRunner(registry, browsertest.Credentials{Username: "u", Password: "p"}, nil, browser.RunnerConfig{
		StepTimeout:    time.Second,
		MaxRetries:     2,
		DetectInterval: 5 * time.Millisecond,
	})
	cfg := browser.PoolConfig{
		Size:         size,
		BasePort:     9300,
		DataDir:      t.TempDir(),
		RetryBackoff: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pool := browser.NewPool(cfg, launcher, driver, runner, opts...)
	pool.Start()
	t.Cleanup(func() { pool.Close() })
	waitStats(t, pool, func(s browser.Stats) bool { return s.Opening == 0 })
	return fixture{pool: pool, launcher: launcher, driver: driver}
}

func waitStats(t *testing.T, p *browser.Pool, cond func(browser.Stats) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(p.Stats()) }, 3*time.Second, 2*time.Millisecond)
}

func allFree(size int) func(browser.Stats) bool {
	return func(s browser.Stats) bool { return s.Free == size }
}

func TestAcquireNeverDoubleAssigns(t *testing.T) {
	f := newFixture(t, 3, nil)

	var (
		mu    sync.Mutex
		inUse = map[string]string{}
		wg    sync.WaitGroup
		fails = make(chan error, 40)
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req := string(rune('A' + i))
			id, err := f.pool.Acquire(ctx, req)
			if err != nil {
				fails <- err
				return
			}
			mu.Lock()
			if holder, busy := inUse[id]; busy {
				fails <- errors.New(id + " double assigned to " + holder + " and " + req)
			}
			inUse[id] = req
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			delete(inUse, id)
			mu.Unlock()
			if err := f.pool.Release(id); err != nil {
				fails <- err
			}
		}(i)
	}
	wg.Wait()
	close(fails)
	for err := range fails {
		t.Error(err)
	}
	waitStats(t, f.pool, allFree(3))
}

func TestAcquireTimesOutWithCapacityError(t *testing.T) {
	f := newFixture(t, 1, nil)
	_, err := f.pool.Acquire(context.Background(), "r1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.pool.Acquire(ctx, "r2")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindCapacity))
	assert.Equal(t, apperr.ReasonNoCapacity, apperr.CodeOf(err))
	assert.Zero(t, f.pool.Waiting())
}

func TestAcquireWaitersAreFIFO(t *testing.T) {
	f := newFixture(t, 1, nil)
	id, err := f.pool.Acquire(context.Background(), "holder")
	require.NoError(t, err)

	order := make(chan string, 2)
	acquire := func(req string) {
		got, err := f.pool.Acquire(context.Background(), req)
		if err == nil {
			order <- req
			_ = f.pool.Release(got)
		}
	}
	go acquire("first")
	require.Eventually(t, func() bool { return f.pool.Waiting() == 1 }, time.Second, time.Millisecond)
	go acquire("second")
	require.Eventually(t, func() bool { return f.pool.Waiting() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, f.pool.Release(id))
	assert.Equal(t, "first", <-order)
	assert.Equal(t, "second", <-order)
}

func TestProfileReopensClean(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()

	id, err := f.pool.Acquire(ctx, "r1")
	require.NoError(t, err)
	out := f.pool.RunScript(ctx, browser.Job{RequestID: "r1", ProfileID: id, Site: "example-mail", CredentialsRef: "cred_x"})
	require.Equal(t, browser.OutcomeSuccess, out.Kind, out.Detail)

	first := f.driver.Last()
	first.Disk.Set("marker", "run-1")
	require.NoError(t, f.pool.Release(id))
	waitStats(t, f.pool, allFree(1))
	assert.True(t, first.Closed())

	id2, err := f.pool.Acquire(ctx, "r2")
	require.NoError(t, err)
	out = f.pool.RunScript(ctx, browser.Job{RequestID: "r2", ProfileID: id2, Site: "example-mail", CredentialsRef: "cred_x"})
	require.Equal(t, browser.OutcomeSuccess, out.Kind)

	second := f.driver.Last()
	require.NotSame(t, first, second)
	_, leaked := second.Disk.Get("marker")
	assert.False(t, leaked, "state from the previous run survived the recycle")
	assert.Equal(t, 2, f.launcher.Launches(id))
}

func TestClearFailureMarksErrorBeforeRecycle(t *testing.T) {
	bus := events.NewSubject()
	defer events.Complete(bus)

	var (
		mu   sync.Mutex
		seen []browser.ProfileStatus
	)
	events.Subscribe(bus, events.TopicProfileStatus, func(_ context.Context, ev browser.ProfileEvent) error {
		mu.Lock()
		seen = append(seen, ev.Profile.Status)
		mu.Unlock()
		return nil
	})

	f := newFixture(t, 1, nil, browser.WithBus(bus))
	f.driver.ClearErr = errors.New("storage locked")

	ctx := context.Background()
	id, err := f.pool.Acquire(ctx, "r1")
	require.NoError(t, err)
	f.pool.RunScript(ctx, browser.Job{RequestID: "r1", ProfileID: id, Site: "example-mail", CredentialsRef: "cred_x"})
	require.NoError(t, f.pool.Release(id))
	waitStats(t, f.pool, allFree(1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == browser.StatusFree
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	tail := seen[len(seen)-4:]
	assert.Equal(t, []browser.ProfileStatus{browser.StatusClosing, browser.StatusError, browser.StatusOpening, browser.StatusFree}, tail)
}

func TestLaunchFailureRetriesOnceThenErrors(t *testing.T) {
	launcher := browsertest.NewLauncher()
	launcher.FailNext("profile-01", 2)

	registry, err := sites.NewRegistry()
	require.NoError(t, err)
	runner := browser.NewRunner(registry, browsertest.Credentials{}, nil, browser.RunnerConfig{})
	pool := browser.NewPool(browser.PoolConfig{Size: 1, BasePort: 9400, DataDir: t.TempDir(), RetryBackoff: time.Millisecond},
		launcher, browsertest.NewDriver(), runner)
	pool.Start()
	defer pool.Close()

	waitStats(t, pool, func(s browser.Stats) bool { return s.Error == 1 })
	p, err := pool.Get("profile-01")
	require.NoError(t, err)
	assert.Contains(t, p.LastError, "fake launch failure")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "r1")
	assert.True(t, apperr.IsKind(err, apperr.KindCapacity), "ERROR profiles are not handed out")

	assert.Equal(t, 1, pool.HealthCheck(context.Background()))
	waitStats(t, pool, allFree(1))
}

func TestHealthCheckRecyclesDeadBrowser(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.launcher.Kill("profile-02")

	assert.Equal(t, 1, f.pool.HealthCheck(context.Background()))
	waitStats(t, f.pool, allFree(2))
	assert.Equal(t, 2, f.launcher.Launches("profile-02"))
	assert.Equal(t, 1, f.launcher.Launches("profile-01"))
}

func TestOpensAreStaggered(t *testing.T) {
	f := newFixture(t, 3, func(c *browser.PoolConfig) { c.OpenStagger = 25 * time.Millisecond })
	times := f.launcher.LaunchTimes()
	require.Len(t, times, 3)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 20*time.Millisecond)
	}
}

func TestRecycleAndReleaseGuards(t *testing.T) {
	f := newFixture(t, 1, nil)

	assert.True(t, apperr.IsKind(f.pool.Release("profile-01"), apperr.KindInvalidTransition))
	assert.True(t, apperr.IsKind(f.pool.Release("nope"), apperr.KindNotFound))

	id, err := f.pool.Acquire(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, apperr.IsKind(f.pool.Recycle(id), apperr.KindInvalidTransition))
	require.NoError(t, f.pool.Release(id))
	waitStats(t, f.pool, allFree(1))

	require.NoError(t, f.pool.Recycle(id))
	waitStats(t, f.pool, allFree(1))
	assert.Equal(t, 3, f.launcher.Launches(id))
}

func TestResumeWithoutSessionIsLost(t *testing.T) {
	f := newFixture(t, 1, nil)
	id, err := f.pool.Acquire(context.Background(), "r1")
	require.NoError(t, err)

	out := f.pool.ResumeScript(context.Background(), browser.Job{
		RequestID: "r1", ProfileID: id, Site: "example-mail",
		Intervention: sites.OneTimeCode, Input: browser.InterventionInput{Code: "123456"},
	})
	assert.Equal(t, browser.OutcomeFailure, out.Kind)
	assert.Equal(t, apperr.ReasonSessionLost, out.Reason)

	out = f.pool.RunScript(context.Background(), browser.Job{RequestID: "other", ProfileID: id, Site: "example-mail"})
	assert.Equal(t, apperr.ReasonSessionLost, out.Reason)
}

func TestDriverOpenRetriedOnce(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()

	f.driver.FailOpens(1)
	id, err := f.pool.Acquire(ctx, "r1")
	require.NoError(t, err)
	out := f.pool.RunScript(ctx, browser.Job{RequestID: "r1", ProfileID: id, Site: "example-mail", CredentialsRef: "cred_x"})
	assert.Equal(t, browser.OutcomeSuccess, out.Kind)
	require.NoError(t, f.pool.Release(id))

	waitStats(t, f.pool, allFree(1))
	f.driver.FailOpens(2)
	id, err = f.pool.Acquire(ctx, "r2")
	require.NoError(t, err)
	out = f.pool.RunScript(ctx, browser.Job{RequestID: "r2", ProfileID: id, Site: "example-mail", CredentialsRef: "cred_x"})
	assert.Equal(t, apperr.ReasonDriver, out.Reason)
}

func TestCloseFailsWaiters(t *testing.T) {
	f := newFixture(t, 1, nil)
	_, err := f.pool.Acquire(context.Background(), "r1")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := f.pool.Acquire(context.Background(), "r2")
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.pool.Waiting() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, f.pool.Close())
	assert.True(t, apperr.IsKind(<-errc, apperr.KindCapacity))
}
