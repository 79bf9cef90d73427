package svc

import (
	"context"
	"fmt"
	"time"

	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/browser"
	"github.com/neboloop/signon/internal/config"
	"github.com/neboloop/signon/internal/controlplane"
	"github.com/neboloop/signon/internal/credential"
	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/events"
	"github.com/neboloop/signon/internal/lifecycle"
	"github.com/neboloop/signon/internal/logging"
	"github.com/neboloop/signon/internal/metrics"
	"github.com/neboloop/signon/internal/scheduler"
	"github.com/neboloop/signon/internal/sites"
)

// ServiceContext owns every long-lived component of the server and the
// order they start and stop in.
type ServiceContext struct {
	Config  config.Config
	Version string

	Store     db.Store
	Bus       *events.Subject
	Metrics   *metrics.Metrics
	Sites     *sites.Registry
	Vault     *credential.Vault
	Pool      *browser.Pool
	Machine   *lifecycle.Machine
	Hub       *controlplane.Hub
	Scheduler *scheduler.Scheduler
	Verifier  *auth.Verifier

	subs       []events.Subscription
	playwright *browser.PlaywrightDriver
	ownsStore  bool
}

type Option func(*options)

type options struct {
	store     db.Store
	launcher  browser.Launcher
	driver    browser.Driver
	masterKey []byte
	version   string
}

// WithStore injects a store instead of opening the configured SQLite file.
func WithStore(s db.Store) Option { return func(o *options) { o.store = s } }

// WithBrowser overrides the launcher and driver chosen from config.
func WithBrowser(l browser.Launcher, d browser.Driver) Option {
	return func(o *options) { o.launcher, o.driver = l, d }
}

// WithMasterKey skips key lookup for the credential vault.
func WithMasterKey(key []byte) Option { return func(o *options) { o.masterKey = key } }

func WithVersion(v string) Option { return func(o *options) { o.version = v } }

func NewServiceContext(c config.Config, opts ...Option) (*ServiceContext, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.version == "" {
		o.version = "dev"
	}

	svc := &ServiceContext{
		Config:   c,
		Version:  o.version,
		Bus:      events.NewSubject(events.WithLogger(logging.Named("events"))),
		Verifier: auth.NewVerifier(c.Auth.AccessSecret, c.Auth.Issuer),
	}
	if c.Metrics.Enabled {
		svc.Metrics = metrics.New()
	}

	svc.Store = o.store
	if svc.Store == nil {
		store, err := db.NewSQLite(c.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		svc.Store = store
		svc.ownsStore = true
	}

	fail := func(err error) (*ServiceContext, error) {
		svc.Close()
		return nil, err
	}

	registry, err := sites.NewRegistry()
	if err != nil {
		return fail(fmt.Errorf("load site definitions: %w", err))
	}
	if c.Sites.Dir != "" {
		if err := registry.LoadDir(c.Sites.Dir); err != nil {
			return fail(fmt.Errorf("load site definitions: %w", err))
		}
	}
	svc.Sites = registry

	master := o.masterKey
	if master == nil {
		master, err = credential.LoadMasterKey(c.Vault.KeySource, c.Vault.KeyEnv)
		if err != nil {
			return fail(err)
		}
	}
	svc.Vault, err = credential.NewVault(svc.Store, master)
	if err != nil {
		return fail(err)
	}

	launcher, driver := o.launcher, o.driver
	if launcher == nil {
		launcher = svc.newLauncher()
	}
	if driver == nil {
		driver = svc.newDriver()
	}

	runner := browser.NewRunner(registry, svc.Vault, sites.SignatureDetector{}, browser.RunnerConfig{
		StepTimeout: c.Pool.StepTimeout,
		MaxRetries:  c.Pool.MaxStepRetries,
	})

	var hub *controlplane.Hub
	poolOpts := []browser.PoolOption{
		browser.WithStore(svc.Store),
		browser.WithBus(svc.Bus),
		browser.WithMetrics(svc.Metrics),
	}
	agentMode := c.Pool.Executor == "agent"
	if agentMode {
		poolOpts = append(poolOpts, browser.WithReleaseHook(func(profileID, requestID string) {
			hub.Agents().Release(profileID, requestID)
		}))
	}
	svc.Pool = browser.NewPool(browser.PoolConfig{
		Size:         c.Pool.Size,
		BasePort:     c.Pool.BasePort,
		DataDir:      c.Pool.DataDir,
		OpenStagger:  c.Pool.OpenStagger,
		RetryBackoff: c.Pool.RetryBackoff,
	}, launcher, driver, runner, poolOpts...)

	engine := &engineProxy{}
	hub = controlplane.NewHub(controlplane.Config{
		AuthGrace:      c.ControlPlane.AuthGrace,
		PingInterval:   c.ControlPlane.PingInterval,
		WriteWait:      c.ControlPlane.WriteWait,
		MaxMissedPongs: c.ControlPlane.MaxMissedPongs,
		SendBuffer:     c.ControlPlane.SendBuffer,
		MaxMessageSize: c.ControlPlane.MaxMessageSize,
		AllowedOrigins: c.ControlPlane.AllowedOrigins,
		CommandTimeout: c.ControlPlane.CommandTimeout,
	}, svc.Verifier, engine, svc.Pool, controlplane.WithStore(svc.Store), controlplane.WithMetrics(svc.Metrics))
	svc.Hub = hub

	var exec lifecycle.Executor = svc.Pool
	if agentMode {
		exec = hub.Agents()
	}
	svc.Machine = lifecycle.NewMachine(lifecycle.Config{
		PendingTTL:              c.Lifecycle.PendingTTL,
		InterventionTTL:         c.Lifecycle.InterventionTTL,
		QueueTimeout:            c.Lifecycle.QueueTimeout,
		MaxInterventionAttempts: c.Lifecycle.MaxInterventionAttempts,
	}, svc.Pool, exec, registry,
		lifecycle.WithStore(svc.Store),
		lifecycle.WithBus(svc.Bus),
		lifecycle.WithMetrics(svc.Metrics))
	engine.Machine = svc.Machine

	svc.subs = hub.Subscribe(svc.Bus)

	svc.Scheduler, err = scheduler.New(scheduler.Config{
		SweepSchedule:  c.Lifecycle.SweepSchedule,
		HealthSchedule: c.Pool.HealthSchedule,
		GCSchedule:     c.Lifecycle.GCSchedule,
		Retention:      c.Lifecycle.Retention,
	}, svc.Machine, svc.Pool, svc.Store)
	if err != nil {
		return fail(err)
	}
	return svc, nil
}

// engineProxy breaks the construction cycle between the hub and the
// machine: the hub is built first and the machine plugged in afterwards.
type engineProxy struct {
	*lifecycle.Machine
}

func (svc *ServiceContext) newLauncher() browser.Launcher {
	if svc.Config.Pool.Executor == "agent" {
		return browser.ExternalLauncher{}
	}
	return browser.NewChromeLauncher(browser.LauncherConfig{
		ExecutablePath: svc.Config.Pool.ExecutablePath,
		Headless:       svc.Config.Pool.Headless,
		NoSandbox:      svc.Config.Pool.NoSandbox,
		LaunchTimeout:  svc.Config.Pool.LaunchTimeout,
	})
}

func (svc *ServiceContext) newDriver() browser.Driver {
	if svc.Config.Pool.Driver == "playwright" {
		svc.playwright = &browser.PlaywrightDriver{}
		return svc.playwright
	}
	return browser.CDPDriver{}
}

// Start recovers persisted requests, opens the pool and starts the
// scheduler.
func (svc *ServiceContext) Start(ctx context.Context) error {
	n, err := svc.Machine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover requests: %w", err)
	}
	if n > 0 {
		logging.Infof("Recovered %d requests from the store", n)
	}
	svc.Pool.Start()
	svc.Scheduler.Start()
	return nil
}

// WatchSites reloads site definitions on change until ctx ends. It returns
// at once when no directory is configured.
func (svc *ServiceContext) WatchSites(ctx context.Context) error {
	if svc.Config.Sites.Dir == "" || !svc.Config.Sites.Watch {
		return nil
	}
	return svc.Sites.Watch(ctx, svc.Config.Sites.Dir)
}

// Close stops components in reverse dependency order.
func (svc *ServiceContext) Close() {
	if svc.Scheduler != nil {
		svc.Scheduler.Stop()
	}
	if svc.Hub != nil {
		_ = svc.Hub.Close()
	}
	if svc.Machine != nil {
		_ = svc.Machine.Close()
	}
	if svc.Pool != nil {
		_ = svc.Pool.Close()
	}
	for _, s := range svc.subs {
		if s.Unsubscribe != nil {
			s.Unsubscribe()
		}
	}
	if svc.Bus != nil {
		events.Complete(svc.Bus)
	}
	if svc.playwright != nil {
		_ = svc.playwright.Shutdown()
	}
	if svc.ownsStore && svc.Store != nil {
		_ = svc.Store.Close()
	}
}

// RecordCommand writes an HTTP-originated command to the command audit log.
func (svc *ServiceContext) RecordCommand(ctx context.Context, p auth.Principal, role auth.Role, command, requestID string, cmdErr error) {
	entry := db.CommandAudit{
		ConnectionID: "http",
		PrincipalID:  p.ID,
		Role:         string(role),
		Command:      command,
		RequestID:    requestID,
		Accepted:     cmdErr == nil,
		CreatedAt:    time.Now().UTC(),
	}
	if cmdErr != nil {
		entry.Detail = cmdErr.Error()
	}
	if err := svc.Store.AppendCommandAudit(ctx, entry); err != nil {
		logging.Warnf("command audit write failed: %v", err)
	}
	svc.Metrics.Command(command, cmdErr == nil)
}
