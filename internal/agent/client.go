// Package agent is the worker side of the control plane. A worker agent
// owns the browser processes, runs site scripts on them when the server
// sends execute_command and reports each outcome with command_result.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/browser"
	"github.com/neboloop/signon/internal/controlplane"
	"github.com/neboloop/signon/internal/logging"
)

type Config struct {
	ServerURL    string
	Token        string
	DataDir      string
	WriteWait    time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// ErrAuthRejected stops Run: retrying a refused token cannot succeed.
var ErrAuthRejected = errors.New("control plane rejected the worker token")

type session struct {
	inst *browser.Instance
	page browser.Page
}

type command struct {
	cancelled atomic.Bool
}

// Client keeps one connection to the control plane and reconnects with
// backoff until its context ends.
type Client struct {
	cfg      Config
	launcher browser.Launcher
	driver   browser.Driver
	runner   *browser.Runner
	log      *zap.Logger

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu       sync.Mutex
	sessions map[string]*session
	commands map[string]*command

	wg sync.WaitGroup
}

func New(cfg Config, launcher browser.Launcher, driver browser.Driver, runner *browser.Runner) *Client {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		launcher: launcher,
		driver:   driver,
		runner:   runner,
		log:      logging.Named("agent"),
		sessions: make(map[string]*session),
		commands: make(map[string]*command),
	}
}

// WebSocketURL turns an http(s) base URL into the control plane endpoint.
func WebSocketURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

// Run connects and serves until ctx is cancelled or the token is refused.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()

	backoff := c.cfg.ReconnectMin
	for {
		started := time.Now()
		err := c.connectAndServe(ctx)
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		// The server failed every in-flight run when the connection dropped.
		c.dropSessions()

		if time.Since(started) > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMin
		}
		c.log.Warn("control plane connection lost", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, WebSocketURL(c.cfg.ServerURL), nil)
	if err != nil {
		return fmt.Errorf("dial control plane: %w", err)
	}
	defer ws.Close()

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping"), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
	})
	defer stop()

	if err := c.authenticate(ws); err != nil {
		return err
	}
	c.log.Info("connected to control plane", zap.String("url", WebSocketURL(c.cfg.ServerURL)))

	for {
		var f controlplane.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}
		c.handle(ctx, f)
	}
}

func (c *Client) authenticate(ws *websocket.Conn) error {
	if err := c.send(controlplane.CmdAuthenticate, "auth", controlplane.AuthenticateCmd{Token: c.cfg.Token, Role: auth.RoleWorker}); err != nil {
		return err
	}
	var f controlplane.Frame
	if err := ws.ReadJSON(&f); err != nil {
		return err
	}
	switch f.Type {
	case controlplane.EvtAuthenticated:
		return nil
	case controlplane.EvtError:
		var e controlplane.ErrorEvt
		_ = json.Unmarshal(f.Payload, &e)
		return fmt.Errorf("%w: %s", ErrAuthRejected, e.Message)
	default:
		return fmt.Errorf("unexpected %q before authentication completed", f.Type)
	}
}

func (c *Client) send(typ, id string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return errors.New("not connected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteJSON(controlplane.Frame{Type: typ, ID: id, Payload: raw})
}

func (c *Client) handle(ctx context.Context, f controlplane.Frame) {
	switch f.Type {
	case controlplane.EvtExecuteCommand:
		var evt controlplane.ExecuteCommandEvt
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			c.log.Warn("malformed execute_command", zap.Error(err))
			return
		}
		cmd := &command{}
		c.mu.Lock()
		c.commands[evt.CommandID] = cmd
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.execute(ctx, evt, cmd)
		}()

	case controlplane.EvtCancelCommand:
		var evt controlplane.CancelCommandEvt
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			return
		}
		c.mu.Lock()
		if cmd, ok := c.commands[evt.CommandID]; ok {
			cmd.cancelled.Store(true)
		}
		c.mu.Unlock()

	case controlplane.EvtReleaseProfile:
		var evt controlplane.ReleaseProfileEvt
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			return
		}
		c.release(evt.ProfileID)

	case controlplane.EvtError:
		var e controlplane.ErrorEvt
		_ = json.Unmarshal(f.Payload, &e)
		c.log.Warn("control plane refused a frame", zap.String("command", e.Command), zap.String("code", e.Code), zap.String("message", e.Message))

	default:
		c.log.Debug("frame ignored", zap.String("type", f.Type))
	}
}

func (c *Client) execute(ctx context.Context, evt controlplane.ExecuteCommandEvt, cmd *command) {
	defer func() {
		c.mu.Lock()
		delete(c.commands, evt.CommandID)
		c.mu.Unlock()
	}()

	evt.Job.Cancelled = cmd.cancelled.Load
	log := c.log.With(zap.String("command", evt.CommandID), zap.String("request", logging.Ref(evt.Job.RequestID)), zap.String("profile", evt.Job.ProfileID))

	out := c.runOnce(ctx, evt)
	log.Info("run finished", zap.String("outcome", string(out.Kind)), zap.String("reason", out.Reason))

	if err := c.send(controlplane.CmdCommandResult, evt.CommandID, controlplane.CommandResultCmd{CommandID: evt.CommandID, Outcome: out}); err != nil {
		log.Warn("result not delivered", zap.Error(err))
	}
}

func (c *Client) runOnce(ctx context.Context, evt controlplane.ExecuteCommandEvt) browser.Outcome {
	page, out, ok := c.pageFor(ctx, evt)
	if !ok {
		return out
	}
	return c.runner.Run(ctx, page, evt.Job)
}

// pageFor returns the page for a run: the paused one on resume, a freshly
// launched browser otherwise.
func (c *Client) pageFor(ctx context.Context, evt controlplane.ExecuteCommandEvt) (browser.Page, browser.Outcome, bool) {
	profileID := evt.Job.ProfileID
	c.mu.Lock()
	s, ok := c.sessions[profileID]
	c.mu.Unlock()

	if evt.Job.Resume {
		if !ok {
			return nil, browser.Failure(apperr.ReasonSessionLost, "no open session to resume"), false
		}
		return s.page, browser.Outcome{}, true
	}
	if ok {
		c.release(profileID)
	}

	slot := browser.Slot{
		ProfileID:   profileID,
		ControlPort: evt.ControlPort,
		DataDir:     filepath.Join(c.cfg.DataDir, profileID),
	}
	inst, err := c.launcher.Launch(ctx, slot)
	if err != nil {
		return nil, browser.Failure(apperr.ReasonDriver, err.Error()), false
	}
	page, err := c.driver.Open(ctx, inst)
	if err != nil {
		_ = c.launcher.Stop(inst)
		return nil, browser.Failure(apperr.ReasonDriver, err.Error()), false
	}

	c.mu.Lock()
	c.sessions[profileID] = &session{inst: inst, page: page}
	c.mu.Unlock()
	return page, browser.Outcome{}, true
}

// release tears down the browser for profileID, if any.
func (c *Client) release(profileID string) {
	c.mu.Lock()
	s, ok := c.sessions[profileID]
	delete(c.sessions, profileID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := s.page.Close(); err != nil {
		c.log.Debug("page close", zap.String("profile", profileID), zap.Error(err))
	}
	if err := c.launcher.Stop(s.inst); err != nil {
		c.log.Warn("browser stop", zap.String("profile", profileID), zap.Error(err))
	}
}

// Sessions is the number of browsers currently held.
func (c *Client) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Client) dropSessions() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	for _, cmd := range c.commands {
		cmd.cancelled.Store(true)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.release(id)
	}
}

func (c *Client) shutdown() {
	c.dropSessions()
	c.wg.Wait()
	c.dropSessions()
}
