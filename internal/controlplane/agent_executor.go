package controlplane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/browser"
)

const cancelPollInterval = 200 * time.Millisecond

// pendingCommand tracks one execute_command awaiting its command_result.
type pendingCommand struct {
	connID    string
	profileID string
	ch        chan browser.Outcome
}

// AgentExecutor runs jobs on connected worker agents. A profile stays with
// the agent that first ran it until the pool releases it, so a resumed run
// lands on the browser that raised the intervention.
type AgentExecutor struct {
	hub     *Hub
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCommand
	owners  map[string]string
	next    int
}

func newAgentExecutor(h *Hub, timeout time.Duration) *AgentExecutor {
	return &AgentExecutor{
		hub:     h,
		timeout: timeout,
		pending: make(map[string]*pendingCommand),
		owners:  make(map[string]string),
	}
}

// Execute sends the job to a worker and waits for its result, the command
// timeout or ctx, whichever comes first.
func (a *AgentExecutor) Execute(ctx context.Context, job browser.Job) browser.Outcome {
	connID, out, ok := a.pick(job)
	if !ok {
		return out
	}

	id := "cmd_" + uuid.NewString()
	pc := &pendingCommand{connID: connID, profileID: job.ProfileID, ch: make(chan browser.Outcome, 1)}
	a.mu.Lock()
	a.pending[id] = pc
	a.owners[job.ProfileID] = connID
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	evt := ExecuteCommandEvt{CommandID: id, ControlPort: a.controlPort(job.ProfileID), Job: job}
	if a.hub.Dispatch(ToConn(connID), id, evt) == 0 {
		return browser.Failure(apperr.ReasonAgentUnavailable, "worker agent did not accept the command")
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	poll := time.NewTicker(cancelPollInterval)
	defer poll.Stop()
	cancelSent := false

	for {
		select {
		case out := <-pc.ch:
			return out
		case <-poll.C:
			if !cancelSent && job.Cancelled != nil && job.Cancelled() {
				cancelSent = true
				a.hub.Dispatch(ToConn(connID), id, CancelCommandEvt{CommandID: id})
			}
		case <-timer.C:
			a.hub.Dispatch(ToConn(connID), id, CancelCommandEvt{CommandID: id})
			return browser.Failure(apperr.ReasonAgentTimeout, fmt.Sprintf("no result within %s", a.timeout))
		case <-ctx.Done():
			a.hub.Dispatch(ToConn(connID), id, CancelCommandEvt{CommandID: id})
			return browser.Failure(apperr.ReasonInterrupted, ctx.Err().Error())
		}
	}
}

// pick chooses the worker for job: the profile's owner on resume, the next
// worker in rotation otherwise.
func (a *AgentExecutor) pick(job browser.Job) (string, browser.Outcome, bool) {
	a.mu.Lock()
	owner, owned := a.owners[job.ProfileID]
	a.mu.Unlock()

	if job.Resume {
		if !owned || a.hub.Conn(owner) == nil {
			return "", browser.Failure(apperr.ReasonSessionLost, "worker holding the session disconnected"), false
		}
		return owner, browser.Outcome{}, true
	}
	if owned && a.hub.Conn(owner) != nil {
		return owner, browser.Outcome{}, true
	}

	workers := a.hub.Members(GroupWorkers)
	live := workers[:0]
	for _, c := range workers {
		if !c.Closed() {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return "", browser.Failure(apperr.ReasonAgentUnavailable, "no worker agent connected"), false
	}
	a.mu.Lock()
	c := live[a.next%len(live)]
	a.next++
	a.mu.Unlock()
	return c.ID, browser.Outcome{}, true
}

func (a *AgentExecutor) controlPort(profileID string) int {
	for _, p := range a.hub.profiles.Profiles() {
		if p.ID == profileID {
			return p.ControlPort
		}
	}
	return 0
}

// deliver routes a command_result to its waiting Execute. Results from a
// connection other than the one the command was sent to are refused.
func (a *AgentExecutor) deliver(connID string, res *CommandResultCmd) error {
	a.mu.Lock()
	pc, ok := a.pending[res.CommandID]
	if ok && pc.connID == connID {
		delete(a.pending, res.CommandID)
	}
	a.mu.Unlock()

	if !ok {
		return apperr.NotFound("command %s is not pending", res.CommandID)
	}
	if pc.connID != connID {
		return apperr.Forbidden("command %s was sent to another worker", res.CommandID)
	}
	pc.ch <- res.Outcome
	return nil
}

// Release tells the owning worker to tear down its browser for profileID.
// Installed as the pool's release hook.
func (a *AgentExecutor) Release(profileID, requestID string) {
	a.mu.Lock()
	owner, ok := a.owners[profileID]
	delete(a.owners, profileID)
	a.mu.Unlock()
	if !ok {
		return
	}
	a.hub.Dispatch(ToConn(owner), "", ReleaseProfileEvt{ProfileID: profileID, RequestID: requestID})
}

// dropConn fails every command in flight on a departed worker.
func (a *AgentExecutor) dropConn(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, pc := range a.pending {
		if pc.connID != connID {
			continue
		}
		delete(a.pending, id)
		pc.ch <- browser.Failure(apperr.ReasonSessionLost, "worker agent disconnected")
	}
	for profileID, owner := range a.owners {
		if owner == connID {
			delete(a.owners, profileID)
		}
	}
}

// InFlight is the number of commands awaiting a result.
func (a *AgentExecutor) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
