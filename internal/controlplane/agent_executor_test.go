package controlplane

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/browser"
)

func testJob() browser.Job {
	return browser.Job{RequestID: "req_1", ProfileID: "profile-0", Site: "example-mail", CredentialsRef: "vault://alice"}
}

// serveWorker answers every execute_command on ws with reply.
func serveWorker(ws *websocket.Conn, reply func(ExecuteCommandEvt) browser.Outcome) <-chan ExecuteCommandEvt {
	seen := make(chan ExecuteCommandEvt, 8)
	go func() {
		for {
			var f Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			if f.Type != EvtExecuteCommand {
				continue
			}
			var evt ExecuteCommandEvt
			if err := json.Unmarshal(f.Payload, &evt); err != nil {
				return
			}
			seen <- evt
			payload, _ := json.Marshal(CommandResultCmd{CommandID: evt.CommandID, Outcome: reply(evt)})
			if err := ws.WriteJSON(Frame{Type: CmdCommandResult, Payload: payload}); err != nil {
				return
			}
		}
	}()
	return seen
}

func TestAgentExecutorRoundTrip(t *testing.T) {
	hs := newHarness(t, Config{})
	worker := login(t, hs, "agent-1", auth.RoleWorker)
	require.NoError(t, worker.SetReadDeadline(time.Time{}))
	seen := serveWorker(worker, func(ExecuteCommandEvt) browser.Outcome { return browser.Success("signed in") })

	out := hs.hub.Agents().Execute(context.Background(), testJob())
	assert.Equal(t, browser.OutcomeSuccess, out.Kind)
	assert.Equal(t, "signed in", out.Summary)

	evt := <-seen
	assert.Equal(t, 9300, evt.ControlPort)
	assert.Equal(t, "req_1", evt.Job.RequestID)
	assert.Zero(t, hs.hub.Agents().InFlight())
}

func TestAgentExecutorWithoutWorkers(t *testing.T) {
	hs := newHarness(t, Config{})
	out := hs.hub.Agents().Execute(context.Background(), testJob())
	assert.Equal(t, browser.OutcomeFailure, out.Kind)
	assert.Equal(t, apperr.ReasonAgentUnavailable, out.Reason)
}

func TestAgentExecutorResumeNeedsOwner(t *testing.T) {
	hs := newHarness(t, Config{})
	job := testJob()
	job.Resume = true
	out := hs.hub.Agents().Execute(context.Background(), job)
	assert.Equal(t, apperr.ReasonSessionLost, out.Reason)
}

func TestAgentExecutorResumesOnSameWorker(t *testing.T) {
	hs := newHarness(t, Config{})
	first := login(t, hs, "agent-1", auth.RoleWorker)
	second := login(t, hs, "agent-2", auth.RoleWorker)
	require.NoError(t, first.SetReadDeadline(time.Time{}))
	require.NoError(t, second.SetReadDeadline(time.Time{}))

	onFirst := serveWorker(first, func(e ExecuteCommandEvt) browser.Outcome {
		if e.Job.Resume {
			return browser.Success("resumed")
		}
		return browser.InterventionNeeded("one_time_code")
	})
	onSecond := serveWorker(second, func(e ExecuteCommandEvt) browser.Outcome {
		if e.Job.Resume {
			return browser.Success("resumed")
		}
		return browser.InterventionNeeded("one_time_code")
	})

	out := hs.hub.Agents().Execute(context.Background(), testJob())
	require.Equal(t, browser.OutcomeIntervention, out.Kind)

	job := testJob()
	job.Resume = true
	out = hs.hub.Agents().Execute(context.Background(), job)
	require.Equal(t, browser.OutcomeSuccess, out.Kind)

	// Both commands went to whichever worker took the first one.
	got := len(onFirst) + len(onSecond)
	assert.Equal(t, 2, got)
	assert.True(t, len(onFirst) == 2 || len(onSecond) == 2)
}

func TestAgentExecutorWorkerDisconnect(t *testing.T) {
	hs := newHarness(t, Config{})
	worker := login(t, hs, "agent-1", auth.RoleWorker)

	done := make(chan browser.Outcome, 1)
	go func() { done <- hs.hub.Agents().Execute(context.Background(), testJob()) }()

	f := next(t, worker)
	require.Equal(t, EvtExecuteCommand, f.Type)
	worker.Close()

	select {
	case out := <-done:
		assert.Equal(t, apperr.ReasonSessionLost, out.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after the worker left")
	}
}

func TestAgentExecutorCancelAndTimeout(t *testing.T) {
	hs := newHarness(t, Config{CommandTimeout: 400 * time.Millisecond})
	worker := login(t, hs, "agent-1", auth.RoleWorker)

	job := testJob()
	job.Cancelled = func() bool { return true }
	done := make(chan browser.Outcome, 1)
	go func() { done <- hs.hub.Agents().Execute(context.Background(), job) }()

	f := next(t, worker)
	require.Equal(t, EvtExecuteCommand, f.Type)
	cmdID := decode[ExecuteCommandEvt](t, f).CommandID

	f = next(t, worker)
	require.Equal(t, EvtCancelCommand, f.Type)
	assert.Equal(t, cmdID, decode[CancelCommandEvt](t, f).CommandID)

	out := <-done
	assert.Equal(t, apperr.ReasonAgentTimeout, out.Reason)
}

func TestDeliverChecksSender(t *testing.T) {
	hs := newHarness(t, Config{})
	a := hs.hub.Agents()
	a.mu.Lock()
	a.pending["cmd_1"] = &pendingCommand{connID: "conn_a", ch: make(chan browser.Outcome, 1)}
	a.mu.Unlock()

	err := a.deliver("conn_b", &CommandResultCmd{CommandID: "cmd_1"})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
	assert.Equal(t, 1, a.InFlight())

	err = a.deliver("conn_a", &CommandResultCmd{CommandID: "cmd_1", Outcome: browser.Success("ok")})
	require.NoError(t, err)
	assert.Zero(t, a.InFlight())

	err = a.deliver("conn_a", &CommandResultCmd{CommandID: "cmd_1"})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestReleaseNotifiesOwner(t *testing.T) {
	hs := newHarness(t, Config{})
	worker := login(t, hs, "agent-1", auth.RoleWorker)
	require.NoError(t, worker.SetReadDeadline(time.Time{}))

	a := hs.hub.Agents()
	connID := hs.hub.Members(GroupWorkers)[0].ID
	a.mu.Lock()
	a.owners["profile-0"] = connID
	a.mu.Unlock()

	a.Release("profile-0", "req_1")
	f := next(t, worker)
	require.Equal(t, EvtReleaseProfile, f.Type)
	assert.Equal(t, "profile-0", decode[ReleaseProfileEvt](t, f).ProfileID)

	// A second release is a no-op.
	a.Release("profile-0", "req_1")
	silent(t, worker)
}
