package controlplane

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/browser"
	"github.com/neboloop/signon/internal/lifecycle"
	"github.com/neboloop/signon/internal/sites"
)

// Frame is the envelope for every message in both directions. ID
// correlates a reply with the command that caused it.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound command names.
const (
	CmdAuthenticate     = "authenticate"
	CmdResync           = "resync"
	CmdSubmit           = "submit"
	CmdIntervention     = "intervention"
	CmdOperatorDecision = "operator_decision"
	CmdCancel           = "cancel"
	CmdRecycleProfile   = "recycle_profile"
	CmdCommandResult    = "command_result"
)

// Outbound event names.
const (
	EvtAuthenticated  = "authenticated"
	EvtAck            = "ack"
	EvtError          = "error"
	EvtStatusChange   = "status_change"
	EvtProfileStatus  = "profile_status"
	EvtSnapshot       = "snapshot"
	EvtExecuteCommand = "execute_command"
	EvtCancelCommand  = "cancel_command"
	EvtReleaseProfile = "release_profile"
)

// Command is the closed set of inbound payloads.
type Command interface {
	Name() string
}

type AuthenticateCmd struct {
	Token string    `json:"token"`
	Role  auth.Role `json:"role"`
}

// ResyncCmd asks for a snapshot. An empty RequestID means "everything I
// may see".
type ResyncCmd struct {
	RequestID string `json:"request_id,omitempty"`
}

type SubmitCmd struct {
	TargetSite     string            `json:"target_site"`
	CredentialsRef string            `json:"credentials_ref"`
	RequesterMeta  map[string]string `json:"requester_meta,omitempty"`
}

type InterventionCmd struct {
	RequestID string                        `json:"request_id"`
	Payload   lifecycle.InterventionPayload `json:"payload"`
	Attempt   int                           `json:"attempt,omitempty"`
}

// InterventionAck answers an intervention in the requester's coarse terms.
type InterventionAck struct {
	Success           bool   `json:"success"`
	Status            string `json:"status"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

type OperatorDecisionCmd struct {
	RequestID    string                 `json:"request_id"`
	Action       lifecycle.Action       `json:"action"`
	Reason       string                 `json:"reason,omitempty"`
	Intervention sites.InterventionType `json:"intervention_type,omitempty"`
}

type CancelCmd struct {
	RequestID string `json:"request_id"`
}

type RecycleProfileCmd struct {
	ProfileID string `json:"profile_id"`
}

// CommandResultCmd is a worker agent reporting a finished run.
type CommandResultCmd struct {
	CommandID string          `json:"command_id"`
	Outcome   browser.Outcome `json:"outcome"`
}

func (AuthenticateCmd) Name() string     { return CmdAuthenticate }
func (ResyncCmd) Name() string           { return CmdResync }
func (SubmitCmd) Name() string           { return CmdSubmit }
func (InterventionCmd) Name() string     { return CmdIntervention }
func (OperatorDecisionCmd) Name() string { return CmdOperatorDecision }
func (CancelCmd) Name() string           { return CmdCancel }
func (RecycleProfileCmd) Name() string   { return CmdRecycleProfile }
func (CommandResultCmd) Name() string    { return CmdCommandResult }

// commandRoles is the authorization table. authenticate is handled before
// any role is bound.
var commandRoles = map[string][]auth.Role{
	CmdResync:           {auth.RoleRequester, auth.RoleOperator},
	CmdSubmit:           {auth.RoleRequester},
	CmdIntervention:     {auth.RoleRequester},
	CmdOperatorDecision: {auth.RoleOperator},
	CmdCancel:           {auth.RoleOperator},
	CmdRecycleProfile:   {auth.RoleOperator},
	CmdCommandResult:    {auth.RoleWorker},
}

func allowed(cmd string, role auth.Role) bool {
	for _, r := range commandRoles[cmd] {
		if r == role {
			return true
		}
	}
	return false
}

// DecodeCommand turns a frame into its typed command.
func DecodeCommand(f Frame) (Command, error) {
	var cmd Command
	switch f.Type {
	case CmdAuthenticate:
		cmd = &AuthenticateCmd{}
	case CmdResync:
		cmd = &ResyncCmd{}
	case CmdSubmit:
		cmd = &SubmitCmd{}
	case CmdIntervention:
		cmd = &InterventionCmd{}
	case CmdOperatorDecision:
		cmd = &OperatorDecisionCmd{}
	case CmdCancel:
		cmd = &CancelCmd{}
	case CmdRecycleProfile:
		cmd = &RecycleProfileCmd{}
	case CmdCommandResult:
		cmd = &CommandResultCmd{}
	default:
		return nil, fmt.Errorf("unknown command %q", f.Type)
	}
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, cmd); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
	}
	return cmd, nil
}

// Event is the closed set of outbound payloads.
type Event interface {
	EventType() string
}

type AuthenticatedEvt struct {
	ConnectionID string    `json:"connection_id"`
	Role         auth.Role `json:"role"`
	PrincipalID  string    `json:"principal_id"`
}

type AckEvt struct {
	Command string `json:"command"`
	Result  any    `json:"result,omitempty"`
}

type ErrorEvt struct {
	Command string `json:"command,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusChangeEvt is the operator form of a transition.
type StatusChangeEvt struct {
	RequestID string            `json:"request_id"`
	From      lifecycle.Status  `json:"from,omitempty"`
	To        lifecycle.Status  `json:"to"`
	Actor     string            `json:"actor"`
	Reason    string            `json:"reason,omitempty"`
	At        time.Time         `json:"at"`
	Request   lifecycle.Request `json:"request"`
}

// RequesterStatusEvt is the coarse form sent to requesters.
type RequesterStatusEvt struct {
	lifecycle.RequesterView
	At time.Time `json:"at"`
}

type ProfileStatusEvt struct {
	Profile browser.Profile `json:"profile"`
	At      time.Time       `json:"at"`
}

type SnapshotEvt struct {
	Requests []lifecycle.Request       `json:"requests,omitempty"`
	Views    []lifecycle.RequesterView `json:"views,omitempty"`
	Profiles []browser.Profile         `json:"profiles,omitempty"`
}

// ExecuteCommandEvt asks a worker agent to run a job against the browser
// listening on ControlPort.
type ExecuteCommandEvt struct {
	CommandID   string      `json:"command_id"`
	ControlPort int         `json:"control_port"`
	Job         browser.Job `json:"job"`
}

type CancelCommandEvt struct {
	CommandID string `json:"command_id"`
}

type ReleaseProfileEvt struct {
	ProfileID string `json:"profile_id"`
	RequestID string `json:"request_id,omitempty"`
}

func (AuthenticatedEvt) EventType() string   { return EvtAuthenticated }
func (AckEvt) EventType() string             { return EvtAck }
func (ErrorEvt) EventType() string           { return EvtError }
func (StatusChangeEvt) EventType() string    { return EvtStatusChange }
func (RequesterStatusEvt) EventType() string { return EvtStatusChange }
func (ProfileStatusEvt) EventType() string   { return EvtProfileStatus }
func (SnapshotEvt) EventType() string        { return EvtSnapshot }
func (ExecuteCommandEvt) EventType() string  { return EvtExecuteCommand }
func (CancelCommandEvt) EventType() string   { return EvtCancelCommand }
func (ReleaseProfileEvt) EventType() string  { return EvtReleaseProfile }

// EncodeEvent wraps an event in a frame.
func EncodeEvent(id string, e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: e.EventType(), ID: id, Payload: payload})
}
