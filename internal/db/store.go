package db

import (
	"context"
	"encoding/json"
	"time"
)

// RequestRecord is the persisted form of an automation request.
type RequestRecord struct {
	ID                   string            `json:"id"`
	RequesterID          string            `json:"requester_id"`
	TargetSite           string            `json:"target_site"`
	CredentialsRef       string            `json:"credentials_ref"`
	RequesterMeta        map[string]string `json:"requester_meta,omitempty"`
	Status               string            `json:"status"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	ExpiresAt            time.Time         `json:"expires_at"`
	AssignedProfileID    string            `json:"assigned_profile_id,omitempty"`
	InterventionType     string            `json:"intervention_type,omitempty"`
	InterventionAttempts int               `json:"intervention_attempts"`
	ResultSummary        string            `json:"result_summary,omitempty"`
	Reason               string            `json:"reason,omitempty"`
	Audit                json.RawMessage   `json:"audit,omitempty"`
}

// RequestFilter narrows ScanRequests. Zero values match everything.
type RequestFilter struct {
	Statuses      []string
	RequesterID   string
	UpdatedBefore time.Time
	Limit         int
}

// ProfileRecord mirrors the pool's view of one profile slot.
type ProfileRecord struct {
	ID               string    `json:"id"`
	ControlPort      int       `json:"control_port"`
	Status           string    `json:"status"`
	CurrentRequestID string    `json:"current_request_id,omitempty"`
	LastUsedAt       time.Time `json:"last_used_at"`
	LastError        string    `json:"last_error,omitempty"`
}

// CommandAudit records one inbound control-plane command.
type CommandAudit struct {
	ID           int64     `json:"id"`
	ConnectionID string    `json:"connection_id"`
	PrincipalID  string    `json:"principal_id"`
	Role         string    `json:"role"`
	Command      string    `json:"command"`
	RequestID    string    `json:"request_id,omitempty"`
	Accepted     bool      `json:"accepted"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CredentialRecord holds a sealed credential blob addressed by its ref.
type CredentialRecord struct {
	Ref       string    `json:"ref"`
	Site      string    `json:"site"`
	Sealed    []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the durable keyed storage the engine depends on.
type Store interface {
	PutRequest(ctx context.Context, r RequestRecord) error
	GetRequest(ctx context.Context, id string) (RequestRecord, error)
	ScanRequests(ctx context.Context, f RequestFilter) ([]RequestRecord, error)
	DeleteRequests(ctx context.Context, statuses []string, updatedBefore time.Time) (int64, error)

	PutProfile(ctx context.Context, p ProfileRecord) error
	ListProfiles(ctx context.Context) ([]ProfileRecord, error)

	AppendCommandAudit(ctx context.Context, a CommandAudit) error
	ListCommandAudit(ctx context.Context, requestID string, limit int) ([]CommandAudit, error)

	PutCredential(ctx context.Context, c CredentialRecord) error
	GetCredential(ctx context.Context, ref string) (CredentialRecord, error)

	Close() error
}

func matchStatus(statuses []string, s string) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if want == s {
			return true
		}
	}
	return false
}
