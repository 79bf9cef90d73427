// Package lifecycle owns the canonical state of every automation request.
// It is the only place a request's status changes.
package lifecycle

import (
	"encoding/json"
	"time"

	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/sites"
)

// Status is a request's position in the lifecycle.
type Status string

const (
	StatusPendingReview        Status = "PENDING_REVIEW"
	StatusInterventionRequired Status = "INTERVENTION_REQUIRED"
	StatusApproved             Status = "APPROVED"
	StatusProcessing           Status = "PROCESSING"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusRejected             Status = "REJECTED"
	StatusExpired              Status = "EXPIRED"
)

// edges lists every legal transition. APPROVED→FAILED covers queue timeout,
// cancellation and restart recovery; PROCESSING→INTERVENTION_REQUIRED is a
// worker raising an intervention mid-run.
var edges = map[Status][]Status{
	StatusPendingReview:        {StatusApproved, StatusRejected, StatusInterventionRequired, StatusExpired},
	StatusInterventionRequired: {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved:             {StatusProcessing, StatusFailed},
	StatusProcessing:           {StatusCompleted, StatusFailed, StatusInterventionRequired},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Waiting reports whether the TTL is enforced in this status.
func (s Status) Waiting() bool {
	return s == StatusPendingReview || s == StatusInterventionRequired
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingReview, StatusInterventionRequired, StatusApproved, StatusProcessing,
		StatusCompleted, StatusFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Coarse states shown to requesters.
const (
	CoarsePending   = "pending"
	CoarseNeedsCode = "needs_code"
	CoarseApproved  = "approved"
	CoarseCompleted = "completed"
	CoarseFailed    = "failed"
	CoarseExpired   = "expired"
)

// Coarse maps a status to what a requester is allowed to see.
func Coarse(s Status) string {
	switch s {
	case StatusPendingReview:
		return CoarsePending
	case StatusInterventionRequired:
		return CoarseNeedsCode
	case StatusApproved, StatusProcessing:
		return CoarseApproved
	case StatusCompleted:
		return CoarseCompleted
	case StatusExpired:
		return CoarseExpired
	default:
		return CoarseFailed
	}
}

// Actors recorded in audit entries for system-driven transitions.
const (
	ActorSystem  = "system"
	ActorSweeper = "ttl-sweep"
)

// AuditEntry is one immutable transition record.
type AuditEntry struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Request is the operator-facing view of an automation request.
type Request struct {
	ID                   string                 `json:"request_id"`
	RequesterID          string                 `json:"requester_id"`
	TargetSite           string                 `json:"target_site"`
	CredentialsRef       string                 `json:"credentials_ref"`
	RequesterMeta        map[string]string      `json:"requester_meta,omitempty"`
	Status               Status                 `json:"status"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
	ExpiresAt            time.Time              `json:"expires_at"`
	AssignedProfileID    string                 `json:"assigned_profile_id,omitempty"`
	InterventionType     sites.InterventionType `json:"intervention_type,omitempty"`
	InterventionAttempts int                    `json:"intervention_attempts"`
	ResultSummary        string                 `json:"result_summary,omitempty"`
	Reason               string                 `json:"reason,omitempty"`
	AuditTrail           []AuditEntry           `json:"audit_trail"`
}

func (r Request) clone() Request {
	r.AuditTrail = append([]AuditEntry(nil), r.AuditTrail...)
	if r.RequesterMeta != nil {
		meta := make(map[string]string, len(r.RequesterMeta))
		for k, v := range r.RequesterMeta {
			meta[k] = v
		}
		r.RequesterMeta = meta
	}
	return r
}

// ExpiresIn is the remaining TTL, zero outside waiting states.
func (r Request) ExpiresIn(now time.Time) time.Duration {
	if !r.Status.Waiting() || !now.Before(r.ExpiresAt) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// RequesterView is the coarse projection sent to requesters. It never
// carries reason codes or driver detail.
type RequesterView struct {
	RequestID        string                 `json:"request_id"`
	Status           string                 `json:"status"`
	Message          string                 `json:"message,omitempty"`
	InterventionType sites.InterventionType `json:"intervention_type,omitempty"`
	ExpiresIn        int                    `json:"expires_in,omitempty"`
}

func (r Request) View(now time.Time) RequesterView {
	v := RequesterView{
		RequestID: r.ID,
		Status:    Coarse(r.Status),
		ExpiresIn: int(r.ExpiresIn(now).Seconds()),
	}
	switch r.Status {
	case StatusPendingReview:
		v.Message = "waiting for operator review"
	case StatusInterventionRequired:
		v.InterventionType = r.InterventionType
		if r.InterventionType == sites.Challenge {
			v.Message = "a challenge answer is required"
		} else {
			v.Message = "a verification code is required"
		}
	case StatusApproved:
		v.Message = "approved, waiting for a worker"
	case StatusProcessing:
		v.Message = "signing in"
	case StatusCompleted:
		v.Message = "signed in"
	case StatusExpired:
		v.Message = "request expired"
	default:
		v.Message = "request could not be completed"
	}
	return v
}

// Transition is published on events.TopicRequestTransition after every
// status change. From is empty for a newly submitted request.
type Transition struct {
	Request Request
	From    Status
	To      Status
	Actor   string
	Reason  string
	At      time.Time
}

func toRecord(r Request) (db.RequestRecord, error) {
	audit, err := json.Marshal(r.AuditTrail)
	if err != nil {
		return db.RequestRecord{}, err
	}
	return db.RequestRecord{
		ID:                   r.ID,
		RequesterID:          r.RequesterID,
		TargetSite:           r.TargetSite,
		CredentialsRef:       r.CredentialsRef,
		RequesterMeta:        r.RequesterMeta,
		Status:               string(r.Status),
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
		ExpiresAt:            r.ExpiresAt,
		AssignedProfileID:    r.AssignedProfileID,
		InterventionType:     string(r.InterventionType),
		InterventionAttempts: r.InterventionAttempts,
		ResultSummary:        r.ResultSummary,
		Reason:               r.Reason,
		Audit:                audit,
	}, nil
}

func fromRecord(rec db.RequestRecord) (Request, error) {
	r := Request{
		ID:                   rec.ID,
		RequesterID:          rec.RequesterID,
		TargetSite:           rec.TargetSite,
		CredentialsRef:       rec.CredentialsRef,
		RequesterMeta:        rec.RequesterMeta,
		Status:               Status(rec.Status),
		CreatedAt:            rec.CreatedAt,
		UpdatedAt:            rec.UpdatedAt,
		ExpiresAt:            rec.ExpiresAt,
		AssignedProfileID:    rec.AssignedProfileID,
		InterventionType:     sites.InterventionType(rec.InterventionType),
		InterventionAttempts: rec.InterventionAttempts,
		ResultSummary:        rec.ResultSummary,
		Reason:               rec.Reason,
	}
	if len(rec.Audit) > 0 {
		if err := json.Unmarshal(rec.Audit, &r.AuditTrail); err != nil {
			return Request{}, err
		}
	}
	return r, nil
}
