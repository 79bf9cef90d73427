package types

import (
	"github.com/neboloop/signon/internal/browser"
	"github.com/neboloop/signon/internal/controlplane"
	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/lifecycle"
)

type HealthResponse struct {
	Status                  string        `json:"status"`
	Version                 string        `json:"version"`
	Timestamp               string        `json:"timestamp"`
	Pool                    browser.Stats `json:"pool"`
	QueueWaiting            int           `json:"queueWaiting"`
	OldestPendingAgeSeconds int           `json:"oldestPendingAgeSeconds"`
	Connections             int           `json:"connections"`
}

type SubmitRequest struct {
	TargetSite     string            `json:"targetSite"`
	CredentialsRef string            `json:"credentialsRef"`
	RequesterMeta  map[string]string `json:"requesterMeta,omitempty"`
}

// RequestStatusResponse is the requester's coarse view, also returned on
// submit.
type RequestStatusResponse struct {
	RequestID        string `json:"requestId"`
	Status           string `json:"status"`
	Message          string `json:"message,omitempty"`
	InterventionType string `json:"interventionType,omitempty"`
	ExpiresIn        int    `json:"expiresIn"`
}

func FromView(v lifecycle.RequesterView) RequestStatusResponse {
	return RequestStatusResponse{
		RequestID:        v.RequestID,
		Status:           v.Status,
		Message:          v.Message,
		InterventionType: string(v.InterventionType),
		ExpiresIn:        v.ExpiresIn,
	}
}

type InterventionRequest struct {
	Code    string `json:"code,omitempty"`
	Answer  string `json:"answer,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

type InterventionResponse struct {
	Success           bool   `json:"success"`
	Status            string `json:"status"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
}

type DecisionRequest struct {
	Action           string `json:"action"`
	Reason           string `json:"reason,omitempty"`
	InterventionType string `json:"interventionType,omitempty"`
}

// RequestResponse is the full operator view of one request.
type RequestResponse struct {
	Request lifecycle.Request `json:"request"`
}

type QueueResponse struct {
	Requests []lifecycle.Request `json:"requests"`
	Total    int                 `json:"total"`
}

type ProfilesResponse struct {
	Profiles []browser.Profile `json:"profiles"`
	Stats    browser.Stats     `json:"stats"`
}

type RecycleResponse struct {
	ProfileID string `json:"profileId"`
	Recycling bool   `json:"recycling"`
}

type CommandAuditResponse struct {
	Entries []db.CommandAudit `json:"entries"`
}

type ConnectionsResponse struct {
	Connections []controlplane.ConnectionInfo `json:"connections"`
}
