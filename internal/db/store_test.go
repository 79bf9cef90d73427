package db

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/signon/internal/apperr"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "signon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestRequestRoundTripAndFilter(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, st := range []string{"PENDING_REVIEW", "COMPLETED", "PENDING_REVIEW"} {
				require.NoError(t, s.PutRequest(ctx, RequestRecord{
					ID:             string(rune('a' + i)),
					RequesterID:    "alice",
					TargetSite:     "example-mail",
					CredentialsRef: "cred_1",
					RequesterMeta:  map[string]string{"ticket": "42"},
					Status:         st,
					CreatedAt:      base.Add(time.Duration(i) * time.Second),
					UpdatedAt:      base.Add(time.Duration(i) * time.Second),
					ExpiresAt:      base.Add(2 * time.Minute),
					Audit:          json.RawMessage(`[]`),
				}))
			}

			got, err := s.GetRequest(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, "COMPLETED", got.Status)
			assert.Equal(t, "42", got.RequesterMeta["ticket"])
			assert.True(t, got.CreatedAt.Equal(base.Add(time.Second)))

			pending, err := s.ScanRequests(ctx, RequestFilter{Statuses: []string{"PENDING_REVIEW"}})
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, "c", pending[0].ID, "newest first")

			_, err = s.GetRequest(ctx, "missing")
			assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

			n, err := s.DeleteRequests(ctx, []string{"COMPLETED"}, base.Add(time.Hour))
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
		})
	}
}

func TestUpsertKeepsImmutableFields(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := RequestRecord{ID: "r1", RequesterID: "bob", TargetSite: "s", CredentialsRef: "cred_x", Status: "PENDING_REVIEW", CreatedAt: time.Now()}
			require.NoError(t, s.PutRequest(ctx, r))
			r.Status = "APPROVED"
			r.AssignedProfileID = "p1"
			require.NoError(t, s.PutRequest(ctx, r))

			got, err := s.GetRequest(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "APPROVED", got.Status)
			assert.Equal(t, "p1", got.AssignedProfileID)
			assert.Equal(t, "bob", got.RequesterID)
		})
	}
}

func TestProfilesAuditAndCredentials(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutProfile(ctx, ProfileRecord{ID: "p2", ControlPort: 9301, Status: "FREE"}))
			require.NoError(t, s.PutProfile(ctx, ProfileRecord{ID: "p1", ControlPort: 9300, Status: "BUSY", CurrentRequestID: "r"}))
			profiles, err := s.ListProfiles(ctx)
			require.NoError(t, err)
			require.Len(t, profiles, 2)
			assert.Equal(t, "p1", profiles[0].ID)

			require.NoError(t, s.AppendCommandAudit(ctx, CommandAudit{ConnectionID: "c", PrincipalID: "op", Role: "operator", Command: "operator_decision", RequestID: "r", Accepted: true}))
			require.NoError(t, s.AppendCommandAudit(ctx, CommandAudit{ConnectionID: "c", PrincipalID: "op", Role: "operator", Command: "cancel_request", RequestID: "other"}))
			audit, err := s.ListCommandAudit(ctx, "r", 10)
			require.NoError(t, err)
			require.Len(t, audit, 1)
			assert.True(t, audit[0].Accepted)

			require.NoError(t, s.PutCredential(ctx, CredentialRecord{Ref: "cred_a", Site: "x", Sealed: []byte{1, 2, 3}}))
			c, err := s.GetCredential(ctx, "cred_a")
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, c.Sealed)
			_, err = s.GetCredential(ctx, "cred_b")
			assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
		})
	}
}
