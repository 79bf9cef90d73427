package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/browser/browsertest"
	"github.com/neboloop/signon/internal/config"
	"github.com/neboloop/signon/internal/credential"
	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/lifecycle"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

const (
	secret = "server-test-secret-0123456789abcdef"
	issuer = "signon-test"
)

type harness struct {
	svcCtx *svc.ServiceContext
	srv    *httptest.Server
	cred   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	var c config.Config
	c.Auth.AccessSecret = secret
	c.Auth.Issuer = issuer
	c.Lifecycle.PendingTTL = time.Minute
	c.Lifecycle.InterventionTTL = time.Minute
	c.Lifecycle.QueueTimeout = 5 * time.Second
	c.Lifecycle.MaxInterventionAttempts = 3
	c.Pool.Size = 1
	c.Pool.BasePort = 9400
	c.Pool.DataDir = t.TempDir()
	c.Pool.StepTimeout = time.Second
	c.Metrics.Enabled = true

	driver := browsertest.NewDriver()
	driver.Hook = browsertest.SignInHook("button[type=submit]", "https://mail.example.com/inbox")
	svcCtx, err := svc.NewServiceContext(c,
		svc.WithStore(db.NewMemoryStore()),
		svc.WithBrowser(browsertest.NewLauncher(), driver),
		svc.WithMasterKey(bytes.Repeat([]byte{7}, 32)),
		svc.WithVersion("test"))
	require.NoError(t, err)
	require.NoError(t, svcCtx.Start(context.Background()))

	ref, err := svcCtx.Vault.Add(context.Background(), "example-mail", credential.Credentials{Username: "u@example.com", Password: "pw"})
	require.NoError(t, err)

	srv := httptest.NewServer(Handler(svcCtx))
	t.Cleanup(func() {
		srv.Close()
		svcCtx.Close()
	})
	return &harness{svcCtx: svcCtx, srv: srv, cred: ref}
}

func token(t *testing.T, sub string, roles ...auth.Role) string {
	t.Helper()
	tok, err := auth.Mint(secret, issuer, sub, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, tok string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[types.HealthResponse](t, resp)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, 1, health.Pool.Size)

	resp = h.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresTokenAndRole(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/operator/queue", "", nil).StatusCode)
	assert.Equal(t, http.StatusForbidden,
		h.do(t, http.MethodGet, "/api/v1/operator/queue", token(t, "alice", auth.RoleRequester), nil).StatusCode)
	assert.Equal(t, http.StatusForbidden,
		h.do(t, http.MethodPost, "/api/v1/requests", token(t, "bob", auth.RoleOperator), types.SubmitRequest{}).StatusCode)
}

func TestSubmitApproveComplete(t *testing.T) {
	h := newHarness(t)
	alice := token(t, "alice", auth.RoleRequester)
	bob := token(t, "bob", auth.RoleOperator)

	resp := h.do(t, http.MethodPost, "/api/v1/requests", alice, types.SubmitRequest{TargetSite: "example-mail", CredentialsRef: h.cred})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	submitted := decode[types.RequestStatusResponse](t, resp)
	assert.Equal(t, lifecycle.CoarsePending, submitted.Status)
	id := submitted.RequestID

	queue := decode[types.QueueResponse](t, h.do(t, http.MethodGet, "/api/v1/operator/queue", bob, nil))
	require.Equal(t, 1, queue.Total)
	assert.Equal(t, id, queue.Requests[0].ID)

	resp = h.do(t, http.MethodPost, "/api/v1/requests/"+id+"/decision", bob, types.DecisionRequest{Action: "approve"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		st := decode[types.RequestStatusResponse](t, h.do(t, http.MethodGet, "/api/v1/requests/"+id, alice, nil))
		return st.Status == lifecycle.CoarseCompleted
	}, 5*time.Second, 20*time.Millisecond)

	full := decode[types.RequestResponse](t, h.do(t, http.MethodGet, "/api/v1/requests/"+id, bob, nil))
	assert.Equal(t, lifecycle.StatusCompleted, full.Request.Status)
	assert.NotEmpty(t, full.Request.AuditTrail)

	audit := decode[types.CommandAuditResponse](t, h.do(t, http.MethodGet, "/api/v1/requests/"+id+"/commands", bob, nil))
	var commands []string
	for _, e := range audit.Entries {
		commands = append(commands, e.Command)
		assert.True(t, e.Accepted)
	}
	assert.ElementsMatch(t, []string{"submit", "operator_decision"}, commands)
}

func TestRequestHiddenFromOtherRequesters(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/api/v1/requests", token(t, "alice", auth.RoleRequester),
		types.SubmitRequest{TargetSite: "example-mail", CredentialsRef: h.cred})
	id := decode[types.RequestStatusResponse](t, resp).RequestID

	mallory := token(t, "mallory", auth.RoleRequester)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/requests/"+id, mallory, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound,
		h.do(t, http.MethodPost, "/api/v1/requests/"+id+"/intervention", mallory, types.InterventionRequest{Code: "123456"}).StatusCode)
}

func TestInvalidInputMapsToStatus(t *testing.T) {
	h := newHarness(t)
	alice := token(t, "alice", auth.RoleRequester)
	bob := token(t, "bob", auth.RoleOperator)

	resp := h.do(t, http.MethodPost, "/api/v1/requests", alice, types.SubmitRequest{TargetSite: "nowhere", CredentialsRef: h.cred})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/requests", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alice)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/requests", alice, types.SubmitRequest{TargetSite: "example-mail", CredentialsRef: h.cred})
	id := decode[types.RequestStatusResponse](t, resp).RequestID
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/v1/requests/"+id+"/cancel", bob, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/v1/profiles/profile-99/recycle", bob, nil).StatusCode)

	audit := decode[types.CommandAuditResponse](t, h.do(t, http.MethodGet, "/api/v1/operator/commands?requestId="+id, bob, nil))
	require.NotEmpty(t, audit.Entries)
	assert.Equal(t, "cancel", audit.Entries[0].Command)
	assert.False(t, audit.Entries[0].Accepted)
}

func TestProfilesListed(t *testing.T) {
	h := newHarness(t)
	bob := token(t, "bob", auth.RoleOperator)
	require.Eventually(t, func() bool {
		return h.svcCtx.Pool.Stats().Free == 1
	}, 2*time.Second, 10*time.Millisecond)

	profiles := decode[types.ProfilesResponse](t, h.do(t, http.MethodGet, "/api/v1/profiles", bob, nil))
	require.Len(t, profiles.Profiles, 1)
	assert.Equal(t, "profile-01", profiles.Profiles[0].ID)

	resp := h.do(t, http.MethodPost, "/api/v1/profiles/profile-01/recycle", bob, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}
