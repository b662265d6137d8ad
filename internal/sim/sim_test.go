package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/rest"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(Config{JWTSecret: "sim-secret"}, zap.NewNop())
	srv.SeedTenant("mario", []models.Table{
		{ID: "t-1", Name: "Patio 1", Number: 1},
		{ID: "t-2", Name: "Patio 2", Number: 2},
	})
	require.NoError(t, srv.SeedUser("mario", models.User{
		ID: "u-anna", Identifier: "anna", DisplayName: "Anna", Role: "waiter",
	}, "pass1234"))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, headers map[string]string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func login(t *testing.T, ts *httptest.Server) rest.TokenPair {
	t.Helper()
	resp := postJSON(t, ts.URL+"/v1/auth/login",
		map[string]string{rest.HeaderTenant: "mario"},
		map[string]string{"identifier": "anna", "password": "pass1234"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pair rest.TokenPair
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pair))
	return pair
}

func TestLoginIssuesTokenPair(t *testing.T) {
	_, ts := newTestServer(t)
	pair := login(t, ts)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "anna", pair.User.Identifier)
	assert.Equal(t, "mario", pair.User.Tenant)
}

func TestLoginRequiresTenantHeader(t *testing.T) {
	_, ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/v1/auth/login", nil,
		map[string]string{"identifier": "anna", "password": "pass1234"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginRejectsWrongPasswordAndUnknownUserTheSameWay(t *testing.T) {
	_, ts := newTestServer(t)

	var messages []string
	for _, body := range []map[string]string{
		{"identifier": "anna", "password": "wrong"},
		{"identifier": "nobody", "password": "pass1234"},
	} {
		resp := postJSON(t, ts.URL+"/v1/auth/login",
			map[string]string{rest.HeaderTenant: "mario"}, body)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		var out map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		resp.Body.Close()
		messages = append(messages, out["error"])
	}
	// Same message either way, so callers cannot probe for identifiers.
	assert.Equal(t, messages[0], messages[1])
}

func TestRefreshRotatesPair(t *testing.T) {
	_, ts := newTestServer(t)
	pair := login(t, ts)

	resp := postJSON(t, ts.URL+"/v1/auth/refresh", nil,
		map[string]string{"refreshToken": pair.RefreshToken})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var next rest.TokenPair
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&next))
	assert.NotEmpty(t, next.AccessToken)
	assert.Equal(t, "u-anna", next.User.ID)
}

func TestRefreshRejectsGarbageToken(t *testing.T) {
	_, ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/v1/auth/refresh", nil,
		map[string]string{"refreshToken": "not-a-jwt"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestActiveRequestsNeedsBearerToken(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/requests/active")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestActiveRequestsRejectsTenantMismatch(t *testing.T) {
	_, ts := newTestServer(t)
	pair := login(t, ts)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/requests/active", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	req.Header.Set(rest.HeaderTenant, "luigi")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTablesBatchReturnsOnlyKnownTables(t *testing.T) {
	_, ts := newTestServer(t)
	pair := login(t, ts)

	resp := postJSON(t, ts.URL+"/v1/tables/batch", map[string]string{
		"Authorization":   "Bearer " + pair.AccessToken,
		rest.HeaderTenant: "mario",
	}, map[string][]string{"ids": {"t-1", "t-2", "t-missing"}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tables []models.Table
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tables))
	require.Len(t, tables, 2)
}

func TestActiveRequestsExcludesTerminal(t *testing.T) {
	srv, ts := newTestServer(t)
	pair := login(t, ts)

	srv.mu.Lock()
	tenant := srv.tenant("mario")
	tenant.requests["r-open"] = models.ServiceRequest{
		ID: "r-open", TableID: "t-1", Status: models.StatusPending,
	}
	tenant.requests["r-done"] = models.ServiceRequest{
		ID: "r-done", TableID: "t-2", Status: models.StatusCompleted,
	}
	srv.mu.Unlock()

	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodGet, ts.URL+"/v1/requests/active", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	req.Header.Set(rest.HeaderTenant, "mario")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []models.ServiceRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, "r-open", out[0].ID)
}

func TestValidTransitionIsForwardOnly(t *testing.T) {
	cases := []struct {
		from, to models.RequestStatus
		ok       bool
	}{
		{models.StatusPending, models.StatusAcknowledged, true},
		{models.StatusPending, models.StatusCompleted, true},
		{models.StatusPending, models.StatusCancelled, true},
		{models.StatusAcknowledged, models.StatusCompleted, true},
		{models.StatusAcknowledged, models.StatusCancelled, true},
		{models.StatusAcknowledged, models.StatusPending, false},
		{models.StatusCompleted, models.StatusCancelled, false},
		{models.StatusCancelled, models.StatusAcknowledged, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, validTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}
