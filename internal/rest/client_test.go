package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/auth"
	"github.com/tably-dev/tably-go/internal/errdefs"
	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/ratelimit"
)

const testSecret = "test-secret"

type fakeTokens struct {
	mu           sync.Mutex
	token        string
	refreshCalls int
	refreshErr   error
	nextToken    string
}

func (f *fakeTokens) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTokens) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.token = f.nextToken
	return nil
}

func mustToken(t *testing.T, role string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.GenerateToken("u-1", "mario", role, testSecret, ttl)
	require.NoError(t, err)
	return token
}

func newTestClient(tenant string, srv *httptest.Server) *Client {
	return NewClient(srv.URL, tenant, ratelimit.New(), zap.NewNop())
}

func TestActiveRequestsSendsTenantHeaderAndBearer(t *testing.T) {
	token := mustToken(t, "waiter", time.Hour)

	var gotTenant, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.Header.Get(HeaderTenant)
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]models.ServiceRequest{})
	}))
	defer srv.Close()

	c := newTestClient("mario", srv)
	c.SetTokenSource(&fakeTokens{token: token, nextToken: token})

	_, err := c.ActiveRequests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mario", gotTenant)
	assert.Equal(t, "Bearer "+token, gotAuth)
}

func TestSuperadminSkipsTenantHeader(t *testing.T) {
	token := mustToken(t, models.RoleSuperadmin, time.Hour)

	var sawHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawHeader = r.Header[http.CanonicalHeaderKey(HeaderTenant)]
		json.NewEncoder(w).Encode([]models.ServiceRequest{})
	}))
	defer srv.Close()

	// No tenant configured at all: a superadmin call must still go through.
	c := newTestClient("", srv)
	c.SetTokenSource(&fakeTokens{token: token, nextToken: token})

	_, err := c.ActiveRequests(context.Background())
	require.NoError(t, err)
	assert.False(t, sawHeader)
}

func TestMissingTenantFailsExplicitly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the backend without a tenant")
	}))
	defer srv.Close()

	c := newTestClient("", srv)
	_, err := c.Login(context.Background(), "w@mario.it", "pw")
	assert.ErrorIs(t, err, errdefs.ErrTenantRequired)
}

func TestUnauthorizedTriggersRefreshAndRetry(t *testing.T) {
	stale := mustToken(t, "waiter", time.Hour)
	fresh := mustToken(t, "waiter", 2*time.Hour)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "Bearer "+fresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]models.ServiceRequest{{ID: "r1", TableID: "t1", Status: models.StatusPending}})
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: stale, nextToken: fresh}
	c := newTestClient("mario", srv)
	c.SetTokenSource(tokens)

	got, err := c.ActiveRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, 1, tokens.refreshCalls)
	assert.Equal(t, 2, calls)
}

func TestFailedRefreshIsFatal(t *testing.T) {
	stale := mustToken(t, "waiter", time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: stale, refreshErr: errdefs.ErrAuthInvalid}
	c := newTestClient("mario", srv)
	c.SetTokenSource(tokens)

	_, err := c.ActiveRequests(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrAuthInvalid)
	assert.Equal(t, 1, tokens.refreshCalls)
}

func TestExpiringTokenRefreshesBeforeCall(t *testing.T) {
	dying := mustToken(t, "waiter", 5*time.Second) // inside the 30s window
	fresh := mustToken(t, "waiter", time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+fresh, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode([]models.ServiceRequest{})
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: dying, nextToken: fresh}
	c := newTestClient("mario", srv)
	c.SetTokenSource(tokens)

	_, err := c.ActiveRequests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.refreshCalls)
}

func TestBackendThrottleMapsToRateLimited(t *testing.T) {
	token := mustToken(t, "waiter", time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient("mario", srv)
	c.SetTokenSource(&fakeTokens{token: token, nextToken: token})

	_, err := c.ActiveRequests(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrRateLimited)
}

func TestLocalAdmissionControl(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TokenPair{})
	}))
	defer srv.Close()

	c := newTestClient("mario", srv)

	var err error
	for i := 0; i < authLimit+1; i++ {
		_, err = c.Login(context.Background(), "w@mario.it", "pw")
	}
	assert.ErrorIs(t, err, errdefs.ErrRateLimited)
}

func TestTablesByIDsEmptyBatchSkipsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no call expected for an empty batch")
	}))
	defer srv.Close()

	c := newTestClient("mario", srv)
	got, err := c.TablesByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTablesByIDsFailureIsEnrichmentFailure(t *testing.T) {
	token := mustToken(t, "waiter", time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient("mario", srv)
	c.SetTokenSource(&fakeTokens{token: token, nextToken: token})

	_, err := c.TablesByIDs(context.Background(), []string{"t1"})
	assert.ErrorIs(t, err, errdefs.ErrEnrichmentFailure)
}
