// Package rest is the HTTP side of the backend contract: login, refresh,
// the active-requests snapshot, and batched table lookup. The realtime
// channel is the primary path; this client is the fallback the stores
// reconcile against after reconnects and on view mount.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/auth"
	"github.com/tably-dev/tably-go/internal/errdefs"
	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/ratelimit"
)

// HeaderTenant scopes every call to one restaurant. Only a superadmin
// token, which operates across tenants, may omit it.
const HeaderTenant = "tenant-subdomain"

// Advisory per-endpoint budgets. Endpoints sharing a key share a budget;
// the backend enforces the real limits, these only catch client loops.
const (
	limitKeyAuth     = "auth"
	limitKeyRequests = "requests"
	limitKeyTables   = "tables"

	authLimit     = 5
	requestsLimit = 30
	tablesLimit   = 30
	limitWindow   = 10 * time.Second
)

// TokenSource is the slice of the session store this client needs: the
// current access token, and the shared single-flight refresh it converges
// on when a call comes back 401.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) error
}

// TokenPair is what login and refresh return.
type TokenPair struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         models.User `json:"user"`
}

type Client struct {
	base    string
	tenant  string
	http    *http.Client
	limiter *ratelimit.Limiter
	tokens  TokenSource
	logger  *zap.Logger
}

func NewClient(baseURL, tenant string, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	return &Client{
		base:    baseURL,
		tenant:  tenant,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: limiter,
		logger:  logger,
	}
}

// SetTokenSource attaches the session store after construction. The session
// store itself calls Login and RefreshToken on this client, so the two are
// wired in two steps to keep the dependency one-directional.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// Login exchanges credentials for a token pair. Public endpoint — no bearer
// token, but still tenant-scoped.
func (c *Client) Login(ctx context.Context, identifier, password string) (TokenPair, error) {
	body := map[string]string{"identifier": identifier, "password": password}
	var pair TokenPair
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", limitKeyAuth, authLimit, body, "", &pair); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// RefreshToken exchanges a refresh token for a fresh pair. Called only from
// the session store's single-flight refresh.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	body := map[string]string{"refreshToken": refreshToken}
	var pair TokenPair
	if err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", limitKeyAuth, authLimit, body, "", &pair); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// ActiveRequests loads the authoritative snapshot of non-terminal requests.
func (c *Client) ActiveRequests(ctx context.Context) ([]models.ServiceRequest, error) {
	var out []models.ServiceRequest
	if err := c.doAuthed(ctx, http.MethodGet, "/v1/requests/active", limitKeyRequests, requestsLimit, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.ServiceRequest{}
	}
	return out, nil
}

// TablesByIDs resolves display metadata for a batch of table ids in one
// call. Callers collect every unresolved id first — one lookup per burst,
// not one per request.
func (c *Client) TablesByIDs(ctx context.Context, ids []string) ([]models.Table, error) {
	if len(ids) == 0 {
		return []models.Table{}, nil
	}
	body := map[string][]string{"ids": ids}
	var out []models.Table
	if err := c.doAuthed(ctx, http.MethodPost, "/v1/tables/batch", limitKeyTables, tablesLimit, body, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrEnrichmentFailure, err)
	}
	if out == nil {
		out = []models.Table{}
	}
	return out, nil
}

// doAuthed performs an authenticated call with the 401 interceptor: on a
// 401 it requests the shared refresh and retries the original call exactly
// once with the new token. Many parallel calls hitting 401 at the same time
// all converge on the one in-flight refresh inside the session store.
func (c *Client) doAuthed(ctx context.Context, method, path, limitKey string, limit int, body any, out any) error {
	if c.tokens == nil {
		return fmt.Errorf("%w: no session attached", errdefs.ErrAuthExpired)
	}

	// Proactive check: a token about to die would reach the backend dead.
	if auth.ExpiresWithin(c.tokens.AccessToken(), auth.ImmediateWindow) {
		if err := c.tokens.Refresh(ctx); err != nil {
			return fmt.Errorf("%w: %w", errdefs.ErrAuthInvalid, err)
		}
	}

	status, err := c.doOnce(ctx, method, path, limitKey, limit, body, c.tokens.AccessToken(), out)
	if err == nil && status != http.StatusUnauthorized {
		return nil
	}
	if status != http.StatusUnauthorized {
		return err
	}

	// 401: resolve as low as possible. Refresh (single-flight) and retry.
	if err := c.tokens.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrAuthInvalid, err)
	}
	status, err = c.doOnce(ctx, method, path, limitKey, limit, body, c.tokens.AccessToken(), out)
	if status == http.StatusUnauthorized {
		return fmt.Errorf("%w: still unauthorized after refresh", errdefs.ErrAuthInvalid)
	}
	return err
}

// do performs an unauthenticated (or explicitly-tokened) call.
func (c *Client) do(ctx context.Context, method, path, limitKey string, limit int, body any, token string, out any) error {
	_, err := c.doOnce(ctx, method, path, limitKey, limit, body, token, out)
	return err
}

// doOnce is the single-shot HTTP exchange: admission control, tenant
// header, bearer token, JSON round trip. It returns the status code so the
// interceptor can distinguish 401 from everything else.
func (c *Client) doOnce(ctx context.Context, method, path, limitKey string, limit int, body any, token string, out any) (int, error) {
	if err := c.limiter.Admit(limitKey, limit, limitWindow); err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	// Superadmin tokens operate across tenants and skip the header;
	// everyone else must carry it or the backend rejects the call.
	if auth.RoleOf(token) != models.RoleSuperadmin {
		if c.tenant == "" {
			return 0, errdefs.ErrTenantRequired
		}
		req.Header.Set(HeaderTenant, c.tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errdefs.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, fmt.Errorf("%w: %s %s", errdefs.ErrAuthExpired, method, path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, fmt.Errorf("%w: backend throttled %s", errdefs.ErrRateLimited, path)
	case resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("%w: %s returned %d", errdefs.ErrTransportUnavailable, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
