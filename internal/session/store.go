// Package session owns the authenticated session: tokens, expiry
// introspection, persistence, and the one refresh operation everything else
// converges on.
//
// The store is the single authoritative session instance in the process.
// Nothing outside it writes token storage; the realtime channel and the
// REST interceptor both recover from auth failures by calling Refresh here
// and share whichever refresh is already in flight.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tably-dev/tably-go/internal/auth"
	"github.com/tably-dev/tably-go/internal/errdefs"
	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/rest"
	"github.com/tably-dev/tably-go/internal/storage"
)

// EventKind distinguishes the two signals the store broadcasts.
type EventKind string

const (
	// Established fires on login and on every successful refresh. The
	// realtime channel listens for it and rebuilds its connection with the
	// new token — it never reaches into the store's internals.
	Established EventKind = "established"
	// Cleared fires on logout and on a failed refresh.
	Cleared EventKind = "cleared"
)

type Event struct {
	Kind    EventKind
	Session models.Session
}

// API is the slice of the REST client the store needs. An interface so
// tests can drive the store without a server.
type API interface {
	Login(ctx context.Context, identifier, password string) (rest.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (rest.TokenPair, error)
}

type Store struct {
	api     API
	storage storage.Store
	logger  *zap.Logger

	mu      sync.RWMutex
	current *models.Session

	// refresh is single-flight: the first caller runs the network exchange,
	// every concurrent caller joins it and receives the same result.
	refresh singleflight.Group

	subMu  sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

func NewStore(api API, store storage.Store, logger *zap.Logger) *Store {
	return &Store{
		api:     api,
		storage: store,
		logger:  logger,
		subs:    make(map[uint64]chan Event),
	}
}

// Restore rehydrates a persisted session at startup. A missing record means
// anonymous; a record whose refresh token is already dead is discarded
// rather than restored, since it can never be refreshed again.
func (s *Store) Restore(ctx context.Context) error {
	access, err := s.storage.Get(ctx, storage.KeyAccessToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore access token: %w", err)
	}
	refreshTok, err := s.storage.Get(ctx, storage.KeyRefreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		// An access token with no refresh token cannot outlive its expiry;
		// drop the orphaned record rather than restoring half a session.
		return s.clearStorage(ctx)
	}
	if err != nil {
		return fmt.Errorf("restore refresh token: %w", err)
	}
	if auth.ExpiresWithin(string(refreshTok), 0) {
		s.logger.Info("persisted session expired, discarding")
		return s.clearStorage(ctx)
	}

	sess := models.Session{
		AccessToken:  string(access),
		RefreshToken: string(refreshTok),
		AccessExpiry: auth.Expiry(string(access)),
	}
	if raw, err := s.storage.Get(ctx, storage.KeySessionUser); err == nil {
		_ = json.Unmarshal(raw, &sess.User)
	}

	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()
	s.publish(Event{Kind: Established, Session: sess})
	return nil
}

// Login authenticates, persists the session, and broadcasts Established.
func (s *Store) Login(ctx context.Context, identifier, password string) (models.Session, error) {
	pair, err := s.api.Login(ctx, identifier, password)
	if err != nil {
		return models.Session{}, fmt.Errorf("login: %w", err)
	}
	sess := s.adopt(ctx, pair)
	s.publish(Event{Kind: Established, Session: sess})
	s.logger.Info("session established",
		zap.String("user", sess.User.Identifier),
		zap.Time("access_expiry", sess.AccessExpiry),
	)
	return sess, nil
}

// Refresh exchanges the refresh token for a new pair.
//
// Single-flight: no matter how many REST calls and the realtime channel hit
// auth failures at the same moment, exactly one network refresh runs; every
// caller gets its outcome. A failed refresh is fatal to the session — the
// refresh token is bad, retrying it cannot help — so the session is cleared
// and the caller must force a new login.
func (s *Store) Refresh(ctx context.Context) error {
	_, err, _ := s.refresh.Do("refresh", func() (any, error) {
		s.mu.RLock()
		cur := s.current
		s.mu.RUnlock()
		if cur == nil {
			return nil, errdefs.ErrAuthInvalid
		}

		pair, err := s.api.RefreshToken(ctx, cur.RefreshToken)
		if err != nil {
			s.logger.Warn("refresh failed, clearing session", zap.Error(err))
			s.Logout()
			return nil, fmt.Errorf("%w: %v", errdefs.ErrAuthInvalid, err)
		}

		sess := s.adopt(ctx, pair)
		s.publish(Event{Kind: Established, Session: sess})
		s.logger.Debug("session refreshed", zap.Time("access_expiry", sess.AccessExpiry))
		return sess, nil
	})
	return err
}

// NeedsRefresh reports whether the access token dies within the proactive
// lookahead window. Background tickers use this to refresh ahead of demand.
func (s *Store) NeedsRefresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return false
	}
	return auth.ExpiresWithin(s.current.AccessToken, auth.ProactiveWindow)
}

// Logout clears the session and persisted tokens. Idempotent.
func (s *Store) Logout() {
	s.mu.Lock()
	wasAuthenticated := s.current != nil
	s.current = nil
	s.mu.Unlock()

	if err := s.clearStorage(context.Background()); err != nil {
		s.logger.Warn("clearing persisted session", zap.Error(err))
	}
	if wasAuthenticated {
		s.publish(Event{Kind: Cleared})
		s.logger.Info("session cleared")
	}
}

// Current returns the session, if authenticated.
func (s *Store) Current() (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return models.Session{}, false
	}
	return *s.current, true
}

// AccessToken returns the current access token, or "" when anonymous.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.AccessToken
}

// Subscribe returns a channel of session events and a cancel func.
// Publishes never block: a subscriber that stopped draining misses events
// rather than wedging the store.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Event, 8)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// adopt installs a token pair as the current session and persists it.
func (s *Store) adopt(ctx context.Context, pair rest.TokenPair) models.Session {
	sess := models.Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         pair.User,
		AccessExpiry: auth.Expiry(pair.AccessToken),
	}

	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()

	if err := s.storage.Set(ctx, storage.KeyAccessToken, []byte(sess.AccessToken)); err != nil {
		s.logger.Warn("persist access token", zap.Error(err))
	}
	if err := s.storage.Set(ctx, storage.KeyRefreshToken, []byte(sess.RefreshToken)); err != nil {
		s.logger.Warn("persist refresh token", zap.Error(err))
	}
	if raw, err := json.Marshal(sess.User); err == nil {
		if err := s.storage.Set(ctx, storage.KeySessionUser, raw); err != nil {
			s.logger.Warn("persist session user", zap.Error(err))
		}
	}
	return sess
}

func (s *Store) clearStorage(ctx context.Context) error {
	var errs []error
	for _, key := range []string{storage.KeyAccessToken, storage.KeyRefreshToken, storage.KeySessionUser} {
		if err := s.storage.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
