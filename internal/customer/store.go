// Package customer persists a single customer's active request across
// reloads, scoped to one table and bounded by a fixed expiry window.
//
// Known limitation: two tabs open on the same table both write the same
// record and the last writer wins. There is no cross-tab coordination.
package customer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/storage"
)

// ExpiryWindow is the absolute lifetime of a persisted customer session,
// measured from the record's timestamp. A request older than this is
// assumed resolved out-of-band and is discarded on restore.
const ExpiryWindow = 30 * time.Minute

type Store struct {
	storage storage.Store
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	current *models.CustomerSession
}

func NewStore(store storage.Store, logger *zap.Logger) *Store {
	return &Store{
		storage: store,
		logger:  logger,
		now:     time.Now,
	}
}

// Restore runs once at startup, before any other mutation is allowed to
// persist. An expired record is discarded AND removed from storage; a live
// one is rehydrated exactly as persisted.
func (s *Store) Restore(ctx context.Context) error {
	raw, err := s.storage.Get(ctx, storage.KeyCustomerSession)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore customer session: %w", err)
	}

	var sess models.CustomerSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		// A corrupt record is as useless as an expired one.
		s.logger.Warn("discarding unreadable customer session", zap.Error(err))
		return s.storage.Delete(ctx, storage.KeyCustomerSession)
	}

	if sess.ActiveRequestID == "" || s.now().Sub(sess.Timestamp) > ExpiryWindow {
		s.logger.Info("discarding expired customer session",
			zap.String("request_id", sess.ActiveRequestID),
			zap.Time("timestamp", sess.Timestamp),
		)
		return s.storage.Delete(ctx, storage.KeyCustomerSession)
	}

	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()
	return nil
}

// SetRequest records a backend-confirmed request as the active one and
// persists it synchronously. The id always comes from the backend; this
// store never invents one.
func (s *Store) SetRequest(ctx context.Context, tableID, requestID string, reqType models.RequestType, note string) error {
	if requestID == "" {
		return fmt.Errorf("refusing to persist customer session without a request id")
	}
	sess := models.CustomerSession{
		TableID:         tableID,
		ActiveRequestID: requestID,
		RequestStatus:   models.StatusPending,
		RequestType:     reqType,
		CustomNote:      note,
		Timestamp:       s.now(),
	}

	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()
	return s.persist(ctx, sess)
}

// UpdateStatus moves the active request's displayed status. A terminal
// status clears the record instead — the store never persists a request
// that is already over.
func (s *Store) UpdateStatus(ctx context.Context, status models.RequestStatus) error {
	if status.Terminal() {
		return s.ClearRequestState(ctx)
	}

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	s.current.RequestStatus = status
	sess := *s.current
	s.mu.Unlock()
	return s.persist(ctx, sess)
}

// CompleteRequest marks the active request finished and clears state.
func (s *Store) CompleteRequest(ctx context.Context) error {
	return s.ClearRequestState(ctx)
}

// ClearRequestState drops the active request and its persisted record.
func (s *Store) ClearRequestState(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	return s.storage.Delete(ctx, storage.KeyCustomerSession)
}

// ClearState wipes everything this store owns. Currently identical to
// ClearRequestState since the active request is the only state, but callers
// use it for the "forget this table" action.
func (s *Store) ClearState(ctx context.Context) error {
	return s.ClearRequestState(ctx)
}

// Active returns the current customer session, if any.
func (s *Store) Active() (models.CustomerSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return models.CustomerSession{}, false
	}
	return *s.current, true
}

func (s *Store) persist(ctx context.Context, sess models.CustomerSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal customer session: %w", err)
	}
	if err := s.storage.Set(ctx, storage.KeyCustomerSession, raw); err != nil {
		return fmt.Errorf("persist customer session: %w", err)
	}
	return nil
}
