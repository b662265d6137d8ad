// Package lifecycle maintains the client's authoritative view of in-flight
// service requests, fed by realtime events and reconciled against REST
// snapshots after reconnects.
package lifecycle

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/models"
)

// TableResolver is the one enrichment dependency: batch lookup of table
// display metadata. Implemented by the REST client.
type TableResolver interface {
	TablesByIDs(ctx context.Context, ids []string) ([]models.Table, error)
}

// Store holds a keyed-by-id, unique collection of service requests.
//
// Every event and snapshot the client receives is a complete entity from
// the backend, so upserts replace wholesale — there is no field merging.
// Ordering conflicts between late realtime events and snapshots resolve as
// last-write-wins, which the snapshot reconciliation step makes safe.
type Store struct {
	resolver TableResolver
	logger   *zap.Logger

	mu       sync.RWMutex
	requests map[string]models.ServiceRequest
	tables   map[string]models.Table

	watchMu   sync.Mutex
	watchers  map[uint64]chan struct{}
	nextWatch uint64
}

func NewStore(resolver TableResolver, logger *zap.Logger) *Store {
	return &Store{
		resolver: resolver,
		logger:   logger,
		requests: make(map[string]models.ServiceRequest),
		tables:   make(map[string]models.Table),
		watchers: make(map[uint64]chan struct{}),
	}
}

// Upsert replaces any entity with the same id wholesale. An update carrying
// a terminal status removes the entity instead — completed and cancelled
// requests are not part of the active collection.
func (s *Store) Upsert(req models.ServiceRequest) {
	s.mu.Lock()
	if req.Status.Terminal() {
		delete(s.requests, req.ID)
	} else {
		s.requests[req.ID] = req
	}
	s.mu.Unlock()
	s.notify()
}

// Remove drops an entity by id. No-op when absent.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.requests, id)
	s.mu.Unlock()
	s.notify()
}

// ReconcileSnapshot replaces the entire collection with the REST snapshot,
// establishing a clean baseline. This is the recovery step after a
// reconnect: whatever events were missed while disconnected, the snapshot
// is authoritative. Terminal entries in the snapshot are skipped the same
// way terminal updates are. Idempotent for a given snapshot.
func (s *Store) ReconcileSnapshot(snapshot []models.ServiceRequest) {
	s.mu.Lock()
	s.requests = make(map[string]models.ServiceRequest, len(snapshot))
	for _, req := range snapshot {
		if req.Status.Terminal() {
			continue
		}
		s.requests[req.ID] = req
	}
	s.mu.Unlock()
	s.notify()
}

// Get returns a single request by id.
func (s *Store) Get(id string) (models.ServiceRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	return req, ok
}

// Pending returns pending requests, oldest first (the order a waiter works
// the queue in).
func (s *Store) Pending() []models.ServiceRequest {
	return s.filtered(models.StatusPending)
}

// Acknowledged returns acknowledged requests, oldest first.
func (s *Store) Acknowledged() []models.ServiceRequest {
	return s.filtered(models.StatusAcknowledged)
}

// Active returns every live request, oldest first.
func (s *Store) Active() []models.ServiceRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortByAge(s.collect(func(models.ServiceRequest) bool { return true }))
}

func (s *Store) filtered(status models.RequestStatus) []models.ServiceRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortByAge(s.collect(func(r models.ServiceRequest) bool { return r.Status == status }))
}

// collect must be called with the lock held.
func (s *Store) collect(keep func(models.ServiceRequest) bool) []models.ServiceRequest {
	out := make([]models.ServiceRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if keep(req) {
			out = append(out, req)
		}
	}
	return out
}

func sortByAge(reqs []models.ServiceRequest) []models.ServiceRequest {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
	return reqs
}

// EnrichTables resolves display metadata for every table id the collection
// references but the table cache does not know yet — one batched lookup for
// the whole burst, not one call per request. A failed lookup is logged and
// left for the degraded TableLabel fallback; it never blocks a lifecycle
// transition.
func (s *Store) EnrichTables(ctx context.Context) {
	s.mu.RLock()
	var missing []string
	seen := make(map[string]struct{})
	for _, req := range s.requests {
		if _, cached := s.tables[req.TableID]; cached {
			continue
		}
		if _, dup := seen[req.TableID]; dup {
			continue
		}
		seen[req.TableID] = struct{}{}
		missing = append(missing, req.TableID)
	}
	s.mu.RUnlock()

	if len(missing) == 0 {
		return
	}

	tables, err := s.resolver.TablesByIDs(ctx, missing)
	if err != nil {
		s.logger.Warn("table enrichment failed, using fallback labels",
			zap.Int("unresolved", len(missing)),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	for _, table := range tables {
		s.tables[table.ID] = table
	}
	s.mu.Unlock()
	s.notify()
}

// TableLabel returns the display name for a table, degrading to a
// best-effort label built from the id when enrichment has not (or could
// not) resolve it.
func (s *Store) TableLabel(tableID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if table, ok := s.tables[tableID]; ok && table.Name != "" {
		return table.Name
	}
	short := tableID
	if len(short) > 8 {
		short = short[:8]
	}
	return "Table " + short
}

// Watch returns a channel that receives a tick whenever the collection
// changes, plus a cancel func. Ticks coalesce; consumers re-read the views.
func (s *Store) Watch() (<-chan struct{}, func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextWatch
	s.nextWatch++
	ch := make(chan struct{}, 1)
	s.watchers[id] = ch
	return ch, func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
