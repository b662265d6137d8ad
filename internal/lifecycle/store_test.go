package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/models"
)

type fakeResolver struct {
	mu     sync.Mutex
	calls  [][]string
	tables map[string]models.Table
	err    error
}

func (f *fakeResolver) TablesByIDs(_ context.Context, ids []string) ([]models.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ids)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Table, 0, len(ids))
	for _, id := range ids {
		if table, ok := f.tables[id]; ok {
			out = append(out, table)
		}
	}
	return out, nil
}

func req(id, tableID string, status models.RequestStatus, age time.Duration) models.ServiceRequest {
	return models.ServiceRequest{
		ID:        id,
		TableID:   tableID,
		Type:      models.TypeWaiter,
		Status:    status,
		CreatedAt: time.Now().Add(-age),
	}
}

func newTestStore() (*Store, *fakeResolver) {
	resolver := &fakeResolver{tables: map[string]models.Table{}}
	return NewStore(resolver, zap.NewNop()), resolver
}

func TestUpsertReplacesWholesale(t *testing.T) {
	s, _ := newTestStore()

	original := req("r1", "t1", models.StatusPending, time.Minute)
	original.CustomNote = "extra napkins"
	s.Upsert(original)

	updated := req("r1", "t1", models.StatusAcknowledged, time.Minute)
	s.Upsert(updated) // no CustomNote: replacement, not merge

	got, ok := s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, models.StatusAcknowledged, got.Status)
	assert.Empty(t, got.CustomNote)
}

func TestTerminalStatusRemoves(t *testing.T) {
	s, _ := newTestStore()

	for _, terminal := range []models.RequestStatus{models.StatusCompleted, models.StatusCancelled} {
		s.Upsert(req("r1", "t1", models.StatusPending, time.Minute))
		s.Upsert(req("r1", "t1", terminal, time.Minute))

		_, ok := s.Get("r1")
		assert.False(t, ok, "status %s must remove the entity", terminal)
		assert.Empty(t, s.Pending())
		assert.Empty(t, s.Acknowledged())
	}
}

func TestReconcileSnapshotReplacesCollection(t *testing.T) {
	s, _ := newTestStore()

	// State accumulated from realtime events, possibly stale.
	s.Upsert(req("stale", "t9", models.StatusPending, time.Hour))

	snapshot := []models.ServiceRequest{
		req("r1", "t1", models.StatusPending, 2*time.Minute),
		req("r2", "t2", models.StatusAcknowledged, time.Minute),
		req("r3", "t3", models.StatusCompleted, time.Minute), // terminal: skipped
	}
	s.ReconcileSnapshot(snapshot)

	_, ok := s.Get("stale")
	assert.False(t, ok)
	assert.Len(t, s.Active(), 2)
	_, ok = s.Get("r3")
	assert.False(t, ok)
}

func TestReconcileSnapshotIdempotent(t *testing.T) {
	s, _ := newTestStore()
	snapshot := []models.ServiceRequest{
		req("r1", "t1", models.StatusPending, time.Minute),
		req("r2", "t2", models.StatusAcknowledged, 2*time.Minute),
	}

	s.ReconcileSnapshot(snapshot)
	once := s.Active()
	s.ReconcileSnapshot(snapshot)
	twice := s.Active()

	assert.Equal(t, once, twice)
}

func TestViewsSortOldestFirst(t *testing.T) {
	s, _ := newTestStore()
	s.Upsert(req("young", "t1", models.StatusPending, time.Minute))
	s.Upsert(req("old", "t2", models.StatusPending, time.Hour))

	pending := s.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "old", pending[0].ID)
	assert.Equal(t, "young", pending[1].ID)
}

func TestEnrichTablesBatchesLookup(t *testing.T) {
	s, resolver := newTestStore()
	resolver.tables["t1"] = models.Table{ID: "t1", Name: "Window 1", Number: 1}
	resolver.tables["t2"] = models.Table{ID: "t2", Name: "Patio 2", Number: 2}

	// A burst of simultaneous calls referencing two unknown tables.
	s.Upsert(req("r1", "t1", models.StatusPending, time.Minute))
	s.Upsert(req("r2", "t1", models.StatusPending, time.Minute))
	s.Upsert(req("r3", "t2", models.StatusPending, time.Minute))

	s.EnrichTables(context.Background())

	require.Len(t, resolver.calls, 1, "one collective lookup, not one per id")
	assert.ElementsMatch(t, []string{"t1", "t2"}, resolver.calls[0])
	assert.Equal(t, "Window 1", s.TableLabel("t1"))
	assert.Equal(t, "Patio 2", s.TableLabel("t2"))

	// Everything resolved: a second pass must not hit the network.
	s.EnrichTables(context.Background())
	assert.Len(t, resolver.calls, 1)
}

func TestEnrichFailureDegradesLabelOnly(t *testing.T) {
	s, resolver := newTestStore()
	resolver.err = errors.New("tables endpoint down")

	s.Upsert(req("r1", "0a1b2c3d4e5f", models.StatusPending, time.Minute))
	s.EnrichTables(context.Background())

	// Lifecycle state is untouched, label degrades.
	_, ok := s.Get("r1")
	assert.True(t, ok)
	assert.Equal(t, "Table 0a1b2c3d", s.TableLabel("0a1b2c3d4e5f"))
}

func TestWatchNotifiesOnChange(t *testing.T) {
	s, _ := newTestStore()
	ticks, cancel := s.Watch()
	defer cancel()

	s.Upsert(req("r1", "t1", models.StatusPending, time.Minute))

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
}
