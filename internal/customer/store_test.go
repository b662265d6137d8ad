package customer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/storage"
)

func newTestStore() (*Store, *storage.MemStore) {
	mem := storage.NewMemStore()
	return NewStore(mem, zap.NewNop()), mem
}

func TestSetRequestPersistsSynchronously(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.SetRequest(ctx, "T1", "R1", models.TypeWaiter, ""))

	raw, err := mem.Get(ctx, storage.KeyCustomerSession)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"activeRequestId":"R1"`)

	sess, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, "T1", sess.TableID)
	assert.Equal(t, models.StatusPending, sess.RequestStatus)
}

func TestSetRequestRefusesEmptyID(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()

	assert.Error(t, s.SetRequest(ctx, "T1", "", models.TypeWaiter, ""))
	_, err := mem.Get(ctx, storage.KeyCustomerSession)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateStatusKeepsRecord(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.SetRequest(ctx, "T1", "R1", models.TypeWaiter, ""))

	require.NoError(t, s.UpdateStatus(ctx, models.StatusAcknowledged))

	sess, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, "R1", sess.ActiveRequestID)
	assert.Equal(t, models.StatusAcknowledged, sess.RequestStatus)
}

func TestTerminalStatusClearsStorage(t *testing.T) {
	for _, terminal := range []models.RequestStatus{models.StatusCompleted, models.StatusCancelled} {
		s, mem := newTestStore()
		ctx := context.Background()
		require.NoError(t, s.SetRequest(ctx, "T1", "R1", models.TypeBill, ""))

		require.NoError(t, s.UpdateStatus(ctx, terminal))

		_, ok := s.Active()
		assert.False(t, ok, "status %s must clear state", terminal)
		_, err := mem.Get(ctx, storage.KeyCustomerSession)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func TestRestoreWithinWindow(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, s.SetRequest(ctx, "T1", "R1", models.TypeCustom, "extra cutlery"))

	// Reload 10 minutes later: record is retained with identical fields.
	reloaded := NewStore(mem, zap.NewNop())
	reloaded.now = func() time.Time { return time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC) }
	require.NoError(t, reloaded.Restore(ctx))

	sess, ok := reloaded.Active()
	require.True(t, ok)
	assert.Equal(t, "R1", sess.ActiveRequestID)
	assert.Equal(t, "extra cutlery", sess.CustomNote)
	assert.Equal(t, models.TypeCustom, sess.RequestType)
}

func TestRestoreDiscardsExpired(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, s.SetRequest(ctx, "T1", "R1", models.TypeWaiter, ""))

	// Reload 31 minutes later: past the 30-minute window.
	reloaded := NewStore(mem, zap.NewNop())
	reloaded.now = func() time.Time { return time.Date(2026, 3, 1, 12, 31, 0, 0, time.UTC) }
	require.NoError(t, reloaded.Restore(ctx))

	_, ok := reloaded.Active()
	assert.False(t, ok)
	_, err := mem.Get(ctx, storage.KeyCustomerSession)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRestoreDiscardsCorruptRecord(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, storage.KeyCustomerSession, []byte("{not json")))

	require.NoError(t, s.Restore(ctx))

	_, ok := s.Active()
	assert.False(t, ok)
	_, err := mem.Get(ctx, storage.KeyCustomerSession)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRestoreDiscardsRecordWithoutRequestID(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, storage.KeyCustomerSession,
		[]byte(`{"tableId":"T1","activeRequestId":"","timestamp":"2026-03-01T12:00:00Z"}`)))

	require.NoError(t, s.Restore(ctx))

	_, ok := s.Active()
	assert.False(t, ok)
}

func TestClearState(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.SetRequest(ctx, "T1", "R1", models.TypeWaiter, ""))

	require.NoError(t, s.ClearState(ctx))

	_, ok := s.Active()
	assert.False(t, ok)
	_, err := mem.Get(ctx, storage.KeyCustomerSession)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
