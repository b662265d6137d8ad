// Package client composes the SDK's pieces into the two roles the app
// ships: the staff dashboard (WaiterClient) and the per-table customer
// page (CustomerClient). Each wires realtime events into its store and
// reconciles against REST snapshots; neither owns the shared channel's
// lifetime — stopping a client detaches its subscriptions only.
package client

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/lifecycle"
	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/realtime"
	"github.com/tably-dev/tably-go/internal/session"
)

// SnapshotSource is the REST fallback the waiter reconciles against.
type SnapshotSource interface {
	ActiveRequests(ctx context.Context) ([]models.ServiceRequest, error)
}

// WaiterClient keeps the staff dashboard's request collection in sync:
// realtime events feed it continuously, and every (re)connect triggers a
// snapshot reconciliation to cover whatever was missed while disconnected.
type WaiterClient struct {
	channel *realtime.Channel
	store   *lifecycle.Store
	api     SnapshotSource
	logger  *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	cancels  []func()
}

func NewWaiterClient(channel *realtime.Channel, store *lifecycle.Store, api SnapshotSource, logger *zap.Logger) *WaiterClient {
	return &WaiterClient{
		channel: channel,
		store:   store,
		api:     api,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Start joins the staff room, wires events into the store, and connects.
// The first reconciliation happens on the first Connected transition, so
// mount and reconnect share one code path.
func (w *WaiterClient) Start(ctx context.Context) error {
	if err := w.channel.Join(realtime.RoomWaiters); err != nil {
		return err
	}

	newReqs, cancelNew := w.channel.On(realtime.EventNewRequest)
	updates, cancelUpd := w.channel.On(realtime.EventRequestUpdated)
	states, cancelStates := w.channel.StatusChanges()
	w.cancels = append(w.cancels, cancelNew, cancelUpd, cancelStates)

	go func() {
		for {
			select {
			case <-w.stopped:
				return
			case <-ctx.Done():
				return
			case ev := <-newReqs:
				w.apply(ctx, ev)
			case ev := <-updates:
				w.apply(ctx, ev)
			case st := <-states:
				if st == realtime.StateConnected {
					w.reconcile(ctx)
				}
			}
		}
	}()

	w.channel.Connect(ctx)
	return nil
}

func (w *WaiterClient) apply(ctx context.Context, ev realtime.Event) {
	var req models.ServiceRequest
	if err := ev.Decode(&req); err != nil {
		w.logger.Warn("undecodable request event", zap.String("event", ev.Name), zap.Error(err))
		return
	}
	w.store.Upsert(req)
	w.store.EnrichTables(ctx)
}

// reconcile replaces the collection from the REST snapshot. A failed load
// is logged and absorbed — the connection-status banner already tells the
// user things are degraded, and the next reconnect retries.
func (w *WaiterClient) reconcile(ctx context.Context) {
	snapshot, err := w.api.ActiveRequests(ctx)
	if err != nil {
		w.logger.Warn("snapshot reconciliation failed", zap.Error(err))
		return
	}
	w.store.ReconcileSnapshot(snapshot)
	w.store.EnrichTables(ctx)
}

// Acknowledge claims a pending request.
func (w *WaiterClient) Acknowledge(id string) error {
	return w.channel.Emit(realtime.EventAcknowledge, realtime.RequestRef{ID: id})
}

// Complete finishes a request.
func (w *WaiterClient) Complete(id string) error {
	return w.channel.Emit(realtime.EventComplete, realtime.RequestRef{ID: id})
}

// Cancel abandons a request.
func (w *WaiterClient) Cancel(id string) error {
	return w.channel.Emit(realtime.EventCancel, realtime.RequestRef{ID: id})
}

// Requests exposes the store for the view layer.
func (w *WaiterClient) Requests() *lifecycle.Store {
	return w.store
}

// Stop detaches this view's subscriptions. It does NOT close the channel:
// other views share the physical connection.
func (w *WaiterClient) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
		for _, cancel := range w.cancels {
			cancel()
		}
	})
}

// BindSessionEvents connects the session store's broadcast to the channel:
// a refreshed session rebuilds the connection with the new token, a cleared
// session tears it down for good. This is the one-directional signal that
// keeps the auth and realtime layers from calling into each other.
func BindSessionEvents(sessions *session.Store, channel *realtime.Channel) func() {
	events, cancel := sessions.Subscribe()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Kind {
				case session.Established:
					channel.Kick()
				case session.Cleared:
					channel.Close()
				}
			}
		}
	}()
	return func() {
		close(done)
		cancel()
	}
}
