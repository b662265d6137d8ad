package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/customer"
	"github.com/tably-dev/tably-go/internal/errdefs"
	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/realtime"
)

// AnonymousSession is the credential source for customer pages. Customers
// never log in, so the channel connects tokenless and a refresh demand can
// only mean the server rejected something it should accept.
type AnonymousSession struct{}

func (AnonymousSession) AccessToken() string           { return "" }
func (AnonymousSession) Refresh(context.Context) error { return errdefs.ErrAuthInvalid }

// CustomerClient drives a single table's page: it restores any in-flight
// request from storage, joins the table room, and keeps the persisted
// request state in step with server status broadcasts.
type CustomerClient struct {
	channel *realtime.Channel
	store   *customer.Store
	tableID string
	logger  *zap.Logger

	// elapsedSecs is refreshed every second while a request is active so
	// the view can render "waiting for 2m14s" without recomputing.
	elapsedSecs atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}
	cancels  []func()
}

func NewCustomerClient(channel *realtime.Channel, store *customer.Store, tableID string, logger *zap.Logger) *CustomerClient {
	return &CustomerClient{
		channel: channel,
		store:   store,
		tableID: tableID,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Start restores persisted state, subscribes, and connects.
func (c *CustomerClient) Start(ctx context.Context) error {
	if err := c.store.Restore(ctx); err != nil {
		return err
	}
	if err := c.channel.Join(realtime.RoomForTable(c.tableID)); err != nil {
		return err
	}

	sent, cancelSent := c.channel.On(realtime.EventRequestSent)
	status, cancelStatus := c.channel.On(realtime.EventRequestStatus)
	c.cancels = append(c.cancels, cancelSent, cancelStatus)

	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-c.stopped:
				return
			case <-ctx.Done():
				return
			case ev := <-sent:
				c.onRequestSent(ctx, ev)
			case ev := <-status:
				c.onRequestStatus(ctx, ev)
			case <-tick.C:
				c.refreshElapsed()
			}
		}
	}()

	c.channel.Connect(ctx)
	return nil
}

// CallWaiter submits a new service request for this table. The server
// replies with request_sent carrying the minted id; only then does the
// request become persistent local state.
func (c *CustomerClient) CallWaiter(reqType models.RequestType, note string) error {
	return c.channel.Emit(realtime.EventCallWaiter, realtime.CallWaiterPayload{
		TableID:    c.tableID,
		Type:       string(reqType),
		CustomNote: note,
	})
}

// CancelActive cancels the in-flight request, if any.
func (c *CustomerClient) CancelActive() error {
	sess, ok := c.store.Active()
	if !ok {
		return nil
	}
	return c.channel.Emit(realtime.EventCancel, realtime.RequestRef{ID: sess.ActiveRequestID})
}

// Active reports the persisted in-flight request, if any.
func (c *CustomerClient) Active() (models.CustomerSession, bool) {
	return c.store.Active()
}

// Elapsed is how long the active request has been waiting, zero when idle.
func (c *CustomerClient) Elapsed() time.Duration {
	return time.Duration(c.elapsedSecs.Load()) * time.Second
}

func (c *CustomerClient) onRequestSent(ctx context.Context, ev realtime.Event) {
	var req models.ServiceRequest
	if err := ev.Decode(&req); err != nil {
		c.logger.Warn("undecodable request_sent", zap.Error(err))
		return
	}
	if err := c.store.SetRequest(ctx, c.tableID, req.ID, req.Type, req.CustomNote); err != nil {
		c.logger.Warn("persisting request failed", zap.String("request_id", req.ID), zap.Error(err))
	}
	c.refreshElapsed()
}

func (c *CustomerClient) onRequestStatus(ctx context.Context, ev realtime.Event) {
	var payload realtime.StatusPayload
	if err := ev.Decode(&payload); err != nil {
		c.logger.Warn("undecodable request_status", zap.Error(err))
		return
	}
	sess, ok := c.store.Active()
	if !ok || sess.ActiveRequestID != payload.ID {
		return
	}
	if err := c.store.UpdateStatus(ctx, models.RequestStatus(payload.Status)); err != nil {
		c.logger.Warn("updating request status failed", zap.Error(err))
	}
	c.refreshElapsed()
}

func (c *CustomerClient) refreshElapsed() {
	sess, ok := c.store.Active()
	if !ok {
		c.elapsedSecs.Store(0)
		return
	}
	c.elapsedSecs.Store(int64(time.Since(sess.Timestamp) / time.Second))
}

// Stop detaches subscriptions and the elapsed timer without touching the
// shared channel.
func (c *CustomerClient) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		for _, cancel := range c.cancels {
			cancel()
		}
	})
}
