// Package realtime owns the persistent tenant-scoped connection to the
// backend: connect, authenticate, join rooms, detect auth failure, refresh,
// reconnect. Consumers get a typed event stream and fire-and-forget emits;
// delivery guarantees beyond the transport's are the backend's lifecycle
// events' job, not this layer's.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/auth"
	"github.com/tably-dev/tably-go/internal/errdefs"
)

// State is the connection lifecycle state machine:
//
//	Disconnected -connect-> Connecting -ack-> Connected
//	Connected -auth/transport error-> Reconnecting -refresh/backoff-> Connecting
//	Reconnecting -policy exhausted-> Disconnected (session intact)
//	Reconnecting -refresh failed or auth bound hit-> AuthFailed (terminal)
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateAuthFailed   State = "auth_failed"
)

// Policy bounds reconnection. MaxAttempts transport retries per outage with
// exponential backoff from BaseDelay capped at MaxDelay; MaxAuthFailures
// consecutive auth rejections before the channel gives up on the session.
// An auth error on a connection that stayed up at least StaleTokenGrace is
// an ordinary in-band token expiry — the server accepted the token and only
// revoked it once it aged out — so the consecutive count restarts there.
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxAuthFailures int
	StaleTokenGrace time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		MaxAuthFailures: 3,
		StaleTokenGrace: auth.ImmediateWindow,
	}
}

// Sessions is the slice of the session store the channel depends on. The
// channel never touches the store's internals: it reads the current token
// and requests the shared refresh, then rebuilds itself with whatever token
// the refresh installed.
type Sessions interface {
	AccessToken() string
	Refresh(ctx context.Context) error
}

type Channel struct {
	url      string
	tenant   string
	sessions Sessions
	policy   Policy
	logger   *zap.Logger
	dialer   *websocket.Dialer

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	rooms   map[string]struct{}
	running bool

	writeMu sync.Mutex

	subMu      sync.Mutex
	subs       map[string]map[uint64]chan Event
	statusSubs map[uint64]chan State
	nextSub    uint64

	done         chan struct{}
	closeOnce    sync.Once
	reconnectNow chan struct{}
}

// NewChannel builds a channel for one session+tenant pair. Construction
// fails without a tenant — there is no tenant to default to, and
// connecting without one would leak cross-tenant events.
func NewChannel(wsURL, tenant string, sessions Sessions, policy Policy, logger *zap.Logger) (*Channel, error) {
	if strings.TrimSpace(tenant) == "" {
		return nil, errdefs.ErrTenantRequired
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	if policy.StaleTokenGrace <= 0 {
		policy.StaleTokenGrace = auth.ImmediateWindow
	}
	return &Channel{
		url:          wsURL,
		tenant:       tenant,
		sessions:     sessions,
		policy:       policy,
		logger:       logger,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:        StateDisconnected,
		rooms:        make(map[string]struct{}),
		subs:         make(map[string]map[uint64]chan Event),
		statusSubs:   make(map[uint64]chan State),
		done:         make(chan struct{}),
		reconnectNow: make(chan struct{}, 1),
	}, nil
}

// Connect starts the connection loop. Not reentrant: a second call while
// the loop runs is a no-op, so two parallel connections to the same rooms
// can never double-emit events.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	go c.run(ctx)
}

// Close tears the channel down for good. Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Kick forces the channel to rebuild its connection, typically after a
// session refresh installed a new token. The old connection is torn down
// first; the loop never holds two at once.
func (c *Channel) Kick() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	// Post the wake-up before touching the connection: the run loop may
	// detach conn between the snapshot above and the Close below, and
	// closing an already-dead conn wakes nothing. The signal is buffered
	// and drained, so a redundant one at most skips a single backoff.
	select {
	case c.reconnectNow <- struct{}{}:
	default:
	}
	if conn != nil {
		conn.Close()
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StatusChanges returns a stream of state transitions and a cancel func.
// The UI renders one consistent connectivity banner off this instead of
// per-action errors.
func (c *Channel) StatusChanges() (<-chan State, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan State, 8)
	c.statusSubs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.statusSubs, id)
	}
}

// On subscribes to one named event. Cancel removes only this subscription;
// other events, and other subscribers of the same event, keep flowing over
// the shared connection.
func (c *Channel) On(event string) (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 16)
	if c.subs[event] == nil {
		c.subs[event] = make(map[uint64]chan Event)
	}
	c.subs[event][id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs[event], id)
	}
}

// Join adds a room to the membership set and, when connected, tells the
// server immediately. Idempotent. Membership is replayed on every
// reconnect because the server forgets it with the old connection.
func (c *Channel) Join(room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.send(conn, EventJoin, JoinPayload{Room: room})
}

// Leave removes a room locally; the server side lapses with the connection.
func (c *Channel) Leave(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// Emit sends a client event. Fire-and-forget: the channel guarantees
// nothing beyond the transport write; application-level confirmation comes
// back as lifecycle events from the backend.
func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		return fmt.Errorf("%w: channel is %s", errdefs.ErrTransportUnavailable, state)
	}
	return c.send(conn, event, payload)
}

// run is the only goroutine that dials, tears down, or replaces the
// connection. All reconnection decisions are serialized here, which is
// what makes reconnection non-reentrant.
func (c *Channel) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	attempts := 0
	authFailures := 0

	for {
		if c.isDone(ctx) {
			c.setState(StateDisconnected)
			return
		}
		if attempts == 0 && authFailures == 0 {
			c.setState(StateConnecting)
		}

		conn, err := c.dial(ctx)
		var uptime time.Duration
		if err == nil {
			attempts = 0
			connectedAt := time.Now()
			c.setState(StateConnected)
			err = c.readLoop(conn)
			c.detach(conn)
			uptime = time.Since(connectedAt)
		}

		if c.isDone(ctx) {
			c.setState(StateDisconnected)
			return
		}

		switch {
		case isAuthError(err):
			// Do not retry the raw connection with a dead token: refresh
			// once (shared with every other caller needing it) and rebuild
			// with whatever the refresh installed.
			//
			// A connection that served past the grace window was accepted
			// by the server; its auth error is the token aging out in-band,
			// not a rejection of the last refresh. The dial-time reset is
			// not enough here: a rejected just-refreshed token also dies
			// after a successful dial, just immediately.
			if uptime >= c.policy.StaleTokenGrace {
				authFailures = 0
			}
			authFailures++
			if authFailures > c.policy.MaxAuthFailures {
				c.logger.Error("realtime auth failures exceeded bound, giving up",
					zap.Int("failures", authFailures))
				c.setState(StateAuthFailed)
				return
			}
			c.setState(StateReconnecting)
			c.logger.Warn("realtime auth error, refreshing session", zap.Error(err))
			if refreshErr := c.sessions.Refresh(ctx); refreshErr != nil {
				// The session itself is unrecoverable; surfacing AuthFailed
				// (not looping) is what lets the app force a login.
				c.logger.Error("refresh after realtime auth error failed", zap.Error(refreshErr))
				c.setState(StateAuthFailed)
				return
			}

		default:
			// Generic transport loss: bounded backoff. The session is fine,
			// so exhausting the policy parks the channel Disconnected until
			// something kicks it.
			authFailures = 0
			attempts++
			if attempts > c.policy.MaxAttempts {
				c.logger.Warn("reconnect attempts exhausted",
					zap.Int("attempts", attempts-1), zap.Error(err))
				c.setState(StateDisconnected)
				if !c.waitForKick(ctx) {
					return
				}
				attempts = 0
				continue
			}
			c.setState(StateReconnecting)
			c.logger.Info("realtime connection lost, retrying",
				zap.Int("attempt", attempts), zap.Error(err))
			if !c.sleep(ctx, c.backoff(attempts)) {
				c.setState(StateDisconnected)
				return
			}
		}
	}
}

// dial opens the websocket, authenticates, and replays room membership.
// Joins go out before the read loop starts, so no application event can be
// dispatched to a room the client has not (re)joined on this connection.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	token := c.sessions.AccessToken()
	q.Set("token", token)
	q.Set("tenant", c.tenant)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: handshake rejected: %v", errdefs.ErrAuthExpired, err)
		}
		return nil, fmt.Errorf("%w: dial: %v", errdefs.ErrTransportUnavailable, err)
	}

	if err := c.send(conn, EventAuth, AuthPayload{Token: token, TenantSubdomain: c.tenant}); err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	c.mu.Unlock()
	for _, room := range rooms {
		if err := c.send(conn, EventJoin, JoinPayload{Room: room}); err != nil {
			conn.Close()
			return nil, err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// readLoop pumps frames until the connection dies, dispatching each event
// to its subscribers in delivery order.
func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if isAuthCloseError(err) {
				return fmt.Errorf("%w: %v", errdefs.ErrAuthExpired, err)
			}
			return fmt.Errorf("%w: read: %v", errdefs.ErrTransportUnavailable, err)
		}

		if env.Event == EventAuthError {
			var p ErrorPayload
			_ = (Event{Data: env.Data}).Decode(&p)
			return fmt.Errorf("%w: %s", errdefs.ErrAuthExpired, p.Message)
		}

		c.dispatch(Event{Name: env.Event, Data: env.Data})
	}
}

func (c *Channel) dispatch(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs[ev.Name] {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("dropping realtime event for slow subscriber",
				zap.String("event", ev.Name))
		}
	}
}

func (c *Channel) send(conn *websocket.Conn, event string, payload any) error {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", errdefs.ErrTransportUnavailable, event, err)
	}
	return nil
}

func (c *Channel) setState(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.statusSubs {
		select {
		case ch <- next:
		default:
		}
	}
}

func (c *Channel) detach(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Channel) backoff(attempt int) time.Duration {
	d := c.policy.BaseDelay << (attempt - 1)
	if d > c.policy.MaxDelay || d <= 0 {
		return c.policy.MaxDelay
	}
	return d
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.reconnectNow:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// waitForKick parks the loop after the reconnect policy is exhausted.
// Returns false when the channel is closing.
func (c *Channel) waitForKick(ctx context.Context) bool {
	select {
	case <-c.reconnectNow:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) isDone(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	env := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	return data, nil
}

// Token-failure recognition. The backend (and proxies in front of it) word
// these differently at different layers, so match the known patterns.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, errdefs.ErrAuthExpired) || isAuthMessage(err.Error())
}

func isAuthCloseError(err error) bool {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		return closeErr.Code == websocket.ClosePolicyViolation || isAuthMessage(closeErr.Text)
	}
	return false
}

func isAuthMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, pattern := range []string{
		"invalid token", "expired token", "token expired",
		"malformed token", "jwt", "unauthorized",
	} {
		if strings.Contains(m, pattern) {
			return true
		}
	}
	return false
}
