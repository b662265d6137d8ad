package sim

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/auth"
	"github.com/tably-dev/tably-go/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Development tool: any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSession is the per-connection state of the realtime endpoint.
type wsSession struct {
	client *wsClient
	claims *auth.Claims // nil for an anonymous customer connection
	authed bool
}

// handleWS speaks the realtime wire contract. Credentials arrive twice —
// as query parameters and as the auth first-frame — because the production
// edge validates at the HTTP layer while the backend validates the frame;
// the simulator checks both the way production does.
func (s *Server) handleWS(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing tenant"})
		return
	}

	queryToken := c.Query("token")
	queryClaims, err := s.checkToken(queryToken, tenant)
	if err != nil {
		// The handshake layer rejects outright; the client recognizes the
		// 401 as an auth failure and refreshes.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, upgradeErr := upgrader.Upgrade(c.Writer, c.Request, nil)
	if upgradeErr != nil {
		return
	}
	client := &wsClient{conn: conn, tenant: tenant}
	sess := &wsSession{client: client, claims: queryClaims}
	defer func() {
		s.hub.drop(client)
		conn.Close()
	}()

	for {
		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if !s.handleFrame(sess, tenant, frame) {
			return
		}
	}
}

// checkToken validates a connection token. Empty is allowed — customers
// connect anonymously — but a token that is present must verify and match
// the tenant.
func (s *Server) checkToken(token, tenant string) (*auth.Claims, error) {
	if token == "" {
		return nil, nil
	}
	claims, err := auth.ParseToken(token, s.cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	if claims.Role != models.RoleSuperadmin && claims.Tenant != tenant {
		return nil, errTenantMismatch
	}
	return claims, nil
}

var errTenantMismatch = &tenantMismatchError{}

type tenantMismatchError struct{}

func (*tenantMismatchError) Error() string { return "token tenant mismatch" }

// handleFrame processes one client frame; returns false to drop the
// connection.
func (s *Server) handleFrame(sess *wsSession, tenant string, frame wireFrame) bool {
	switch frame.Event {
	case "auth":
		var p struct {
			Token           string `json:"token"`
			TenantSubdomain string `json:"tenantSubdomain"`
		}
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.TenantSubdomain != tenant {
			sess.client.send("auth_error", gin.H{"message": "malformed token payload"})
			return false
		}
		claims, err := s.checkToken(p.Token, tenant)
		if err != nil {
			sess.client.send("auth_error", gin.H{"message": "invalid token"})
			return false
		}
		sess.claims = claims
		sess.authed = true
		return true

	case "join":
		if !sess.authed {
			sess.client.send("error", gin.H{"message": "join before auth"})
			return true
		}
		var p struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.Room == "" {
			sess.client.send("error", gin.H{"message": "invalid join"})
			return true
		}
		s.hub.join(sess.client, p.Room)
		return true

	case "call_waiter":
		return s.handleCallWaiter(sess, tenant, frame.Data)

	case "acknowledge_request":
		return s.handleTransition(sess, tenant, frame.Data, models.StatusAcknowledged)
	case "complete_request":
		return s.handleTransition(sess, tenant, frame.Data, models.StatusCompleted)
	case "cancel_request":
		return s.handleTransition(sess, tenant, frame.Data, models.StatusCancelled)

	default:
		sess.client.send("error", gin.H{"message": "unknown event: " + frame.Event})
		return true
	}
}

func (s *Server) handleCallWaiter(sess *wsSession, tenant string, data json.RawMessage) bool {
	var p struct {
		TableID    string `json:"tableId"`
		Type       string `json:"type"`
		CustomNote string `json:"customNote"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.TableID == "" {
		sess.client.send("error", gin.H{"message": "invalid call_waiter payload"})
		return true
	}

	// The backend mints the id; clients never do.
	req := models.ServiceRequest{
		ID:         uuid.NewString(),
		TableID:    p.TableID,
		Type:       models.RequestType(p.Type),
		Status:     models.StatusPending,
		CustomNote: p.CustomNote,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.tenant(tenant).requests[req.ID] = req
	s.mu.Unlock()

	s.logger.Info("request created",
		zap.String("tenant", tenant),
		zap.String("request", req.ID),
		zap.String("table", req.TableID),
	)

	// Confirmation to the submitter, fanout to the staff.
	sess.client.send("request_sent", req)
	s.hub.broadcast(tenant, "waiters", "new_request", req)
	return true
}

func (s *Server) handleTransition(sess *wsSession, tenant string, data json.RawMessage, next models.RequestStatus) bool {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &ref); err != nil || ref.ID == "" {
		sess.client.send("error", gin.H{"message": "invalid request reference"})
		return true
	}

	// Cancelling is open to the customer who asked; acknowledging and
	// completing are staff actions.
	if next != models.StatusCancelled && !isStaff(sess.claims) {
		sess.client.send("error", gin.H{"message": "staff credentials required"})
		return true
	}

	s.mu.Lock()
	ts := s.tenant(tenant)
	req, ok := ts.requests[ref.ID]
	if !ok || req.Status.Terminal() || !validTransition(req.Status, next) {
		s.mu.Unlock()
		sess.client.send("error", gin.H{"message": "invalid transition for request " + ref.ID})
		return true
	}
	now := time.Now().UTC()
	actor := ""
	if sess.claims != nil {
		actor = sess.claims.UserID
	}
	req.Status = next
	switch next {
	case models.StatusAcknowledged:
		req.AcknowledgedAt = &now
		req.AcknowledgedBy = actor
	case models.StatusCompleted:
		req.CompletedAt = &now
		req.CompletedBy = actor
	}
	ts.requests[req.ID] = req
	s.mu.Unlock()

	s.hub.broadcast(tenant, "waiters", "request_updated", req)
	s.hub.broadcast(tenant, "table:"+req.TableID, "request_status", gin.H{
		"id":             req.ID,
		"status":         string(req.Status),
		"acknowledgedBy": req.AcknowledgedBy,
	})
	return true
}

func isStaff(claims *auth.Claims) bool {
	if claims == nil {
		return false
	}
	switch claims.Role {
	case "waiter", "admin", models.RoleSuperadmin:
		return true
	}
	return false
}

// validTransition enforces forward-only movement: no way back to pending,
// nothing after a terminal state (terminal is checked by the caller).
func validTransition(from, to models.RequestStatus) bool {
	switch to {
	case models.StatusAcknowledged:
		return from == models.StatusPending
	case models.StatusCompleted, models.StatusCancelled:
		return from == models.StatusPending || from == models.StatusAcknowledged
	}
	return false
}
