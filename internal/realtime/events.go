package realtime

import "encoding/json"

// Client → server events.
const (
	EventAuth        = "auth"
	EventJoin        = "join"
	EventCallWaiter  = "call_waiter"
	EventAcknowledge = "acknowledge_request"
	EventComplete    = "complete_request"
	EventCancel      = "cancel_request"
)

// Server → client events.
const (
	EventNewRequest     = "new_request"
	EventRequestSent    = "request_sent"
	EventRequestUpdated = "request_updated"
	EventRequestStatus  = "request_status"
	EventError          = "error"
	EventAuthError      = "auth_error"
)

// envelope is the frame every message travels in, both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is one server-side event as delivered to subscribers.
type Event struct {
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// AuthPayload is the connection-time credential frame. The same token and
// tenant also travel as query parameters — some transports in front of the
// backend validate at the HTTP layer, some at the message layer, so both
// carry them.
type AuthPayload struct {
	Token           string `json:"token"`
	TenantSubdomain string `json:"tenantSubdomain"`
}

// JoinPayload asks the server to add this connection to a room. Join is
// idempotent; membership does not survive a new connection, which is why
// the channel replays joins after every reconnect.
type JoinPayload struct {
	Room string `json:"room"`
}

// CallWaiterPayload submits a new service request for a table.
type CallWaiterPayload struct {
	TableID    string `json:"tableId"`
	Type       string `json:"type"`
	CustomNote string `json:"customNote,omitempty"`
}

// RequestRef addresses an existing request (acknowledge/complete/cancel).
type RequestRef struct {
	ID string `json:"id"`
}

// StatusPayload is what request_status carries to the customer's table room.
type StatusPayload struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	AcknowledgedBy string `json:"acknowledgedBy,omitempty"`
}

// ErrorPayload is the body of error and auth_error events.
type ErrorPayload struct {
	Message string `json:"message"`
}

// RoomWaiters is where every staff client listens for tenant-wide request
// traffic. Customers join their table's room instead.
const RoomWaiters = "waiters"

// RoomForTable names the per-table room customers join.
func RoomForTable(tableID string) string {
	return "table:" + tableID
}
