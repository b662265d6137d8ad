package models

import "time"

// RequestStatus is the lifecycle status of a service request.
// Requests only move forward; completed and cancelled are terminal.
type RequestStatus string

const (
	StatusPending      RequestStatus = "pending"
	StatusAcknowledged RequestStatus = "acknowledged"
	StatusCompleted    RequestStatus = "completed"
	StatusCancelled    RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is valid from s.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// RequestType distinguishes what the customer is asking for.
type RequestType string

const (
	TypeWaiter RequestType = "waiter"
	TypeBill   RequestType = "bill"
	TypeCustom RequestType = "custom"
)

// ServiceRequest is a single call-waiter request as the backend reports it.
//
// The client never invents an ID — every ServiceRequest it holds originated
// from the backend, either through a REST snapshot or a realtime confirmation
// event. JSON tags follow the wire contract (camelCase); realtime events and
// REST snapshots carry the same shape, so one struct serves both paths.
type ServiceRequest struct {
	ID             string        `json:"id"`
	TableID        string        `json:"tableId"`
	Type           RequestType   `json:"type"`
	Status         RequestStatus `json:"status"`
	CustomNote     string        `json:"customNote,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	AcknowledgedAt *time.Time    `json:"acknowledgedAt,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	AcknowledgedBy string        `json:"acknowledgedBy,omitempty"`
	CompletedBy    string        `json:"completedBy,omitempty"`
}

// Table is display metadata for a restaurant table, resolved in batches
// when requests reference tables the client has not seen yet.
type Table struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number int    `json:"number"`
}

// User is the authenticated identity attached to a session.
type User struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Tenant      string `json:"tenant"`
}

// RoleSuperadmin operates across tenants; its requests skip the tenant header.
const RoleSuperadmin = "superadmin"

// Session is the authenticated state owned by the session store.
// Mutated only by login and refresh, destroyed by logout or a failed refresh.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	User         User      `json:"user"`
	AccessExpiry time.Time `json:"accessExpiry"`
}

// CustomerSession is the persisted record of a customer's one active request,
// scoped to a table and bounded by an absolute expiry window from Timestamp.
// It is never persisted without an ActiveRequestID.
type CustomerSession struct {
	TableID         string        `json:"tableId"`
	ActiveRequestID string        `json:"activeRequestId"`
	RequestStatus   RequestStatus `json:"requestStatus"`
	RequestType     RequestType   `json:"requestType"`
	CustomNote      string        `json:"customNote,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}
