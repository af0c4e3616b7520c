// Package pkg contains the shared domain types and collaborator
// interfaces used across wb-connection-manager.
package pkg

import (
	"context"
	"time"
)

// Connection types as reported by the connection service.
const (
	TypeEthernet = "802-3-ethernet"
	TypeWiFi     = "802-11-wireless"
	TypeGSM      = "gsm"
)

// SimSlotDefault marks a gsm connection that does not require a
// specific SIM slot and can be activated on whatever slot is primary.
const SimSlotDefault = -1

// Verdict is the outcome of a connectivity probe.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictUsable
	VerdictUnusable
)

func (v Verdict) String() string {
	switch v {
	case VerdictUsable:
		return "usable"
	case VerdictUnusable:
		return "unusable"
	default:
		return "unknown"
	}
}

// ConnectionDescriptor identifies one managed connection and its
// position in the priority table. Lower rank is more preferred.
type ConnectionDescriptor struct {
	ID   string `json:"id"`
	Rank int    `json:"rank"`
}

// ConnectionRecord is the live view of a configured connection as
// reported by the connection service.
type ConnectionRecord struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SimSlot   int    `json:"sim_slot"` // SimSlotDefault unless the profile pins a slot
	Active    bool   `json:"active"`
	Interface string `json:"interface,omitempty"` // IP interface, set when active
}

// SlotScoped reports whether activating this connection requires a
// specific SIM slot to be primary first.
func (r *ConnectionRecord) SlotScoped() bool {
	return r.Type == TypeGSM && r.SimSlot != SimSlotDefault
}

// EventType classifies controller state transitions.
type EventType string

const (
	EventFailover  EventType = "failover"
	EventPromotion EventType = "promotion"
	EventDegraded  EventType = "degraded"
	EventExhausted EventType = "exhausted"
)

// Event records one controller state transition.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// ConnectionManager is the narrow view of the connection service the
// core depends on. Activate and Deactivate block until the service
// reports the terminal state or their internal timeout elapses.
type ConnectionManager interface {
	ListConnections(ctx context.Context) ([]*ConnectionRecord, error)
	FindConnection(ctx context.Context, id string) (*ConnectionRecord, error)
	ActivateConnection(ctx context.Context, id string) error
	DeactivateConnection(ctx context.Context, id string) error
}

// ModemManager is the narrow view of the modem service the slot
// coordinator depends on. A successful SetPrimarySimSlot does not
// guarantee immediate effect; callers must poll GetPrimarySimSlot.
type ModemManager interface {
	GetPrimarySimSlot(ctx context.Context) (int, error)
	SetPrimarySimSlot(ctx context.Context, slot int) error
}

// Prober issues a single bounded-time reachability check through the
// given network interface.
type Prober interface {
	Probe(ctx context.Context, iface string) Verdict
}
