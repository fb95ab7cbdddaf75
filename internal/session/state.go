// Package session owns the per-tenant connection lifecycle: the connection state
// machine, the registry of live connections and the fleet manager that starts,
// restores and stops them.
package session

import (
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingPairing
	StateConnected
)

// Status returns the persisted and emitted form of s.
func (s State) Status() model.ConnectionStatus {
	switch s {
	case StateConnecting:
		return model.StatusConnecting
	case StateAwaitingPairing:
		return model.StatusAwaitingPairing
	case StateConnected:
		return model.StatusConnected
	default:
		return model.StatusDisconnected
	}
}

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s.Status())
}

// Live reports whether a connection in s is running or trying to.
func (s State) Live() bool {
	return s != StateDisconnected
}

// Snapshot is a point-in-time view of a Connection.
type Snapshot struct {
	TenantID string
	State    State
	QR       string
	Identity model.Identity
}
