// Package tunnel is the Tunnel Manager (C3): it owns the set of tunnels, the
// port pool, the neighbor-contact protocol, and the per-tunnel state machine
// (spec.md §4.3).
package tunnel

import (
	"net"
	"time"

	"github.com/althea-mesh/rita-go/internal/identity"
)

// RegistrationState is one axis of a tunnel's combined state (spec.md §3).
type RegistrationState int

const (
	Registered RegistrationState = iota
	NotRegistered
)

func (r RegistrationState) String() string {
	if r == Registered {
		return "Registered"
	}
	return "NotRegistered"
}

// PaymentState is the other axis.
type PaymentState int

const (
	Paid PaymentState = iota
	Overdue
)

func (p PaymentState) String() string {
	if p == Paid {
		return "Paid"
	}
	return "Overdue"
}

// State is the explicit (registration, payment) pair. The initial value for
// a freshly opened tunnel is {Registered, Paid}.
type State struct {
	Registration RegistrationState
	Payment      PaymentState
}

// Tunnel is the in-memory record for one encrypted link (spec.md §3).
type Tunnel struct {
	IP          net.IP
	IfaceName   string
	ListenIfidx uint32
	ListenPort  uint16
	NeighID     identity.LocalIdentity
	LastContact time.Time
	State       State
}

// Action is one of the four actions that drive state transitions
// (spec.md §4.3).
type Action int

const (
	MembershipConfirmed Action = iota
	MembershipExpired
	PaidOnTime
	PaymentOverdue
)

// StateChange is a TunnelStateChange event (spec.md §4.3).
type StateChange struct {
	Identity identity.Key
	Action   Action
}
