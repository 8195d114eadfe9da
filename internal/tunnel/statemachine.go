package tunnel

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
)

// ApplyStateChanges drives the per-tunnel state machine for a batch of
// TunnelStateChange events (spec.md §4.3's transition table). The
// registration and payment axes are independent: a change on one axis never
// affects the other beyond the shared post-batch bandwidth-limit pass
// (spec.md §9 Open Question on orthogonality).
func (m *Manager) ApplyStateChanges(ctx context.Context, changes []StateChange) error {
	var result *multierror.Error
	paymentTransitionOccurred := false

	for _, c := range changes {
		m.mu.Lock()
		tunnels := m.storage[c.Identity]
		m.mu.Unlock()

		for _, t := range tunnels {
			changed, err := applyOne(ctx, m, t, c.Action)
			if err != nil {
				result = multierror.Append(result, err)
				continue
			}
			if changed && (c.Action == PaidOnTime || c.Action == PaymentOverdue) {
				paymentTransitionOccurred = true
			}
		}
	}

	if paymentTransitionOccurred {
		if err := m.updateBandwidthLimits(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// applyOne applies a single action to a single tunnel's state, per the
// explicit four-row table in spec.md §4.3. All other (state, action)
// combinations are no-ops.
func applyOne(ctx context.Context, m *Manager, t *Tunnel, action Action) (bool, error) {
	switch action {
	case MembershipExpired:
		if t.State.Registration == Registered {
			t.State.Registration = NotRegistered
			if err := m.router.Unmonitor(ctx, t.IfaceName); err != nil {
				dlog.Warnf(ctx, "tunnel: unmonitor %s failed: %v", t.IfaceName, err)
			}
			return true, nil
		}
	case MembershipConfirmed:
		if t.State.Registration == NotRegistered {
			t.State.Registration = Registered
			if err := m.router.Monitor(ctx, t.IfaceName); err != nil {
				dlog.Warnf(ctx, "tunnel: monitor %s failed: %v", t.IfaceName, err)
			}
			return true, nil
		}
	case PaymentOverdue:
		if t.State.Payment == Paid {
			t.State.Payment = Overdue
			return true, nil
		}
	case PaidOnTime:
		if t.State.Payment == Overdue {
			t.State.Payment = Paid
			return true, nil
		}
	}
	return false, nil
}

// updateBandwidthLimits redistributes the free-tier throughput budget across
// every currently-Overdue tunnel and removes the limit from every Paid
// tunnel that currently has one (spec.md §4.3, §8 S6).
func (m *Manager) updateBandwidthLimits(ctx context.Context) error {
	all := m.AllTunnels()

	var overdue []*Tunnel
	var paid []*Tunnel
	for _, t := range all {
		if t.State.Payment == Overdue {
			overdue = append(overdue, t)
		} else {
			paid = append(paid, t)
		}
	}

	var result *multierror.Error
	k := len(overdue)
	if k > 0 {
		budget := m.freeTierThroughput / uint64(k)
		for _, t := range overdue {
			if err := m.kernel.SetClasslessLimit(ctx, t.IfaceName, budget); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	for _, t := range paid {
		has, err := m.kernel.HasLimit(ctx, t.IfaceName)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if has {
			if err := m.kernel.SetCodelShaping(ctx, t.IfaceName); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}
