package tunnel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyStateChangesMembershipExpiredUnmonitors(t *testing.T) {
	m, _, r := newManager()
	ctx := context.Background()

	tun, _, err := m.OpenTunnel(ctx, testIdentity(1), testPeer("fe80::1", 2), nil)
	require.NoError(t, err)
	require.True(t, r.monitored[tun.IfaceName])

	err = m.ApplyStateChanges(ctx, []StateChange{{Identity: testIdentity(1).Global(), Action: MembershipExpired}})
	require.NoError(t, err)

	assert.Equal(t, NotRegistered, tun.State.Registration)
	assert.False(t, r.monitored[tun.IfaceName])
}

func TestApplyStateChangesNoopWhenAlreadyInTargetState(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	tun, _, err := m.OpenTunnel(ctx, testIdentity(1), testPeer("fe80::1", 2), nil)
	require.NoError(t, err)

	err = m.ApplyStateChanges(ctx, []StateChange{{Identity: testIdentity(1).Global(), Action: MembershipConfirmed}})
	require.NoError(t, err)
	assert.Equal(t, Registered, tun.State.Registration)
}

// S6: after a payment-state batch, free_tier_throughput is redistributed
// evenly across the Overdue set and codel shaping is restored for any Paid
// tunnel left carrying a limit.
func TestApplyStateChangesRedistributesBandwidthOnPaymentTransition(t *testing.T) {
	m, k, _ := newManager()
	ctx := context.Background()

	t1, _, err := m.OpenTunnel(ctx, testIdentity(1), testPeer("fe80::1", 2), nil)
	require.NoError(t, err)
	t2, _, err := m.OpenTunnel(ctx, testIdentity(2), testPeer("fe80::2", 3), nil)
	require.NoError(t, err)
	t3, _, err := m.OpenTunnel(ctx, testIdentity(3), testPeer("fe80::3", 4), nil)
	require.NoError(t, err)

	require.NoError(t, k.SetClasslessLimit(ctx, t3.IfaceName, 999))

	changes := []StateChange{
		{Identity: testIdentity(1).Global(), Action: PaymentOverdue},
		{Identity: testIdentity(2).Global(), Action: PaymentOverdue},
		{Identity: testIdentity(3).Global(), Action: PaidOnTime},
	}
	require.NoError(t, m.ApplyStateChanges(ctx, changes))

	assert.Equal(t, Overdue, t1.State.Payment)
	assert.Equal(t, Overdue, t2.State.Payment)
	assert.Equal(t, Paid, t3.State.Payment)

	assert.True(t, k.Monitored[t1.IfaceName], "overdue tunnel should carry a classless limit")
	assert.True(t, k.Monitored[t2.IfaceName])
	assert.False(t, k.Monitored[t3.IfaceName], "paid tunnel should have had its limit removed")
}
