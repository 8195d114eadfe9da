package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/althea-mesh/rita-go/internal/identity"
	"github.com/althea-mesh/rita-go/internal/kernel"
)

// fakeRouter is a no-op Monitor recording which interfaces are currently
// enlisted with the routing daemon.
type fakeRouter struct {
	monitored map[string]bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{monitored: make(map[string]bool)}
}

func (r *fakeRouter) Monitor(_ context.Context, iface string) error {
	r.monitored[iface] = true
	return nil
}

func (r *fakeRouter) Unmonitor(_ context.Context, iface string) error {
	delete(r.monitored, iface)
	return nil
}

func testIdentity(n byte) identity.LocalIdentity {
	var key [32]byte
	key[0] = n
	return identity.LocalIdentity{
		Identity: identity.Identity{
			MeshIP:      net.ParseIP(net.IPv6loopback.String()),
			EthAddress:  common.BytesToAddress([]byte{n}),
			WgPublicKey: key,
		},
		WgPort:     9000,
		HaveTunnel: identity.BoolPtr(false),
	}
}

func newManager() (*Manager, *kernel.Fake, *fakeRouter) {
	k := kernel.NewFake()
	r := newFakeRouter()
	pool := NewPortPool(60000)
	m := New(k, r, pool, net.ParseIP("fd00::1"), "/etc/rita/wg_private", "eth0", 1_000_000)
	return m, k, r
}

func testPeer(ip string, ifidx uint32) identity.Peer {
	return identity.Peer{ContactSocket: net.UDPAddr{IP: net.ParseIP(ip), Port: 60001}, Ifidx: ifidx}
}

// S1: first contact between two nodes creates exactly one tunnel.
func TestOpenTunnelCreatesNewTunnel(t *testing.T) {
	m, k, r := newManager()
	peer := testPeer("fe80::1", 2)
	their := testIdentity(1)

	tun, existed, err := m.OpenTunnel(context.Background(), their, peer, nil)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Len(t, k.Opened, 1)
	assert.True(t, r.monitored[tun.IfaceName])
	assert.Equal(t, State{Registered, Paid}, tun.State)
}

// S2: a second hello from the same peer who still claims a tunnel reuses the
// existing one without opening a second device.
func TestOpenTunnelReusesExisting(t *testing.T) {
	m, k, _ := newManager()
	peer := testPeer("fe80::1", 2)
	their := testIdentity(1)
	*their.HaveTunnel = true

	first, _, err := m.OpenTunnel(context.Background(), their, peer, nil)
	require.NoError(t, err)

	second, existed, err := m.OpenTunnel(context.Background(), their, peer, nil)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Same(t, first, second)
	assert.Len(t, k.Opened, 1, "no second device should have been opened")
}

// S3: asymmetric re-open — we hold a tunnel but the peer asserts it does not,
// so we tear down and recreate.
func TestOpenTunnelAsymmetricRecreate(t *testing.T) {
	m, k, _ := newManager()
	peer := testPeer("fe80::1", 2)
	their := testIdentity(1)
	*their.HaveTunnel = true

	first, _, err := m.OpenTunnel(context.Background(), their, peer, nil)
	require.NoError(t, err)

	*their.HaveTunnel = false
	second, existed, err := m.OpenTunnel(context.Background(), their, peer, nil)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.NotSame(t, first, second)
	assert.Len(t, k.Deleted, 1)
	assert.Len(t, k.Opened, 2)
}

// P1: listen_ifidx plus contact IP uniquely identify a tunnel within storage.
func TestFindTunnelUniquePerIfidxAndIP(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()
	their := testIdentity(1)

	t1, _, err := m.OpenTunnel(ctx, their, testPeer("fe80::1", 2), nil)
	require.NoError(t, err)
	t2, _, err := m.OpenTunnel(ctx, their, testPeer("fe80::2", 3), nil)
	require.NoError(t, err)

	assert.NotSame(t, t1, t2)
	assert.Len(t, m.Tunnels(their.Global()), 2)
}

// P2: every live tunnel's ListenPort is disjoint from the pool's free set,
// and the union is exactly the original port range.
func TestPortPoolDisjointFromLivePorts(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()
	originalSize := m.ports.Size()

	tun, _, err := m.OpenTunnel(ctx, testIdentity(1), testPeer("fe80::1", 2), nil)
	require.NoError(t, err)

	assert.Equal(t, originalSize-1, m.ports.Size())
	_, inPool := m.ports.free[tun.ListenPort]
	assert.False(t, inPool)

	require.NoError(t, m.TriggerGC(ctx, 0))
	assert.Equal(t, originalSize, m.ports.Size())
}

// P3: GC removes only tunnels whose last contact predates the threshold.
func TestTriggerGCRemovesOnlyStaleTunnels(t *testing.T) {
	m, k, _ := newManager()
	ctx := context.Background()

	fresh, _, err := m.OpenTunnel(ctx, testIdentity(1), testPeer("fe80::1", 2), nil)
	require.NoError(t, err)
	stale, _, err := m.OpenTunnel(ctx, testIdentity(2), testPeer("fe80::2", 3), nil)
	require.NoError(t, err)
	stale.LastContact = time.Now().Add(-time.Hour)

	require.NoError(t, m.TriggerGC(ctx, 10*time.Minute))

	assert.Contains(t, k.Deleted, stale.IfaceName)
	assert.NotContains(t, k.Deleted, fresh.IfaceName)
	assert.Len(t, m.Tunnels(testIdentity(1).Global()), 1)
	assert.Empty(t, m.Tunnels(testIdentity(2).Global()))
}
