package identity

import (
	"net"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/althea-mesh/rita-go/pkg/wgkey"
)

func mustKey(t *testing.T) wgkey.Key {
	t.Helper()
	k, err := wgkey.Generate()
	require.NoError(t, err)
	return k
}

func TestIdentityEqual(t *testing.T) {
	k := mustKey(t)
	a := Identity{MeshIP: net.ParseIP("fd00::1"), EthAddress: common.HexToAddress("0x1"), WgPublicKey: k}
	b := Identity{MeshIP: net.ParseIP("fd00::1"), EthAddress: common.HexToAddress("0x1"), WgPublicKey: k}
	require.True(t, a.Equal(b))

	c := b
	c.EthAddress = common.HexToAddress("0x2")
	require.False(t, a.Equal(c))
}

func TestGlobalKeyStable(t *testing.T) {
	k := mustKey(t)
	a := Identity{MeshIP: net.ParseIP("fd00::1"), EthAddress: common.HexToAddress("0x1"), WgPublicKey: k}
	b := a
	require.Equal(t, a.Global(), b.Global())
}

func TestHaveTunnelOrDefault(t *testing.T) {
	li := LocalIdentity{}
	require.True(t, li.HaveTunnelOrDefault(), "nil have_tunnel must default to true")

	li.HaveTunnel = BoolPtr(false)
	require.False(t, li.HaveTunnelOrDefault())
}

func TestPeerOffLink(t *testing.T) {
	p := Peer{ContactSocket: net.UDPAddr{IP: net.ParseIP("fd00::2"), Port: 60000}, Ifidx: 0}
	require.Equal(t, uint32(0), p.Ifidx)
}
