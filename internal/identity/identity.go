// Package identity defines the three-part node handle shared by every
// component of the mesh router: a mesh IPv6 address, an on-chain account
// address, and a WireGuard public key.
package identity

import (
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/common"

	"github.com/althea-mesh/rita-go/pkg/wgkey"
)

// Identity is a (mesh_ip, eth_address, wg_public_key) triple. Two identities
// are equal iff all three components match.
type Identity struct {
	MeshIP      net.IP
	EthAddress  common.Address
	WgPublicKey wgkey.Key
}

// Equal reports whether id and other name the same node.
func (id Identity) Equal(other Identity) bool {
	return id.MeshIP.Equal(other.MeshIP) &&
		id.EthAddress == other.EthAddress &&
		id.WgPublicKey == other.WgPublicKey
}

// Key returns a comparable value suitable for use as a map key. net.IP is a
// slice and cannot itself be a map key, so we key on its string form plus the
// fixed-size fields.
type Key struct {
	MeshIP      string
	EthAddress  common.Address
	WgPublicKey wgkey.Key
}

// Global returns the map-key form of this identity. Named to match the
// "identity.global" field path used throughout the rest of this module, since
// the Debt Keeper and Tunnel Manager both index state by it.
func (id Identity) Global() Key {
	return Key{
		MeshIP:      id.MeshIP.String(),
		EthAddress:  id.EthAddress,
		WgPublicKey: id.WgPublicKey,
	}
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s/%s", id.MeshIP, id.EthAddress.Hex(), wgkey.Encode(id.WgPublicKey))
}

// LocalIdentity is an Identity plus the peer's locally chosen WireGuard
// listen port and its assertion about whether it already holds a tunnel to
// us.
type LocalIdentity struct {
	Identity
	WgPort     uint16
	HaveTunnel *bool // nil means unknown; treated as true defensively
}

// HaveTunnelOrDefault returns the peer's have_tunnel assertion, defaulting to
// true (the defensive assumption) when the peer did not report one.
func (li LocalIdentity) HaveTunnelOrDefault() bool {
	if li.HaveTunnel == nil {
		return true
	}
	return *li.HaveTunnel
}

// BoolPtr is a small helper for constructing LocalIdentity literals in tests
// and callers that need to assert a concrete have_tunnel value.
func BoolPtr(b bool) *bool {
	return &b
}

// Peer is an observed neighbor on a specific physical interface.
type Peer struct {
	// ContactSocket is the (ip, port) the peer was observed or configured at.
	ContactSocket net.UDPAddr
	// Ifidx is the physical interface index this peer was seen on.
	// Ifidx == 0 marks a manually configured, off-link peer.
	Ifidx uint32
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@if%d", p.ContactSocket.String(), p.Ifidx)
}
