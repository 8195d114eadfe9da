package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"

	"github.com/althea-mesh/rita-go/internal/identity"
	"github.com/althea-mesh/rita-go/internal/kernel"
)

// Monitor is the subset of the Router Oracle's API the Tunnel Manager needs
// to enlist/drop tunnels from the routing daemon's consideration
// (spec.md §4.3, §6).
type Monitor interface {
	Monitor(ctx context.Context, iface string) error
	Unmonitor(ctx context.Context, iface string) error
}

// Manager owns the tunnel storage, the port pool, and drives the per-tunnel
// state machine (spec.md §4.3).
type Manager struct {
	kernel kernel.Interface
	router Monitor
	ports  *PortPool

	meshIP             net.IP
	privateKeyPath     string
	externalNIC        string
	freeTierThroughput uint64

	mu      sync.Mutex
	storage map[identity.Key][]*Tunnel

	ifaceSeq uint64
}

// New constructs a Manager.
func New(k kernel.Interface, router Monitor, ports *PortPool, meshIP net.IP, privateKeyPath, externalNIC string, freeTierThroughput uint64) *Manager {
	return &Manager{
		kernel:             k,
		router:             router,
		ports:              ports,
		meshIP:             meshIP,
		privateKeyPath:     privateKeyPath,
		externalNIC:        externalNIC,
		freeTierThroughput: freeTierThroughput,
		storage:            make(map[identity.Key][]*Tunnel),
	}
}

func (m *Manager) nextIfaceName() string {
	n := atomic.AddUint64(&m.ifaceSeq, 1)
	return fmt.Sprintf("rita%d", n)
}

// Tunnels returns a snapshot slice of every tunnel for the given identity,
// for tests and observability.
func (m *Manager) Tunnels(id identity.Key) []*Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tunnel, len(m.storage[id]))
	copy(out, m.storage[id])
	return out
}

// AllTunnels returns every live tunnel across every identity, for the
// bandwidth-limit pass and GC.
func (m *Manager) AllTunnels() []*Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Tunnel
	for _, ts := range m.storage {
		out = append(out, ts...)
	}
	return out
}

func findTunnel(tunnels []*Tunnel, ifidx uint32, ip net.IP) *Tunnel {
	for _, t := range tunnels {
		if t.ListenIfidx == ifidx && t.IP.Equal(ip) {
			return t
		}
	}
	return nil
}

// OpenTunnel is the central decision procedure of spec.md §4.3: given the
// peer's asserted LocalIdentity and contact socket, it either reuses an
// existing tunnel, replaces a stale one, or creates a new one.
//
// ourPort is the speculatively allocated port if the caller is the one who
// initiated contact; it is nil when responding to a peer-initiated hello, in
// which case OpenTunnel draws one itself.
func (m *Manager) OpenTunnel(ctx context.Context, theirLocalID identity.LocalIdentity, peer identity.Peer, ourPort *uint16) (*Tunnel, bool, error) {
	key := theirLocalID.Global()

	m.mu.Lock()
	existing := findTunnel(m.storage[key], peer.Ifidx, peer.ContactSocket.IP)
	m.mu.Unlock()

	weHaveTunnel := existing != nil
	theyHaveTunnel := theirLocalID.HaveTunnelOrDefault()

	switch {
	case weHaveTunnel && theyHaveTunnel:
		existing.LastContact = time.Now()
		if ourPort != nil {
			m.ports.Return(*ourPort)
		}
		return existing, true, nil

	case weHaveTunnel && !theyHaveTunnel:
		if err := m.destroyTunnel(ctx, existing); err != nil {
			return nil, false, err
		}
		m.removeFromStorage(key, existing)
		created, err := m.createTunnel(ctx, theirLocalID, peer, ourPort)
		if err != nil {
			return nil, false, err
		}
		return created, true, nil

	default: // neither has, or we don't have (regardless of their assertion)
		created, err := m.createTunnel(ctx, theirLocalID, peer, ourPort)
		if err != nil {
			return nil, false, err
		}
		return created, false, nil
	}
}

func (m *Manager) createTunnel(ctx context.Context, theirLocalID identity.LocalIdentity, peer identity.Peer, ourPort *uint16) (*Tunnel, error) {
	var port uint16
	if ourPort != nil {
		port = *ourPort
	} else {
		p, err := m.ports.Get(ctx, m.kernel)
		if err != nil {
			return nil, err
		}
		port = p
	}

	iface := m.nextIfaceName()
	remote := peer.ContactSocket
	if err := m.kernel.OpenTunnel(ctx, iface, port, remote, wgPubkeyHex(theirLocalID), m.privateKeyPath, m.meshIP, m.externalNIC, false); err != nil {
		m.ports.Return(port)
		return nil, err
	}
	if err := m.router.Monitor(ctx, iface); err != nil {
		dlog.Warnf(ctx, "tunnel: failed to register %s with routing daemon: %v", iface, err)
	}

	t := &Tunnel{
		IP:          peer.ContactSocket.IP,
		IfaceName:   iface,
		ListenIfidx: peer.Ifidx,
		ListenPort:  port,
		NeighID:     theirLocalID,
		LastContact: time.Now(),
		State:       State{Registration: Registered, Payment: Paid},
	}

	key := theirLocalID.Global()
	m.mu.Lock()
	m.storage[key] = append(m.storage[key], t)
	m.mu.Unlock()

	dlog.Infof(ctx, "tunnel: opened %s for %s", iface, theirLocalID.Identity)
	return t, nil
}

func (m *Manager) destroyTunnel(ctx context.Context, t *Tunnel) error {
	if err := m.router.Unmonitor(ctx, t.IfaceName); err != nil {
		dlog.Warnf(ctx, "tunnel: failed to unmonitor %s: %v", t.IfaceName, err)
	}
	if err := m.kernel.DelInterface(ctx, t.IfaceName); err != nil {
		return err
	}
	m.ports.Return(t.ListenPort)
	return nil
}

func (m *Manager) removeFromStorage(key identity.Key, target *Tunnel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tunnels := m.storage[key]
	for i, t := range tunnels {
		if t == target {
			m.storage[key] = append(tunnels[:i], tunnels[i+1:]...)
			return
		}
	}
}

// TriggerGC partitions storage into fresh and stale tunnels
// (now-last_contact < threshold is fresh) and destroys the stale ones. The
// in-memory storage is updated to the fresh set BEFORE anything is
// destroyed, so a failed destruction never leaves storage claiming a tunnel
// still exists (spec.md §4.3, invariant I4).
func (m *Manager) TriggerGC(ctx context.Context, threshold time.Duration) error {
	now := time.Now()

	m.mu.Lock()
	var stale []*Tunnel
	for key, tunnels := range m.storage {
		fresh := tunnels[:0:0]
		for _, t := range tunnels {
			if now.Sub(t.LastContact) < threshold {
				fresh = append(fresh, t)
			} else {
				stale = append(stale, t)
			}
		}
		if len(fresh) == 0 {
			delete(m.storage, key)
		} else {
			m.storage[key] = fresh
		}
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, t := range stale {
		dlog.Infof(ctx, "tunnel: GC destroying stale tunnel %s (last contact %s)", t.IfaceName, t.LastContact)
		if err := m.destroyTunnel(ctx, t); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func wgPubkeyHex(li identity.LocalIdentity) string {
	return li.WgPublicKey.String()
}
