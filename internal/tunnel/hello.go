package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"

	"github.com/althea-mesh/rita-go/internal/identity"
)

const (
	helloTimeout = 4 * time.Second
	dnsTimeout   = 1 * time.Second
)

// Self is the information this node presents in a Hello.
type Self struct {
	LocalIdentity identity.LocalIdentity
	HelloPort     uint16
}

// ContactDirectPeer sends a signed Hello to (peer.ip, rita_hello_port)
// carrying our LocalIdentity with a speculatively allocated port
// (spec.md §4.3).
func (m *Manager) ContactDirectPeer(ctx context.Context, self Self, peer identity.Peer) error {
	speculativePort, err := m.ports.Get(ctx, m.kernel)
	if err != nil {
		return err
	}

	ourLocalID := self.LocalIdentity
	ourLocalID.WgPort = speculativePort

	theirs, err := postHello(ctx, net.JoinHostPort(peer.ContactSocket.IP.String(), fmt.Sprintf("%d", self.HelloPort)), ourLocalID)
	if err != nil {
		m.ports.Return(speculativePort)
		return err
	}

	_, _, err = m.OpenTunnel(ctx, theirs, peer, &speculativePort)
	return err
}

// ContactHostnamePeer resolves hostname with a 1s timeout and fans out one
// Hello per resolved address. Manual/gateway-only (spec.md §4.3). On DNS
// failure, the speculative port is returned to the pool.
func (m *Manager) ContactHostnamePeer(ctx context.Context, self Self, hostname string, helloPort uint16, ifidx uint32) error {
	speculativePort, err := m.ports.Get(ctx, m.kernel)
	if err != nil {
		return err
	}

	addrs, err := resolveWithTimeout(ctx, hostname, dnsTimeout)
	if err != nil {
		m.ports.Return(speculativePort)
		return errors.Wrapf(err, "resolving manual peer %q", hostname)
	}

	ourLocalID := self.LocalIdentity
	ourLocalID.WgPort = speculativePort

	var firstErr error
	usedSpeculative := false
	for _, addr := range addrs {
		peer := identity.Peer{ContactSocket: net.UDPAddr{IP: addr, Port: int(helloPort)}, Ifidx: ifidx}
		theirs, err := postHello(ctx, net.JoinHostPort(addr.String(), fmt.Sprintf("%d", helloPort)), ourLocalID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var port *uint16
		if !usedSpeculative {
			port = &speculativePort
			usedSpeculative = true
		}
		if _, _, err := m.OpenTunnel(ctx, theirs, peer, port); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if !usedSpeculative {
		m.ports.Return(speculativePort)
	}
	return firstErr
}

// resolveWithTimeout queries the system's configured resolvers directly via
// miekg/dns (A and AAAA, since a manual peer may be named by either family),
// bounding the whole lookup to timeout rather than relying on the platform
// resolver's own (often much longer) timeout behavior.
func resolveWithTimeout(ctx context.Context, hostname string, timeout time.Duration) ([]net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, errors.Wrap(err, "reading resolver config")
	}
	if len(conf.Servers) == 0 {
		return nil, errors.New("no DNS servers configured")
	}
	server := net.JoinHostPort(conf.Servers[0], conf.Port)

	client := &dns.Client{Timeout: timeout}
	fqdn := dns.Fqdn(hostname)

	var addrs []net.IP
	for _, qtype := range []uint16{dns.TypeAAAA, dns.TypeA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		reply, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			continue
		}
		for _, rr := range reply.Answer {
			switch rec := rr.(type) {
			case *dns.AAAA:
				addrs = append(addrs, rec.AAAA)
			case *dns.A:
				addrs = append(addrs, rec.A)
			}
		}
	}
	if len(addrs) == 0 {
		return nil, errors.Errorf("no A/AAAA records found for %q", hostname)
	}
	return addrs, nil
}

// postHello performs the HTTP POST /hello exchange, returning the peer's
// LocalIdentity from the response body.
func postHello(ctx context.Context, hostport string, ours identity.LocalIdentity) (identity.LocalIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	body, err := json.Marshal(ours)
	if err != nil {
		return identity.LocalIdentity{}, errors.Wrap(err, "marshaling hello")
	}

	url := fmt.Sprintf("http://%s/hello", hostport)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return identity.LocalIdentity{}, errors.Wrap(err, "building hello request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return identity.LocalIdentity{}, errors.Wrap(err, "sending hello")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return identity.LocalIdentity{}, errors.Errorf("hello to %s returned status %d", hostport, resp.StatusCode)
	}

	var theirs identity.LocalIdentity
	if err := json.NewDecoder(resp.Body).Decode(&theirs); err != nil {
		return identity.LocalIdentity{}, errors.Wrap(err, "decoding hello response")
	}
	return theirs, nil
}

// HelloServer implements the /hello endpoint (spec.md §6): authentication is
// implicit, enforced by the caller matching the advertised WireGuard key to
// the one used to open the tunnel.
type HelloServer struct {
	manager *Manager
	self    Self
}

// NewHelloServer constructs a HelloServer bound to manager.
func NewHelloServer(manager *Manager, self Self) *HelloServer {
	return &HelloServer{manager: manager, self: self}
}

func (h *HelloServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost || r.URL.Path != "/hello" {
		http.NotFound(w, r)
		return
	}

	var theirs identity.LocalIdentity
	if err := json.NewDecoder(r.Body).Decode(&theirs); err != nil {
		dlog.Warnf(ctx, "hello: protocol error decoding request: %v", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	remoteHost, _, _ := net.SplitHostPort(r.RemoteAddr)
	peer := identity.Peer{ContactSocket: net.UDPAddr{IP: net.ParseIP(remoteHost), Port: int(theirs.WgPort)}}

	if _, _, err := h.manager.OpenTunnel(ctx, theirs, peer, nil); err != nil {
		dlog.Errorf(ctx, "hello: open_tunnel failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.self.LocalIdentity)
}

// PeersToContact runs neighbor inquiry for every observed peer, and, if this
// node is a gateway, also contacts every manually configured peer by IP or
// hostname (spec.md §4.3).
func (m *Manager) PeersToContact(ctx context.Context, self Self, peers []identity.Peer, gateway bool, manualPeers []ManualPeerConfig) error {
	var firstErr error
	for _, peer := range peers {
		if err := m.ContactDirectPeer(ctx, self, peer); err != nil {
			dlog.Warnf(ctx, "tunnel: contacting peer %s failed: %v", peer, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if !gateway {
		return firstErr
	}
	for _, mp := range manualPeers {
		var err error
		if mp.IP != "" {
			err = m.ContactDirectPeer(ctx, self, identity.Peer{
				ContactSocket: net.UDPAddr{IP: net.ParseIP(mp.IP), Port: int(self.HelloPort)},
				Ifidx:         0,
			})
		} else if mp.Hostname != "" {
			err = m.ContactHostnamePeer(ctx, self, mp.Hostname, self.HelloPort, 0)
		}
		if err != nil {
			dlog.Warnf(ctx, "tunnel: contacting manual peer %+v failed: %v", mp, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ManualPeerConfig mirrors config.ManualPeer without importing the config
// package, keeping tunnel free of a dependency on process-wide settings.
type ManualPeerConfig struct {
	IP       string
	Hostname string
}
