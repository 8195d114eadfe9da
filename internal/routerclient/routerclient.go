// Package routerclient is the Router Oracle (C2): a client for the
// Babel-style distance-vector routing daemon's line-oriented TCP protocol
// (spec.md §4.2, §6). Route snapshots are immutable and passed by value into
// each accounting round.
package routerclient

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"
)

// Route is a single installed-or-not distance-vector entry.
type Route struct {
	Prefix     net.IPNet
	Installed  bool
	Metric     uint16
	Refmetric  uint16
	Price      uint32
}

// HostRoute reports whether r names a single host (/128) route, the only
// kind that participates in pricing (spec.md §3).
func (r Route) HostRoute() bool {
	ones, bits := r.Prefix.Mask.Size()
	return bits == 128 && ones == 128
}

// Snapshot is an immutable set of routes taken at one instant.
type Snapshot struct {
	routes map[string]Route // keyed by prefix.String()
}

// NewSnapshot builds a Snapshot from an explicit route list. Used by tests
// and by any caller that already has a parsed route set in hand.
func NewSnapshot(routes []Route) Snapshot {
	m := make(map[string]Route, len(routes))
	for _, r := range routes {
		m[r.Prefix.String()] = r
	}
	return Snapshot{routes: m}
}

// InstalledRoute returns the currently installed route to dest, if any.
func (s Snapshot) InstalledRoute(dest net.IP) (Route, bool) {
	for _, r := range s.routes {
		if r.Installed && r.HostRoute() && r.Prefix.IP.Equal(dest) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns every route in the snapshot, for callers (such as the
// Relay Traffic Watcher) that must enumerate all known destinations once per
// round rather than look up a single one.
func (s Snapshot) Routes() []Route {
	out := make([]Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	return out
}

// DoWeHaveRoute reports whether dest is reachable in this snapshot.
func DoWeHaveRoute(dest net.IP, s Snapshot) bool {
	_, ok := s.InstalledRoute(dest)
	return ok
}

// CappedPrice returns the route's price, capped at maxFee (spec.md §4.2),
// preventing griefing by an astronomically priced route advertisement.
func CappedPrice(route Route, maxFee uint32) uint32 {
	if route.Price > maxFee {
		return maxFee
	}
	return route.Price
}

// Client maintains a long-lived connection to the routing daemon and
// refreshes Snapshot on demand. A connection failure is fatal for the
// ongoing round; the next round's RouteRefresh call attempts to reconnect
// (spec.md §6).
type Client struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

// New returns a Client pointed at the routing daemon's TCP address.
func New(addr string) *Client {
	return &Client{addr: addr}
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	d := net.Dialer{Timeout: 4 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing routing daemon")
	}
	// Version handshake: we request line-oriented operation, then read and
	// discard the daemon's one-line reply.
	if _, err := conn.Write([]byte("request-version babel-rita 1\n")); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "handshake")
	}
	r := bufio.NewReader(conn)
	if _, err := r.ReadString('\n'); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "reading handshake reply")
	}
	c.conn = conn
	return conn, nil
}

// Refresh issues `dump` and parses the returned `add route ...` lines into a
// new immutable Snapshot. Any protocol or connection error closes the
// connection so the next round reconnects from scratch.
func (c *Client) Refresh(ctx context.Context) (Snapshot, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := conn.Write([]byte("dump\n")); err != nil {
		c.closeLocked()
		return Snapshot{}, errors.Wrap(err, "sending dump")
	}

	routes := make(map[string]Route)
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			c.closeLocked()
			return Snapshot{}, errors.Wrap(err, "reading dump")
		}
		line = strings.TrimSpace(line)
		if line == "" || line == "done" {
			break
		}
		route, key, ok := parseAddRoute(line)
		if !ok {
			dlog.Warnf(ctx, "routerclient: protocol error, skipping line %q", line)
			continue
		}
		routes[key] = route
	}
	return Snapshot{routes: routes}, nil
}

// parseAddRoute parses one "add route prefix=<cidr> installed=<bool>
// metric=<n> refmetric=<n> price=<n>" line.
func parseAddRoute(line string) (Route, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "add" || fields[1] != "route" {
		return Route{}, "", false
	}
	var r Route
	var prefixStr string
	for _, f := range fields[2:] {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "prefix":
			prefixStr = kv[1]
		case "installed":
			r.Installed = kv[1] == "true"
		case "metric":
			v, err := strconv.ParseUint(kv[1], 10, 16)
			if err != nil {
				return Route{}, "", false
			}
			r.Metric = uint16(v)
		case "refmetric":
			v, err := strconv.ParseUint(kv[1], 10, 16)
			if err != nil {
				return Route{}, "", false
			}
			r.Refmetric = uint16(v)
		case "price":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil {
				return Route{}, "", false
			}
			r.Price = uint32(v)
		}
	}
	if prefixStr == "" {
		return Route{}, "", false
	}
	_, ipnet, err := net.ParseCIDR(prefixStr)
	if err != nil {
		return Route{}, "", false
	}
	r.Prefix = *ipnet
	return r, prefixStr, true
}

// Monitor enlists iface in the routing daemon's consideration.
func (c *Client) Monitor(ctx context.Context, iface string) error {
	return c.sendCommand(ctx, "monitor "+iface)
}

// Unmonitor drops iface from the routing daemon's consideration.
func (c *Client) Unmonitor(ctx context.Context, iface string) error {
	return c.sendCommand(ctx, "unmonitor "+iface)
}

func (c *Client) sendCommand(ctx context.Context, cmd string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		c.closeLocked()
		return errors.Wrapf(err, "sending %q", cmd)
	}
	return nil
}

func (c *Client) closeLocked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.closeLocked()
	return nil
}
