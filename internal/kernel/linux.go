package kernel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-iptables/iptables"
	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
)

// Linux is the production Interface implementation. It shells out to `ip`,
// `tc`, and `wg` the way the teacher's daemon shells out to `iptables` and
// platform tools (pkg/client/daemon, cmd/traffic/cmd/agentinit), and uses
// github.com/coreos/go-iptables for the accounting counter chains.
//
// The underlying iptables byte counters are cumulative since rule install;
// Linux keeps the "previous cumulative reading" cursor per key so that every
// ReadCounters call returns a reset-on-read delta. ReadWGCounters returns the
// cumulative `wg show transfer` totals unchanged.
type Linux struct {
	ipt *iptables.IPTables

	mu      sync.Mutex
	cursor  map[Direction]map[CounterKey]uint64
	limited map[string]bool
}

// NewLinux constructs a Linux kernel facade whose counter chains live in the
// filter table.
func NewLinux() (*Linux, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, wrap("iptables init", err)
	}
	return &Linux{
		ipt:     ipt,
		cursor:  make(map[Direction]map[CounterKey]uint64),
		limited: make(map[string]bool),
	}, nil
}

func chainFor(dir Direction) string {
	return "RITA_" + dir.String()
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := dexec.CommandContext(ctx, name, args...)
	if err := cmd.Run(); err != nil {
		return err
	}
	return nil
}

func (l *Linux) OpenTunnel(ctx context.Context, iface string, localPort uint16, remote net.UDPAddr, remotePubkey string, privkeyPath string, meshIP net.IP, externalNIC string, defaultRouteState bool) error {
	dlog.Infof(ctx, "kernel: opening tunnel %s -> %s (port %d)", iface, remote.String(), localPort)

	// Idempotent: a link that already exists is left alone instead of
	// erroring, matching spec.md §4.1's "idempotently configures".
	if err := run(ctx, "ip", "link", "add", "dev", iface, "type", "wireguard"); err != nil {
		if !isAlreadyExistsErr(err) {
			return wrap("ip link add", err)
		}
	}
	if err := run(ctx, "wg", "set", iface,
		"listen-port", strconv.Itoa(int(localPort)),
		"private-key", privkeyPath,
		"peer", remotePubkey,
		"endpoint", remote.String(),
		"allowed-ips", "::/0"); err != nil {
		return wrap("wg set", err)
	}
	if err := run(ctx, "ip", "address", "add", meshIP.String()+"/128", "dev", iface); err != nil {
		if !isAlreadyExistsErr(err) {
			return wrap("ip address add", err)
		}
	}
	if err := run(ctx, "ip", "link", "set", "up", "dev", iface); err != nil {
		return wrap("ip link set up", err)
	}
	return l.ManualPeersRoute(ctx, meshIP, defaultRouteState)
}

func isAlreadyExistsErr(err error) bool {
	return strings.Contains(err.Error(), "exists") || strings.Contains(err.Error(), "File exists")
}

func (l *Linux) DelInterface(ctx context.Context, iface string) error {
	dlog.Infof(ctx, "kernel: deleting interface %s", iface)
	l.mu.Lock()
	delete(l.limited, iface)
	for dir := range l.cursor {
		for k := range l.cursor[dir] {
			if k.Iface == iface {
				delete(l.cursor[dir], k)
			}
		}
	}
	l.mu.Unlock()

	if err := run(ctx, "ip", "link", "del", "dev", iface); err != nil {
		return wrap("ip link del", err)
	}
	return nil
}

func (l *Linux) SetCodelShaping(ctx context.Context, iface string) error {
	dlog.Debugf(ctx, "kernel: setting fq_codel on %s", iface)
	if err := run(ctx, "tc", "qdisc", "replace", "dev", iface, "root", "fq_codel"); err != nil {
		return wrap("tc qdisc replace fq_codel", err)
	}
	l.mu.Lock()
	l.limited[iface] = false
	l.mu.Unlock()
	return nil
}

func (l *Linux) SetClasslessLimit(ctx context.Context, iface string, bitsPerSecond uint64) error {
	rate := fmt.Sprintf("%dbit", bitsPerSecond)
	dlog.Debugf(ctx, "kernel: limiting %s to %s", iface, rate)
	if err := run(ctx, "tc", "qdisc", "replace", "dev", iface, "root", "tbf",
		"rate", rate, "burst", "32kbit", "latency", "400ms"); err != nil {
		return wrap("tc qdisc replace tbf", err)
	}
	l.mu.Lock()
	l.limited[iface] = true
	l.mu.Unlock()
	return nil
}

func (l *Linux) HasLimit(ctx context.Context, iface string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limited[iface], nil
}

func (l *Linux) ReadWGCounters(ctx context.Context, iface string) (map[string]WGCounter, error) {
	out, err := dexec.CommandContext(ctx, "wg", "show", iface, "transfer").CombinedOutput()
	if err != nil {
		return nil, wrap("wg show transfer", err)
	}
	cumulative := make(map[string]WGCounter)
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			continue
		}
		rx, err1 := strconv.ParseUint(fields[1], 10, 64)
		tx, err2 := strconv.ParseUint(fields[2], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		cumulative[fields[0]] = WGCounter{Download: rx, Upload: tx}
	}
	return cumulative, nil
}

func deltaUint64(prev, now uint64) uint64 {
	if now < prev {
		// Counter regression means the interface was recreated; nothing
		// observed this round rather than a negative/huge delta.
		return 0
	}
	return now - prev
}

func (l *Linux) ReadCounters(ctx context.Context, dir Direction) (map[CounterKey]uint64, error) {
	chain := chainFor(dir)
	rules, err := l.ipt.ListWithCounters("filter", chain)
	if err != nil {
		return nil, wrap("iptables list "+chain, err)
	}
	cumulative := make(map[CounterKey]uint64)
	for _, rule := range rules {
		key, bytes, ok := parseCounterRule(rule)
		if !ok {
			continue
		}
		cumulative[key] += bytes
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.cursor[dir]
	if prev == nil {
		prev = make(map[CounterKey]uint64)
	}
	deltas := make(map[CounterKey]uint64, len(cumulative))
	for k, now := range cumulative {
		deltas[k] = deltaUint64(prev[k], now)
	}
	l.cursor[dir] = cumulative
	return deltas, nil
}

// parseCounterRule extracts the (destination, iface) key and byte count from
// one per-tunnel accounting rule (`-d <dst>/32 -o <iface>` in the
// output-facing chains, `-i <iface>` in the input-facing ones) and reads the
// running byte count iptables maintains per rule, keyed by (destination,
// iface) to match spec.md §4.1's counter shape exactly. InitCounter creates
// the chains only; it does not add these per-tunnel rules.
func parseCounterRule(rule string) (CounterKey, uint64, bool) {
	fields := strings.Fields(rule)
	var dst net.IP
	var iface string
	var bytes uint64
	for i, f := range fields {
		switch f {
		case "-d":
			if i+1 < len(fields) {
				dst = net.ParseIP(strings.TrimSuffix(fields[i+1], "/32"))
			}
		case "-i", "-o":
			if i+1 < len(fields) {
				iface = fields[i+1]
			}
		case "-c":
			// iptables -S -v counter output: "-c <packets> <bytes>"
			if i+2 < len(fields) {
				if n, err := strconv.ParseUint(fields[i+2], 10, 64); err == nil {
					bytes = n
				}
			}
		}
	}
	if dst == nil || iface == "" {
		return CounterKey{}, 0, false
	}
	return CounterKey{Destination: dst, Iface: iface}, bytes, true
}

func (l *Linux) InitCounter(ctx context.Context, dir Direction) error {
	chain := chainFor(dir)
	if err := l.ipt.NewChain("filter", chain); err != nil {
		if !isExistsIptablesErr(err) {
			return wrap("iptables new chain", err)
		}
	}
	return nil
}

func isExistsIptablesErr(err error) bool {
	return strings.Contains(err.Error(), "Chain already exists")
}

func (l *Linux) PingCheck(ctx context.Context, ip net.IP, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := dexec.CommandContext(ctx, "ping", "-c", "1", "-W", "1", ip.String()).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if asExitError(err, &exitErr) {
		return false, nil
	}
	return false, wrap("ping", err)
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func (l *Linux) UsedPorts(ctx context.Context) (map[uint16]struct{}, error) {
	out, err := dexec.CommandContext(ctx, "ss", "-uHan").CombinedOutput()
	if err != nil {
		return nil, wrap("ss -uHan", err)
	}
	used := make(map[uint16]struct{})
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		local := fields[4]
		idx := strings.LastIndex(local, ":")
		if idx < 0 {
			continue
		}
		p, err := strconv.ParseUint(local[idx+1:], 10, 16)
		if err != nil {
			continue
		}
		used[uint16(p)] = struct{}{}
	}
	return used, nil
}

func (l *Linux) ManualPeersRoute(ctx context.Context, ip net.IP, defaultRouteState bool) error {
	args := []string{"route", "replace", ip.String() + "/128", "dev", "lo"}
	if defaultRouteState {
		args = []string{"route", "replace", "default", "via", ip.String()}
	}
	if err := run(ctx, "ip", args...); err != nil {
		return wrap("ip route replace", err)
	}
	return nil
}
