// Package scheduler drives the fixed-order accounting round that ties every
// other component together (spec.md §5): GC, then route refresh, then the
// two traffic watchers, then debt reclassification, then the tunnel state
// machine. A round that is still running when the next tick fires is left to
// finish; the tick is dropped rather than overlapped (spec.md §5 backpressure
// rule).
package scheduler

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/althea-mesh/rita-go/internal/clienttraffic"
	"github.com/althea-mesh/rita-go/internal/debt"
	"github.com/althea-mesh/rita-go/internal/identity"
	"github.com/althea-mesh/rita-go/internal/kernel"
	"github.com/althea-mesh/rita-go/internal/routerclient"
	"github.com/althea-mesh/rita-go/internal/traffic"
	"github.com/althea-mesh/rita-go/internal/tunnel"
)

// ClientExit configures the optional client-mode accounting leg. A relay-only
// node leaves Configured false.
type ClientExit struct {
	Configured  bool
	Exit        clienttraffic.Exit
	WgExitIface string
	HTTPClient  *http.Client

	cursors clienttraffic.Cursors
}

// Config bundles everything one round needs. Self is this node's full
// identity; MeshIP/LocalFee/MaxFee mirror the live config snapshot at the
// time the Scheduler was built, since settings may change between rounds via
// config.Store.Update.
type Config struct {
	Self               identity.Identity
	MeshIP             net.IP
	LocalFee           uint32
	MaxFee             uint32
	FreeTierThroughput uint64
	GCThreshold        time.Duration
	RoundInterval      time.Duration
	// PeerContactInterval paces the neighbor-discovery path (spec.md §2,
	// §4.3 PeersToContact), which runs independently of the accounting
	// round ticker. Zero disables it.
	PeerContactInterval time.Duration
	HelloPort           uint16
	Gateway             bool
	ManualPeers         []tunnel.ManualPeerConfig
}

// Scheduler owns one accounting round's worth of cross-component plumbing.
type Scheduler struct {
	cfg Config

	kernel  kernel.Interface
	router  *routerclient.Client
	tunnels *tunnel.Manager
	debt    *debt.Keeper
	client  ClientExit

	running int32 // 0 or 1, guards against overlapping rounds
}

// New constructs a Scheduler.
func New(cfg Config, k kernel.Interface, router *routerclient.Client, tunnels *tunnel.Manager, keeper *debt.Keeper, client ClientExit) *Scheduler {
	return &Scheduler{cfg: cfg, kernel: k, router: router, tunnels: tunnels, debt: keeper, client: client}
}

// Run starts the periodic round ticker, the neighbor-hello HTTP server if
// HelloPort is nonzero, and the peer-contact ticker if PeerContactInterval is
// nonzero, inside a dgroup so all of them are torn down together on
// cancellation or any one's failure (spec.md §5, §6).
func (s *Scheduler) Run(ctx context.Context) error {
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})

	g.Go("round-ticker", func(ctx context.Context) error {
		ticker := time.NewTicker(s.cfg.RoundInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-ctx.Done():
				return nil
			}
		}
	})

	if s.cfg.HelloPort != 0 {
		g.Go("hello-server", func(ctx context.Context) error {
			return s.serveHello(ctx)
		})
	}

	if s.cfg.PeerContactInterval > 0 {
		g.Go("peer-contact", func(ctx context.Context) error {
			ticker := time.NewTicker(s.cfg.PeerContactInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.contactPeers(ctx)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	return g.Wait()
}

// contactPeers runs the neighbor-discovery path (spec.md §4.3
// PeersToContact), independently of the accounting round. This module has no
// link-layer peer-observation source of its own (out of scope per spec.md §1
// -- the wireless-device configuration layer), so the only peers contacted
// here are the manually configured ones, gated on this node being a gateway
// exactly as spec.md §4.3 specifies.
func (s *Scheduler) contactPeers(ctx context.Context) {
	self := tunnel.Self{
		LocalIdentity: identity.LocalIdentity{Identity: s.cfg.Self, WgPort: s.cfg.HelloPort},
		HelloPort:     s.cfg.HelloPort,
	}
	if err := s.tunnels.PeersToContact(ctx, self, nil, s.cfg.Gateway, s.cfg.ManualPeers); err != nil {
		dlog.Warnf(ctx, "scheduler: peer contact pass had errors: %v", err)
	}
}

// tick runs at most one round concurrently; an overrunning round causes the
// next tick to be dropped rather than queued (spec.md §5).
func (s *Scheduler) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		dlog.Warnf(ctx, "scheduler: previous round still running, skipping this tick")
		return
	}
	defer atomic.StoreInt32(&s.running, 0)

	if err := s.RunRound(ctx); err != nil {
		dlog.Errorf(ctx, "scheduler: round failed: %v", err)
	}
}

// RunRound executes exactly one pass of the fixed phase order:
// GC -> RouteRefresh -> Watch(relay) -> Watch(client) -> DebtReclassify ->
// TunnelStateChange (spec.md §5). Every log line the round emits carries a
// fresh round ID so an operator can correlate them, the way the teacher
// tags each client session with a uuid (cmd/traffic/cmd/manager/state.go).
func (s *Scheduler) RunRound(ctx context.Context) error {
	roundID := uuid.New().String()
	ctx = dlog.WithField(ctx, "round_id", roundID)

	var result *multierror.Error

	if err := s.tunnels.TriggerGC(ctx, s.cfg.GCThreshold); err != nil {
		result = multierror.Append(result, err)
	}

	snapshot, err := s.router.Refresh(ctx)
	if err != nil {
		result = multierror.Append(result, err)
		return result.ErrorOrNil()
	}

	var changes []debt.TunnelStateChange

	relayUpdate, _, err := traffic.Watch(ctx, s.kernel, snapshot, s.neighbors(), s.cfg.MeshIP, s.cfg.LocalFee, s.cfg.MaxFee)
	if err != nil {
		result = multierror.Append(result, err)
	} else {
		changes = append(changes, s.debt.ApplyTrafficUpdate(ctx, relayUpdate)...)
	}

	if s.client.Configured {
		cur, usage, err := clienttraffic.Watch(ctx, s.kernel, snapshot, s.client.Exit, s.cfg.MaxFee, s.client.cursors, s.client.WgExitIface)
		if err != nil {
			result = multierror.Append(result, err)
		} else {
			s.client.cursors = cur
			dlog.Debugf(ctx, "scheduler: client-mode local estimate owes exit %s (telemetry only)", usage.OwesExit)
		}

		replace, err := clienttraffic.QueryExitDebts(ctx, s.client.HTTPClient, s.client.Exit, s.cfg.Self)
		if err != nil {
			result = multierror.Append(result, err)
		} else if replace != nil {
			changes = append(changes, s.debt.ApplyTrafficReplace(ctx, *replace)...)
		}
	}

	if len(changes) > 0 {
		if err := s.tunnels.ApplyStateChanges(ctx, toTunnelChanges(changes)); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (s *Scheduler) neighbors() []traffic.Neighbor {
	tunnels := s.tunnels.AllTunnels()
	out := make([]traffic.Neighbor, 0, len(tunnels))
	for _, t := range tunnels {
		out = append(out, traffic.Neighbor{Identity: t.NeighID.Identity, Iface: t.IfaceName})
	}
	return out
}

// toTunnelChanges maps the Debt Keeper's action vocabulary onto the Tunnel
// Manager's; the two packages define distinct Action types to keep the debt
// ledger free of a dependency on the tunnel state machine.
func toTunnelChanges(in []debt.TunnelStateChange) []tunnel.StateChange {
	out := make([]tunnel.StateChange, 0, len(in))
	for _, c := range in {
		var action tunnel.Action
		switch c.Action {
		case debt.PaidOnTime:
			action = tunnel.PaidOnTime
		case debt.PaymentOverdue:
			action = tunnel.PaymentOverdue
		}
		out = append(out, tunnel.StateChange{Identity: c.Identity, Action: action})
	}
	return out
}

func (s *Scheduler) serveHello(ctx context.Context) error {
	self := tunnel.Self{
		LocalIdentity: identity.LocalIdentity{Identity: s.cfg.Self, WgPort: s.cfg.HelloPort},
		HelloPort:     s.cfg.HelloPort,
	}
	handler := tunnel.NewHelloServer(s.tunnels, self)
	server := &http.Server{
		Addr:     net.JoinHostPort("", strconv.Itoa(int(s.cfg.HelloPort))),
		Handler:  handler,
		ErrorLog: dlog.StdLogger(ctx, dlog.LogLevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
