// Package traffic is the Relay Traffic Watcher (C4): invoked once per
// accounting round, it cross-references kernel byte counters with routing
// prices to produce signed per-neighbor debt deltas (spec.md §4.4).
package traffic

import (
	"context"
	"math/big"
	"net"

	"github.com/datawire/dlib/dlog"

	"github.com/althea-mesh/rita-go/internal/debt"
	"github.com/althea-mesh/rita-go/internal/identity"
	"github.com/althea-mesh/rita-go/internal/kernel"
	"github.com/althea-mesh/rita-go/internal/routerclient"
)

// Neighbor describes one known neighbor for accounting purposes: its
// identity and the local tunnel interface it is reachable through.
type Neighbor struct {
	Identity identity.Identity
	Iface    string
}

// UsageRelay is the total relay-mode usage record emitted alongside the
// per-neighbor debt deltas (spec.md §4.4 step 7).
type UsageRelay struct {
	TotalInBytes  uint64
	TotalOutBytes uint64
}

// Watch runs one relay accounting round (spec.md §4.4 steps 1-7) and
// returns the TrafficUpdate to hand to the Debt Keeper plus a usage record.
func Watch(ctx context.Context, k kernel.Interface, snapshot routerclient.Snapshot, neighbors []Neighbor, ownMeshIP net.IP, localFee, maxFee uint32) (debt.TrafficUpdate, UsageRelay, error) {
	identities := make(map[string]identity.Identity, len(neighbors)) // mesh_ip -> Identity
	ifaceToID := make(map[string]identity.Identity, len(neighbors))  // iface -> Identity
	for _, n := range neighbors {
		identities[n.Identity.MeshIP.String()] = n.Identity
		ifaceToID[n.Iface] = n.Identity
	}

	destinations := make(map[string]uint32) // ip -> price
	for _, r := range allRoutes(snapshot) {
		if !r.Installed || !r.HostRoute() {
			continue
		}
		price := routerclient.CappedPrice(r, maxFee) + localFee
		destinations[r.Prefix.IP.String()] = price
	}
	destinations[ownMeshIP.String()] = 0

	inCounts, err := mergeCounters(ctx, k, kernel.Input, kernel.ForwardInput)
	if err != nil {
		return debt.TrafficUpdate{}, UsageRelay{}, err
	}
	outCounts, err := mergeCounters(ctx, k, kernel.Output, kernel.ForwardOutput)
	if err != nil {
		return debt.TrafficUpdate{}, UsageRelay{}, err
	}

	balances := make(map[identity.Key]*big.Int, len(neighbors))
	for _, n := range neighbors {
		balances[n.Identity.Global()] = big.NewInt(0)
	}

	var usage UsageRelay
	for key, bytes := range inCounts {
		id, idOK := ifaceToID[key.Iface]
		price, priceOK := destinations[key.Destination.String()]
		if !idOK || !priceOK {
			dlog.Warnf(ctx, "traffic: skipping inbound counter for unknown iface/dest %v", key)
			continue
		}
		b := balances[id.Global()]
		delta := new(big.Int).Mul(big.NewInt(int64(price)), new(big.Int).SetUint64(bytes))
		b.Sub(b, delta)
		usage.TotalInBytes += bytes
	}
	for key, bytes := range outCounts {
		id, idOK := ifaceToID[key.Iface]
		price, priceOK := destinations[key.Destination.String()]
		if !idOK || !priceOK {
			dlog.Warnf(ctx, "traffic: skipping outbound counter for unknown iface/dest %v", key)
			continue
		}
		b := balances[id.Global()]
		netPrice := int64(price) - int64(localFee)
		delta := new(big.Int).Mul(big.NewInt(netPrice), new(big.Int).SetUint64(bytes))
		b.Add(b, delta)
		usage.TotalOutBytes += bytes
	}

	update := debt.TrafficUpdate{}
	for id, b := range balances {
		update.Traffic = append(update.Traffic, debt.TrafficLine{From: id, Amount: b})
	}
	return update, usage, nil
}

func mergeCounters(ctx context.Context, k kernel.Interface, a, b kernel.Direction) (map[kernel.CounterKey]uint64, error) {
	out := make(map[kernel.CounterKey]uint64)
	for _, dir := range []kernel.Direction{a, b} {
		counts, err := k.ReadCounters(ctx, dir)
		if err != nil {
			return nil, err
		}
		for key, n := range counts {
			out[key] += n
		}
	}
	return out, nil
}

// allRoutes returns every route in the snapshot via Snapshot.Routes; the
// watcher needs to enumerate every destination once per round rather than
// look each one up with InstalledRoute.
func allRoutes(s routerclient.Snapshot) []routerclient.Route {
	return s.Routes()
}
