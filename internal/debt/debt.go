// Package debt is the Debt Keeper (C6): a running per-neighbor balance,
// classified as Paid or Overdue with hysteresis, feeding TunnelStateChange
// events back to the Tunnel Manager (spec.md §4.6).
package debt

import (
	"context"
	"math/big"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/althea-mesh/rita-go/internal/identity"
)

// Action mirrors the Tunnel Manager's state machine actions that payment
// transitions can drive (spec.md §4.3).
type Action int

const (
	PaidOnTime Action = iota
	PaymentOverdue
)

// TunnelStateChange is emitted whenever a neighbor crosses a hysteresis
// threshold.
type TunnelStateChange struct {
	Identity identity.Key
	Action   Action
}

// TrafficLine is one neighbor's signed delta within a TrafficUpdate.
type TrafficLine struct {
	From   identity.Key
	Amount *big.Int
}

// TrafficUpdate is the additive relay-mode update (spec.md §4.4, §4.6).
type TrafficUpdate struct {
	Traffic []TrafficLine
}

// TrafficReplace is the authoritative client-exit overwrite (spec.md §4.5,
// §4.6); it REPLACES, not adds to, the named identity's balance.
type TrafficReplace struct {
	From   identity.Key
	Amount *big.Int
}

// PaymentIntent is handed to an external payment transport after every
// update that leaves a neighbor's balance above the pay-threshold
// (spec.md §4.6). The original
// Rust source modeled this as a first-class actor message
// (payment_controller/src/lib.rs); this module keeps it as a typed value and
// a Sink interface with no concrete network/chain implementation, since that
// transport is explicitly out of scope (spec.md §1).
type PaymentIntent struct {
	To     identity.Key
	Amount *big.Int
}

// Sink receives payment intents. No implementation ships in this module;
// it exists so the Debt Keeper has a real emission point.
type Sink interface {
	SendPayment(ctx context.Context, intent PaymentIntent)
}

// NopSink discards payment intents; used when no payment transport is wired.
type NopSink struct{}

func (NopSink) SendPayment(ctx context.Context, intent PaymentIntent) {
	dlog.Debugf(ctx, "debt: payment intent to %s for %s discarded (no payment sink configured)", intent.To.EthAddress, intent.Amount)
}

// Thresholds configures the hysteresis boundaries. OverdueAt must be
// strictly lower than PaidAt (spec.md §8 P7, §9 Open Question).
type Thresholds struct {
	OverdueAt *big.Int // crossing below this marks Overdue
	PaidAt    *big.Int // crossing above this (from Overdue) marks Paid
	PayAt     *big.Int // every update leaving the balance above this emits a PaymentIntent
}

// Keeper holds the running balances and reclassifies them after every
// update.
type Keeper struct {
	thresholds Thresholds
	sink       Sink

	mu        sync.Mutex
	balances  map[identity.Key]*big.Int
	isOverdue map[identity.Key]bool
}

// New constructs a Keeper. sink may be NopSink{} if no payment transport is
// configured.
func New(thresholds Thresholds, sink Sink) *Keeper {
	return &Keeper{
		thresholds: thresholds,
		sink:       sink,
		balances:   make(map[identity.Key]*big.Int),
		isOverdue:  make(map[identity.Key]bool),
	}
}

func (k *Keeper) balanceLocked(id identity.Key) *big.Int {
	b, ok := k.balances[id]
	if !ok {
		b = big.NewInt(0)
		k.balances[id] = b
	}
	return b
}

// ApplyTrafficUpdate adds each delta in u to its identity's balance
// (spec.md P4) and returns any resulting state changes.
func (k *Keeper) ApplyTrafficUpdate(ctx context.Context, u TrafficUpdate) []TunnelStateChange {
	k.mu.Lock()
	defer k.mu.Unlock()

	var changes []TunnelStateChange
	for _, t := range u.Traffic {
		b := k.balanceLocked(t.From)
		b.Add(b, t.Amount)
		changes = append(changes, k.reclassifyLocked(ctx, t.From, b)...)
	}
	return changes
}

// ApplyTrafficReplace overwrites the named identity's balance unconditionally
// (spec.md P5).
func (k *Keeper) ApplyTrafficReplace(ctx context.Context, r TrafficReplace) []TunnelStateChange {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.balances[r.From] = new(big.Int).Set(r.Amount)
	return k.reclassifyLocked(ctx, r.From, k.balances[r.From])
}

func (k *Keeper) reclassifyLocked(ctx context.Context, id identity.Key, balance *big.Int) []TunnelStateChange {
	var changes []TunnelStateChange
	wasOverdue := k.isOverdue[id]

	switch {
	case !wasOverdue && balance.Cmp(k.thresholds.OverdueAt) < 0:
		k.isOverdue[id] = true
		changes = append(changes, TunnelStateChange{Identity: id, Action: PaymentOverdue})
		dlog.Infof(ctx, "debt: %s crossed overdue threshold, balance=%s", id.EthAddress, balance)
	case wasOverdue && balance.Cmp(k.thresholds.PaidAt) > 0:
		k.isOverdue[id] = false
		changes = append(changes, TunnelStateChange{Identity: id, Action: PaidOnTime})
		dlog.Infof(ctx, "debt: %s crossed back to paid, balance=%s", id.EthAddress, balance)
	}

	if k.thresholds.PayAt != nil && balance.Cmp(k.thresholds.PayAt) > 0 {
		k.sink.SendPayment(ctx, PaymentIntent{To: id, Amount: new(big.Int).Set(balance)})
	}
	return changes
}

// GetDebtsList returns a value-copy snapshot of every known balance, for
// observability (spec.md §4.6).
func (k *Keeper) GetDebtsList() map[identity.Key]*big.Int {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[identity.Key]*big.Int, len(k.balances))
	for id, b := range k.balances {
		out[id] = new(big.Int).Set(b)
	}
	return out
}
