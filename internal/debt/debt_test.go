package debt

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/althea-mesh/rita-go/internal/identity"
)

func thresholds() Thresholds {
	return Thresholds{
		OverdueAt: big.NewInt(-1_000_000),
		PaidAt:    big.NewInt(-500_000),
		PayAt:     big.NewInt(1_000_000),
	}
}

func idKey(addr string) identity.Key {
	return identity.Key{MeshIP: addr}
}

func TestTrafficReplaceOverwritesRegardlessOfPriorValue(t *testing.T) {
	// S5
	k := New(thresholds(), NopSink{})
	exit := idKey("exit")
	k.ApplyTrafficUpdate(context.Background(), TrafficUpdate{Traffic: []TrafficLine{
		{From: exit, Amount: big.NewInt(42)},
	}})

	changes := k.ApplyTrafficReplace(context.Background(), TrafficReplace{From: exit, Amount: big.NewInt(-17)})
	require.Empty(t, changes) // -17 doesn't cross either threshold

	got := k.GetDebtsList()[exit]
	require.EqualValues(t, -17, got.Int64())
}

func TestOverdueThenPaidHysteresis(t *testing.T) {
	// P6, P7
	k := New(thresholds(), NopSink{})
	a := idKey("a")

	changes := k.ApplyTrafficUpdate(context.Background(), TrafficUpdate{Traffic: []TrafficLine{
		{From: a, Amount: big.NewInt(-2_000_000)},
	}})
	require.Len(t, changes, 1)
	require.Equal(t, PaymentOverdue, changes[0].Action)

	// Crossing back above OverdueAt but still below PaidAt must NOT flip state.
	changes = k.ApplyTrafficUpdate(context.Background(), TrafficUpdate{Traffic: []TrafficLine{
		{From: a, Amount: big.NewInt(1_200_000)}, // balance now -800,000
	}})
	require.Empty(t, changes)

	changes = k.ApplyTrafficUpdate(context.Background(), TrafficUpdate{Traffic: []TrafficLine{
		{From: a, Amount: big.NewInt(400_000)}, // balance now -400,000 > PaidAt
	}})
	require.Len(t, changes, 1)
	require.Equal(t, PaidOnTime, changes[0].Action)
}

func TestNoTransitionWithoutCrossing(t *testing.T) {
	k := New(thresholds(), NopSink{})
	a := idKey("a")
	changes := k.ApplyTrafficUpdate(context.Background(), TrafficUpdate{Traffic: []TrafficLine{
		{From: a, Amount: big.NewInt(-10)},
	}})
	require.Empty(t, changes)
}

func TestPaymentIntentEmittedOnce(t *testing.T) {
	sink := &recordingSink{}
	k := New(thresholds(), sink)
	a := idKey("a")
	k.ApplyTrafficUpdate(context.Background(), TrafficUpdate{Traffic: []TrafficLine{
		{From: a, Amount: big.NewInt(2_000_000)},
	}})
	require.Len(t, sink.intents, 1)
	require.Equal(t, a, sink.intents[0].To)
}

type recordingSink struct {
	intents []PaymentIntent
}

func (s *recordingSink) SendPayment(_ context.Context, intent PaymentIntent) {
	s.intents = append(s.intents, intent)
}
