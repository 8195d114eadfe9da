// Package clienttraffic is the Client Traffic Watcher (C5): it replaces
// in-network accounting for the single wg_exit tunnel with an authoritative
// debt value fetched from the exit, because the symmetric pay-per-forward
// invariant fails for download traffic the client never observes losing
// (spec.md §4.5).
package clienttraffic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"

	"github.com/althea-mesh/rita-go/internal/debt"
	"github.com/althea-mesh/rita-go/internal/identity"
	"github.com/althea-mesh/rita-go/internal/kernel"
	"github.com/althea-mesh/rita-go/internal/routerclient"
)

const exitDebtQueryTimeout = 5 * time.Second

// Exit describes the single upstream exit this node is a client of.
type Exit struct {
	Identity      identity.Identity
	InternalIP    net.IP
	Port          uint16
	AdvertisedFee uint32 // exit's own advertised per-byte fee (exit_price)
}

// Cursors tracks the previous wg_exit counter reading so that Watch can
// compute this round's delta even though the underlying counters are
// cumulative.
type Cursors struct {
	LastDownload uint64
	LastUpload   uint64
}

// UsageClient is the telemetry-only local estimate (spec.md §4.5 step 5).
// The authoritative charge always comes from QueryExitDebts; this is kept
// only so operators can see what the client would have billed itself.
type UsageClient struct {
	OwesExit *big.Int
}

// Watch runs one client-mode accounting round for the wg_exit tunnel
// (spec.md §4.5 steps 1-5) and returns the updated cursors plus a usage
// record. It does not itself talk to the exit; callers invoke QueryExitDebts
// separately to obtain the authoritative TrafficReplace.
func Watch(ctx context.Context, k kernel.Interface, snapshot routerclient.Snapshot, exit Exit, maxFee uint32, cur Cursors, wgExitIface string) (Cursors, UsageClient, error) {
	route, ok := snapshot.InstalledRoute(exit.Identity.MeshIP)
	if !ok {
		dlog.Warnf(ctx, "clienttraffic: no installed route to exit %s", exit.Identity.MeshIP)
		return cur, UsageClient{OwesExit: big.NewInt(0)}, nil
	}
	price := routerclient.CappedPrice(route, maxFee)
	exitDestPrice := int64(price) + int64(exit.AdvertisedFee)

	counters, err := k.ReadWGCounters(ctx, wgExitIface)
	if err != nil {
		return cur, UsageClient{}, err
	}
	var agg kernel.WGCounter
	for _, c := range counters {
		agg.Download += c.Download
		agg.Upload += c.Upload
	}

	downloadNow := agg.Download
	uploadNow := agg.Upload

	// Counter regression (spec.md §4.5 step 3, §9 Open Question): the
	// tunnel was recreated. Reset both cursors to zero, under-billing by
	// design rather than guessing at a recreation boundary.
	if downloadNow < cur.LastDownload || uploadNow < cur.LastUpload {
		dlog.Infof(ctx, "clienttraffic: counter regression on %s, resetting cursors", wgExitIface)
		cur = Cursors{}
	}

	input := downloadNow - cur.LastDownload
	output := uploadNow - cur.LastUpload
	cur.LastDownload = downloadNow
	cur.LastUpload = uploadNow

	owesExit := new(big.Int).Add(
		new(big.Int).Mul(big.NewInt(int64(input)), big.NewInt(exitDestPrice)),
		new(big.Int).Mul(big.NewInt(int64(output)), big.NewInt(int64(exit.AdvertisedFee))),
	)
	return cur, UsageClient{OwesExit: owesExit}, nil
}

// QueryExitDebts POSTs our identity to the exit's /client_debt endpoint and,
// on success with a non-negative value, returns the TrafficReplace message
// to hand to the Debt Keeper. A negative value (exit owes us), a transport
// failure, a non-200 status, or an undecodable body is logged and results in
// (nil, nil). Failing to marshal our identity or to build the request is
// returned as an error. In no case is a TrafficReplace produced on failure.
func QueryExitDebts(ctx context.Context, httpClient *http.Client, exit Exit, self identity.Identity) (*debt.TrafficReplace, error) {
	ctx, cancel := context.WithTimeout(ctx, exitDebtQueryTimeout)
	defer cancel()

	body, err := json.Marshal(self)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling identity")
	}
	url := fmt.Sprintf("http://%s/client_debt", net.JoinHostPort(exit.InternalIP.String(), fmt.Sprint(exit.Port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building client_debt request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		dlog.Warnf(ctx, "clienttraffic: client_debt query failed: %v", err)
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		dlog.Warnf(ctx, "clienttraffic: client_debt returned status %d", resp.StatusCode)
		return nil, nil
	}

	var value big.Int
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		dlog.Warnf(ctx, "clienttraffic: client_debt protocol error: %v", err)
		return nil, nil
	}
	if value.Sign() < 0 {
		dlog.Infof(ctx, "clienttraffic: exit reports it owes us %s, not replacing ledger", &value)
		return nil, nil
	}
	return &debt.TrafficReplace{From: exit.Identity.Global(), Amount: &value}, nil
}
