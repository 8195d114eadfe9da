package main

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/althea-mesh/rita-go/internal/clienttraffic"
	"github.com/althea-mesh/rita-go/internal/config"
	"github.com/althea-mesh/rita-go/internal/debt"
	"github.com/althea-mesh/rita-go/internal/identity"
	"github.com/althea-mesh/rita-go/internal/kernel"
	"github.com/althea-mesh/rita-go/internal/routerclient"
	"github.com/althea-mesh/rita-go/internal/scheduler"
	"github.com/althea-mesh/rita-go/internal/tunnel"
	"github.com/althea-mesh/rita-go/pkg/wgkey"
)

// Version is inserted at build using --ldflags -X.
var Version = "(unknown version)"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "rita",
		Short:         "rita",
		Long:          "rita - payment-enforced mesh router runtime",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "/etc/rita/rita.yaml", "path to the rita configuration file")

	ctx := makeBaseLogger(context.Background())
	dlog.Infof(ctx, "rita %s [pid:%d]", Version, os.Getpid())

	if err := root.ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "fatal: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	store, err := config.Load(configPath)
	if err != nil {
		// config.Load already wraps every failure as a configuration error
		// (spec.md §7): unrecoverable, so we surface it and exit nonzero.
		return fmt.Errorf("configuration error: %w", err)
	}
	settings := store.Snapshot()

	privKey, err := loadOrGenerateKey(settings.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	self := identity.Identity{
		MeshIP:      net.ParseIP(settings.MeshIP),
		EthAddress:  common.HexToAddress(settings.EthAddress),
		WgPublicKey: privKey.PublicKey(),
	}

	k, err := kernel.NewLinux()
	if err != nil {
		return fmt.Errorf("kernel error: %w", err)
	}
	router := routerclient.New(settings.RoutingDaemonAddr)
	defer router.Close()

	pool := tunnel.NewPortPool(settings.WgStartPort)
	tunnels := tunnel.New(k, router, pool, self.MeshIP, settings.PrivateKeyPath, settings.ExternalNIC, settings.FreeTierThroughput)

	thresholds := debt.Thresholds{
		OverdueAt: big.NewInt(settings.OverdueThreshold),
		PaidAt:    big.NewInt(settings.PaidThreshold),
		PayAt:     big.NewInt(settings.PayThreshold),
	}
	keeper := debt.New(thresholds, debt.NopSink{})

	manualPeers := make([]tunnel.ManualPeerConfig, 0, len(settings.ManualPeers))
	for _, mp := range settings.ManualPeers {
		manualPeers = append(manualPeers, tunnel.ManualPeerConfig{IP: mp.IP, Hostname: mp.Hostname})
	}

	clientExit := scheduler.ClientExit{HTTPClient: &http.Client{}}
	if settings.IsClient() {
		exitPubkey, err := wgkey.ParsePublic(settings.ExitWgPublicKey)
		if err != nil {
			return fmt.Errorf("configuration error: exit_wg_public_key: %w", err)
		}
		clientExit.Configured = true
		clientExit.WgExitIface = settings.WgExitIface
		clientExit.Exit = clienttraffic.Exit{
			Identity: identity.Identity{
				MeshIP:      net.ParseIP(settings.ExitMeshIP),
				EthAddress:  common.HexToAddress(settings.ExitEthAddress),
				WgPublicKey: exitPubkey,
			},
			InternalIP:    net.ParseIP(settings.ExitInternalIP),
			Port:          settings.ExitPort,
			AdvertisedFee: settings.ExitAdvertisedFee,
		}
	}

	sched := scheduler.New(scheduler.Config{
		Self:                self,
		MeshIP:              self.MeshIP,
		LocalFee:            settings.LocalFee,
		MaxFee:              settings.MaxFee,
		FreeTierThroughput:  settings.FreeTierThroughput,
		GCThreshold:         time.Duration(settings.GCThresholdSeconds) * time.Second,
		RoundInterval:       5 * time.Second,
		PeerContactInterval: 30 * time.Second,
		HelloPort:           settings.RitaHelloPort,
		Gateway:             settings.Gateway,
		ManualPeers:         manualPeers,
	}, k, router, tunnels, keeper, clientExit)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
	g.Go("scheduler", sched.Run)
	return g.Wait()
}

func loadOrGenerateKey(path string) (wgkey.Key, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return wgkey.ParsePublic(string(data))
	}
	if !os.IsNotExist(err) {
		return wgkey.Key{}, err
	}

	key, err := wgkey.Generate()
	if err != nil {
		return wgkey.Key{}, err
	}
	if err := os.WriteFile(path, []byte(wgkey.Encode(key)), 0o600); err != nil {
		return wgkey.Key{}, err
	}
	return key, nil
}
