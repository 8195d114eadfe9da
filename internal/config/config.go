// Package config holds the process-wide settings structure shared by every
// component, protected by a reader-writer discipline: writers re-serialize
// to disk inside the lock, readers snapshot by value copy.
package config

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// ManualPeer is an off-link neighbor configured by IP or hostname.
type ManualPeer struct {
	IP       string `yaml:"ip,omitempty" env:"IP"`
	Hostname string `yaml:"hostname,omitempty" env:"HOSTNAME"`
}

// Settings is the single process-wide configuration structure (spec.md §5, §9).
type Settings struct {
	MeshIP             string       `yaml:"mesh_ip" env:"RITA_MESH_IP"`
	EthAddress         string       `yaml:"eth_address" env:"RITA_ETH_ADDRESS"`
	WgStartPort        uint16       `yaml:"wg_start_port" env:"RITA_WG_START_PORT,default=60000"`
	RitaHelloPort      uint16       `yaml:"rita_hello_port" env:"RITA_HELLO_PORT,default=4876"`
	LocalFee           uint32       `yaml:"local_fee" env:"RITA_LOCAL_FEE,default=1"`
	MaxFee             uint32       `yaml:"max_fee" env:"RITA_MAX_FEE,default=100"`
	FreeTierThroughput uint64       `yaml:"free_tier_throughput" env:"RITA_FREE_TIER_THROUGHPUT,default=6000000"`
	GCThresholdSeconds uint64       `yaml:"gc_threshold_seconds" env:"RITA_GC_THRESHOLD_SECONDS,default=300"`
	PayThreshold       int64        `yaml:"pay_threshold" env:"RITA_PAY_THRESHOLD,default=1000000"`
	OverdueThreshold   int64        `yaml:"overdue_threshold" env:"RITA_OVERDUE_THRESHOLD,default=-1000000"`
	PaidThreshold      int64        `yaml:"paid_threshold" env:"RITA_PAID_THRESHOLD,default=-500000"`
	Gateway            bool         `yaml:"gateway" env:"RITA_GATEWAY,default=false"`
	ManualPeers        []ManualPeer `yaml:"manual_peers,omitempty"`
	RoutingDaemonAddr  string       `yaml:"routing_daemon_addr" env:"RITA_ROUTING_DAEMON_ADDR,default=127.0.0.1:8080"`
	ExternalNIC        string       `yaml:"external_nic,omitempty" env:"RITA_EXTERNAL_NIC"`
	PrivateKeyPath     string       `yaml:"private_key_path" env:"RITA_PRIVATE_KEY_PATH,default=/etc/rita/wg_private_key"`

	// Exit* fields configure the optional client-mode accounting leg
	// (spec.md §4.5). ExitMeshIP is left blank on a relay-only node, which
	// is the signal main.go uses to leave the Client Traffic Watcher
	// unconfigured.
	ExitMeshIP        string `yaml:"exit_mesh_ip,omitempty" env:"RITA_EXIT_MESH_IP"`
	ExitEthAddress    string `yaml:"exit_eth_address,omitempty" env:"RITA_EXIT_ETH_ADDRESS"`
	ExitWgPublicKey   string `yaml:"exit_wg_public_key,omitempty" env:"RITA_EXIT_WG_PUBLIC_KEY"`
	ExitInternalIP    string `yaml:"exit_internal_ip,omitempty" env:"RITA_EXIT_INTERNAL_IP"`
	ExitPort          uint16 `yaml:"exit_port,omitempty" env:"RITA_EXIT_PORT,default=4878"`
	ExitAdvertisedFee uint32 `yaml:"exit_advertised_fee,omitempty" env:"RITA_EXIT_ADVERTISED_FEE"`
	WgExitIface       string `yaml:"wg_exit_iface,omitempty" env:"RITA_WG_EXIT_IFACE,default=wg_exit"`
}

// IsClient reports whether this node has an upstream exit configured and
// should run the Client Traffic Watcher (spec.md §4.5) alongside relay
// accounting.
func (s Settings) IsClient() bool {
	return s.ExitMeshIP != ""
}

// Validate enforces the invariants that must hold at startup (spec.md §7
// ConfigurationError): a missing mesh IP is unrecoverable and fatal.
func (s Settings) Validate() error {
	if s.MeshIP == "" {
		return errors.New("configuration error: mesh_ip is required")
	}
	if net.ParseIP(s.MeshIP) == nil {
		return errors.Errorf("configuration error: mesh_ip %q is not a valid IP", s.MeshIP)
	}
	if !common.IsHexAddress(s.EthAddress) {
		return errors.Errorf("configuration error: eth_address %q is not a valid account address", s.EthAddress)
	}
	if s.OverdueThreshold >= s.PaidThreshold {
		return errors.New("configuration error: overdue_threshold must be strictly lower than paid_threshold (hysteresis, spec §8 P7)")
	}
	if s.IsClient() {
		if net.ParseIP(s.ExitMeshIP) == nil {
			return errors.Errorf("configuration error: exit_mesh_ip %q is not a valid IP", s.ExitMeshIP)
		}
		if !common.IsHexAddress(s.ExitEthAddress) {
			return errors.Errorf("configuration error: exit_eth_address %q is not a valid account address", s.ExitEthAddress)
		}
		if net.ParseIP(s.ExitInternalIP) == nil {
			return errors.Errorf("configuration error: exit_internal_ip %q is not a valid IP", s.ExitInternalIP)
		}
	}
	return nil
}

// Store is the reader-writer-protected holder of the live Settings. Readers
// call Snapshot to get a value copy; writers call Update, which persists the
// new value to disk before releasing the lock.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	path     string
}

// Load reads settings from the YAML file at path, then overlays any
// RITA_*-prefixed environment variables on top of it.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "configuration error: opening %s", path)
	}
	defer f.Close()

	var s Settings
	if err := yaml.NewDecoder(f).Decode(&s); err != nil {
		return nil, errors.Wrapf(err, "configuration error: decoding %s", path)
	}
	if err := envconfig.Process(context.Background(), &s); err != nil {
		return nil, errors.Wrap(err, "configuration error: applying environment overlay")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Store{settings: s, path: path}, nil
}

// Snapshot returns a value copy of the current settings, safe to hold across
// a handler invocation without risk of torn reads during a concurrent Update.
func (st *Store) Snapshot() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.settings
}

// Update replaces the live settings and re-serializes them to disk while
// still holding the exclusive lock, matching the "writers commit inside the
// lock" discipline of spec.md §5.
func (st *Store) Update(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	tmp := st.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "writing settings")
	}
	if err := yaml.NewEncoder(f).Encode(next); err != nil {
		f.Close()
		return errors.Wrap(err, "encoding settings")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing settings file")
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return errors.Wrap(err, "committing settings")
	}
	st.settings = next
	return nil
}
