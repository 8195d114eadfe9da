package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rita.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, "mesh_ip: fd00::1\neth_address: \"0x1111111111111111111111111111111111111111\"\nwg_start_port: 60000\n")
	store, err := Load(path)
	require.NoError(t, err)
	snap := store.Snapshot()
	require.Equal(t, "fd00::1", snap.MeshIP)
	require.EqualValues(t, 60000, snap.WgStartPort)
}

func TestLoadMissingMeshIPIsFatal(t *testing.T) {
	path := writeConfig(t, "wg_start_port: 60000\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadBadHysteresisIsFatal(t *testing.T) {
	path := writeConfig(t, "mesh_ip: fd00::1\neth_address: \"0x1111111111111111111111111111111111111111\"\noverdue_threshold: 100\npaid_threshold: 50\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadClientConfigRequiresExitFields(t *testing.T) {
	path := writeConfig(t, "mesh_ip: fd00::1\neth_address: \"0x1111111111111111111111111111111111111111\"\nexit_mesh_ip: fd00::2\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadValidClientConfig(t *testing.T) {
	path := writeConfig(t, "mesh_ip: fd00::1\neth_address: \"0x1111111111111111111111111111111111111111\"\n"+
		"exit_mesh_ip: fd00::2\nexit_eth_address: \"0x2222222222222222222222222222222222222222\"\nexit_internal_ip: 10.0.0.1\n")
	store, err := Load(path)
	require.NoError(t, err)
	require.True(t, store.Snapshot().IsClient())
}

func TestUpdatePersistsAndSnapshots(t *testing.T) {
	path := writeConfig(t, "mesh_ip: fd00::1\neth_address: \"0x1111111111111111111111111111111111111111\"\n")
	store, err := Load(path)
	require.NoError(t, err)

	next := store.Snapshot()
	next.LocalFee = 42
	require.NoError(t, store.Update(next))
	require.EqualValues(t, 42, store.Snapshot().LocalFee)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 42, reloaded.Snapshot().LocalFee)
}
