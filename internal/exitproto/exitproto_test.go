package exitproto

import (
	"crypto/rand"
	"net"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/althea-mesh/rita-go/internal/identity"
)

func TestClientIdentityRoundTrip(t *testing.T) {
	// P8
	exitPub, exitPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	id := identity.Identity{MeshIP: net.ParseIP("fd00::1"), EthAddress: common.HexToAddress("0x1")}
	enc, err := EncryptClientIdentity(id, *exitPub)
	require.NoError(t, err)

	got, err := DecryptClientIdentity(enc, *exitPriv)
	require.NoError(t, err)
	require.True(t, id.Equal(got))
}

func TestClientIdentityTamperedCiphertextIsProtocolError(t *testing.T) {
	// P8
	exitPub, exitPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	id := identity.Identity{MeshIP: net.ParseIP("fd00::1"), EthAddress: common.HexToAddress("0x1")}
	enc, err := EncryptClientIdentity(id, *exitPub)
	require.NoError(t, err)

	enc.Ciphertext[0] ^= 0xFF

	_, err = DecryptClientIdentity(enc, *exitPriv)
	require.Error(t, err)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestExitStateRoundTrip(t *testing.T) {
	aPub, aPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	bPub, bPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	exitShared := SharedKey(*aPriv, *bPub)
	clientShared := SharedKey(*bPriv, *aPub)

	state := ExitState{Kind: StateRegistered, Registration: RegistrationDetails{ServerInternalIP: "10.0.0.1", ExitPrice: 7}}
	data, err := EncryptExitState(state, exitShared)
	require.NoError(t, err)

	got, err := DecryptExitState(data, clientShared)
	require.NoError(t, err)
	require.Equal(t, state, got)
}

func TestExitStateTamperedIsProtocolError(t *testing.T) {
	aPub, aPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	bPub, bPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	exitShared := SharedKey(*aPriv, *bPub)
	clientShared := SharedKey(*bPriv, *aPub)

	state := ExitState{Kind: StateDenied, Message: "blocked"}
	data, err := EncryptExitState(state, exitShared)
	require.NoError(t, err)

	data[len(data)-2] ^= 0xFF // flip the closing quote of the JSON-encoded ciphertext

	_, err = DecryptExitState(data, clientShared)
	require.Error(t, err)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}
