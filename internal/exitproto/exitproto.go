// Package exitproto implements the exit registration & client-debt wire
// protocol (spec.md §6): client identities are exchanged authenticated and
// encrypted with Curve25519-Salsa20-Poly1305 public-key encryption (NaCl
// box), and the exit replies with a symmetrically encrypted ExitState.
package exitproto

import (
	"crypto/rand"
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"

	"github.com/althea-mesh/rita-go/internal/identity"
)

// EncryptedExitClientIdentity wraps a client's Identity, NaCl-box-encrypted
// to the exit's public key (spec.md §6).
type EncryptedExitClientIdentity struct {
	Pubkey     [32]byte `json:"pubkey"`
	Nonce      [24]byte `json:"nonce"`
	Ciphertext []byte   `json:"ciphertext"`
}

// ProtocolError marks a malformed or tampered payload (spec.md §7): the
// caller drops the response and does not mutate state.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "exitproto: protocol error: " + e.Reason }

// EncryptClientIdentity encrypts id for the exit's public key using an
// ephemeral keypair, satisfying spec.md's authenticated-public-key-encryption
// requirement.
func EncryptClientIdentity(id identity.Identity, exitPubkey [32]byte) (EncryptedExitClientIdentity, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return EncryptedExitClientIdentity{}, errors.Wrap(err, "generating ephemeral keypair")
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return EncryptedExitClientIdentity{}, errors.Wrap(err, "generating nonce")
	}

	plaintext, err := json.Marshal(id)
	if err != nil {
		return EncryptedExitClientIdentity{}, errors.Wrap(err, "marshaling identity")
	}
	ciphertext := box.Seal(nil, plaintext, &nonce, &exitPubkey, ephPriv)
	return EncryptedExitClientIdentity{
		Pubkey:     *ephPub,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// DecryptClientIdentity is the exit-side counterpart: it opens the box using
// the exit's private key and the client-supplied ephemeral public key. Any
// tampering (spec.md P8: "any ciphertext bit-flip yields a ProtocolError")
// causes box.Open to fail, which we surface as *ProtocolError.
func DecryptClientIdentity(enc EncryptedExitClientIdentity, exitPrivkey [32]byte) (identity.Identity, error) {
	plaintext, ok := box.Open(nil, enc.Ciphertext, &enc.Nonce, &enc.Pubkey, &exitPrivkey)
	if !ok {
		return identity.Identity{}, &ProtocolError{Reason: "box authentication failed"}
	}
	var id identity.Identity
	if err := json.Unmarshal(plaintext, &id); err != nil {
		return identity.Identity{}, &ProtocolError{Reason: "malformed identity payload: " + err.Error()}
	}
	return id, nil
}

// RegistrationDetails is the payload carried by ExitState.Registered.
type RegistrationDetails struct {
	ServerInternalIP string `json:"server_internal_ip"`
	ExitPrice        uint32 `json:"exit_price"`
}

// ExitStateKind enumerates the exit registration state machine (spec.md §6).
type ExitStateKind int

const (
	StateNew ExitStateKind = iota
	StateGotInfo
	StatePending
	StateRegistered
	StateDenied
)

// ExitState is the sum type the exit returns, symmetrically encrypted back
// to the client.
type ExitState struct {
	Kind         ExitStateKind
	Registration RegistrationDetails // valid iff Kind == StateRegistered
	Message      string              // valid iff Kind == StateDenied
}

// encryptedExitState is the on-wire shape for the symmetric reply: the
// ExitState sealed with box.SealAfterPrecomputation under the shared key that
// SharedKey derives with box.Precompute, matching "encrypted symmetrically
// back" (spec.md §6).
type encryptedExitState struct {
	Nonce      [24]byte `json:"nonce"`
	Ciphertext []byte   `json:"ciphertext"`
}

// EncryptExitState encrypts state back to the client using the precomputed
// shared key from the original box handshake.
func EncryptExitState(state ExitState, sharedKey *[32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, errors.Wrap(err, "generating nonce")
	}
	plaintext, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling exit state")
	}
	ciphertext := box.SealAfterPrecomputation(nil, plaintext, &nonce, sharedKey)
	out, err := json.Marshal(encryptedExitState{Nonce: nonce, Ciphertext: ciphertext})
	if err != nil {
		return nil, errors.Wrap(err, "marshaling envelope")
	}
	return out, nil
}

// DecryptExitState is the client-side counterpart to EncryptExitState.
func DecryptExitState(data []byte, sharedKey *[32]byte) (ExitState, error) {
	var env encryptedExitState
	if err := json.Unmarshal(data, &env); err != nil {
		return ExitState{}, &ProtocolError{Reason: "malformed envelope: " + err.Error()}
	}
	plaintext, ok := box.OpenAfterPrecomputation(nil, env.Ciphertext, &env.Nonce, sharedKey)
	if !ok {
		return ExitState{}, &ProtocolError{Reason: "box authentication failed"}
	}
	var state ExitState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return ExitState{}, &ProtocolError{Reason: "malformed exit state: " + err.Error()}
	}
	return state, nil
}

// SharedKey derives the precomputed NaCl box shared key from a local private
// key and a remote public key, used by both EncryptExitState's caller (the
// exit) and DecryptExitState's caller (the client).
func SharedKey(localPriv, remotePub [32]byte) *[32]byte {
	var shared [32]byte
	box.Precompute(&shared, &remotePub, &localPriv)
	return &shared
}
