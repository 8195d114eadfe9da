// Package wgkey wraps WireGuard Curve25519 keys for use as mesh node identifiers.
package wgkey

import (
	"encoding/base64"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Key is a WireGuard Curve25519 public or private key.
type Key = wgtypes.Key

// Generate creates a new random private key.
func Generate() (Key, error) {
	return wgtypes.GeneratePrivateKey()
}

// ParsePublic decodes a base64-encoded public key.
func ParsePublic(s string) (Key, error) {
	k, err := wgtypes.ParseKey(s)
	if err != nil {
		return Key{}, fmt.Errorf("parse wireguard key: %w", err)
	}
	return k, nil
}

// Encode returns the standard base64 representation used on the wire and in config files.
func Encode(k Key) string {
	return base64.StdEncoding.EncodeToString(k[:])
}
