// Copyright 2025 Kestrel Systems

package kernel

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

func decodeHexPublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// distinctCount returns the number of distinct, non-empty strings in items.
func distinctCount(items []string) int {
	seen := make(map[string]bool, len(items))
	for _, s := range items {
		if s != "" {
			seen[s] = true
		}
	}
	return len(seen)
}
