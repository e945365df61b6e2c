// Copyright 2025 Kestrel Systems
//
// Portable Merkle Receipt Implementation
// Provides cryptographically verifiable Merkle proof structures that can be
// independently re-verified without trusting the kernel that issued them.
// A receipt lets an external auditor prove that one metric's stateHash was
// included in the globalMerkleRoot of a specific snapshot version, without
// needing the full metrics map. See pkg/kstate.Manager.ProveMetric, the
// one place a Receipt is actually built.

package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Receipt represents a portable Merkle proof that can be independently verified.
//
// Verification invariants (fail-closed):
// 1. Start must be exactly 32 bytes
// 2. Anchor must be exactly 32 bytes
// 3. Each Entry.Hash must be exactly 32 bytes
// 4. Merkle recomputation from Start through Entries must equal Anchor
type Receipt struct {
	// Start is the leaf hash being proven (32 bytes, hex-encoded) -
	// typically H(metricId + ":" + stateHash).
	Start string `json:"start"`

	// Anchor is the root hash reached by applying the proof (32 bytes, hex-encoded).
	Anchor string `json:"anchor"`

	// SnapshotVersion is the kernel state version this receipt is valid for.
	SnapshotVersion uint64 `json:"snapshotVersion"`

	// Entries is the Merkle path from Start to Anchor.
	Entries []ReceiptEntry `json:"entries"`
}

// ReceiptEntry represents a single step in the Merkle proof path.
type ReceiptEntry struct {
	// Hash is the sibling hash at this level (32 bytes, hex-encoded).
	Hash string `json:"hash"`

	// Right indicates the position of the sibling:
	// - true: sibling is on the right, compute SHA256(current || sibling)
	// - false: sibling is on the left, compute SHA256(sibling || current)
	Right bool `json:"right"`
}

// Validate verifies the receipt structure and Merkle recomputation.
// Returns nil if valid, error otherwise (fail-closed).
func (r *Receipt) Validate() error {
	startHex, err := mustHex32Lower(r.Start, "receipt.start")
	if err != nil {
		return err
	}
	anchorHex, err := mustHex32Lower(r.Anchor, "receipt.anchor")
	if err != nil {
		return err
	}

	start, _ := hex.DecodeString(startHex)
	anchor, _ := hex.DecodeString(anchorHex)

	current := start
	for i, entry := range r.Entries {
		entryHex, err := mustHex32Lower(entry.Hash, fmt.Sprintf("receipt.entries[%d].hash", i))
		if err != nil {
			return err
		}
		sibling, _ := hex.DecodeString(entryHex)

		if entry.Right {
			current = receiptHashPair(current, sibling)
		} else {
			current = receiptHashPair(sibling, current)
		}
	}

	if !bytes.Equal(current, anchor) {
		return fmt.Errorf("merkle recomputation mismatch: computed=%x, expected=%x", current, anchor)
	}
	return nil
}

// receiptHashPair computes SHA256(left || right), the canonical Merkle
// node compression used by both Tree and Receipt.
func receiptHashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// mustHex32Lower validates that a hex string is exactly 32 bytes (64 hex
// chars) and returns it unchanged.
func mustHex32Lower(s string, label string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%s: empty", label)
	}
	if len(s) != 64 {
		return "", fmt.Errorf("%s: expected 64 hex chars (32 bytes), got len=%d", label, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%s: invalid hex: %w", label, err)
	}
	return s, nil
}
