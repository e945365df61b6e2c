// Copyright 2025 Kestrel Systems
//
// Signature verification and canonical hashing for the kernel.
// Every guard, every evidence entry, and every state mutation hashes
// through this package so that two callers computing a hash over the
// same logical value always get the same bytes, regardless of map
// iteration order or field insertion order.

package kcrypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidSignature is returned when a signature fails verification.
	// Callers treat this as fail-closed: the action is rejected, not retried.
	ErrInvalidSignature = errors.New("kcrypto: invalid signature")
	ErrInvalidPublicKey  = errors.New("kcrypto: public key must be 32 bytes")
	ErrInvalidPrivateKey = errors.New("kcrypto: private key must be 64 bytes")
)

// KeyPair is an ed25519 identity keypair. Roots and delegated entities
// each hold one; only the private half ever leaves the entity that owns it.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh ed25519 keypair, used for bootstrapping
// genesis entities and in tests.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("kcrypto: generate key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Sign signs message with the keypair's private key.
func (kp *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify checks sig against message under pubKey. It never panics on
// malformed input - a wrong-length key or signature is simply invalid.
func Verify(pubKey ed25519.PublicKey, message, sig []byte) error {
	if len(pubKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}
	if len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(pubKey, message, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashConcat hashes the concatenation of parts in order, used for the
// evidence and state hash chains (H(prev || next)).
func HashConcat(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ConstantTimeEqual compares two byte slices in constant time, used
// wherever a guard compares a supplied digest or signature against a
// stored one (never do this with bytes.Equal on secret-derived data).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Canonical produces a deterministic byte encoding of v: a JSON
// rendering where every object's keys are sorted lexicographically at
// every nesting level. Two calls over structurally equal values -
// regardless of map iteration order or struct field order - always
// produce identical bytes, which is the property every hash chain in
// the kernel (evidenceId, stateHash, delegation hash) depends on.
//
// v must already be JSON-marshalable (structs with json tags, maps
// with string keys, slices, primitives). Canonical first marshals v
// with the standard encoder, then re-walks the resulting generic
// value and re-emits it with keys sorted, so struct field order in
// Go source never leaks into the hash.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kcrypto: marshal: %w", err)
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("kcrypto: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalHash is Hash(Canonical(v)) - the composition nearly every
// caller actually wants.
func CanonicalHash(v interface{}) ([32]byte, error) {
	enc, err := Canonical(v)
	if err != nil {
		return [32]byte{}, err
	}
	return Hash(enc), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyEnc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyEnc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("kcrypto: unsupported canonical type %T", v)
	}
	return nil
}
