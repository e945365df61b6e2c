// Copyright 2025 Kestrel Systems

package kcrypto

import (
	"errors"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	msg := []byte("submit action ACT-1")
	sig := kp.Sign(msg)

	if err := Verify(kp.Public, msg, sig); err != nil {
		t.Fatalf("expected valid signature, got: %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	sig := kp.Sign([]byte("original"))
	if err := Verify(kp.Public, []byte("tampered"), sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got: %v", err)
	}
}

func TestVerifyRejectsWrongKeyLength(t *testing.T) {
	if err := Verify([]byte("too-short"), []byte("msg"), make([]byte, 64)); err != ErrInvalidPublicKey {
		t.Fatalf("expected ErrInvalidPublicKey, got: %v", err)
	}
}

func TestVerifyRejectsWrongSigLength(t *testing.T) {
	kp, _ := GenerateKeyPair()
	if err := Verify(kp.Public, []byte("msg"), []byte("short")); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got: %v", err)
	}
}

func TestCanonicalKeyOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"y": 1, "x": 2}}
	b := map[string]interface{}{"c": map[string]interface{}{"x": 2, "y": 1}, "a": 2, "b": 1}

	encA, err := Canonical(a)
	if err != nil {
		t.Fatalf("canonical a: %v", err)
	}
	encB, err := Canonical(b)
	if err != nil {
		t.Fatalf("canonical b: %v", err)
	}
	if string(encA) != string(encB) {
		t.Fatalf("canonical encodings differ for equal maps:\n%s\n%s", encA, encB)
	}
}

func TestCanonicalHashDeterministic(t *testing.T) {
	v := struct {
		ActionID string `json:"actionId"`
		Amount   int    `json:"amount"`
	}{ActionID: "ACT-1", Amount: 5}

	h1, err := CanonicalHash(v)
	if err != nil {
		t.Fatalf("canonical hash: %v", err)
	}
	h2, err := CanonicalHash(v)
	if err != nil {
		t.Fatalf("canonical hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("canonical hash not deterministic: %x != %x", h1, h2)
	}
}

func TestHashConcatOrderMatters(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))

	ab := HashConcat(a[:], b[:])
	ba := HashConcat(b[:], a[:])
	if ab == ba {
		t.Fatal("HashConcat should be order-sensitive")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte("abc"), []byte("abc")) {
		t.Fatal("expected equal byte slices to compare equal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Fatal("expected different byte slices to compare unequal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("ab")) {
		t.Fatal("expected different-length byte slices to compare unequal")
	}
}
