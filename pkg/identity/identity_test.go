// Copyright 2025 Kestrel Systems

package identity

import (
	"errors"
	"testing"
)

func rootEntity(id string) Entity {
	return Entity{ID: id, PublicKey: []byte("pub-" + id), Type: TypeActor, Status: StatusActive, IsRoot: true}
}

func childEntity(id string, parents ...string) Entity {
	return Entity{ID: id, PublicKey: []byte("pub-" + id), Type: TypeActor, Status: StatusActive, Parents: parents}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(rootEntity("root")); err != nil {
		t.Fatalf("register root: %v", err)
	}
	e, err := r.Get("root")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if !e.IsRoot || e.Status != StatusActive {
		t.Fatalf("unexpected root entity: %+v", e)
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(rootEntity("root"))
	if err := r.Register(rootEntity("root")); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got: %v", err)
	}
}

func TestRegisterUnknownParentRejected(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(childEntity("child", "ghost")); !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("expected ErrUnknownParent, got: %v", err)
	}
}

func TestRegisterRejectsDuplicateAndUnknownSelfParent(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(rootEntity("root"))
	_ = r.Register(childEntity("a", "root"))
	_ = r.Register(childEntity("b", "a"))

	// Edges are fixed at registration, so a cycle cannot be built after
	// the fact: re-registering the existing id "a" with itself as parent
	// fails as a duplicate id.
	if err := r.Register(childEntity("a", "a")); err == nil {
		t.Fatal("expected registering duplicate id 'a' to fail regardless of cycle check")
	}

	// A new id listing itself as parent: the parent is not registered
	// yet, so Register fails with ErrUnknownParent.
	if err := r.Register(Entity{ID: "self", Parents: []string{"self"}}); !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("expected ErrUnknownParent for self-referential unregistered parent, got: %v", err)
	}
}

func TestResurrectionRejected(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(childEntity("a"))
	if err := r.Revoke("a", 1); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := r.Register(childEntity("a")); !errors.Is(err, ErrResurrection) {
		t.Fatalf("expected ErrResurrection, got: %v", err)
	}
}

func TestRootCannotBeRevoked(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(rootEntity("root"))
	if err := r.Revoke("root", 1); !errors.Is(err, ErrRootRevocation) {
		t.Fatalf("expected ErrRootRevocation, got: %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(childEntity("a"))
	if err := r.Revoke("a", 1); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := r.Revoke("a", 2); err != nil {
		t.Fatalf("second revoke should be idempotent, got: %v", err)
	}
}

func TestIsActive(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(childEntity("a"))
	if !r.IsActive("a") {
		t.Fatal("expected a to be active")
	}
	_ = r.Revoke("a", 1)
	if r.IsActive("a") {
		t.Fatal("expected a to be inactive after revoke")
	}
	if r.IsActive("ghost") {
		t.Fatal("expected unregistered entity to be inactive")
	}
}

func TestAllReturnsEverything(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(rootEntity("root"))
	_ = r.Register(childEntity("a", "root"))
	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(all))
	}
}
