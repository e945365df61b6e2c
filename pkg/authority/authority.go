// Copyright 2025 Kestrel Systems
//
// Authority Engine: the delegation algebra. Mirrors the teacher's
// small-pure-function style for BFT threshold math (consensus vote
// counting) but applied to capacity/jurisdiction partial-order checks
// and recursive delegation-chain liveness instead of validator sets.

package authority

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kestrel-systems/govkernel/pkg/action"
	"github.com/kestrel-systems/govkernel/pkg/identity"
)

var (
	ErrGranterNotActive  = errors.New("authority: granter is not an active entity")
	ErrGranteeNotActive  = errors.New("authority: grantee is not an active entity")
	ErrScopeEscalation   = errors.New("authority: granter is not authorized for the delegated scope")
	ErrUnknownDelegation = errors.New("authority: delegation not found")
	ErrInvalidSignature  = errors.New("authority: delegation signature invalid")
)

// Status is a delegation's lifecycle state.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
)

// Limits bounds the numeric value a delegated capacity may be used with.
type Limits struct {
	MaxValue *float64
}

// Delegation is one append-only grant record.
type Delegation struct {
	AuthorityID  string
	Granter      string
	Grantee      string
	Capacity     string
	Jurisdiction string
	Timestamp    action.LogicalTime
	ExpiresAt    *action.LogicalTime
	Limits       *Limits
	Status       Status
	Signature    string
}

// CheckContext carries the runtime facts a scope check is evaluated against.
type CheckContext struct {
	Time  action.LogicalTime
	Value float64
}

// Engine holds the append-only delegation vector and the identity
// registry it authorizes against. A zero Engine is not usable; use New.
type Engine struct {
	mu          sync.RWMutex
	registry    *identity.Registry
	delegations []Delegation
	byID        map[string]int // authorityId -> index into delegations, for O(1) revoke
	nextSeq     int
}

// New creates an Engine bound to the given identity registry.
func New(registry *identity.Registry) *Engine {
	return &Engine{
		registry: registry,
		byID:     make(map[string]int),
	}
}

// Grant records a new delegation. Both parties must be ACTIVE; the
// granter must itself be root or recursively authorized for the exact
// (capacity, jurisdiction) being delegated - this is the non-escalation
// rule (spec 5.2 / 5.7). Signature verification is the caller's job
// unless signature is a recognized sentinel.
func (e *Engine) Grant(d Delegation, now action.LogicalTime) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsActive(d.Granter) {
		return "", fmt.Errorf("%w: %s", ErrGranterNotActive, d.Granter)
	}
	if !e.registry.IsActive(d.Grantee) {
		return "", fmt.Errorf("%w: %s", ErrGranteeNotActive, d.Grantee)
	}

	granterEntity, err := e.registry.Get(d.Granter)
	if err != nil {
		return "", err
	}
	if !granterEntity.IsRoot {
		if !e.authorizedLocked(d.Granter, d.Capacity, d.Jurisdiction, CheckContext{Time: now}, make(map[string]bool)) {
			return "", fmt.Errorf("%w: granter=%s capacity=%s jurisdiction=%s",
				ErrScopeEscalation, d.Granter, d.Capacity, d.Jurisdiction)
		}
	}

	if d.AuthorityID == "" {
		d.AuthorityID = fmt.Sprintf("auth-%d", e.nextSeq)
	}
	d.Status = StatusActive
	e.nextSeq++
	e.delegations = append(e.delegations, d)
	e.byID[d.AuthorityID] = len(e.delegations) - 1
	return d.AuthorityID, nil
}

// Revoke flips a delegation's status to REVOKED. Propagation to
// descendants is lazy: Authorized re-walks the chain on every call, so
// a revoked ancestor deauthorizes descendants on their next check
// without this call touching any other record.
func (e *Engine) Revoke(authorityID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, ok := e.byID[authorityID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelegation, authorityID)
	}
	e.delegations[idx].Status = StatusRevoked
	return nil
}

// Authorized reports whether entity currently holds an ACTIVE,
// non-expired, within-limit delegation chain (possibly of length zero,
// if entity is root) covering (capacity, jurisdiction) at ctx.Time.
func (e *Engine) Authorized(entity, capacity, jurisdiction string, ctx CheckContext) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.authorizedLocked(entity, capacity, jurisdiction, ctx, make(map[string]bool))
}

// authorizedLocked is the recursive worker. visiting guards against a
// malformed delegation graph looping forever - legitimate grants are
// append-only and acyclic by construction, so this is a defensive
// backstop, not an expected path.
func (e *Engine) authorizedLocked(entity, capacity, jurisdiction string, ctx CheckContext, visiting map[string]bool) bool {
	ent, err := e.registry.Get(entity)
	if err != nil || ent.Status != identity.StatusActive {
		return false
	}
	if ent.IsRoot {
		return true
	}
	if visiting[entity] {
		return false
	}
	visiting[entity] = true

	for _, d := range e.delegations {
		if d.Grantee != entity || d.Status != StatusActive {
			continue
		}
		if !capacityCovers(d.Capacity, capacity) || !jurisdictionCovers(d.Jurisdiction, jurisdiction) {
			continue
		}
		if d.ExpiresAt != nil && !ctx.Time.Before(*d.ExpiresAt) {
			continue
		}
		if d.Limits != nil && d.Limits.MaxValue != nil && ctx.Value > *d.Limits.MaxValue {
			continue
		}

		granterEntity, err := e.registry.Get(d.Granter)
		if err != nil || granterEntity.Status != identity.StatusActive {
			continue
		}
		if granterEntity.IsRoot || e.authorizedLocked(d.Granter, d.Capacity, d.Jurisdiction, ctx, visiting) {
			return true
		}
	}
	return false
}

// capacityCovers reports whether granted authorizes the queried
// capacity under the dotted-prefix / wildcard partial order: "*"
// covers everything, an exact match covers itself, and a dotted
// ancestor ("METRIC") covers any more specific descendant
// ("METRIC.WRITE", "METRIC.WRITE.SUB").
func capacityCovers(granted, queried string) bool {
	return dottedCovers(granted, queried)
}

// jurisdictionCovers uses the same dotted-prefix / wildcard partial
// order as capacities; spec.md treats both under one "." / ":" order.
func jurisdictionCovers(granted, queried string) bool {
	return dottedCovers(granted, queried)
}

func dottedCovers(granted, queried string) bool {
	if granted == "*" {
		return true
	}
	if granted == queried {
		return true
	}
	// A trailing ".*" on the granted pattern covers any descendant,
	// e.g. "METRIC.*" covers "METRIC.WRITE:coin".
	if strings.HasSuffix(granted, ".*") {
		prefix := strings.TrimSuffix(granted, ".*")
		return queried == prefix || strings.HasPrefix(queried, prefix+".")
	}
	// A bare ancestor ("METRIC") covers a dotted descendant ("METRIC.WRITE").
	return strings.HasPrefix(queried, granted+".")
}

// All returns a snapshot of the delegation vector, used by replay and
// diagnostic read paths.
func (e *Engine) All() []Delegation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Delegation, len(e.delegations))
	copy(out, e.delegations)
	return out
}
