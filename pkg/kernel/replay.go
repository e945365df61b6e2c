// Copyright 2025 Kestrel Systems
//
// Replay Engine: crash recovery via deterministic evidence replay.
// Determinism rests on canonical encoding, the ordered evidence log,
// pure guard functions, and stable (sorted) metric iteration in the
// Merkle computation - exactly the four properties spec.md 4.9 names.
//
// Scope note: only identity/authority mutations performed through the
// privileged ops (CreateEntity, GrantAuthority, RevokeAuthority,
// RevokeEntity) and ordinary committed action mutations are replayed.
// Protocol registration is a provisioning concern handled directly
// against pkg/protocol.Engine by the operator, not logged as a
// privileged op, so it is re-provisioned alongside config rather than
// replayed from evidence.

package kernel

import (
	"encoding/hex"
	"fmt"

	"github.com/kestrel-systems/govkernel/pkg/authority"
	"github.com/kestrel-systems/govkernel/pkg/evidence"
	"github.com/kestrel-systems/govkernel/pkg/identity"
	"github.com/kestrel-systems/govkernel/pkg/kstate"
)

// replay iterates the stored evidence chain in order, re-hydrates the
// seen-set and identity/authority state, and re-applies every
// ordinary committed action's mutation set through ApplyTrusted so the
// resulting snapshot chain matches the pre-crash chain hash for hash.
// Must be called before the kernel transitions to ACTIVE.
func (k *Kernel) replay() error {
	history, err := k.evidence.History()
	if err != nil {
		return fmt.Errorf("replay: load history: %w", err)
	}

	for i, e := range history {
		if e.Status != evidence.StatusSuccess {
			continue
		}

		if e.Action.Payload.ProtocolID == "SYSTEM" && isPrivilegedKind(e.Action.Payload.MetricID) {
			if err := k.replayPrivileged(e); err != nil {
				return fmt.Errorf("replay: entry %d (%s): %w", i, e.Action.Payload.MetricID, err)
			}
			continue
		}

		if err := k.replayMutation(e); err != nil {
			return fmt.Errorf("replay: entry %d (action=%s): %w", i, e.Action.ActionID, err)
		}
	}
	return nil
}

func isPrivilegedKind(kind string) bool {
	switch kind {
	case "createEntity", "grantAuthority", "revokeAuthority", "revokeEntity":
		return true
	default:
		return false
	}
}

func (k *Kernel) replayPrivileged(e evidence.Evidence) error {
	switch e.Action.Payload.MetricID {
	case "createEntity":
		pubHex, _ := e.Metadata["publicKeyHex"].(string)
		pub, err := hex.DecodeString(pubHex)
		if err != nil {
			return fmt.Errorf("decode public key: %w", err)
		}
		entityID, _ := e.Metadata["entityId"].(string)
		entityType, _ := e.Metadata["type"].(string)
		isRoot, _ := e.Metadata["isRoot"].(bool)

		var parents []string
		if raw, ok := e.Metadata["parents"].([]interface{}); ok {
			for _, p := range raw {
				if s, ok := p.(string); ok {
					parents = append(parents, s)
				}
			}
		} else if raw, ok := e.Metadata["parents"].([]string); ok {
			parents = raw
		}

		ent := identity.Entity{
			ID:        entityID,
			PublicKey: pub,
			Type:      identity.EntityType(entityType),
			Status:    identity.StatusActive,
			Parents:   parents,
			IsRoot:    isRoot,
		}
		if err := k.registry.Register(ent); err != nil && err != identity.ErrAlreadyRegistered {
			return err
		}
		return nil

	case "grantAuthority":
		d := authority.Delegation{
			AuthorityID:  stringField(e.Metadata, "authorityId"),
			Granter:      stringField(e.Metadata, "granter"),
			Grantee:      stringField(e.Metadata, "grantee"),
			Capacity:     stringField(e.Metadata, "capacity"),
			Jurisdiction: stringField(e.Metadata, "jurisdiction"),
			Timestamp:    e.Timestamp,
		}
		if v, ok := e.Metadata["maxValue"].(float64); ok {
			d.Limits = &authority.Limits{MaxValue: &v}
		}
		_, err := k.authority.Grant(d, e.Timestamp)
		return err

	case "revokeAuthority":
		return k.authority.Revoke(stringField(e.Metadata, "authorityId"))

	case "revokeEntity":
		return k.registry.Revoke(stringField(e.Metadata, "entityId"), e.Timestamp.Logical)
	}
	return nil
}

func stringField(meta map[string]interface{}, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func (k *Kernel) replayMutation(e evidence.Evidence) error {
	var rawMutations []interface{}
	switch v := e.Metadata["mutations"].(type) {
	case []interface{}:
		rawMutations = v
	case []map[string]interface{}:
		for _, m := range v {
			rawMutations = append(rawMutations, m)
		}
	default:
		return fmt.Errorf("missing mutations in SUCCESS evidence metadata")
	}

	mutations := make([]kstate.Mutation, 0, len(rawMutations))
	for _, raw := range rawMutations {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("malformed mutation entry")
		}
		mutations = append(mutations, kstate.Mutation{
			MetricID: stringField(m, "metricId"),
			Value:    m["value"],
		})
	}

	if _, err := k.state.ApplyTrusted(mutations, e.Timestamp, e.Action.Initiator, e.Action.ActionID, e.EvidenceID); err != nil {
		return err
	}
	k.seen[e.Action.ActionID] = true
	return nil
}
