// Copyright 2025 Kestrel Systems
//
// Protocol Engine: registered conditional mutation rules triggered
// during commit. This package re-exports kstate.Mutation as Mutation
// rather than redefining it, exactly the way the teacher's
// pkg/protocol aliased consensus.ValidatorBlock into its own package
// instead of declaring a parallel type.

package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kestrel-systems/govkernel/pkg/action"
	"github.com/kestrel-systems/govkernel/pkg/kstate"
)

// Mutation aliases kstate.Mutation so callers constructing protocol
// rules never need to import pkg/kstate directly.
type Mutation = kstate.Mutation

// Lifecycle is a protocol's registration state.
type Lifecycle string

const (
	LifecycleProposed   Lifecycle = "PROPOSED"
	LifecycleRatified   Lifecycle = "RATIFIED"
	LifecycleActive     Lifecycle = "ACTIVE"
	LifecycleDeprecated Lifecycle = "DEPRECATED"
	LifecycleRevoked    Lifecycle = "REVOKED"
)

// ProposalCooldownMillis is the minimum logical-time duration
// (milliseconds) a protocol must sit in PROPOSED before non-sentinel
// ratification, per spec.md 4.8's optional ratification policy.
const ProposalCooldownMillis = 24 * 60 * 60 * 1000

// CompareOp is a METRIC_THRESHOLD predicate's comparison operator.
type CompareOp string

const (
	OpGreater      CompareOp = ">"
	OpGreaterEqual CompareOp = ">="
	OpLess         CompareOp = "<"
	OpLessEqual    CompareOp = "<="
	OpEqual        CompareOp = "=="
)

// Predicate gates whether a protocol's execution rules fire.
type Predicate struct {
	Always   bool
	MetricID string
	Op       CompareOp
	Value    float64
}

// Evaluate checks the predicate against state overlaid with the
// proposed mutation (the proposed mutation wins if it targets the
// same metric the predicate reads).
func (p Predicate) Evaluate(state kstate.KernelState, proposed Mutation) bool {
	if p.Always {
		return true
	}

	var current interface{}
	if proposed.MetricID == p.MetricID {
		current = proposed.Value
	} else if sv, ok := state.Metrics[p.MetricID]; ok {
		current = sv.Value
	} else {
		return false
	}

	f, ok := current.(float64)
	if !ok {
		return false
	}

	switch p.Op {
	case OpGreater:
		return f > p.Value
	case OpGreaterEqual:
		return f >= p.Value
	case OpLess:
		return f < p.Value
	case OpLessEqual:
		return f <= p.Value
	case OpEqual:
		return f == p.Value
	default:
		return false
	}
}

// Rule is a MUTATE_METRIC execution step: apply delta to metricId's
// current value when the protocol fires.
type Rule struct {
	MetricID string
	Delta    float64
}

// Protocol is one registered conditional mutation rule.
type Protocol struct {
	ID            string
	Lifecycle     Lifecycle
	ProposedAt    action.LogicalTime
	Preconditions []Predicate
	Execution     []Rule
}

var (
	ErrUnknownProtocol     = errors.New("protocol: not registered")
	ErrInvalidTransition   = errors.New("protocol: invalid lifecycle transition")
	ErrCooldownNotElapsed  = errors.New("protocol: proposal cooldown has not elapsed")
	ErrConflict            = errors.New("protocol: two triggered protocols target the same metric")
)

// validTransitions enumerates the lifecycle edges spec.md 4.8 allows.
var validTransitions = map[Lifecycle]map[Lifecycle]bool{
	LifecycleProposed:   {LifecycleRatified: true, LifecycleRevoked: true},
	LifecycleRatified:   {LifecycleActive: true, LifecycleRevoked: true},
	LifecycleActive:     {LifecycleDeprecated: true, LifecycleRevoked: true},
	LifecycleDeprecated: {LifecycleRevoked: true},
	LifecycleRevoked:    {},
}

// Engine stores protocols by id and evaluates them at commit time.
type Engine struct {
	mu        sync.RWMutex
	protocols map[string]*Protocol
}

// New creates an empty protocol engine.
func New() *Engine {
	return &Engine{protocols: make(map[string]*Protocol)}
}

// Propose registers a new protocol in PROPOSED state.
func (e *Engine) Propose(p Protocol, now action.LogicalTime) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p.Lifecycle = LifecycleProposed
	p.ProposedAt = now
	stored := p
	e.protocols[p.ID] = &stored
	return nil
}

// Transition moves a protocol to a new lifecycle state, enforcing the
// allowed-edges table and (for a non-sentinel RATIFIED transition) the
// 24h proposal cooldown.
func (e *Engine) Transition(id string, to Lifecycle, now action.LogicalTime, sentinel bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.protocols[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProtocol, id)
	}
	if !validTransitions[p.Lifecycle][to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Lifecycle, to)
	}
	if to == LifecycleRatified && !sentinel {
		elapsed := now.Epoch*1_000_000 + now.Logical - (p.ProposedAt.Epoch*1_000_000 + p.ProposedAt.Logical)
		if elapsed < ProposalCooldownMillis {
			return fmt.Errorf("%w: protocol=%s", ErrCooldownNotElapsed, id)
		}
	}
	p.Lifecycle = to
	return nil
}

// StatusOf implements pkg/guard.ProtocolLookup.
func (e *Engine) StatusOf(id string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.protocols[id]
	if !ok {
		return "", false
	}
	return string(p.Lifecycle), true
}

// Evaluate runs every ACTIVE protocol's preconditions against state
// overlaid with proposed, collects the mutations produced by firing
// protocols, and rejects with ErrConflict if two protocols target the
// same metric.
func (e *Engine) Evaluate(state kstate.KernelState, proposed Mutation) ([]Mutation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var effects []Mutation
	targeted := make(map[string]string) // metricId -> protocolId that already claimed it

	for _, p := range e.protocols {
		if p.Lifecycle != LifecycleActive {
			continue
		}
		if !allPreconditionsMet(p.Preconditions, state, proposed) {
			continue
		}
		for _, rule := range p.Execution {
			if owner, claimed := targeted[rule.MetricID]; claimed && owner != p.ID {
				return nil, fmt.Errorf("%w: metric=%s protocols=%s,%s", ErrConflict, rule.MetricID, owner, p.ID)
			}
			targeted[rule.MetricID] = p.ID

			base := 0.0
			if sv, ok := state.Metrics[rule.MetricID]; ok {
				if f, ok := sv.Value.(float64); ok {
					base = f
				}
			}
			effects = append(effects, Mutation{MetricID: rule.MetricID, Value: base + rule.Delta})
		}
	}
	return effects, nil
}

func allPreconditionsMet(preds []Predicate, state kstate.KernelState, proposed Mutation) bool {
	for _, p := range preds {
		if !p.Evaluate(state, proposed) {
			return false
		}
	}
	return true
}

// All returns a snapshot of every registered protocol, used by replay
// and diagnostic read paths.
func (e *Engine) All() []Protocol {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Protocol, 0, len(e.protocols))
	for _, p := range e.protocols {
		out = append(out, *p)
	}
	return out
}
