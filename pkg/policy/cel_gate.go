package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELGate evaluates registered CEL expressions against the action/actor/
// resource/context tuple. Compiled programs are cached by policy_id so a
// hot apply path never recompiles; CostLimit and InterruptCheckFrequency
// bound a single evaluation's work so a malformed or adversarial
// expression cannot stall the Coordinator.
type CELGate struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
	sources  map[string]string
}

// NewCELGate constructs an empty CELGate. Policies are registered with
// LoadPolicy before Decide can evaluate them.
func NewCELGate() (*CELGate, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &CELGate{
		env:      env,
		programs: make(map[string]cel.Program),
		sources:  make(map[string]string),
	}, nil
}

// LoadPolicy compiles source under policyID. Decide evaluates every loaded
// policy on every request, whatever its policyID. A policy is a single
// boolean CEL expression: true permits the action.
func (g *CELGate) LoadPolicy(policyID, source string) error {
	ast, issues := g.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy: compile %s: %w", policyID, issues.Err())
	}
	prg, err := g.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return fmt.Errorf("policy: build program %s: %w", policyID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.programs[policyID] = prg
	g.sources[policyID] = source
	return nil
}

// Decide evaluates every loaded policy against the request and denies on
// the first violation, fail-closed: an evaluation error is treated as a
// deny, never as an allow.
func (g *CELGate) Decide(ctx context.Context, action, actor, resource string, attrs map[string]any) (Decision, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	input := map[string]any{
		"action":   action,
		"actor":    actor,
		"resource": resource,
		"context":  attrs,
	}

	for policyID, prg := range g.programs {
		out, _, err := prg.Eval(input)
		if err != nil {
			return Decision{Allow: false, Reason: fmt.Sprintf("policy evaluation error: %v", err), PolicyID: policyID}, nil
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return Decision{Allow: false, Reason: "policy expression did not evaluate to a boolean", PolicyID: policyID}, nil
		}
		if !allowed {
			return Decision{Allow: false, Reason: fmt.Sprintf("denied by policy %s", policyID), PolicyID: policyID}, nil
		}
	}

	return Decision{Allow: true}, nil
}
