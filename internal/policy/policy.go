// Package policy decides what to do with a degraded run.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Decision is the policy verdict for a degraded run.
type Decision string

const (
	DecisionRestart Decision = "restart"
	DecisionFail    Decision = "fail"
)

// Input is what the lifecycle monitor knows about a degraded run.
type Input struct {
	Reason             string `json:"reason"`
	RestartCount       int    `json:"restart_count"`
	MaxRestartAttempts int    `json:"max_restart_attempts"`
	NodeStatus         string `json:"node_status"`
}

// Engine evaluates the restart policy with OPA.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the policy for evaluation.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.runs.restart.decision"),
		rego.Module("restart_policy.rego", policyContent),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare restart policy: %w", err)
	}
	return &Engine{query: query}, nil
}

// Decide evaluates the policy. Evaluation errors fall back to fail: a
// broken policy must never keep a dead run alive.
func (e *Engine) Decide(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return DecisionFail, fmt.Errorf("evaluate restart policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionFail, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok && Decision(s) == DecisionRestart {
		return DecisionRestart, nil
	}
	return DecisionFail, nil
}

// DefaultPolicy restarts while the budget lasts, for every known reason.
const DefaultPolicy = `package runs.restart

default decision := "fail"

decision := "restart" if {
	input.restart_count < input.max_restart_attempts
	input.reason in {"heartbeat_timeout", "container_died", "gpu_shortage"}
}
`
