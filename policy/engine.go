// Package policy gates instrumentation changes through OPA policies.
//
// Policies decide per function whether a run may touch it. The engine
// only evaluates and reports; callers act on the decision.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/mittari/internal/telemetry"
)

// opaExpressionValue represents the dynamic value from OPA expression results.
// OPA returns arbitrary JSON structures whose shape is determined by the
// policy at runtime, so this map is unavoidable here.
type opaExpressionValue map[string]interface{}

// Engine evaluates loaded Rego policies against instrumentation targets
type Engine struct {
	logger  *telemetry.Logger
	tracer  trace.Tracer
	queries map[string]rego.PreparedEvalQuery
}

// FunctionInfo is the function snapshot policies see
type FunctionInfo struct {
	Name     string            `json:"name"`
	ARN      string            `json:"arn"`
	Region   string            `json:"region"`
	Runtime  string            `json:"runtime"`
	MemoryMB int32             `json:"memory_mb"`
	Layers   []string          `json:"layers,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Input is the document handed to every policy evaluation
type Input struct {
	Function    FunctionInfo `json:"function"`
	Command     string       `json:"command"` // "instrument" or "uninstrument"
	Environment string       `json:"environment"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Result contains the aggregated outcome of policy evaluation
type Result struct {
	Decision string   `json:"decision"` // "allow", "skip", "deny"
	Reason   string   `json:"reason"`
	Policies []string `json:"policies"` // Which policies matched
	// Metadata stores dynamic policy-specific data from OPA evaluation.
	// Policies can attach arbitrary context that cannot be predetermined.
	Metadata map[string]any `json:"metadata"`
}

// Allowed reports whether the run may touch the function
func (r Result) Allowed() bool {
	return r.Decision == "allow"
}

// NewEngine creates a policy engine with no policies loaded.
// With nothing loaded every evaluation allows.
func NewEngine() *Engine {
	return &Engine{
		logger:  telemetry.NewLogger("policy-engine"),
		tracer:  otel.Tracer("policy-engine"),
		queries: make(map[string]rego.PreparedEvalQuery),
	}
}

// PolicyCount returns how many policies are loaded
func (e *Engine) PolicyCount() int {
	return len(e.queries)
}

// LoadPolicy loads and compiles a Rego policy
func (e *Engine) LoadPolicy(ctx context.Context, name string, regoCode string) error {
	ctx, span := e.tracer.Start(ctx, "policy_engine.load_policy",
		trace.WithAttributes(attribute.String("policy.name", name)))
	defer span.End()

	e.logger.WithContext(ctx).Info().
		Str("policy_name", name).
		Msg("loading policy")

	// Compile the Rego query
	query := rego.New(
		rego.Query("data.mittari"), // Query root namespace
		rego.Module(name, regoCode),
	)

	prepared, err := query.PrepareForEval(ctx)
	if err != nil {
		e.logger.WithContext(ctx).Error().
			Err(err).
			Str("policy_name", name).
			Msg("failed to compile policy")
		return fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	e.queries[name] = prepared
	return nil
}

// NewInput builds the evaluation input for one function
func NewInput(command string, fn FunctionInfo) Input {
	return Input{
		Function:    fn,
		Command:     command,
		Environment: detectEnvironment(fn),
		Timestamp:   time.Now(),
	}
}

// Evaluate runs all loaded policies against the input
func (e *Engine) Evaluate(ctx context.Context, input Input) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "policy_engine.evaluate",
		trace.WithAttributes(
			attribute.String("function.name", input.Function.Name),
			attribute.String("command", input.Command)))
	defer span.End()

	var allResults []Result
	matchedPolicies := []string{}

	// Evaluate each loaded policy
	for policyName, query := range e.queries {
		result, err := e.evaluatePolicy(ctx, policyName, query, input)
		if err != nil {
			e.logger.WithContext(ctx).Error().
				Err(err).
				Str("policy_name", policyName).
				Msg("policy evaluation failed")
			continue
		}

		if result.Decision != "" {
			allResults = append(allResults, result)
			matchedPolicies = append(matchedPolicies, policyName)
		}
	}

	// Aggregate results into final decision
	finalResult := e.aggregateResults(allResults)
	finalResult.Policies = matchedPolicies

	e.logger.WithContext(ctx).Debug().
		Str("function", input.Function.Name).
		Str("decision", finalResult.Decision).
		Str("reason", finalResult.Reason).
		Strs("matched_policies", matchedPolicies).
		Msg("policy evaluation complete")

	return finalResult, nil
}

// evaluatePolicy evaluates a single policy
func (e *Engine) evaluatePolicy(ctx context.Context, name string, query rego.PreparedEvalQuery, input Input) (Result, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Result{}, fmt.Errorf("evaluation failed: %w", err)
	}

	if len(results) == 0 {
		return Result{}, nil // No match
	}

	result := Result{
		Policies: []string{name},
		Metadata: make(map[string]any),
	}

	e.parseEvalResults(results, &result)
	return result, nil
}

func (e *Engine) parseEvalResults(results rego.ResultSet, result *Result) {
	for _, res := range results {
		// First check bindings (variables)
		for key, value := range res.Bindings {
			e.bindPolicyValue(key, value, result)
		}

		// Then check expressions (rules)
		if len(res.Expressions) > 0 {
			// OPA runtime returns interface{} that can be either type
			switch expr := res.Expressions[0].Value.(type) {
			case opaExpressionValue:
				for key, value := range expr {
					e.bindPolicyValue(key, value, result)
				}
			case map[string]interface{}: // OPA raw return type
				for key, value := range expr {
					e.bindPolicyValue(key, value, result)
				}
			}
		}
	}
}

func (e *Engine) bindPolicyValue(key string, value interface{}, result *Result) {
	if e.bindStringField(key, value, result) {
		return
	}
	result.Metadata[key] = value
}

func (e *Engine) bindStringField(key string, value interface{}, result *Result) bool {
	str, ok := value.(string)
	if !ok {
		return false
	}

	switch key {
	case "decision":
		result.Decision = str
	case "reason":
		result.Reason = str
	default:
		return false
	}
	return true
}

// aggregateResults combines multiple policy results into a final decision
func (e *Engine) aggregateResults(results []Result) Result {
	if len(results) == 0 {
		return Result{
			Decision: "allow",
			Reason:   "no policies matched",
		}
	}

	finalResult := Result{
		Decision: "allow",
		Policies: []string{},
		Metadata: make(map[string]any),
	}

	// Most restrictive decision wins
	priorityOrder := map[string]int{
		"deny":  3,
		"skip":  2,
		"allow": 1,
	}

	maxPriority := 0
	reasons := []string{}

	for _, result := range results {
		if priority := priorityOrder[result.Decision]; priority > maxPriority {
			maxPriority = priority
			finalResult.Decision = result.Decision
		}
		if result.Reason != "" {
			reasons = append(reasons, result.Reason)
		}
		for k, v := range result.Metadata {
			finalResult.Metadata[k] = v
		}
	}

	finalResult.Reason = strings.Join(reasons, "; ")
	return finalResult
}

func detectEnvironment(fn FunctionInfo) string {
	// Simple environment detection based on tags
	if env := fn.Tags["environment"]; env != "" {
		return env
	}
	if env := fn.Tags["env"]; env != "" {
		return env
	}

	// Fallback detection based on naming patterns
	name := fn.Name
	if strings.Contains(name, "prod") {
		return "prod"
	}
	if strings.Contains(name, "stag") {
		return "staging"
	}
	if strings.Contains(name, "dev") || strings.Contains(name, "test") {
		return "dev"
	}

	return "unknown"
}
