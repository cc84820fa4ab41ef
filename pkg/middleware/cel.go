package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
)

// CELFilter drops envelopes for which a boolean CEL expression is false.
// The expression sees channel, priority, source, metadata and payload.
type CELFilter struct {
	name string
	expr string
	prg  cel.Program
}

func NewCELFilter(name, expr string) (*CELFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("channel", cel.StringType),
		cel.Variable("priority", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel filter %s: create environment: %w", name, err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel filter %s: compile: %w", name, issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("cel filter %s: program: %w", name, err)
	}
	return &CELFilter{name: name, expr: expr, prg: prg}, nil
}

func (f *CELFilter) Name() string { return f.name }

func (f *CELFilter) Handle(ctx context.Context, env *envelope.Envelope) Decision {
	payload, err := celValue(env.Payload())
	if err != nil {
		return Drop(fmt.Sprintf("payload not addressable by %s: %v", f.name, err))
	}

	out, _, err := f.prg.ContextEval(ctx, map[string]any{
		"channel":  env.Channel(),
		"priority": env.Priority().String(),
		"source":   env.Source(),
		"metadata": env.Metadata(),
		"payload":  payload,
	})
	if err != nil {
		return Drop(fmt.Sprintf("filter %s failed: %v", f.name, err))
	}
	if pass, ok := out.Value().(bool); !ok || !pass {
		return Drop("filtered by " + f.expr)
	}
	return Pass()
}

// celValue converts an arbitrary payload into the generic JSON shape CEL
// can traverse.
func celValue(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, int, int64, float64, map[string]any, []any:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
