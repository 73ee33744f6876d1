package scoring

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Policy is a compiled CEL post-adjustment. The expression sees the raw
// weighted score, the number of critical features set and the feature map,
// and must return the adjusted score.
type Policy struct {
	expr    string
	program cel.Program
}

// NewPolicy compiles a post-adjustment expression.
func NewPolicy(expr string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("score", cel.DoubleType),
		cel.Variable("critical_count", cel.IntType),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(types.DoubleType) {
		return nil, fmt.Errorf("policy must return a double, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return &Policy{expr: expr, program: prg}, nil
}

// Expression returns the source expression.
func (p *Policy) Expression() string { return p.expr }

// Apply evaluates the policy.
func (p *Policy) Apply(score float64, critical int, features map[string]float64) (float64, error) {
	out, _, err := p.program.Eval(map[string]any{
		"score":          score,
		"critical_count": int64(critical),
		"features":       features,
	})
	if err != nil {
		return score, fmt.Errorf("policy evaluation: %w", err)
	}
	return toScore(out), nil
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
