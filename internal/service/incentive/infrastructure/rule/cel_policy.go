// internal/service/incentive/infrastructure/rule/cel_policy.go
package rule

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// DefaultRateExpression 第一代 10%，第二、三代 5%，之后 2%
const DefaultRateExpression = `generation == 1 ? 0.10 : (generation <= 3 ? 0.05 : 0.02)`

// CELPolicy 用 CEL 表达式计算每一代的返佣比例，实现 domain.RatePolicy。
// 表达式可用的变量: generation (int), role (祖先角色), source_role (购买者角色)。
type CELPolicy struct {
	expression string
	program    cel.Program
}

// NewCELPolicy 编译表达式，语法或类型错误在这里返回
func NewCELPolicy(expression string) (*CELPolicy, error) {
	if expression == "" {
		expression = DefaultRateExpression
	}
	env, err := cel.NewEnv(
		cel.Variable("generation", cel.IntType),
		cel.Variable("role", cel.StringType),
		cel.Variable("source_role", cel.StringType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}
	ast, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "compile rate expression %q", expression)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "build cel program")
	}
	return &CELPolicy{expression: expression, program: prg}, nil
}

func (p *CELPolicy) Rate(generation int, ancestorRole, sourceRole string) (float64, error) {
	out, _, err := p.program.Eval(map[string]any{
		"generation":  int64(generation),
		"role":        ancestorRole,
		"source_role": sourceRole,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "evaluate rate for generation %d", generation)
	}
	var rate float64
	switch v := out.Value().(type) {
	case float64:
		rate = v
	case int64:
		rate = float64(v)
	default:
		return 0, fmt.Errorf("rate expression returned %T, want a number", v)
	}
	if rate < 0 || rate > 1 {
		return 0, fmt.Errorf("rate %v for generation %d is outside [0, 1]", rate, generation)
	}
	return rate, nil
}

func (p *CELPolicy) Expression() string { return p.expression }
