package rule

import (
	"context"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/pkg/errors"
)

// CELHoldPolicy 用一个 CEL 表达式判断加购是否允许，例如：
//
//	qty <= 10 && !sku.startsWith("LIMITED-")
//
// 可用变量：sku (string)、cart_id (string)、qty (int)。表达式必须返回 bool。
type CELHoldPolicy struct {
	expr    string
	program cel.Program
}

// NewCELHoldPolicy 编译表达式。表达式为空时返回放行所有请求的策略。
func NewCELHoldPolicy(expr string) (*CELHoldPolicy, error) {
	if expr == "" {
		return &CELHoldPolicy{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("sku", cel.StringType),
		cel.Variable("cart_id", cel.StringType),
		cel.Variable("qty", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cel environment")
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "invalid hold policy %q", expr)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Errorf("hold policy %q must return bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build cel program")
	}
	return &CELHoldPolicy{expr: expr, program: prg}, nil
}

// Allow 实现 port.HoldPolicy
func (p *CELHoldPolicy) Allow(ctx context.Context, sku, cartID string, qty int) (bool, error) {
	if p.program == nil {
		return true, nil
	}
	out, _, err := p.program.ContextEval(ctx, map[string]any{
		"sku":     sku,
		"cart_id": cartID,
		"qty":     int64(qty),
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to evaluate hold policy %q", p.expr)
	}
	allowed, ok := out.(types.Bool)
	if !ok {
		return false, errors.Errorf("hold policy %q returned %T", p.expr, out)
	}
	return bool(allowed), nil
}

func (p *CELHoldPolicy) String() string {
	return p.expr
}
