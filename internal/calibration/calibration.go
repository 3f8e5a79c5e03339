// Package calibration evaluates per-sensor formulas over raw readings.
//
// A formula is an arithmetic expression in the single variable x, for example
// "x * 0.5 + 10". Only numbers, x, + - * / ** ^, unary signs, parentheses and
// the functions sqrt, log, abs and round are accepted.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

// MaxFormulaLength bounds formulas to keep evaluation cheap.
const MaxFormulaLength = 50

var ErrFormulaTooLong = fmt.Errorf("formula longer than %d characters", MaxFormulaLength)

var functions = map[string]bool{"sqrt": true, "log": true, "abs": true, "round": true}

var operators = map[string]bool{"+": true, "-": true, "*": true, "/": true, "**": true, "^": true}

func env(x float64) map[string]interface{} {
	return map[string]interface{}{
		"x":     x,
		"sqrt":  math.Sqrt,
		"log":   math.Log,
		"abs":   math.Abs,
		"round": round,
	}
}

// round rounds x half away from zero, to digits decimal places when given.
func round(x float64, digits ...int) float64 {
	if len(digits) == 0 || digits[0] == 0 {
		return math.Round(x)
	}
	p := math.Pow(10, float64(digits[0]))
	return math.Round(x*p) / p
}

// check rejects every construct outside plain arithmetic on x.
func check(node ast.Node) error {
	switch n := node.(type) {
	case *ast.IntegerNode, *ast.FloatNode:
		return nil
	case *ast.IdentifierNode:
		if n.Value != "x" {
			return fmt.Errorf("unknown name %q", n.Value)
		}
		return nil
	case *ast.UnaryNode:
		if n.Operator != "-" && n.Operator != "+" {
			return fmt.Errorf("operator %q not allowed", n.Operator)
		}
		return check(n.Node)
	case *ast.BinaryNode:
		if !operators[n.Operator] {
			return fmt.Errorf("operator %q not allowed", n.Operator)
		}
		if err := check(n.Left); err != nil {
			return err
		}
		return check(n.Right)
	case *ast.CallNode:
		callee, ok := n.Callee.(*ast.IdentifierNode)
		if !ok || !functions[callee.Value] {
			return errors.New("only sqrt, log, abs and round can be called")
		}
		return checkAll(n.Arguments)
	case *ast.BuiltinNode:
		if !functions[n.Name] {
			return fmt.Errorf("function %q not allowed", n.Name)
		}
		return checkAll(n.Arguments)
	default:
		return fmt.Errorf("expression %q not allowed", node.String())
	}
}

func checkAll(nodes []ast.Node) error {
	for _, node := range nodes {
		if err := check(node); err != nil {
			return err
		}
	}
	return nil
}

func compile(formula string) (*vm.Program, error) {
	if len(formula) > MaxFormulaLength {
		return nil, ErrFormulaTooLong
	}
	tree, err := parser.Parse(formula)
	if err != nil {
		return nil, err
	}
	if err := check(tree.Node); err != nil {
		return nil, err
	}
	return expr.Compile(formula,
		expr.Env(env(0)),
		expr.AsFloat64(),
		expr.DisableAllBuiltins(),
	)
}

// Validate reports why formula cannot be used. Empty formulas are valid.
func Validate(formula string) error {
	if strings.TrimSpace(formula) == "" {
		return nil
	}
	if _, err := compile(formula); err != nil {
		return fmt.Errorf("invalid calibration formula %q: %w", formula, err)
	}
	return nil
}

// Eval applies formula to x.
func Eval(formula string, x float64) (float64, error) {
	program, err := compile(formula)
	if err != nil {
		return 0, err
	}
	out, err := expr.Run(program, env(x))
	if err != nil {
		return 0, err
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("formula returned %T", out)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("formula result is not a finite number")
	}
	return v, nil
}

// Apply returns the calibrated value, or x unchanged when the formula is empty
// or cannot be evaluated.
func Apply(formula string, x float64) float64 {
	if strings.TrimSpace(formula) == "" {
		return x
	}
	v, err := Eval(formula, x)
	if err != nil {
		log.Warn().Err(err).Str("formula", formula).Float64("raw", x).Msg("Calibration failed, keeping raw value")
		return x
	}
	return v
}
