// Package eval provides sandboxed expression evaluation for breakpoint
// conditions, log-point interpolations, and the evaluate/setVariable command
// surface. Every expression passes a token-denylist policy check on the raw
// string before it reaches the runtime's evaluator.
package eval

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jnsquire/dapper/pkg/dbg/runtime"
)

// PolicyBlockedResult is the stable string surfaced at the evaluate-command
// boundary when an expression is rejected by policy.
const PolicyBlockedResult = "<error: Evaluation blocked by policy>"

// ErrPolicy marks expressions rejected by the evaluation policy.
var ErrPolicy = errors.New("expression blocked by policy")

// ErrEmptyExpression marks empty or blank expressions.
var ErrEmptyExpression = errors.New("expression cannot be empty")

// ErrNoFrame marks evaluation attempts without a frame context.
var ErrNoFrame = errors.New("frame context is required")

// Substrings that reject an expression outright. Matched case-insensitively
// against the raw expression string.
var disallowedTokens = []string{
	"__",
	"import ",
	"import(",
	"open(",
	"exec(",
	"eval(",
	"compile(",
	"globals(",
	"locals(",
	"vars(",
	"os.",
	"sys.",
	"subprocess",
	"socket",
}

// CheckPolicy rejects expressions containing denylisted tokens.
func CheckPolicy(expr string) error {
	lowered := strings.ToLower(expr)
	for _, token := range disallowedTokens {
		if strings.Contains(lowered, token) {
			return fmt.Errorf("%w: contains %q", ErrPolicy, token)
		}
	}
	return nil
}

// EvaluateWithPolicy evaluates an expression in a frame's globals and locals
// under the denylist policy. allowBuiltins opts the expression into the
// evaluator's builtin namespace; breakpoint conditions and log messages opt
// in, setVariable does not.
func EvaluateWithPolicy(
	ev runtime.Evaluator,
	expr string,
	frame runtime.FrameLike,
	allowBuiltins bool,
) (any, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, ErrEmptyExpression
	}
	if err := CheckPolicy(trimmed); err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, ErrNoFrame
	}

	globals, err := frame.Globals()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	locals, err := frame.Locals()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}

	return ev.Eval(trimmed, globals, locals, allowBuiltins)
}

// IsTruthy applies the runtime's truthiness rules to an evaluation result.
func IsTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
