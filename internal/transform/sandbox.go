package transform

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/target/etl-loader/internal/domain/model"
)

// DefaultSandboxTimeout bounds one custom evaluation when none is configured.
const DefaultSandboxTimeout = 50 * time.Millisecond

// ViolationKind classifies why a custom evaluation was rejected.
type ViolationKind string

const (
	ViolationTimeout    ViolationKind = "timeout"
	ViolationDisallowed ViolationKind = "disallowed"
	ViolationRaised     ViolationKind = "raised"
)

// Violation is returned when custom code misbehaves. It fails the step for
// one row only.
type Violation struct {
	Kind ViolationKind
	Name string
	Err  error
}

func (v *Violation) Error() string {
	if v.Err == nil {
		return fmt.Sprintf("custom %s: %s", v.Name, v.Kind)
	}
	return fmt.Sprintf("custom %s: %s: %v", v.Name, v.Kind, v.Err)
}

func (v *Violation) Unwrap() error { return v.Err }

// ClassKind tags metrics and failure details with the violation kind.
func (v *Violation) ClassKind() string { return "sandbox_" + string(v.Kind) }

// IsViolation reports whether err is a sandbox violation of kind k. An empty
// kind matches any violation.
func IsViolation(err error, k ViolationKind) bool {
	var v *Violation
	if !errors.As(err, &v) {
		return false
	}
	return k == "" || v.Kind == k
}

// searcher is the compiled form of an expression.
type searcher interface {
	Search(data any) (any, error)
}

// Program is a compiled custom transformation. The expression sees the
// document {"value": <input>, "params": <parameters>}.
type Program struct {
	Name      string
	Code      string
	Params    map[string]any
	UpdatedAt time.Time
	expr      searcher
}

// Compile checks and compiles def. A compile failure means the definition
// can never run and is reported at registration time.
func Compile(def *model.CustomTransformation) (*Program, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	expr, err := jmespath.Compile(def.Code)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", def.Name, err)
	}
	return &Program{
		Name:      def.Name,
		Code:      def.Code,
		Params:    jsonMap(def.Parameters),
		UpdatedAt: def.UpdatedAt,
		expr:      expr,
	}, nil
}

// Sandbox runs programs with a wall-clock budget per call.
type Sandbox struct {
	timeout time.Duration
}

// NewSandbox returns a sandbox. A non-positive timeout uses the default.
func NewSandbox(timeout time.Duration) *Sandbox {
	if timeout <= 0 {
		timeout = DefaultSandboxTimeout
	}
	return &Sandbox{timeout: timeout}
}

// Timeout returns the per-call budget.
func (s *Sandbox) Timeout() time.Duration { return s.timeout }

type evalResult struct {
	value any
	err   error
}

// Eval evaluates prog on value. Step params override the registered ones
// key by key.
func (s *Sandbox) Eval(ctx context.Context, prog *Program, value any, params map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := map[string]any{
		"value":  jsonValue(value),
		"params": mergeParams(prog.Params, params),
	}
	done := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{err: &Violation{Kind: ViolationRaised, Name: prog.Name, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		out, err := prog.expr.Search(doc)
		done <- evalResult{value: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &Violation{Kind: ViolationTimeout, Name: prog.Name, Err: ctx.Err()}
	case res := <-done:
		if res.err != nil {
			if IsViolation(res.err, "") {
				return nil, res.err
			}
			return nil, &Violation{Kind: ViolationRaised, Name: prog.Name, Err: res.err}
		}
		return scalarResult(prog.Name, value, res.value)
	}
}

func mergeParams(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range jsonMap(override) {
		out[k] = v
	}
	return out
}

// scalarResult rejects structured results. Integral numbers come back as
// int64 when the input was an integer.
func scalarResult(name string, in, out any) (any, error) {
	switch x := out.(type) {
	case nil, string, bool:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, &Violation{Kind: ViolationRaised, Name: name, Err: errors.New("result is not a finite number")}
		}
		if isInteger(in) && x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x), nil
		}
		return x, nil
	}
	return nil, &Violation{Kind: ViolationDisallowed, Name: name, Err: fmt.Errorf("result of type %T is not a scalar", out)}
}

func isInteger(v any) bool {
	switch v.(type) {
	case int, int32, int64:
		return true
	}
	return false
}

// jsonValue converts v into the value space the evaluator understands:
// float64 numbers, strings, bools, nil, []any and map[string]any.
func jsonValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	case map[string]any:
		return jsonMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonValue(e)
		}
		return out
	}
	return v
}

func jsonMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = jsonValue(v)
	}
	return out
}
