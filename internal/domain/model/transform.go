package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StepKind names a transformation step.
type StepKind string

// Recognised step kinds.
const (
	StepCoerce      StepKind = "coerce"
	StepDate        StepKind = "date"
	StepNumber      StepKind = "number"
	StepText        StepKind = "text"
	StepReplace     StepKind = "replace"
	StepRegex       StepKind = "regex"
	StepMath        StepKind = "math"
	StepConditional StepKind = "conditional"
	StepDefault     StepKind = "default"
	StepRequire     StepKind = "require"
	StepCustom      StepKind = "custom"
)

// Text operations accepted by the text step.
var textOps = map[string]struct{}{
	"upper": {}, "lower": {}, "title": {}, "capitalize": {}, "trim": {},
	"collapse_spaces": {}, "remove_accents": {}, "nfc": {},
}

// Math operations accepted by the math step. The bool marks ops needing an operand.
var mathOps = map[string]bool{
	"add": true, "sub": true, "mul": true, "div": true, "pow": true,
	"sqrt": false, "abs": false, "round": false, "log": false, "log10": false,
}

var conditionalOps = map[string]struct{}{
	"eq": {}, "ne": {}, "gt": {}, "lt": {}, "empty": {}, "matches": {},
}

// StepSpec is one transform step applied to a target column. Only the fields
// relevant to Kind are read.
type StepSpec struct {
	Kind StepKind `json:"kind"`

	// coerce: target type. date: output layout. replace: replacement text.
	To string `json:"to,omitempty"`
	// date: input layout. replace: text or pattern to find.
	From string `json:"from,omitempty"`

	Ops           []string `json:"ops,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`
	Group         int      `json:"group,omitempty"`
	Regex         bool     `json:"regex,omitempty"`
	CaseSensitive *bool    `json:"case_sensitive,omitempty"`

	Op      string   `json:"op,omitempty"`
	Operand *float64 `json:"operand,omitempty"`
	Value   any      `json:"value,omitempty"`
	Then    any      `json:"then,omitempty"`
	Else    any      `json:"else,omitempty"`

	DecimalSep   string `json:"decimal_sep,omitempty"`
	ThousandsSep string `json:"thousands_sep,omitempty"`
	Round        *int   `json:"round,omitempty"`

	Name   string         `json:"name,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Label identifies the step in skip reasons.
func (s StepSpec) Label() string {
	if s.Kind == StepCustom && s.Name != "" {
		return "custom:" + s.Name
	}
	return string(s.Kind)
}

// MatchCase reports whether replace matches case. It defaults to true.
func (s StepSpec) MatchCase() bool {
	return s.CaseSensitive == nil || *s.CaseSensitive
}

// Validate checks that the options required by Kind are present.
func (s StepSpec) Validate() error {
	switch s.Kind {
	case StepCoerce:
		if !DeclaredType(s.To).Valid() {
			return fmt.Errorf("coerce: unsupported target type %q", s.To)
		}
	case StepDate:
		if s.To == "" {
			return errors.New("date: output layout (to) is required")
		}
	case StepNumber:
		if s.Round != nil && (*s.Round < 0 || *s.Round > 15) {
			return errors.New("number: round must be between 0 and 15")
		}
	case StepText:
		if len(s.Ops) == 0 {
			return errors.New("text: at least one op is required")
		}
		for _, op := range s.Ops {
			if _, ok := textOps[op]; !ok {
				return fmt.Errorf("text: unknown op %q", op)
			}
		}
	case StepReplace:
		if s.From == "" {
			return errors.New("replace: from is required")
		}
		if s.Regex {
			if _, err := regexp.Compile(s.From); err != nil {
				return fmt.Errorf("replace: %w", err)
			}
		}
	case StepRegex:
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return fmt.Errorf("regex: %w", err)
		}
		if s.Group < 0 || s.Group > re.NumSubexp() {
			return fmt.Errorf("regex: group %d out of range", s.Group)
		}
	case StepMath:
		needsOperand, ok := mathOps[s.Op]
		if !ok {
			return fmt.Errorf("math: unknown op %q", s.Op)
		}
		if needsOperand && s.Operand == nil {
			return fmt.Errorf("math: op %q requires an operand", s.Op)
		}
		if s.Op == "div" && s.Operand != nil && *s.Operand == 0 {
			return errors.New("math: division by zero")
		}
	case StepConditional:
		if _, ok := conditionalOps[s.Op]; !ok {
			return fmt.Errorf("conditional: unknown op %q", s.Op)
		}
		if s.Op == "matches" {
			if _, err := regexp.Compile(fmt.Sprint(s.Value)); err != nil {
				return fmt.Errorf("conditional: %w", err)
			}
		}
	case StepDefault, StepRequire:
	case StepCustom:
		if strings.TrimSpace(s.Name) == "" {
			return errors.New("custom: name is required")
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}

// CustomTransformation is a registered user-supplied transform function.
// Code is an expression evaluated with `value` and `params` in scope.
type CustomTransformation struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Code        string         `json:"code"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Category    string         `json:"category,omitempty"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks the registration fields that do not need the interpreter.
func (c *CustomTransformation) Validate() error {
	if c == nil {
		return errors.New("custom transformation is required")
	}
	if !ValidIdentifier(c.Name) {
		return fmt.Errorf("invalid transformation name %q", c.Name)
	}
	if strings.TrimSpace(c.Code) == "" {
		return errors.New("code is required")
	}
	return nil
}
