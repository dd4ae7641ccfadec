package transform

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	xtransform "golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/target/etl-loader/internal/domain/model"
	"github.com/target/etl-loader/internal/validation"
)

// ErrRequired is returned by the require step for a null value.
var ErrRequired = errors.New("value is required")

// stepFunc transforms one value. Returning an error skips the row.
type stepFunc func(ctx context.Context, v any) (any, error)

type step struct {
	label string
	fn    stepFunc
}

// programResolver returns the compiled program for a custom step.
type programResolver func(ctx context.Context, name string) (*Program, error)

func compileStep(ctx context.Context, spec model.StepSpec, resolve programResolver, sb *Sandbox) (step, error) {
	if err := spec.Validate(); err != nil {
		return step{}, err
	}
	var fn stepFunc
	switch spec.Kind {
	case model.StepCoerce:
		fn = coerceStep(model.DeclaredType(spec.To))
	case model.StepDate:
		fn = dateStep(spec.From, spec.To)
	case model.StepNumber:
		fn = numberStep(spec.DecimalSep, spec.ThousandsSep, spec.Round)
	case model.StepText:
		fn = textStep(spec.Ops)
	case model.StepReplace:
		fn = replaceStep(spec.From, spec.To, spec.Regex, spec.MatchCase())
	case model.StepRegex:
		fn = regexStep(regexp.MustCompile(spec.Pattern), spec.Group)
	case model.StepMath:
		fn = mathStep(spec.Op, spec.Operand)
	case model.StepConditional:
		fn = conditionalStep(spec)
	case model.StepDefault:
		fallback := spec.Value
		fn = func(_ context.Context, v any) (any, error) {
			if validation.IsNull(v) {
				return fallback, nil
			}
			return v, nil
		}
	case model.StepRequire:
		fn = func(_ context.Context, v any) (any, error) {
			if validation.IsNull(v) {
				return nil, ErrRequired
			}
			return v, nil
		}
	case model.StepCustom:
		if resolve == nil {
			return step{}, fmt.Errorf("custom step %s: no registry configured", spec.Name)
		}
		prog, err := resolve(ctx, spec.Name)
		if err != nil {
			return step{}, err
		}
		params := spec.Params
		fn = func(ctx context.Context, v any) (any, error) {
			return sb.Eval(ctx, prog, v, params)
		}
	}
	return step{label: spec.Label(), fn: fn}, nil
}

func coerceStep(to model.DeclaredType) stepFunc {
	return func(_ context.Context, v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		return Coerce(to, v)
	}
}

// Coerce converts v to the Go representation of t. Floats truncate toward
// zero when coerced to integer.
func Coerce(t model.DeclaredType, v any) (any, error) {
	switch t {
	case model.TypeInteger:
		if i, ok := v.(int64); ok {
			return i, nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("cannot convert %q to integer", stringify(v))
		}
		if math.Abs(f) >= math.MaxInt64 {
			return nil, fmt.Errorf("%v overflows integer", f)
		}
		return int64(f), nil
	case model.TypeNumber:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("cannot convert %q to number", stringify(v))
		}
		return f, nil
	case model.TypeBoolean:
		return toBool(v)
	case model.TypeString:
		return stringify(v), nil
	case model.TypeDate, model.TypeDateTime:
		ts, err := toTime(v)
		if err != nil {
			return nil, err
		}
		if t == model.TypeDate {
			y, m, d := ts.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		return ts, nil
	default:
		s := strings.TrimSpace(stringify(v))
		if !validation.Matches(t, s) {
			return nil, fmt.Errorf("%q is not a valid %s", s, t)
		}
		return s, nil
	}
}

func dateStep(from, to string) stepFunc {
	return func(_ context.Context, v any) (any, error) {
		if validation.IsNull(v) {
			return nil, nil
		}
		ts, err := parseDate(from, v)
		if err != nil {
			return nil, err
		}
		switch to {
		case "iso":
			return ts.Format("2006-01-02T15:04:05"), nil
		case "timestamp":
			return ts.Unix(), nil
		case "native":
			return ts, nil
		default:
			return ts.Format(to), nil
		}
	}
}

func parseDate(from string, v any) (time.Time, error) {
	if ts, ok := v.(time.Time); ok {
		return ts, nil
	}
	switch from {
	case "", "auto":
		return toTime(v)
	case "iso":
		s := strings.TrimSpace(stringify(v))
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, nil
		}
		return validation.ParseTemporal(model.TypeDateTime, s)
	case "timestamp":
		f, ok := toFloat(v)
		if !ok {
			return time.Time{}, fmt.Errorf("%q is not a unix timestamp", stringify(v))
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	default:
		ts, err := time.Parse(from, strings.TrimSpace(stringify(v)))
		if err != nil {
			return time.Time{}, fmt.Errorf("parse date: %w", err)
		}
		return ts, nil
	}
}

func numberStep(decimalSep, thousandsSep string, round *int) stepFunc {
	return func(_ context.Context, v any) (any, error) {
		if validation.IsNull(v) {
			return nil, nil
		}
		var f float64
		switch x := v.(type) {
		case int64:
			f = float64(x)
		case float64:
			f = x
		default:
			s := strings.TrimSpace(stringify(v))
			if thousandsSep != "" {
				s = strings.ReplaceAll(s, thousandsSep, "")
			}
			if decimalSep != "" && decimalSep != "." {
				s = strings.ReplaceAll(s, decimalSep, ".")
			}
			parsed, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as a number", stringify(v))
			}
			f = parsed
		}
		if round == nil {
			return f, nil
		}
		if *round == 0 {
			return int64(math.Round(f)), nil
		}
		p := math.Pow10(*round)
		return math.Round(f*p) / p, nil
	}
}

func textStep(ops []string) stepFunc {
	return func(_ context.Context, v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		s := stringify(v)
		for _, op := range ops {
			s = applyTextOp(op, s)
		}
		return s, nil
	}
}

// applyTextOp builds casers per call because a cases.Caser is not safe for
// concurrent use.
func applyTextOp(op, s string) string {
	switch op {
	case "upper":
		return cases.Upper(language.Und).String(s)
	case "lower":
		return cases.Lower(language.Und).String(s)
	case "title":
		return cases.Title(language.Und).String(s)
	case "capitalize":
		r, size := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError {
			return s
		}
		return string(unicode.ToUpper(r)) + cases.Lower(language.Und).String(s[size:])
	case "trim":
		return strings.TrimSpace(s)
	case "collapse_spaces":
		return strings.Join(strings.Fields(s), " ")
	case "remove_accents":
		t := xtransform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		out, _, err := xtransform.String(t, s)
		if err != nil {
			return s
		}
		return out
	case "nfc":
		return norm.NFC.String(s)
	}
	return s
}

func replaceStep(from, to string, useRegex, matchCase bool) stepFunc {
	var re *regexp.Regexp
	switch {
	case useRegex && matchCase:
		re = regexp.MustCompile(from)
	case useRegex:
		re = regexp.MustCompile("(?i)" + from)
	case !matchCase:
		re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(from))
	}
	return func(_ context.Context, v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		s := stringify(v)
		if re == nil {
			return strings.ReplaceAll(s, from, to), nil
		}
		if useRegex {
			return re.ReplaceAllString(s, to), nil
		}
		return re.ReplaceAllLiteralString(s, to), nil
	}
}

// regexStep extracts group from the first match. No match yields null.
func regexStep(re *regexp.Regexp, group int) stepFunc {
	return func(_ context.Context, v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		m := re.FindStringSubmatchIndex(stringify(v))
		if m == nil || m[2*group] < 0 {
			return nil, nil
		}
		s := stringify(v)
		return s[m[2*group]:m[2*group+1]], nil
	}
}

func mathStep(op string, operand *float64) stepFunc {
	var x float64
	if operand != nil {
		x = *operand
	}
	return func(_ context.Context, v any) (any, error) {
		if validation.IsNull(v) {
			return nil, nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%q is not a number", stringify(v))
		}
		var out float64
		switch op {
		case "add":
			out = f + x
		case "sub":
			out = f - x
		case "mul":
			out = f * x
		case "div":
			out = f / x
		case "pow":
			out = math.Pow(f, x)
		case "sqrt":
			if f < 0 {
				return nil, fmt.Errorf("sqrt of negative number %v", f)
			}
			out = math.Sqrt(f)
		case "abs":
			out = math.Abs(f)
		case "round":
			p := math.Pow10(int(x))
			out = math.Round(f*p) / p
		case "log", "log10":
			if f <= 0 {
				return nil, fmt.Errorf("%s of non-positive number %v", op, f)
			}
			if op == "log" {
				out = math.Log(f)
			} else {
				out = math.Log10(f)
			}
		}
		if math.IsNaN(out) || math.IsInf(out, 0) {
			return nil, fmt.Errorf("%s produced a non-finite result", op)
		}
		if _, isInt := v.(int64); isInt && integralOp(op) && out == math.Trunc(out) {
			return int64(out), nil
		}
		return out, nil
	}
}

func integralOp(op string) bool {
	switch op {
	case "add", "sub", "mul", "abs", "round":
		return true
	}
	return false
}

// conditionalStep yields Then when the test holds and Else otherwise. A nil
// Else keeps the input.
func conditionalStep(spec model.StepSpec) stepFunc {
	var re *regexp.Regexp
	if spec.Op == "matches" {
		re = regexp.MustCompile(fmt.Sprint(spec.Value))
	}
	return func(_ context.Context, v any) (any, error) {
		var hit bool
		switch spec.Op {
		case "empty":
			hit = validation.IsNull(v)
		case "eq":
			hit = !validation.IsNull(v) && equalValues(v, spec.Value)
		case "ne":
			hit = validation.IsNull(v) || !equalValues(v, spec.Value)
		case "gt", "lt":
			c, ok := compareValues(v, spec.Value)
			hit = ok && ((spec.Op == "gt" && c > 0) || (spec.Op == "lt" && c < 0))
		case "matches":
			hit = v != nil && re.MatchString(stringify(v))
		}
		if hit {
			return spec.Then, nil
		}
		if spec.Else != nil {
			return spec.Else, nil
		}
		return v, nil
	}
}

func equalValues(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return strings.TrimSpace(stringify(a)) == strings.TrimSpace(stringify(b))
}

func compareValues(a, b any) (int, bool) {
	if validation.IsNull(a) {
		return 0, false
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(stringify(a), stringify(b)), true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case float64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "si", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
	}
	return nil, fmt.Errorf("cannot convert %q to boolean", stringify(v))
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		return validation.ParseTemporal(model.TypeDateTime, x)
	}
	return time.Time{}, fmt.Errorf("cannot convert %q to a date", stringify(v))
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	}
	return fmt.Sprint(v)
}
