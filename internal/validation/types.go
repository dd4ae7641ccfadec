package validation

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/target/etl-loader/internal/domain/model"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?[1-9]\d{6,15}$`)
	phoneStrip   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"01/02/2006",
	"2/1/2006",
	"02-01-2006",
	"02/01/06",
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
}

// inferenceOrder lists candidate types narrowest first. string always matches
// and is the fallback.
var inferenceOrder = []model.DeclaredType{
	model.TypeInteger,
	model.TypeBoolean,
	model.TypeNumber,
	model.TypeDateTime,
	model.TypeDate,
	model.TypeEmail,
	model.TypeURL,
	model.TypePhone,
}

// Matches reports whether v is a valid value of t. Null values are not
// judged here; callers count them separately.
func Matches(t model.DeclaredType, v any) bool {
	switch x := v.(type) {
	case int64, int, int32:
		return t == model.TypeInteger || t == model.TypeNumber || t == model.TypeString ||
			(t == model.TypeBoolean && isBoolInt(x))
	case float64:
		switch t {
		case model.TypeNumber, model.TypeString:
			return true
		case model.TypeInteger:
			return !math.IsInf(x, 0) && x == math.Trunc(x)
		}
		return false
	case bool:
		return t == model.TypeBoolean || t == model.TypeString
	case time.Time:
		return t == model.TypeDate || t == model.TypeDateTime || t == model.TypeString
	}
	return matchesText(t, strings.TrimSpace(textOf(v)))
}

func isBoolInt(v any) bool {
	switch x := v.(type) {
	case int64:
		return x == 0 || x == 1
	case int:
		return x == 0 || x == 1
	case int32:
		return x == 0 || x == 1
	}
	return false
}

func matchesText(t model.DeclaredType, s string) bool {
	switch t {
	case model.TypeString:
		return true
	case model.TypeInteger:
		_, err := strconv.ParseInt(s, 10, 64)
		return err == nil
	case model.TypeNumber:
		f, err := strconv.ParseFloat(s, 64)
		return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	case model.TypeBoolean:
		return isBoolText(s)
	case model.TypeDate:
		return parsesWith(dateLayouts, s)
	case model.TypeDateTime:
		return parsesWith(dateTimeLayouts, s)
	case model.TypeEmail:
		return emailPattern.MatchString(s)
	case model.TypeURL:
		if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
			return false
		}
		u, err := url.Parse(s)
		return err == nil && u.Host != ""
	case model.TypePhone:
		return phonePattern.MatchString(phoneStrip.Replace(s))
	}
	return false
}

func isBoolText(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false", "t", "f", "yes", "no", "y", "n", "si", "1", "0":
		return true
	default:
		return false
	}
}

func parsesWith(layouts []string, s string) bool {
	for _, layout := range layouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// Infer returns the narrowest type matched by at least ratio of values, or
// string when none qualifies. It returns "" for an empty input.
func Infer(values []any, ratio float64) model.DeclaredType {
	if len(values) == 0 {
		return ""
	}
	need := max(int(math.Ceil(ratio*float64(len(values))-1e-9)), 1)
	for _, t := range inferenceOrder {
		hits := 0
		for i, v := range values {
			if Matches(t, v) {
				hits++
			}
			if hits >= need {
				return t
			}
			// Stop early once the remaining values cannot reach need.
			if hits+len(values)-i-1 < need {
				break
			}
		}
	}
	return model.TypeString
}

// asFloat returns the numeric value of v when it has one.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

// ParseTemporal parses s as a date or datetime using the recognised layouts.
func ParseTemporal(t model.DeclaredType, s string) (time.Time, error) {
	layouts := dateTimeLayouts
	if t == model.TypeDate {
		layouts = dateLayouts
	}
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	if t == model.TypeDateTime {
		// A bare date is a valid datetime at midnight.
		return ParseTemporal(model.TypeDate, s)
	}
	return time.Time{}, fmt.Errorf("%q is not a valid %s", s, t)
}
