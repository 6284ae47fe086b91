package transform

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
)

// truthy holds the spellings that normalize to true. Everything else,
// including null, is false: booleans never pass through as null.
var truthy = map[string]bool{
	"true": true,
	"1":    true,
	"yes":  true,
	"si":   true,
	"sí":   true,
}

func coerceString(v interface{}, maxLength uint32) (interface{}, error) {
	var s string
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = t
	case []byte:
		s = string(t)
	case fmt.Stringer:
		s = t.String()
	default:
		s = fmt.Sprintf("%v", t)
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if maxLength > 0 {
		if r := []rune(s); uint32(len(r)) > maxLength {
			s = string(r[:maxLength])
		}
	}
	return s, nil
}

// coerceInteger parses integers out of warehouse values, stripping currency
// prefixes and grouping separators from strings ("S/. 1,250" is 1250).
func coerceInteger(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case *big.Rat:
		var n, err = strconv.ParseInt(t.FloatString(0), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("numeric %s is not an integer: %w", t.RatString(), err)
		}
		return n, nil
	case string:
		var digits = stripNonDigits(t)
		if digits == "" || digits == "-" {
			return nil, nil
		}
		var n, err = strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as an integer: %w", t, err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to an integer", v)
	}
}

func coerceNumber(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case *big.Rat:
		var f, _ = t.Float64()
		return f, nil
	case string:
		var cleaned = stripNonNumeric(t)
		if cleaned == "" || cleaned == "-" {
			return nil, nil
		}
		var f, err = strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as a number: %w", t, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to a number", v)
	}
}

func coerceBoolean(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return truthy[strings.ToLower(strings.TrimSpace(t))], nil
	case int64:
		return t == 1, nil
	case int:
		return t == 1, nil
	case float64:
		return t == 1, nil
	default:
		return false, nil
	}
}

func coerceDateTime(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return t.UTC(), nil
	case civil.DateTime:
		// Warehouse DATETIMEs are naive; read them as UTC.
		return t.In(time.UTC), nil
	case civil.Date:
		return t.In(time.UTC), nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		var ts, err = sink.ParseTimestamp(strings.TrimSpace(t))
		if err != nil {
			return nil, err
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to a datetime", v)
	}
}

func coerceDate(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case civil.Date:
		return t.In(time.UTC), nil
	default:
		var ts, err = coerceDateTime(v)
		if err != nil || ts == nil {
			return nil, err
		}
		return calendar.Day(ts.(time.Time)), nil
	}
}

func coerceEnum(v interface{}, allowed []string, fallback string) (interface{}, error) {
	var s, err = coerceString(v, 0)
	if err != nil || s == nil {
		return fallback, err
	}
	var canonical = strings.ToUpper(s.(string))
	for _, a := range allowed {
		if canonical == a {
			return a, nil
		}
	}
	return fallback, nil
}

// stripNonDigits keeps digits and a leading minus sign.
func stripNonDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '-' && b.Len() == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// stripNonNumeric keeps digits, the decimal point, and a leading minus,
// dropping currency symbols and grouping commas.
func stripNonNumeric(s string) string {
	var b strings.Builder
	var sawDigit bool
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			sawDigit = true
			b.WriteRune(r)
		case r == '.' && sawDigit:
			b.WriteRune(r)
		case r == '-' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
