package monitor

import (
	"regexp"
	"strconv"
	"strings"
)

// MetricType is the declared type of a metric instance. It is authoritative
// for evaluation: the stored sample value is interpreted through it.
type MetricType string

const (
	MetricNumeric MetricType = "numeric"
	MetricBool    MetricType = "bool"
	MetricString  MetricType = "string"
)

// ValueKind tags which arm of a Value is populated.
type ValueKind int

const (
	KindNone ValueKind = iota
	KindNum
	KindBool
	KindStr
)

// Value is a typed sample or threshold value. Exactly one arm is meaningful,
// selected by Kind.
type Value struct {
	Kind ValueKind
	Num  float64
	Bool bool
	Str  string
}

func NumValue(f float64) Value  { return Value{Kind: KindNum, Num: f} }
func BoolValue(b bool) Value    { return Value{Kind: KindBool, Bool: b} }
func StrValue(s string) Value   { return Value{Kind: KindStr, Str: s} }

// normalizeOp maps symbolic operators onto their canonical names so both
// spellings behave identically in stored thresholds.
func normalizeOp(op string) string {
	switch strings.TrimSpace(op) {
	case ">", "gt":
		return "gt"
	case ">=", "ge", "gte":
		return "ge"
	case "<", "lt":
		return "lt"
	case "<=", "le", "lte":
		return "le"
	case "==", "=", "eq":
		return "eq"
	case "!=", "ne":
		return "ne"
	case "contains":
		return "contains"
	case "not_contains":
		return "not_contains"
	case "regex":
		return "regex"
	default:
		return strings.TrimSpace(op)
	}
}

// matchCondition evaluates a threshold condition against a sample value. The
// metric's declared type decides the comparison family. A missing threshold
// value for the required family is a no-match, never an error: a misconfigured
// threshold must not open incidents.
func matchCondition(metricType MetricType, op string, sample Value, t Threshold) bool {
	op = normalizeOp(op)

	switch metricType {
	case MetricNumeric:
		if t.ValueNum == nil {
			return false
		}
		num, ok := numericOf(sample)
		if !ok {
			return false
		}
		return compareNum(op, num, *t.ValueNum)

	case MetricBool:
		if t.ValueBool == nil || sample.Kind != KindBool {
			return false
		}
		switch op {
		case "eq":
			return sample.Bool == *t.ValueBool
		case "ne":
			return sample.Bool != *t.ValueBool
		}
		return false

	case MetricString:
		if t.ValueStr == nil || sample.Kind != KindStr {
			return false
		}
		return compareStr(op, sample.Str, *t.ValueStr)
	}
	return false
}

// numericOf coerces a sample to float64. String samples that parse as numbers
// are accepted so loosely-typed collectors still evaluate.
func numericOf(v Value) (float64, bool) {
	switch v.Kind {
	case KindNum:
		return v.Num, true
	case KindStr:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func compareNum(op string, a, b float64) bool {
	switch op {
	case "gt":
		return a > b
	case "ge":
		return a >= b
	case "lt":
		return a < b
	case "le":
		return a <= b
	case "eq":
		return a == b
	case "ne":
		return a != b
	}
	return false
}

func compareStr(op, a, b string) bool {
	switch op {
	case "eq":
		return a == b
	case "ne":
		return a != b
	case "contains":
		return strings.Contains(a, b)
	case "not_contains":
		return !strings.Contains(a, b)
	case "regex":
		re, err := regexp.Compile(b)
		if err != nil {
			// An invalid pattern never matches.
			return false
		}
		return re.MatchString(a)
	}
	return false
}
