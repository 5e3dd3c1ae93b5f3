package monitor

import "testing"

func fptr(f float64) *float64 { return &f }
func bptr(b bool) *bool       { return &b }
func sptr(s string) *string   { return &s }

func TestMatchConditionNumeric(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		sample Value
		limit  *float64
		want   bool
	}{
		{"gt true", "gt", NumValue(91), fptr(90), true},
		{"gt false at boundary", "gt", NumValue(90), fptr(90), false},
		{"ge at boundary", "ge", NumValue(90), fptr(90), true},
		{"lt true", "lt", NumValue(5), fptr(10), true},
		{"le at boundary", "le", NumValue(10), fptr(10), true},
		{"eq", "eq", NumValue(42), fptr(42), true},
		{"ne", "ne", NumValue(42), fptr(43), true},
		{"symbolic gt", ">", NumValue(91), fptr(90), true},
		{"symbolic ge", ">=", NumValue(90), fptr(90), true},
		{"string sample coerces", "gt", StrValue("95.5"), fptr(90), true},
		{"non-numeric string no match", "gt", StrValue("high"), fptr(90), false},
		{"missing limit no match", "gt", NumValue(91), nil, false},
		{"bool sample no match", "gt", BoolValue(true), fptr(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchCondition(MetricNumeric, tt.op, tt.sample, Threshold{ValueNum: tt.limit})
			if got != tt.want {
				t.Errorf("matchCondition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchConditionBool(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		sample Value
		limit  *bool
		want   bool
	}{
		{"eq true", "eq", BoolValue(false), bptr(false), true},
		{"eq false", "eq", BoolValue(true), bptr(false), false},
		{"ne", "ne", BoolValue(true), bptr(false), true},
		{"gt unsupported", "gt", BoolValue(true), bptr(false), false},
		{"missing limit", "eq", BoolValue(true), nil, false},
		{"numeric sample no match", "eq", NumValue(1), bptr(true), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchCondition(MetricBool, tt.op, tt.sample, Threshold{ValueBool: tt.limit})
			if got != tt.want {
				t.Errorf("matchCondition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchConditionString(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		sample Value
		limit  *string
		want   bool
	}{
		{"eq", "eq", StrValue("degraded"), sptr("degraded"), true},
		{"ne", "ne", StrValue("ok"), sptr("degraded"), true},
		{"contains", "contains", StrValue("disk error on sda"), sptr("error"), true},
		{"not_contains", "not_contains", StrValue("all good"), sptr("error"), true},
		{"regex", "regex", StrValue("err-042"), sptr(`err-\d+`), true},
		{"invalid regex never matches", "regex", StrValue("anything"), sptr(`err-(`), false},
		{"missing limit", "eq", StrValue("x"), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchCondition(MetricString, tt.op, tt.sample, Threshold{ValueStr: tt.limit})
			if got != tt.want {
				t.Errorf("matchCondition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeOp(t *testing.T) {
	pairs := map[string]string{
		">": "gt", ">=": "ge", "<": "lt", "<=": "le",
		"==": "eq", "=": "eq", "!=": "ne",
		"gt": "gt", "gte": "ge", "lte": "le",
		" contains ": "contains",
	}
	for in, want := range pairs {
		if got := normalizeOp(in); got != want {
			t.Errorf("normalizeOp(%q) = %q, want %q", in, got, want)
		}
	}
}
