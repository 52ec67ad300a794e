package intent

import (
	"testing"
)

func compiledRule(t *testing.T, r Rule) Rule {
	t.Helper()
	if err := r.compile(); err != nil {
		t.Fatalf("compile() failed: %v", err)
	}
	return r
}

func TestConditionEval(t *testing.T) {
	req := &Request{
		Text:    "please refund my order",
		Path:    "/billing/refunds",
		Method:  "post",
		Headers: map[string]string{"X-Admin-Request": "true"},
		Context: &RequestContext{
			UserID:   "u-7",
			Metadata: map[string]interface{}{"tier": "gold", "spend": 250.0},
		},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"header exists case-insensitive", Condition{Type: ConditionHeader, Operator: OpExists, Key: "x-admin-request"}, true},
		{"header missing", Condition{Type: ConditionHeader, Operator: OpExists, Key: "x-nope"}, false},
		{"path starts", Condition{Type: ConditionPath, Operator: OpStarts, Value: "/billing"}, true},
		{"method equals normalizes case", Condition{Type: ConditionMethod, Operator: OpEquals, Value: "POST"}, true},
		{"text contains", Condition{Type: ConditionText, Operator: OpContains, Value: "REFUND"}, true},
		{"path matches regex", Condition{Type: ConditionPath, Operator: OpMatches, Value: `^/billing(/.*)?$`}, true},
		{"context equals", Condition{Type: ConditionContext, Operator: OpEquals, Key: "tier", Value: "gold"}, true},
		{"context greater", Condition{Type: ConditionContext, Operator: OpGreater, Key: "spend", Value: 100.0}, true},
		{"context greater false", Condition{Type: ConditionContext, Operator: OpGreater, Key: "spend", Value: 1000.0}, false},
		{"in list", Condition{Type: ConditionMethod, Operator: OpIn, Value: []interface{}{"GET", "POST"}}, true},
		{"jsonPath reserved is false", Condition{Type: ConditionText, Operator: OpJSONPath, Value: "$.x"}, false},
		{"empty node is false", Condition{}, false},
		{
			"all requires every child",
			Condition{All: []Condition{
				{Type: ConditionPath, Operator: OpStarts, Value: "/billing"},
				{Type: ConditionHeader, Operator: OpExists, Key: "x-nope"},
			}},
			false,
		},
		{
			"any requires one child",
			Condition{Any: []Condition{
				{Type: ConditionPath, Operator: OpStarts, Value: "/payments"},
				{Type: ConditionPath, Operator: OpStarts, Value: "/billing"},
			}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := compiledRule(t, Rule{ID: "t", Conditions: tt.cond, Actions: RuleActions{Route: "x"}})
			if got := rule.Conditions.Eval(req); got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleCompileValidation(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"missing id", Rule{Actions: RuleActions{Route: "x"}}},
		{"missing route", Rule{ID: "r"}},
		{"bad regex", Rule{ID: "r", Conditions: Condition{Type: ConditionPath, Operator: OpMatches, Value: "["}, Actions: RuleActions{Route: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rule.compile(); err == nil {
				t.Error("compile() should have failed")
			}
		})
	}
}

func TestRuleCompileDefaultsPriority(t *testing.T) {
	r := compiledRule(t, Rule{ID: "r", Actions: RuleActions{Route: "x"}})
	if r.Actions.Priority != 100 {
		t.Errorf("default priority = %d, want 100", r.Actions.Priority)
	}
}
