package engine

import (
	"strings"
	"testing"
)

func TestEvaluateBool(t *testing.T) {
	e := NewConditionEvaluator()

	tests := []struct {
		name string
		expr string
		vars map[string]interface{}
		want bool
	}{
		{
			name: "comparison true",
			expr: "amount > 1000",
			vars: map[string]interface{}{"amount": 5000},
			want: true,
		},
		{
			name: "comparison false",
			expr: "amount > 1000",
			vars: map[string]interface{}{"amount": 200},
			want: false,
		},
		{
			name: "compound condition",
			expr: `amount > 1000 && region == "emea"`,
			vars: map[string]interface{}{"amount": 5000, "region": "emea"},
			want: true,
		},
		{
			name: "missing variable is false",
			expr: "approved",
			vars: map[string]interface{}{},
			want: false,
		},
		{
			name: "nested vars access",
			expr: `vars.amount > 100`,
			vars: map[string]interface{}{"amount": 500},
			want: true,
		},
		{
			name: "numeric truthiness",
			expr: "count",
			vars: map[string]interface{}{"count": 3},
			want: true,
		},
		{
			name: "string truthiness",
			expr: "label",
			vars: map[string]interface{}{"label": ""},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBool(tt.expr, BuildEnvironment(tt.vars))
			if err != nil {
				t.Fatalf("EvaluateBool(%q) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvaluateBool(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluateBool_CompileError(t *testing.T) {
	e := NewConditionEvaluator()

	_, err := e.EvaluateBool("amount >>> 1", BuildEnvironment(map[string]interface{}{"amount": 1}))
	if err == nil {
		t.Fatal("expected compile error for malformed expression")
	}
}

func TestEvaluate_MaxLength(t *testing.T) {
	e := NewConditionEvaluator()

	long := "1 + " + strings.Repeat("1 + ", 2000) + "1"
	_, err := e.Evaluate(long, BuildEnvironment(nil))
	if err == nil {
		t.Fatal("expected error for oversized expression")
	}
}

func TestEvaluate_CachesCompiledPrograms(t *testing.T) {
	e := NewConditionEvaluator()
	env := BuildEnvironment(map[string]interface{}{"x": 1})

	if _, err := e.Evaluate("x + 1", env); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if len(e.compiled) != 1 {
		t.Fatalf("expected 1 cached program, got %d", len(e.compiled))
	}
	if _, err := e.Evaluate("x + 1", env); err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if len(e.compiled) != 1 {
		t.Fatalf("expected cache reuse, got %d programs", len(e.compiled))
	}
}

func TestBuildEnvironment(t *testing.T) {
	vars := map[string]interface{}{"amount": 42, "vars": "collision"}
	env := BuildEnvironment(vars)

	if env["amount"] != 42 {
		t.Errorf("top-level amount = %v, want 42", env["amount"])
	}
	nested, ok := env["vars"].(map[string]interface{})
	if !ok {
		t.Fatalf("env[vars] is %T, want map", env["vars"])
	}
	if nested["amount"] != 42 {
		t.Errorf("vars.amount = %v, want 42", nested["amount"])
	}
}
