package template

import (
	"testing"

	"github.com/haasonsaas/atrium/internal/apperr"
)

func TestEvaluateExpression_Valid(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"false", false},
		{"not true", false},
		{"not not true", true},
		{"30 > 25", true},
		{"25 >= 25", true},
		{"-5 < 0", true},
		{"3.5 < 3.6", true},
		{"1 < 2 < 3", true},
		{"1 < 3 < 2", false},
		{"'a' == 'a'", true},
		{"'a' != 'b'", true},
		{"'abc' < 'abd'", true},
		{"5 == 5 and 'x' == 'x'", true},
		{"false or 1 > 0", true},
		{"false and true or true", true},
		{"not (1 > 2)", true},
		{"'go' in ['ok', 'go']", true},
		{"'rust' in ['ok', 'go']", false},
		{"'rust' not in ['ok', 'go']", true},
		{"3 in [1, 2, 3]", true},
		{"'ell' in 'hello'", true},
		{"null == null", true},
		{"null != 'x'", true},
		{"[] == []", false}, // lists never compare equal
	}
	for _, tt := range tests {
		got, err := EvaluateExpression(tt.expr)
		if err != nil {
			t.Errorf("EvaluateExpression(%q) error: %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EvaluateExpression(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvaluateExpression_Rejected(t *testing.T) {
	exprs := []string{
		"__import__('os').system('x')",
		"os.system('x')",
		"exec('rm -rf /')",
		"x > 5",               // name lookup
		"len([1,2])",          // call
		"1 + 1 == 2",          // arithmetic
		"2 * 3 > 5",           // arithmetic
		"[1,2][0] == 1",       // subscript
		"{'a': 1}",            // dict literal
		"5",                   // non-boolean result
		"'text'",              // non-boolean result
		"[1, 2]",              // non-boolean result
		"",                    // empty
		"not 5",               // not on non-boolean
		"true and 5",          // and on non-boolean
		"'unterminated",       // bad literal
		"1 <",                 // incomplete
		"5 in 3",              // in on non-container
		"(true",               // unbalanced
	}
	for _, expr := range exprs {
		_, err := EvaluateExpression(expr)
		if err == nil {
			t.Errorf("EvaluateExpression(%q) succeeded, want validation error", expr)
			continue
		}
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("EvaluateExpression(%q) error kind = %s, want validation", expr, apperr.KindOf(err))
		}
	}
}

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		cond string
		ctx  map[string]any
		want bool
	}{
		{"{{t}} > 25", map[string]any{"t": float64(30)}, true},
		{"{{t}} > 25", map[string]any{"t": float64(20)}, false},
		{"'{{s}}' in ['ok','go']", map[string]any{"s": "go"}, true},
		{"'{{s}}' == 'done'", map[string]any{"s": "done"}, true},
		{"{{flag}}", map[string]any{"flag": true}, true},
		{"{{flag}} and true", map[string]any{"flag": false}, false},
	}
	for _, tt := range tests {
		got, err := EvaluateCondition(tt.cond, tt.ctx)
		if err != nil {
			t.Errorf("EvaluateCondition(%q) error: %v", tt.cond, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EvaluateCondition(%q) = %v, want %v", tt.cond, got, tt.want)
		}
	}
}

func TestEvaluateCondition_InjectionRejected(t *testing.T) {
	_, err := EvaluateCondition("__import__('os').system('x')", map[string]any{})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("injection attempt: error = %v, want validation error", err)
	}
}
