package expr

import "testing"

func TestApplyComparisons(t *testing.T) {
	tests := []struct {
		name     string
		operator string
		actual   interface{}
		expected interface{}
		want     bool
	}{
		{"EqualNumbers", "=", 100.0, 100.0, true},
		{"EqualIntFloat", "=", 100, 100.0, true},
		{"EqualAlias", "==", "AUTHENTICATION", "AUTHENTICATION", true},
		{"NotEqual", "!=", "SEC", "FINRA", true},
		{"NotEqualSame", "!=", 5.0, 5.0, false},
		{"LessThan", "<", 10.0, 20.0, true},
		{"LessOrEqualBoundary", "<=", 30.0, 30.0, true},
		{"GreaterThan", ">", 1200000.0, 1000000.0, true},
		{"GreaterOrEqualBelow", ">=", 249999.0, 250000.0, false},
		{"EqualBools", "=", true, true, true},
		{"MixedTypesUnequal", "=", "10", 10.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.operator, tt.actual, tt.expected)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Apply(%q, %v, %v) = %v, want %v", tt.operator, tt.actual, tt.expected, got, tt.want)
			}
		})
	}
}

func TestApplyNilOperands(t *testing.T) {
	// Missing context fields resolve to nil; comparisons degrade
	// instead of erroring.
	got, err := Apply(">", nil, 100.0)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got {
		t.Error("nil ordering comparison should be false")
	}

	got, err = Apply("=", nil, "X")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got {
		t.Error("nil should not equal a value")
	}

	got, err = Apply("!=", nil, "X")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !got {
		t.Error("nil should be unequal to a value")
	}
}

func TestApplyOrderingTypeError(t *testing.T) {
	_, err := Apply("<", "abc", 5.0)
	if err == nil {
		t.Error("expected error for non-numeric ordering comparison")
	}
}

func TestApplyIn(t *testing.T) {
	list := []interface{}{"TECH", "ENERGY"}

	got, err := Apply("IN", "TECH", list)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !got {
		t.Error("expected TECH to be in list")
	}

	got, err = Apply("NOT IN", "CRYPTO", list)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !got {
		t.Error("expected CRYPTO to not be in list")
	}

	if _, err := Apply("IN", "TECH", "not-a-list"); err == nil {
		t.Error("expected error for scalar IN value")
	}
}

func TestApplyContains(t *testing.T) {
	got, err := Apply("CONTAINS", []string{"read", "export"}, "export")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !got {
		t.Error("expected slice to contain export")
	}

	got, err = Apply("CONTAINS", "sudo su - root", "sudo")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !got {
		t.Error("expected string to contain sudo")
	}

	got, err = Apply("CONTAINS", nil, "x")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got {
		t.Error("nil collection contains nothing")
	}
}

func TestApplyMatches(t *testing.T) {
	got, err := Apply("MATCHES", "admin_user", "^admin_")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !got {
		t.Error("expected pattern to match")
	}

	got, err = Apply("MATCHES", "regular_user", "^admin_")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got {
		t.Error("expected pattern to not match")
	}

	if _, err := Apply("MATCHES", "x", "([unclosed"); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestApplyUnsupportedOperator(t *testing.T) {
	if _, err := Apply("LIKE", "a", "b"); err == nil {
		t.Error("expected error for unsupported operator")
	}
}
