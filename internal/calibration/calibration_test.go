package calibration

import (
	"errors"
	"testing"
)

func TestApply(t *testing.T) {
	cases := []struct {
		formula string
		x       float64
		want    float64
	}{
		{"", 12.5, 12.5},
		{"   ", 12.5, 12.5},
		{"x * 0.5 + 10", 100, 60},
		{"x ** 2", 3, 9},
		{"-x", 4, -4},
		{"sqrt(x)", 16, 4},
		{"abs(x - 10)", 4, 6},
		{"round(x)", 2.6, 3},
		{"round(x, 1)", 2.46, 2.5},
		{"round(x * 100, -1)", 1.26, 130},
		{"2 ^ 3 + x", 1, 9},
		{"+x", 5, 5},
		{"log(x)", 1, 0},
		{"(x - 32) / 1.8", 212, 100},
	}

	for _, tc := range cases {
		if got := Apply(tc.formula, tc.x); got != tc.want {
			t.Errorf("Apply(%q, %v): expected %v, got %v", tc.formula, tc.x, tc.want, got)
		}
	}
}

func TestApply_FallsBackToRawValue(t *testing.T) {
	for _, formula := range []string{
		"y + 1",
		"x +",
		"len(\"abc\")",
		"x / 0",
		"x + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1",
		"x > 1",
	} {
		if got := Apply(formula, 7); got != 7 {
			t.Errorf("Apply(%q): expected raw value 7, got %v", formula, got)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("x * 1.02 - 0.3"); err != nil {
		t.Errorf("Expected formula to be valid, got %v", err)
	}
	if err := Validate(""); err != nil {
		t.Errorf("Expected empty formula to be valid, got %v", err)
	}
	if err := Validate("os.Exit(1)"); err == nil {
		t.Error("Expected unknown identifier to be rejected")
	}
	long := "x + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1"
	if err := Validate(long); !errors.Is(err, ErrFormulaTooLong) {
		t.Errorf("Expected ErrFormulaTooLong, got %v", err)
	}
}

func TestValidate_RejectsNonArithmetic(t *testing.T) {
	for _, formula := range []string{
		"x > 1 ? 100 : 0",
		"let y = 2; x * y",
		"x ?? 5",
		"[1,2,3][0] * x",
		"x == 1",
		"x < 2 || x > 3",
		"!x",
		"x % 2",
		"x in [1, 2]",
		"{a: 1}.a * x",
		"max(x, 1)",
		"len([x])",
		"sqrt.foo",
		"\"a\" + x",
		"true",
		"nil",
		"x..3",
	} {
		if err := Validate(formula); err == nil {
			t.Errorf("Expected %q to be rejected", formula)
		}
		if got := Apply(formula, 7.26); got != 7.26 {
			t.Errorf("Apply(%q): expected raw value 7.26, got %v", formula, got)
		}
	}
}
