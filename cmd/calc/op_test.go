package main

import "testing"

func TestParseOp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args    []string
		name    string
		operand float64
	}{
		{[]string{"get"}, "get", 0},
		{[]string{"+", "2.5"}, "add", 2.5},
		{[]string{"ADD", "1"}, "add", 1},
		{[]string{"-", "3"}, "subtract", 3},
		{[]string{"*", "4"}, "multiply", 4},
		{[]string{"/", "2"}, "divide", 2},
		{[]string{"set", "-7"}, "set", -7},
		{[]string{"sqrt", "9"}, "get", 9},
	}
	for _, tt := range tests {
		op, err := parseOp(tt.args)
		if err != nil {
			t.Fatalf("parseOp(%v) error = %v", tt.args, err)
		}
		if op.name != tt.name || op.operand != tt.operand {
			t.Errorf("parseOp(%v) = %+v, want %s %v", tt.args, op, tt.name, tt.operand)
		}
	}

	if _, err := parseOp([]string{"add", "two"}); err == nil {
		t.Error("parseOp() with a non-numeric operand expected error")
	}
}
