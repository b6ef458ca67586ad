package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"fabrichost/api"
)

type operation struct {
	name    string
	operand float64
}

// parseOp reads the operation and optional operand. Unknown operation names
// read the current value.
func parseOp(args []string) (operation, error) {
	op := operation{name: "get"}
	switch strings.ToLower(args[0]) {
	case "add", "+":
		op.name = "add"
	case "subtract", "-":
		op.name = "subtract"
	case "multiply", "*":
		op.name = "multiply"
	case "divide", "/":
		op.name = "divide"
	case "set":
		op.name = "set"
	}
	if len(args) > 1 {
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return operation{}, fmt.Errorf("operand %q: %w", args[1], err)
		}
		op.operand = v
	}
	return op, nil
}

func (o operation) call(ctx context.Context, c *api.CalculatorClient) (float64, error) {
	switch o.name {
	case "add":
		return c.Add(ctx, o.operand)
	case "subtract":
		return c.Subtract(ctx, o.operand)
	case "multiply":
		return c.Multiply(ctx, o.operand)
	case "divide":
		return c.Divide(ctx, o.operand)
	case "set":
		return c.Set(ctx, o.operand)
	default:
		return c.Get(ctx)
	}
}
