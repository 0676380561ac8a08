// Package calc registers the calculator tools.
package calc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/mcpcalc/internal/tools"
)

// LoggerName is the logger reported on log notifications.
const LoggerName = "calculator"

// ResultURI is the resource announced when a slow calculation completes.
const ResultURI = "http://example.com/calculation_result"

var ErrDivideByZero = errors.New("cannot divide by zero")

// Info identifies the running server for get_server_info.
type Info struct {
	Name    string
	Version string
	Mode    string
}

type binaryOp struct {
	name, description string
	x, y              string
	apply             func(x, y float64) (float64, error)
	symbol            string
	format            func(x, y, r string) string
}

var binaryOps = []binaryOp{
	{
		name: "add_numbers", description: "Add two numbers together",
		x: "a", y: "b", symbol: "+",
		apply:  func(a, b float64) (float64, error) { return a + b, nil },
		format: func(a, b, r string) string { return fmt.Sprintf("The sum of %s and %s is %s", a, b, r) },
	},
	{
		name: "subtract_numbers", description: "Subtract the second number from the first",
		x: "a", y: "b", symbol: "-",
		apply:  func(a, b float64) (float64, error) { return a - b, nil },
		format: func(a, b, r string) string { return fmt.Sprintf("The difference of %s and %s is %s", a, b, r) },
	},
	{
		name: "multiply_numbers", description: "Multiply two numbers together",
		x: "a", y: "b", symbol: "*",
		apply:  func(a, b float64) (float64, error) { return a * b, nil },
		format: func(a, b, r string) string { return fmt.Sprintf("The product of %s and %s is %s", a, b, r) },
	},
	{
		name: "divide_numbers", description: "Divide the first number by the second",
		x: "a", y: "b", symbol: "/",
		apply: func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, ErrDivideByZero
			}
			return a / b, nil
		},
		format: func(a, b, r string) string { return fmt.Sprintf("The quotient of %s divided by %s is %s", a, b, r) },
	},
	{
		name: "power", description: "Raise a base number to an exponent",
		x: "base", y: "exponent", symbol: "^",
		apply:  func(b, e float64) (float64, error) { return math.Pow(b, e), nil },
		format: func(b, e, r string) string { return fmt.Sprintf("%s raised to the power of %s is %s", b, e, r) },
	},
}

// Register adds every calculator tool to reg.
func Register(reg *tools.Registry, info Info) error {
	for _, op := range binaryOps {
		if err := reg.Register(op.descriptor(), op.handle); err != nil {
			return err
		}
	}
	if err := reg.Register(slowDescriptor(), slowCalculation); err != nil {
		return err
	}
	return reg.Register(tools.Descriptor{
		Name:        "get_server_info",
		Description: "Get information about this server",
		InputSchema: openapi3.NewObjectSchema(),
	}, serverInfo(reg, info))
}

func (op binaryOp) descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        op.name,
		Description: op.description,
		InputSchema: openapi3.NewObjectSchema().
			WithProperty(op.x, numberSchema(op.x)).
			WithProperty(op.y, numberSchema(op.y)).
			WithRequired([]string{op.x, op.y}),
	}
}

func numberSchema(name string) *openapi3.Schema {
	s := openapi3.NewFloat64Schema()
	s.Description = name
	return s
}

func (op binaryOp) handle(ctx context.Context, c tools.Call) (tools.Result, error) {
	announce(ctx, c)
	x, y := c.Number(op.x), c.Number(op.y)
	r, err := op.apply(x, y)
	if err != nil {
		c.Notifier.Log(ctx, tools.LevelError, LoggerName, "Error: "+err.Error())
		return tools.Result{}, err
	}
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return tools.Result{}, fmt.Errorf("result of %s is not a finite number", op.name)
	}
	c.Notifier.Log(ctx, tools.LevelInfo, LoggerName,
		fmt.Sprintf("Calculating: %s %s %s = %s", Format(x), op.symbol, Format(y), Format(r)))
	return tools.Text(op.format(Format(x), Format(y), Format(r))), nil
}

func announce(ctx context.Context, c tools.Call) {
	args, _ := json.Marshal(c.Arguments)
	c.Notifier.Log(ctx, tools.LevelInfo, LoggerName, fmt.Sprintf("Processing %s with arguments: %s", c.Name, args))
}

// Format renders f as the shortest decimal that round-trips.
func Format(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func slowDescriptor() tools.Descriptor {
	count := openapi3.NewIntegerSchema().WithMin(1).WithMax(100).WithDefault(3)
	count.Description = "number of steps"
	interval := openapi3.NewFloat64Schema().WithMin(0).WithMax(10).WithDefault(1.0)
	interval.Description = "seconds between steps"
	return tools.Descriptor{
		Name:        "slow_calculation",
		Description: "Run a multi-step calculation that reports progress as it goes",
		InputSchema: openapi3.NewObjectSchema().
			WithProperty("count", count).
			WithProperty("interval", interval),
	}
}

func slowCalculation(ctx context.Context, c tools.Call) (tools.Result, error) {
	announce(ctx, c)
	count := int(c.Number("count"))
	interval := time.Duration(c.Number("interval") * float64(time.Second))
	for i := 1; i <= count; i++ {
		if i > 1 && interval > 0 {
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return tools.Result{}, ctx.Err()
			case <-t.C:
			}
		}
		msg := fmt.Sprintf("Progress: %d/%d", i, count)
		c.Notifier.Log(ctx, tools.LevelInfo, LoggerName, msg)
		c.Notifier.Progress(ctx, float64(i), float64(count), msg)
	}
	c.Notifier.ResourceUpdated(ctx, ResultURI)
	return tools.Text(fmt.Sprintf("Completed slow calculation with %d steps", count)), nil
}

func serverInfo(reg *tools.Registry, info Info) tools.Handler {
	return func(ctx context.Context, c tools.Call) (tools.Result, error) {
		announce(ctx, c)
		return tools.Text(fmt.Sprintf("%s v%s (%s mode) with %d tools: %v",
			info.Name, info.Version, info.Mode, reg.Len(), reg.Names())), nil
	}
}
