package calc

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/gaspardpetit/mcpcalc/internal/tools"
)

type recorder struct {
	mu        sync.Mutex
	logs      []string
	progress  []float64
	resources []string
}

func (r *recorder) Log(_ context.Context, _ tools.LogLevel, _ string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, data.(string))
}

func (r *recorder) Progress(_ context.Context, p, _ float64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) ResourceUpdated(_ context.Context, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources = append(r.resources, uri)
}

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	if err := Register(reg, Info{Name: "calc", Version: "1.0.0", Mode: "stateful"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func call(t *testing.T, reg *tools.Registry, name string, args map[string]any) (tools.Result, error) {
	t.Helper()
	return reg.Invoke(context.Background(), name, args, &recorder{})
}

func TestArithmeticText(t *testing.T) {
	reg := newRegistry(t)
	cases := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"add_numbers", map[string]any{"a": 5.0, "b": 3.0}, "The sum of 5 and 3 is 8"},
		{"subtract_numbers", map[string]any{"a": 10.0, "b": 4.5}, "The difference of 10 and 4.5 is 5.5"},
		{"multiply_numbers", map[string]any{"a": 6.0, "b": 7.0}, "The product of 6 and 7 is 42"},
		{"divide_numbers", map[string]any{"a": 7.0, "b": 2.0}, "The quotient of 7 divided by 2 is 3.5"},
		{"power", map[string]any{"base": 2.0, "exponent": 10.0}, "2 raised to the power of 10 is 1024"},
	}
	for _, tc := range cases {
		t.Run(tc.tool, func(t *testing.T) {
			res, err := call(t, reg, tc.tool, tc.args)
			if err != nil {
				t.Fatalf("invoke: %v", err)
			}
			if res.IsError || len(res.Content) != 1 || res.Content[0].Text != tc.want {
				t.Fatalf("got %+v want %q", res, tc.want)
			}
		})
	}
}

func TestDivideByZero(t *testing.T) {
	reg := newRegistry(t)
	for _, b := range []float64{0, math.Copysign(0, -1)} {
		_, err := call(t, reg, "divide_numbers", map[string]any{"a": 1.0, "b": b})
		var ee *tools.ExecutionError
		if !errors.As(err, &ee) || !errors.Is(err, ErrDivideByZero) {
			t.Fatalf("expected divide by zero execution error, got %v", err)
		}
		if err.Error() != "cannot divide by zero" || ee.Message() != "Cannot divide by zero" {
			t.Fatalf("unexpected error text %q / %q", err.Error(), ee.Message())
		}
	}
}

func TestNonFiniteResult(t *testing.T) {
	reg := newRegistry(t)
	_, err := call(t, reg, "power", map[string]any{"base": 10.0, "exponent": 400.0})
	var ee *tools.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected execution error for overflow, got %v", err)
	}
}

func TestArithmeticLogs(t *testing.T) {
	reg := newRegistry(t)
	rec := &recorder{}
	if _, err := reg.Invoke(context.Background(), "add_numbers", map[string]any{"a": 1.0, "b": 2.0}, rec); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(rec.logs) != 2 {
		t.Fatalf("expected two log notifications, got %v", rec.logs)
	}
	if !strings.HasPrefix(rec.logs[0], "Processing add_numbers with arguments:") || rec.logs[1] != "Calculating: 1 + 2 = 3" {
		t.Fatalf("unexpected logs %v", rec.logs)
	}
}

func TestSlowCalculation(t *testing.T) {
	reg := newRegistry(t)
	rec := &recorder{}
	res, err := reg.Invoke(context.Background(), "slow_calculation", map[string]any{"count": 3.0, "interval": 0.0}, rec)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Content[0].Text != "Completed slow calculation with 3 steps" {
		t.Fatalf("unexpected text %q", res.Content[0].Text)
	}
	if len(rec.progress) != 3 || rec.progress[2] != 3 {
		t.Fatalf("unexpected progress %v", rec.progress)
	}
	if len(rec.resources) != 1 || rec.resources[0] != ResultURI {
		t.Fatalf("unexpected resources %v", rec.resources)
	}
}

func TestSlowCalculationBounds(t *testing.T) {
	reg := newRegistry(t)
	_, err := call(t, reg, "slow_calculation", map[string]any{"count": 1000.0, "interval": 0.0})
	var ipe *tools.InvalidParamsError
	if !errors.As(err, &ipe) {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestSlowCalculationCancelled(t *testing.T) {
	reg := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.Invoke(ctx, "slow_calculation", map[string]any{"count": 2.0, "interval": 5.0}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestServerInfo(t *testing.T) {
	reg := newRegistry(t)
	res, err := call(t, reg, "get_server_info", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(res.Content[0].Text, "calc v1.0.0") || !strings.Contains(res.Content[0].Text, "7 tools") {
		t.Fatalf("unexpected text %q", res.Content[0].Text)
	}
}

func TestFormat(t *testing.T) {
	for in, want := range map[float64]string{8: "8", 1024: "1024", 2.5: "2.5", -0.125: "-0.125"} {
		if got := Format(in); got != want {
			t.Errorf("Format(%v) = %q want %q", in, got, want)
		}
	}
}
