// Package sampletasks registers the built-in demo handlers used by the
// relayq binary.
package sampletasks

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	relayq "github.com/relayq/relayq-go"
)

// Register installs every sample handler into reg.
func Register(reg *relayq.Registry) error {
	specs := []struct {
		name string
		fn   relayq.HandlerFunc
		opts []relayq.RegisterOption
	}{
		{"add_numbers", addNumbers, []relayq.RegisterOption{
			relayq.WithDescription("Add two numbers and return the sum"),
		}},
		{"multiply_numbers", multiplyNumbers, []relayq.RegisterOption{
			relayq.WithDescription("Multiply two numbers and return the product"),
		}},
		{"slow_task", slowTask, []relayq.RegisterOption{
			relayq.WithDescription("Sleep for a configurable duration; useful for timeout testing"),
			relayq.WithDeclaredTimeout(60),
		}},
		{"random_task", randomTask, []relayq.RegisterOption{
			relayq.WithDescription("Generate a random number and derived facts about it"),
		}},
		{"failing_task", failingTask, []relayq.RegisterOption{
			relayq.WithDescription("Fail on demand; useful for retry testing"),
		}},
	}
	for _, s := range specs {
		if err := reg.Register(s.name, s.fn, s.opts...); err != nil {
			return err
		}
	}
	return nil
}

// numArg reads a numeric argument positionally with a kwargs fallback.
// JSON numbers arrive as float64.
func numArg(args []any, kwargs map[string]any, pos int, name string) (float64, error) {
	var v any
	switch {
	case pos < len(args):
		v = args[pos]
	case kwargs[name] != nil:
		v = kwargs[name]
	default:
		return 0, fmt.Errorf("missing argument %q", name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("argument %q is not a number: %T", name, v)
	}
}

func addNumbers(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	a, err := numArg(args, kwargs, 0, "a")
	if err != nil {
		return nil, err
	}
	b, err := numArg(args, kwargs, 1, "b")
	if err != nil {
		return nil, err
	}
	return a + b, nil
}

func multiplyNumbers(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	a, err := numArg(args, kwargs, 0, "a")
	if err != nil {
		return nil, err
	}
	b, err := numArg(args, kwargs, 1, "b")
	if err != nil {
		return nil, err
	}
	return a * b, nil
}

func slowTask(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	duration, err := numArg(args, kwargs, 0, "duration")
	if err != nil {
		duration = 5
	}
	message := "Processing..."
	if m, ok := kwargs["message"].(string); ok {
		message = m
	}
	t := time.NewTimer(time.Duration(duration * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return fmt.Sprintf("Completed: %s after %gs", message, duration), nil
}

func randomTask(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	minVal, err := numArg(args, kwargs, 0, "min_val")
	if err != nil {
		minVal = 1
	}
	maxVal, err := numArg(args, kwargs, 1, "max_val")
	if err != nil {
		maxVal = 100
	}
	if maxVal < minVal {
		return nil, fmt.Errorf("max_val %g below min_val %g", maxVal, minVal)
	}
	n := int(minVal) + rand.Intn(int(maxVal-minVal)+1)
	return map[string]any{
		"number":  n,
		"square":  n * n,
		"is_even": n%2 == 0,
		"range":   fmt.Sprintf("%g-%g", minVal, maxVal),
	}, nil
}

func failingTask(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	shouldFail := true
	if v, ok := kwargs["should_fail"].(bool); ok {
		shouldFail = v
	} else if len(args) > 0 {
		if v, ok := args[0].(bool); ok {
			shouldFail = v
		}
	}
	if shouldFail {
		msg := "Task failed intentionally"
		if m, ok := kwargs["error_message"].(string); ok {
			msg = m
		}
		return nil, errors.New(msg)
	}
	return "Task completed successfully", nil
}
