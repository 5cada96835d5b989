// Package handlers holds the built-in task handlers.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Decode copies kwargs into dst through their JSON form.
func Decode(kwargs map[string]any, dst any) error {
	b, err := json.Marshal(kwargs)
	if err != nil {
		return fmt.Errorf("encode kwargs: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("invalid kwargs: %w", err)
	}
	return nil
}

type noopArgs struct {
	Sleep float64 `json:"sleep"` // seconds
}

// Noop echoes its input, optionally after sleeping kwargs["sleep"] seconds.
func Noop(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	var a noopArgs
	if err := Decode(kwargs, &a); err != nil {
		return nil, err
	}
	if a.Sleep > 0 {
		t := time.NewTimer(time.Duration(a.Sleep * float64(time.Second)))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return map[string]any{"args": args, "kwargs": kwargs}, nil
}
