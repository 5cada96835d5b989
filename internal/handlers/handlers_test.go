package handlers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	var dst struct {
		Name  string   `json:"name"`
		Count int      `json:"count"`
		Tags  []string `json:"tags"`
	}
	err := Decode(map[string]any{"name": "x", "count": 3, "tags": []any{"a", "b"}}, &dst)
	if err != nil {
		t.Fatal(err)
	}
	if dst.Name != "x" || dst.Count != 3 || len(dst.Tags) != 2 {
		t.Fatalf("decoded %+v", dst)
	}
	if err := Decode(map[string]any{"count": "three"}, &dst); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestNoop(t *testing.T) {
	out, err := Noop(context.Background(), []any{1}, map[string]any{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["kwargs"].(map[string]any)["k"] != "v" {
		t.Fatalf("out = %v", out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := Noop(ctx, nil, map[string]any{"sleep": 5}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
