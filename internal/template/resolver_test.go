package template

import (
	"errors"
	"testing"
)

func testContext() map[string]any {
	return map[string]any{
		"inputs": map[string]any{
			"topic": "supply chains",
			"depth": 3,
			"dry":   false,
			"score": 0.5,
		},
		"history": []any{"x", "y", "z"},
		"research": map[string]any{
			"output": map[string]any{
				"summary": "rail freight is recovering",
			},
		},
	}
}

func TestResolvePlainTextUnchanged(t *testing.T) {
	got, err := Resolve("plain text", testContext())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "plain text" {
		t.Errorf("expected input unchanged, got %q", got)
	}
}

func TestResolveSimplePath(t *testing.T) {
	got, err := Resolve("Research {{inputs.topic}} today", testContext())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "Research supply chains today" {
		t.Errorf("unexpected result: %q", got)
	}
}

func TestResolveMultipleReferences(t *testing.T) {
	got, err := Resolve("{{inputs.topic}} / {{research.output.summary}}", testContext())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := "supply chains / rail freight is recovering"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestResolveNegativeIndex(t *testing.T) {
	got, err := Resolve("{{history[-1]}}", testContext())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "z" {
		t.Errorf("expected z, got %q", got)
	}
}

func TestResolvePositiveIndex(t *testing.T) {
	got, err := Resolve("{{history[1]}}", testContext())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "y" {
		t.Errorf("expected y, got %q", got)
	}
}

func TestResolveScalarStringify(t *testing.T) {
	cases := []struct {
		tmpl string
		want string
	}{
		{"{{inputs.depth}}", "3"},
		{"{{inputs.dry}}", "false"},
		{"{{inputs.score}}", "0.5"},
	}
	for _, c := range cases {
		got, err := Resolve(c.tmpl, testContext())
		if err != nil {
			t.Fatalf("resolve %q: %v", c.tmpl, err)
		}
		if got != c.want {
			t.Errorf("%q: expected %q, got %q", c.tmpl, c.want, got)
		}
	}
}

func TestResolveMissingPath(t *testing.T) {
	_, err := Resolve("{{inputs.missing}}", testContext())
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if resErr.Path != "inputs.missing" {
		t.Errorf("expected path inputs.missing, got %q", resErr.Path)
	}
}

func TestResolveIndexOutOfRange(t *testing.T) {
	_, err := Resolve("{{history[5]}}", testContext())
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
}

func TestResolveRepeatedSiblingReferences(t *testing.T) {
	// The same path twice in one string is legal; only a path expanding
	// into itself is circular.
	got, err := Resolve("{{history[-1]}}{{history[-1]}}", testContext())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "zz" {
		t.Errorf("expected zz, got %q", got)
	}
}

func TestResolveCircularReference(t *testing.T) {
	ctx := map[string]any{
		"a": "{{b}}",
		"b": "{{a}}",
	}
	_, err := Resolve("{{a}}", ctx)
	var circErr *CircularError
	if !errors.As(err, &circErr) {
		t.Fatalf("expected CircularError, got %v", err)
	}
}

func TestResolveSelfReference(t *testing.T) {
	ctx := map[string]any{"loop": "value {{loop}}"}
	_, err := Resolve("{{loop}}", ctx)
	var circErr *CircularError
	if !errors.As(err, &circErr) {
		t.Fatalf("expected CircularError, got %v", err)
	}
	if circErr.Path != "loop" {
		t.Errorf("expected path loop, got %q", circErr.Path)
	}
}

func TestResolveNestedExpansion(t *testing.T) {
	ctx := map[string]any{
		"greeting": "hello {{name}}",
		"name":     "world",
	}
	got, err := Resolve("{{greeting}}", ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "hello world" {
		t.Errorf("expected hello world, got %q", got)
	}
}

func TestResolveCompositeSerialized(t *testing.T) {
	got, err := Resolve("{{history}}", testContext())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != `["x","y","z"]` {
		t.Errorf("expected JSON array, got %q", got)
	}
}
