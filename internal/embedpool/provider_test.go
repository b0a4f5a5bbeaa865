package embedpool

import (
	"context"
	"testing"
)

func TestMockProvider_Deterministic(t *testing.T) {
	p := NewMockProvider(8)
	e1, err := p.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	e2, err := p.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(e1.Vector) != 8 || len(e2.Vector) != 8 {
		t.Fatalf("expected 8-dim vectors, got %d and %d", len(e1.Vector), len(e2.Vector))
	}
	for i := range e1.Vector {
		if e1.Vector[i] != e2.Vector[i] {
			t.Fatalf("expected identical vectors for identical text, differ at %d: %v vs %v", i, e1.Vector, e2.Vector)
		}
	}
}

func TestMockProvider_DifferentTextDifferentVector(t *testing.T) {
	p := NewMockProvider(8)
	e1, _ := p.Embed(context.Background(), "alpha")
	e2, _ := p.Embed(context.Background(), "beta")
	same := true
	for i := range e1.Vector {
		if e1.Vector[i] != e2.Vector[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("expected different text to produce different vectors")
	}
}

func TestMockProvider_LargeDimension(t *testing.T) {
	p := NewMockProvider(384)
	e, err := p.Embed(context.Background(), "note body")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(e.Vector) != 384 {
		t.Fatalf("expected 384-dim vector, got %d", len(e.Vector))
	}
	for _, v := range e.Vector {
		if v < -1 || v > 1 {
			t.Errorf("expected vector components in [-1,1], got %f", v)
		}
	}
}
