package ai

import (
	"context"
	"math"
	"testing"
)

func TestLocalEmbedderDeterministic(t *testing.T) {
	e := NewLocalEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "first_name")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := e.Embed(ctx, "first_name")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a) != EmbeddingDim {
		t.Fatalf("dim = %d, want %d", len(a), EmbeddingDim)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d", i)
		}
	}
}

func TestLocalEmbedderSimilarNamesRankHigher(t *testing.T) {
	e := NewLocalEmbedder()
	ctx := context.Background()

	src, _ := e.Embed(ctx, "birth_date")
	close, _ := e.Embed(ctx, "birthDate")
	far, _ := e.Embed(ctx, "medication_code")

	if Cosine(src, close) <= Cosine(src, far) {
		t.Errorf("birthDate should be closer to birth_date than medication_code: %f vs %f",
			Cosine(src, close), Cosine(src, far))
	}
}

func TestLocalEmbedderNormalized(t *testing.T) {
	e := NewLocalEmbedder()
	vec, _ := e.Embed(context.Background(), "gender")
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("vector not L2-normalized: |v|^2 = %f", sum)
	}
}

func TestCosineEdgeCases(t *testing.T) {
	if got := Cosine(nil, nil); got != 0 {
		t.Errorf("Cosine(nil, nil) = %f, want 0", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{1}); got != 0 {
		t.Errorf("mismatched lengths should score 0, got %f", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors should score 1, got %f", got)
	}
}

func TestNullLLMClient(t *testing.T) {
	var c NullLLMClient
	if c.Available() {
		t.Error("null client must report unavailable")
	}
	if _, err := c.Complete(context.Background(), "x"); err != ErrUnavailable {
		t.Errorf("Complete err = %v, want ErrUnavailable", err)
	}
}
