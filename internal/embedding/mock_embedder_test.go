package embedding

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestMockEmbedder_deterministicAndNormalized(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mp4")
	b := filepath.Join(dir, "b.mp4")
	_ = os.WriteFile(a, []byte("same bytes"), 0644)
	_ = os.WriteFile(b, []byte("same bytes"), 0644)

	e := NewMockEmbedder(16)
	va, err := e.Embed(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	vb, err := e.Embed(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if len(va) != 16 {
		t.Fatalf("len = %d", len(va))
	}
	var norm float64
	for i := range va {
		if va[i] != vb[i] {
			t.Fatal("identical contents should give identical vectors")
		}
		norm += float64(va[i]) * float64(va[i])
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("norm^2 = %v", norm)
	}
}

func TestMockEmbedder_emptyFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mp4")
	_ = os.WriteFile(path, nil, 0644)
	_, err := NewMockEmbedder(4).Embed(context.Background(), path)
	if !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("expected ErrExtractionFailed, got %v", err)
	}
}

func TestSampling_MaxFrames(t *testing.T) {
	if n := DefaultSampling.MaxFrames(); n != 60 {
		t.Errorf("default window = %d frames, want 60", n)
	}
	if n := (Sampling{Start: 5, End: 35, Rate: 0.1}).MaxFrames(); n != 300 {
		t.Errorf("verify window = %d frames, want 300", n)
	}
	if n := (Sampling{Start: 5, End: 5, Rate: 1}).MaxFrames(); n != 0 {
		t.Errorf("empty window = %d", n)
	}
}

func BenchmarkMockEmbedder_Embed(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.mp4")
	if err := os.WriteFile(path, make([]byte, 1<<20), 0644); err != nil {
		b.Fatal(err)
	}
	e := NewMockEmbedder(512)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Embed(ctx, path)
	}
}
