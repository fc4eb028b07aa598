package embedding

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitFrames(t *testing.T) {
	raw := make([]byte, 2*2*3*2+5) // two frames of 2x2 plus a partial one
	frames := splitFrames(raw, 2)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if len(frames[1]) != 12 {
		t.Errorf("frame length %d, want 12", len(frames[1]))
	}
	if splitFrames(raw, 0) != nil {
		t.Error("zero size should yield no frames")
	}
}

func TestPixelValues(t *testing.T) {
	frame := []byte{255, 0, 0} // one red pixel
	dst := make([]float32, 3)
	pixelValues(dst, frame, 1)
	want := []float32{
		(1 - clipMean[0]) / clipStd[0],
		(0 - clipMean[1]) / clipStd[1],
		(0 - clipMean[2]) / clipStd[2],
	}
	for i := range want {
		if math.Abs(float64(dst[i]-want[i])) > 1e-6 {
			t.Errorf("channel %d = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestFrameSampler_args(t *testing.T) {
	s := &FrameSampler{Size: 224, Sampling: DefaultSampling}
	args := strings.Join(s.args("/v/clip.mp4"), " ")
	for _, want := range []string{"-ss 5", "-t 30", "fps=1/0.5", "crop=224:224", "-frames:v 60", "-pix_fmt rgb24"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestFrameSampler_missingFile(t *testing.T) {
	s := &FrameSampler{Size: 224, Sampling: DefaultSampling}
	_, err := s.Sample(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	if !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("expected ErrExtractionFailed, got %v", err)
	}
}
