package embedding

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// CLIP image preprocessing constants (per RGB channel).
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// FrameSampler decodes sampled frames from a video with ffmpeg. Each frame is
// scaled so its shorter side equals Size, center-cropped to Size x Size, and
// returned as packed RGB24.
type FrameSampler struct {
	FFmpegPath string
	Size       int
	Sampling   Sampling
}

// Sample returns the frames in the sampling window. A video shorter than
// Sampling.Start yields no frames and fails with ErrExtractionFailed.
func (s *FrameSampler) Sample(ctx context.Context, path string) ([][]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.ffmpeg(), s.args(path)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrExtractionFailed, err, strings.TrimSpace(stderr.String()))
	}
	frames := splitFrames(stdout.Bytes(), s.Size)
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames between %gs and %gs", ErrExtractionFailed, s.Sampling.Start, s.Sampling.End)
	}
	return frames, nil
}

func (s *FrameSampler) ffmpeg() string {
	if s.FFmpegPath != "" {
		return s.FFmpegPath
	}
	return "ffmpeg"
}

func (s *FrameSampler) args(path string) []string {
	size := strconv.Itoa(s.Size)
	filter := fmt.Sprintf("fps=1/%s,scale=%s:%s:force_original_aspect_ratio=increase:flags=bicubic,crop=%s:%s",
		strconv.FormatFloat(s.Sampling.Rate, 'f', -1, 64), size, size, size, size)
	return []string{
		"-v", "error",
		"-ss", strconv.FormatFloat(s.Sampling.Start, 'f', -1, 64),
		"-t", strconv.FormatFloat(s.Sampling.End-s.Sampling.Start, 'f', -1, 64),
		"-i", path,
		"-vf", filter,
		"-frames:v", strconv.Itoa(s.Sampling.MaxFrames()),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	}
}

// splitFrames cuts raw RGB24 output into whole frames, dropping a trailing partial frame.
func splitFrames(raw []byte, size int) [][]byte {
	frameLen := size * size * 3
	if frameLen == 0 {
		return nil
	}
	n := len(raw) / frameLen
	frames := make([][]byte, n)
	for i := 0; i < n; i++ {
		frames[i] = raw[i*frameLen : (i+1)*frameLen]
	}
	return frames
}

// pixelValues writes one RGB24 frame into dst as a CLIP-normalized CHW tensor.
// dst must hold 3*size*size values.
func pixelValues(dst []float32, frame []byte, size int) {
	plane := size * size
	for p := 0; p < plane; p++ {
		for c := 0; c < 3; c++ {
			v := float32(frame[p*3+c]) / 255
			dst[c*plane+p] = (v - clipMean[c]) / clipStd[c]
		}
	}
}
