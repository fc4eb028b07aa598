//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/kagami/pkg/utils"
)

const (
	onnxInputName  = "pixel_values"
	onnxOutputName = "image_embeds"
)

// clipModel owns the ONNX session and its pre-allocated tensors.
// Run calls are serialized because the tensors are shared.
type clipModel struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	dimensions   int
	size         int
	mu           sync.Mutex
}

// ONNXEmbedder runs a CLIP image encoder over sampled frames. Each frame
// embedding is normalized, the frame embeddings are averaged, and the mean is
// normalized again. It requires CGO and the onnxruntime shared library.
type ONNXEmbedder struct {
	model   *clipModel
	sampler *FrameSampler
	owner   bool
}

// NewONNXEmbedder loads the CLIP image encoder at modelPath. InitializeEnvironment is called if not already done.
func NewONNXEmbedder(modelPath string, dimensions, frameSize int, ffmpegPath string, sampling Sampling) (*ONNXEmbedder, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	inputData := make([]float32, 3*frameSize*frameSize)
	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, int64(frameSize), int64(frameSize)), inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s tensor: %w", onnxInputName, err)
	}
	outputData := make([]float32, dimensions)
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(dimensions)), outputData)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{onnxInputName},
		[]string{onnxOutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXEmbedder{
		model: &clipModel{
			session:      session,
			inputTensor:  inputTensor,
			outputTensor: outputTensor,
			dimensions:   dimensions,
			size:         frameSize,
		},
		sampler: &FrameSampler{FFmpegPath: ffmpegPath, Size: frameSize, Sampling: sampling},
		owner:   true,
	}, nil
}

// WithSampling returns an embedder sharing this model but sampling frames
// differently. Closing the returned embedder does not release the model.
func (e *ONNXEmbedder) WithSampling(s Sampling) Embedder {
	sampler := *e.sampler
	sampler.Sampling = s
	return &ONNXEmbedder{model: e.model, sampler: &sampler}
}

// Embed samples frames from the video at path and returns the mean CLIP embedding.
func (e *ONNXEmbedder) Embed(ctx context.Context, path string) ([]float32, error) {
	frames, err := e.sampler.Sample(ctx, path)
	if err != nil {
		return nil, err
	}
	perFrame := make([][]float32, 0, len(frames))
	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := e.model.run(frame)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
		}
		perFrame = append(perFrame, emb)
	}
	mean := utils.MeanVector(perFrame)
	utils.NormalizeL2(mean)
	return mean, nil
}

func (m *clipModel) run(frame []byte) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pixelValues(m.inputTensor.GetData(), frame, m.size)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	emb := make([]float32, m.dimensions)
	copy(emb, m.outputTensor.GetData()[:m.dimensions])
	utils.NormalizeL2(emb)
	return emb, nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int {
	return e.model.dimensions
}

// Close destroys the session and tensors if this embedder owns them.
func (e *ONNXEmbedder) Close() error {
	if !e.owner {
		return nil
	}
	m := e.model
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	if m.inputTensor != nil {
		_ = m.inputTensor.Destroy()
		m.inputTensor = nil
	}
	if m.outputTensor != nil {
		_ = m.outputTensor.Destroy()
		m.outputTensor = nil
	}
	return err
}
