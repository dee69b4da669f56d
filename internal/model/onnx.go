package model

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// onnxBackend runs an ONNX model through a session bound to pre-allocated
// input and output tensors. The bound tensors are shared between calls, so
// Run must not be called concurrently; the Classifier serializes it.
type onnxBackend struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newONNXBackend(modelPath, libraryPath string, metadata Metadata) (*onnxBackend, error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxBackend{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Run copies input into the bound tensor, runs the session and returns a
// copy of the output, since the output buffer is reused by the next call.
func (b *onnxBackend) Run(input []float32) ([]float32, error) {
	dst := b.inputTensor.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input has %d values, session expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := b.outputTensor.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

func (b *onnxBackend) Close() error {
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
