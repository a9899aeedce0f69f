package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/ranjana-api/internal/nn"
)

type ONNXOptions struct {
	// SharedLibraryPath overrides the onnxruntime library location.
	SharedLibraryPath string
}

// ONNXTrunk runs an exported backbone trunk through onnxruntime. The graph
// takes "input" [1, 1, S, S] and yields "output" [1, C, H, W].
type ONNXTrunk struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	outShape     [3]int
}

var ortInit sync.Mutex

func initORT(opts ONNXOptions) error {
	ortInit.Lock()
	defer ortInit.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if opts.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(opts.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func NewONNXTrunk(modelPath string, inputSize int, outShape []int, opts ONNXOptions) (*ONNXTrunk, error) {
	if len(outShape) != 3 {
		return nil, fmt.Errorf("onnx trunk output shape %v: %w", outShape, nn.ErrShape)
	}
	if err := initORT(opts); err != nil {
		return nil, err
	}

	inputShape := ort.NewShape(1, 1, int64(inputSize), int64(inputSize))
	outputShape := ort.NewShape(1, int64(outShape[0]), int64(outShape[1]), int64(outShape[2]))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", modelPath, err)
	}

	return &ONNXTrunk{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		outShape:     [3]int{outShape[0], outShape[1], outShape[2]},
	}, nil
}

// Forward copies x into the session's input buffer and runs the graph. Runs
// are serialized because the buffers are shared.
func (t *ONNXTrunk) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	in := t.inputTensor.GetData()
	if len(in) != x.Len() {
		return nil, fmt.Errorf("onnx trunk: input %s does not fit %d values: %w", x, len(in), nn.ErrShape)
	}
	copy(in, x.Data)

	if err := t.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := nn.NewTensor(t.outShape[0], t.outShape[1], t.outShape[2])
	copy(out.Data, t.outputTensor.GetData())
	return out, nil
}

func (t *ONNXTrunk) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inputTensor != nil {
		t.inputTensor.Destroy()
		t.inputTensor = nil
	}
	if t.outputTensor != nil {
		t.outputTensor.Destroy()
		t.outputTensor = nil
	}
	if t.session != nil {
		t.session.Destroy()
		t.session = nil
	}
	return nil
}
