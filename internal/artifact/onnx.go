package artifact

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNX Runtime is initialised once per process.
var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// ONNXSpec names the graph tensors and the affine map from the model output
// onto the raw anomaly score (larger = more anomalous).
type ONNXSpec struct {
	Input  string  `json:"input"`
	Output string  `json:"output"`
	Sign   float64 `json:"sign"`
	Offset float64 `json:"offset"`
}

type onnxScorer struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	spec    ONNXSpec
	width   int64
}

func newONNXScorer(modelPath, libPath string, spec ONNXSpec, width int) (*onnxScorer, error) {
	if err := initORT(libPath); err != nil {
		return nil, fmt.Errorf("onnx: initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: read model info: %w", err)
	}
	if spec.Input == "" && len(inputs) > 0 {
		spec.Input = inputs[0].Name
	}
	if spec.Output == "" && len(outputs) > 0 {
		spec.Output = outputs[0].Name
	}
	if spec.Input == "" || spec.Output == "" {
		return nil, fmt.Errorf("onnx: model has no usable input/output")
	}
	if spec.Sign == 0 {
		spec.Sign = 1
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: create session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(1)
	opts.SetInterOpNumThreads(1)

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{spec.Input}, []string{spec.Output}, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}
	return &onnxScorer{session: session, spec: spec, width: int64(width)}, nil
}

func (s *onnxScorer) RawScore(values []float64) (float64, error) {
	if int64(len(values)) != s.width {
		return 0, fmt.Errorf("onnx: expected %d values, got %d", s.width, len(values))
	}
	in := make([]float32, len(values))
	for i, v := range values {
		in[i] = float32(v)
	}

	tIn, err := ort.NewTensor(ort.NewShape(1, s.width), in)
	if err != nil {
		return 0, fmt.Errorf("onnx: create input tensor: %w", err)
	}
	defer tIn.Destroy()

	tOut, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("onnx: create output tensor: %w", err)
	}
	defer tOut.Destroy()

	s.mu.Lock()
	err = s.session.Run([]ort.Value{tIn}, []ort.Value{tOut})
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("onnx: inference: %w", err)
	}

	return s.spec.Sign*float64(tOut.GetData()[0]) + s.spec.Offset, nil
}

// Close releases the session.
func (s *onnxScorer) Close() error {
	return s.session.Destroy()
}
