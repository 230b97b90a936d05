package embed

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortInitOnce guards global ONNX Runtime environment initialisation; the VAD
// model inside silero-vad-go carries its own runtime, but this package shares
// one environment across all extractor sessions in the process.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime(libPath string) error {
	ortInitOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// onnxInference runs the speaker embedding ONNX model. Input is a single
// window of 16 kHz samples, output a Dim-length vector.
type onnxInference struct {
	session *ort.AdvancedSession
	in      *ort.Tensor[float32]
	out     *ort.Tensor[float32]
}

var _ Inference = (*onnxInference)(nil)

// NewONNXInference loads the speaker model at modelPath for windows of
// windowSamples samples. libPath optionally points at the ONNX Runtime shared
// library; empty uses the platform default lookup.
func NewONNXInference(modelPath, libPath string, windowSamples int) (Inference, error) {
	if err := initRuntime(libPath); err != nil {
		return nil, fmt.Errorf("embed: initialize onnx runtime: %w", err)
	}

	in, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(windowSamples)))
	if err != nil {
		return nil, fmt.Errorf("embed: create input tensor: %w", err)
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, Dim))
	if err != nil {
		in.Destroy()
		return nil, fmt.Errorf("embed: create output tensor: %w", err)
	}

	inInfo, outInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("embed: inspect model %q: %w", modelPath, err)
	}
	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inInfo[0].Name}, []string{outInfo[0].Name},
		[]ort.Value{in}, []ort.Value{out},
		nil,
	)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("embed: create session for %q: %w", modelPath, err)
	}
	return &onnxInference{session: session, in: in, out: out}, nil
}

func (o *onnxInference) Run(window []float32) ([]float32, error) {
	data := o.in.GetData()
	if len(window) != len(data) {
		return nil, fmt.Errorf("embed: window has %d samples, session expects %d", len(window), len(data))
	}
	copy(data, window)
	if err := o.session.Run(); err != nil {
		return nil, fmt.Errorf("embed: session run: %w", err)
	}
	return o.out.GetData(), nil
}

func (o *onnxInference) Close() error {
	o.session.Destroy()
	o.in.Destroy()
	o.out.Destroy()
	return nil
}
