//go:build cgo
// +build cgo

package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/akidb/akidb-embed/internal/tokenize"
)

// ortMu guards one-time ONNX Runtime environment setup for the process.
var ortMu sync.Mutex

func initONNXRuntime(libraryPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}
	return nil
}

// ortBackend runs a transformer graph through ONNX Runtime. Input tensors
// are built per call because batch shapes vary; the session is reused and
// serialized by a mutex, matching the one-request-at-a-time protocol.
type ortBackend struct {
	session    *ort.DynamicAdvancedSession
	kind       Kind
	hidden     int
	providers  []string
	inputNames []string
	outputName string
	mu         sync.Mutex
}

// newORTBackend opens modelPath with the execution providers implied by
// kind: KindNative requires the platform's hardware provider to register,
// KindONNX takes it opportunistically with CPU as the guaranteed floor.
func newORTBackend(modelPath string, kind Kind, hiddenSize int, opts Options) (Backend, error) {
	if err := initONNXRuntime(opts.ORTLibraryPath); err != nil {
		return nil, err
	}

	graphInputs, graphOutputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model graph: %w", err)
	}
	if len(graphOutputs) == 0 {
		return nil, fmt.Errorf("model graph %s declares no outputs", modelPath)
	}
	inputNames := make([]string, len(graphInputs))
	for i, in := range graphInputs {
		switch in.Name {
		case "input_ids", "attention_mask", "token_type_ids":
			inputNames[i] = in.Name
		default:
			return nil, fmt.Errorf("unsupported graph input %q", in.Name)
		}
	}
	output := graphOutputs[0]
	if dims := output.Dimensions; len(dims) > 0 {
		if last := dims[len(dims)-1]; last > 0 && int(last) != hiddenSize {
			return nil, fmt.Errorf("%w: graph emits %d-wide states, config declares %d",
				ErrDimensionMismatch, last, hiddenSize)
		}
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	providers := []string{"CPUExecutionProvider"}
	if hw, hwErr := appendHardwareProvider(sessOpts); hwErr != nil {
		if kind == KindNative {
			return nil, fmt.Errorf("hardware execution provider unavailable: %w", hwErr)
		}
	} else {
		providers = append([]string{hw}, providers...)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{output.Name}, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session: %w", err)
	}

	return &ortBackend{
		session:    session,
		kind:       kind,
		hidden:     hiddenSize,
		providers:  providers,
		inputNames: inputNames,
		outputName: output.Name,
	}, nil
}

// appendHardwareProvider registers the platform accelerator: CoreML on Apple
// Silicon, CUDA everywhere else. Returns the provider name on success.
func appendHardwareProvider(opts *ort.SessionOptions) (string, error) {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		if err := opts.AppendExecutionProviderCoreML(0); err != nil {
			return "", fmt.Errorf("coreml: %w", err)
		}
		return "CoreMLExecutionProvider", nil
	}
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return "", fmt.Errorf("cuda: %w", err)
	}
	defer cudaOpts.Destroy()
	if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		return "", fmt.Errorf("cuda: %w", err)
	}
	return "CUDAExecutionProvider", nil
}

// Forward binds the batch to whichever of the three standard inputs the
// graph declares, feeding zeros for token_type_ids, and copies the
// token-level output out of the runtime-owned tensor.
func (b *ortBackend) Forward(_ context.Context, batch *tokenize.TokenBatch) (*HiddenStates, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	shape := ort.NewShape(int64(batch.Batch), int64(batch.SeqLen))
	inputs := make([]ort.ArbitraryTensor, 0, len(b.inputNames))
	defer func() {
		for _, t := range inputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()
	for _, name := range b.inputNames {
		var data []int64
		switch name {
		case "input_ids":
			data = batch.InputIDs
		case "attention_mask":
			data = batch.AttentionMask
		case "token_type_ids":
			data = make([]int64, len(batch.InputIDs))
		}
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		inputs = append(inputs, tensor)
	}

	outputs := []ort.ArbitraryTensor{nil}
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	out := outputs[0]
	if out == nil {
		return nil, fmt.Errorf("inference produced no %s output", b.outputName)
	}
	defer out.Destroy()

	tensor, ok := out.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("model output %s is not float32", b.outputName)
	}
	dims := tensor.GetShape()
	if len(dims) != 3 {
		return nil, fmt.Errorf("model output %s has rank %d, want token-level rank 3",
			b.outputName, len(dims))
	}
	if int(dims[0]) != batch.Batch || int(dims[1]) != batch.SeqLen {
		return nil, fmt.Errorf("model output shaped %v for a %dx%d batch",
			dims, batch.Batch, batch.SeqLen)
	}
	if int(dims[2]) != b.hidden {
		return nil, fmt.Errorf("%w: model emitted %d-wide states, expected %d",
			ErrDimensionMismatch, dims[2], b.hidden)
	}

	src := tensor.GetData()
	data := make([]float32, len(src))
	copy(data, src)
	return &HiddenStates{
		Data:   data,
		Batch:  batch.Batch,
		SeqLen: batch.SeqLen,
		Hidden: b.hidden,
	}, nil
}

// HiddenSize returns the hidden state width.
func (b *ortBackend) HiddenSize() int {
	return b.hidden
}

// Kind reports which ONNX variant this backend was opened as.
func (b *ortBackend) Kind() Kind {
	return b.kind
}

// Providers lists the execution providers registered with the session.
func (b *ortBackend) Providers() []string {
	return b.providers
}

// Close destroys the ONNX session.
func (b *ortBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	return err
}
