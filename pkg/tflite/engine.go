//go:build tflite

package tflite

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolobridge/pkg/nn"
	tflite "github.com/mattn/go-tflite"
)

// Engine runs a TensorFlow Lite model on the CPU
type Engine struct {
	log         logs.Log
	closeOnce   sync.Once
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	width       int
	height      int
	channels    int
}

// NewEngine loads a .tflite file.
// If numThreads is zero, TFLite chooses.
func NewEngine(log logs.Log, filename string, opt Options) (*Engine, error) {
	model := tflite.NewModelFromFile(filename)
	if model == nil {
		return nil, fmt.Errorf("Failed to load TFLite model %v", filename)
	}
	options := tflite.NewInterpreterOptions()
	if options == nil {
		model.Delete()
		return nil, fmt.Errorf("Failed to create TFLite interpreter options")
	}
	if opt.NumThreads > 0 {
		options.SetNumThread(opt.NumThreads)
	}
	options.SetErrorReporter(func(msg string, userData interface{}) {
		log.Warnf("TFLite: %v", msg)
	}, nil)
	if opt.UseGpu {
		log.Infof("GPU delegate is not available in this build, running %v on the CPU", filename)
	}

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("Failed to create TFLite interpreter for %v", filename)
	}
	e := &Engine{
		log:         log,
		model:       model,
		options:     options,
		interpreter: interpreter,
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		e.Close()
		return nil, fmt.Errorf("Failed to allocate TFLite tensors: %v", status)
	}
	input := interpreter.GetInputTensor(0)
	if input.NumDims() != 4 {
		e.Close()
		return nil, fmt.Errorf("Expected NHWC input tensor, but %v has %v dimensions", filename, input.NumDims())
	}
	e.height = input.Dim(1)
	e.width = input.Dim(2)
	e.channels = input.Dim(3)
	log.Infof("Loaded TFLite model %v (%v x %v x %v, %v outputs)", filename, e.width, e.height, e.channels, interpreter.GetOutputTensorCount())
	return e, nil
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.interpreter.Delete()
		e.options.Delete()
		e.model.Delete()
	})
}

func (e *Engine) InputShape() (width, height, channels int) {
	return e.width, e.height, e.channels
}

func (e *Engine) Run(input []float32) ([]nn.Tensor, error) {
	in := e.interpreter.GetInputTensor(0)
	switch in.Type() {
	case tflite.Float32:
		dst := in.Float32s()
		if len(dst) != len(input) {
			return nil, fmt.Errorf("Input tensor holds %v values, but we have %v", len(dst), len(input))
		}
		copy(dst, input)
	case tflite.UInt8:
		dst := in.UInt8s()
		if len(dst) != len(input) {
			return nil, fmt.Errorf("Input tensor holds %v values, but we have %v", len(dst), len(input))
		}
		for i, v := range input {
			dst[i] = uint8(min(max(v*255+0.5, 0), 255))
		}
	default:
		return nil, fmt.Errorf("Unsupported input tensor type %v", in.Type())
	}

	if status := e.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("TFLite invoke failed: %v", status)
	}

	n := e.interpreter.GetOutputTensorCount()
	outputs := make([]nn.Tensor, 0, n)
	for i := 0; i < n; i++ {
		t := e.interpreter.GetOutputTensor(i)
		shape := make([]int, t.NumDims())
		for d := range shape {
			shape[d] = t.Dim(d)
		}
		var data []float32
		switch t.Type() {
		case tflite.Float32:
			// The interpreter owns this memory, and will overwrite it on the next run
			data = append([]float32(nil), t.Float32s()...)
		case tflite.UInt8:
			q := t.QuantizationParams()
			raw := t.UInt8s()
			data = make([]float32, len(raw))
			for j, v := range raw {
				data[j] = float32(q.Scale) * float32(int(v)-q.ZeroPoint)
			}
		default:
			return nil, fmt.Errorf("Unsupported output tensor type %v", t.Type())
		}
		outputs = append(outputs, nn.Tensor{Shape: shape, Data: data})
	}
	return outputs, nil
}
