// Package yolo runs YOLO models on still images and camera frames.
package yolo

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolobridge/pkg/nn"
	"github.com/cyclopcam/yolobridge/pkg/nnload"
	"github.com/cyclopcam/yolobridge/pkg/perfstats"
	"github.com/cyclopcam/yolobridge/pkg/render"
	"github.com/cyclopcam/yolobridge/pkg/yuv"
)

var ErrInvalidThreshold = errors.New("invalid threshold")
var ErrPrediction = errors.New("prediction failed")

// YOLO wraps an inference engine with everything needed to turn an image into a DetectionResult.
// It is safe to call any method concurrently. Inference itself is serialized, so only one
// image is ever in flight.
type YOLO struct {
	Log        logs.Log
	ModelPath  string
	task       nn.Task
	labels     []string
	classifier *nn.ClassifierOptions

	width    int
	height   int
	channels int

	paramsLock sync.Mutex
	params     nn.DetectionParams

	runLock sync.Mutex // Guards engine and latency
	engine  nn.Engine
	latency perfstats.TimeAccumulator
	fps     *perfstats.FPSMeter
}

// New takes ownership of the model's engine
func New(log logs.Log, model *nnload.Model) *YOLO {
	w, h, c := model.Engine.InputShape()
	if model.Width > 0 && model.Height > 0 {
		w, h = model.Width, model.Height
	}
	labels := model.Labels
	if len(labels) == 0 {
		labels = nn.COCOClasses
	}
	return &YOLO{
		Log:        log,
		ModelPath:  model.Path,
		task:       model.Task,
		labels:     labels,
		classifier: model.Classifier,
		width:      w,
		height:     h,
		channels:   c,
		params:     *nn.NewDetectionParams(),
		engine:     model.Engine,
		fps:        perfstats.NewFPSMeter(30),
	}
}

// Close releases the engine. Waits for any inference in flight.
func (y *YOLO) Close() {
	y.runLock.Lock()
	defer y.runLock.Unlock()
	if y.engine != nil {
		y.engine.Close()
		y.engine = nil
	}
}

func (y *YOLO) Task() nn.Task {
	return y.task
}

func (y *YOLO) Labels() []string {
	return y.labels
}

// InputSize returns the width and height of the model's input tensor
func (y *YOLO) InputSize() (int, int) {
	return y.width, y.height
}

// Params returns a snapshot of the detection thresholds
func (y *YOLO) Params() nn.DetectionParams {
	y.paramsLock.Lock()
	defer y.paramsLock.Unlock()
	return y.params
}

func (y *YOLO) SetConfidenceThreshold(v float32) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: confidence threshold %v must be between 0 and 1", ErrInvalidThreshold, v)
	}
	y.paramsLock.Lock()
	y.params.ConfidenceThreshold = v
	y.paramsLock.Unlock()
	return nil
}

func (y *YOLO) SetIoUThreshold(v float32) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: IoU threshold %v must be between 0 and 1", ErrInvalidThreshold, v)
	}
	y.paramsLock.Lock()
	y.params.IoUThreshold = v
	y.paramsLock.Unlock()
	return nil
}

func (y *YOLO) SetNumItemsThreshold(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: number of items %v must be at least 1", ErrInvalidThreshold, n)
	}
	y.paramsLock.Lock()
	y.params.NumItemsThreshold = n
	y.paramsLock.Unlock()
	return nil
}

// AverageLatency is the mean time taken by Predict, since the model was loaded
func (y *YOLO) AverageLatency() time.Duration {
	y.runLock.Lock()
	defer y.runLock.Unlock()
	return y.latency.Average()
}

type PredictOptions struct {
	Annotate        bool            // Attach an annotated image to the result
	Rotate          bool            // Rotate the image and result a quarter turn into display orientation
	IncludeOriginal bool            // Attach the input image to the result
	Render          *render.Options // If nil, render.DefaultOptions()
}

func (y *YOLO) grayscale() bool {
	if y.channels == 1 {
		return true
	}
	return y.task == nn.TaskClassify && y.classifier.Grayscale()
}

// Predict runs the model on an RGB image.
// If opt.Rotate is true, then the result is in the coordinate frame of the rotated image.
func (y *YOLO) Predict(img *cimg.Image, opt PredictOptions) (*nn.DetectionResult, error) {
	params := y.Params()

	y.runLock.Lock()
	if y.engine == nil {
		y.runLock.Unlock()
		return nil, fmt.Errorf("%w: model is closed", ErrPrediction)
	}
	start := time.Now()
	res, err := y.run(img, &params)
	elapsed := time.Since(start)
	if err == nil {
		y.latency.AddSample(elapsed)
	}
	y.runLock.Unlock()
	if err != nil {
		return nil, err
	}

	res.ProcessingTimeMs = float64(elapsed.Microseconds()) / 1000

	if opt.Rotate {
		if opt.Annotate {
			var annotated *cimg.Image
			annotated, res = render.AnnotateRotated(img, res, opt.Render)
			res = res.WithAnnotatedImage(annotated)
		} else {
			res = res.RotateQuarter()
		}
	} else if opt.Annotate {
		res = res.WithAnnotatedImage(render.Annotate(img, res, opt.Render))
	}
	if opt.IncludeOriginal {
		// The original image is in the same frame as the result
		if opt.Rotate {
			res = res.WithOriginalImage(render.Rotate(img))
		} else {
			res = res.WithOriginalImage(img)
		}
	}
	return res, nil
}

func (y *YOLO) run(img *cimg.Image, params *nn.DetectionParams) (*nn.DetectionResult, error) {
	tensor, err := nn.ImageToTensor(img, y.width, y.height, y.grayscale())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrediction, err)
	}
	outputs, err := y.engine.Run(tensor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrediction, err)
	}
	res, err := nn.Decode(y.task, outputs, params, image.Pt(y.width, y.height), img.Width, img.Height, y.labels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrediction, err)
	}
	return res, nil
}

// PredictFrame runs the model on a camera frame. The frame is assumed to be in sensor
// orientation, so the result is rotated a quarter turn into display orientation.
// The frame rate of the stream is attached to the result.
func (y *YOLO) PredictFrame(frame *yuv.Image, cfg *StreamConfig) (*nn.DetectionResult, error) {
	rgb, err := frame.ToRGB()
	if err != nil {
		return nil, err
	}
	res, err := y.Predict(rgb, PredictOptions{
		Annotate:        cfg.IncludeAnnotatedImage,
		Rotate:          true,
		IncludeOriginal: cfg.IncludeOriginalImage,
	})
	if err != nil {
		return nil, err
	}
	return res.WithFPS(y.fps.Tick(time.Now())), nil
}
