package nn

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Package nn is the Neural Network interface layer.
// It knows how to turn a bitmap into an input tensor, and how to turn YOLO output tensors
// into boxes, masks, keypoints and class probabilities. The actual inference runtime
// sits behind the Engine interface. To load a model, use the nnload package.

const DefaultConfidenceThreshold = 0.25
const DefaultIoUThreshold = 0.4
const DefaultNumItemsThreshold = 30

var ErrUnsupportedTask = errors.New("unsupported task")

// Task is the kind of model
type Task string

const (
	TaskDetect   Task = "detect"
	TaskSegment  Task = "segment"
	TaskClassify Task = "classify"
	TaskPose     Task = "pose"
)

// ParseTask accepts the task names that the UI layer sends us.
// An empty string means detect.
func ParseTask(s string) (Task, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "detect", "detection":
		return TaskDetect, nil
	case "segment", "segmentation":
		return TaskSegment, nil
	case "classify", "classification":
		return TaskClassify, nil
	case "pose", "pose_estimation", "pose-estimation":
		return TaskPose, nil
	}
	return "", fmt.Errorf("%w '%v'", ErrUnsupportedTask, s)
}

// NN detection parameters
type DetectionParams struct {
	ConfidenceThreshold float32 // Value between 0 and 1. Lower values will find more objects.
	IoUThreshold        float32 // Value between 0 and 1. Lower values will merge more objects together into one.
	NumItemsThreshold   int     // Maximum number of objects returned
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		IoUThreshold:        DefaultIoUThreshold,
		NumItemsThreshold:   DefaultNumItemsThreshold,
	}
}

// Options that only apply to classification models
type ClassifierOptions struct {
	ExpectedChannels int  `json:"expectedChannels"` // 1 for grayscale models, otherwise 3
	Enable1Channel   bool `json:"enable1ChannelSupport"`
}

// Returns true if the classifier wants a single channel input
func (o *ClassifierOptions) Grayscale() bool {
	return o != nil && (o.Enable1Channel || o.ExpectedChannels == 1)
}

// ModelConfig is optionally saved in a JSON file alongside the weights of the NN model
type ModelConfig struct {
	Task    Task     `json:"task"`    // eg "detect"
	Width   int      `json:"width"`   // eg 640. Zero means "ask the engine"
	Height  int      `json:"height"`  // eg 640. Zero means "ask the engine"
	Classes []string `json:"classes"` // eg ["person", "bicycle", "car", ...]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, fmt.Errorf("Error parsing model config %v: %w", filename, err)
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}

// Tensor is the output of an inference run. Data is row major, in the order given by Shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Engine is the inference runtime (eg TensorFlow Lite).
// An Engine is not safe for concurrent use.
type Engine interface {
	// Close closes the engine (you MUST call this when finished, because it's a C++ object underneath)
	Close()

	// InputShape returns the NHWC input dimensions of the model
	InputShape() (width, height, channels int)

	// Run executes the model on a float32 NHWC tensor, and returns all output tensors
	Run(input []float32) ([]Tensor, error)
}
