// Package nnload resolves model paths to files on disk, and wraps up our concrete NN
// implementation (TFLite), so that the rest of the system can load a model with one call.
//
// A model path has one of three forms:
//
//	/abs/path/yolo11n.tflite   Absolute path on the file system
//	internal://yolo11n.tflite  Relative to the app's internal storage directory
//	models/yolo11n             Relative to the bundled assets directory
//
// The .tflite extension is optional.
package nnload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolobridge/pkg/nn"
	"github.com/cyclopcam/yolobridge/pkg/tflite"
)

const ModelExtension = ".tflite"
const InternalPrefix = "internal://"

var ErrModelNotFound = errors.New("model file not found")

// Location describes where a model file was found
type Location string

const (
	LocationFileSystem Location = "file_system"
	LocationAssets     Location = "assets"
	LocationNotFound   Location = "not_found"
)

// Directories that model paths are resolved against
type Dirs struct {
	Internal      string `json:"internal"`      // App private storage. Target of internal:// paths.
	Cache         string `json:"cache"`         // App private cache
	External      string `json:"external"`      // Shared storage
	ExternalCache string `json:"externalCache"` // Shared cache
	Assets        string `json:"assets"`        // Bundled read-only assets
}

// Abs returns a copy of the directories, with each one made absolute
func (d Dirs) Abs() Dirs {
	abs := func(dir string) string {
		if dir == "" {
			dir = "."
		}
		if a, err := filepath.Abs(dir); err == nil {
			return a
		}
		return dir
	}
	return Dirs{
		Internal:      abs(d.Internal),
		Cache:         abs(d.Cache),
		External:      abs(d.External),
		ExternalCache: abs(d.ExternalCache),
		Assets:        abs(d.Assets),
	}
}

// StoragePaths are the directories that we report to clients, so that they can place model files
type StoragePaths struct {
	Internal      string `json:"internal"`
	Cache         string `json:"cache"`
	External      string `json:"external"`
	ExternalCache string `json:"externalCache"`
}

// Result of CheckModelExists
type ModelStatus struct {
	Exists   bool     `json:"exists"`
	Path     string   `json:"path"`
	Location Location `json:"location"`
}

// Options for loading a model
type Options struct {
	Task       nn.Task // If empty, then we use the sidecar config, or fall back to detect
	NumThreads int
	UseGpu     bool
	Classifier *nn.ClassifierOptions
}

// OpenFunc creates an inference engine from a model file
type OpenFunc func(log logs.Log, filename string, opt Options) (nn.Engine, error)

// Model is a loaded model, ready for inference
type Model struct {
	Engine     nn.Engine
	Path       string // Absolute path of the model file
	Task       nn.Task
	Labels     []string
	Classifier *nn.ClassifierOptions

	// Input size from the model's config file. Zero means "ask the engine".
	Width  int
	Height int
}

// Loader resolves model paths and opens models
type Loader struct {
	Log  logs.Log
	Dirs Dirs
	Open OpenFunc
}

// Create a loader that opens models with TFLite
// NewLoader makes every directory absolute. An empty directory means the working directory.
func NewLoader(log logs.Log, dirs Dirs) *Loader {
	return &Loader{
		Log:  log,
		Dirs: dirs.Abs(),
		Open: openTFLite,
	}
}

func openTFLite(log logs.Log, filename string, opt Options) (nn.Engine, error) {
	e, err := tflite.NewEngine(log, filename, tflite.Options{NumThreads: opt.NumThreads, UseGpu: opt.UseGpu})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// WithExtension appends .tflite if the path has no extension
func WithExtension(modelPath string) string {
	if strings.HasSuffix(strings.ToLower(modelPath), ModelExtension) {
		return modelPath
	}
	return modelPath + ModelExtension
}

// Resolve turns a model path into a file system path, without checking whether it exists.
// The location is file_system for absolute and internal:// paths, and assets otherwise.
func (l *Loader) Resolve(modelPath string) (string, Location) {
	if strings.HasPrefix(modelPath, InternalPrefix) {
		return filepath.Join(l.Dirs.Internal, strings.TrimPrefix(modelPath, InternalPrefix)), LocationFileSystem
	}
	if filepath.IsAbs(modelPath) {
		return filepath.Clean(modelPath), LocationFileSystem
	}
	return filepath.Join(l.Dirs.Assets, modelPath), LocationAssets
}

// Candidate file paths for a model, in order of preference
func (l *Loader) candidates(modelPath string) []string {
	withExt := WithExtension(modelPath)
	if withExt == modelPath {
		return []string{modelPath}
	}
	return []string{withExt, modelPath}
}

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// CheckModelExists reports whether a model path refers to an existing file
func (l *Loader) CheckModelExists(modelPath string) ModelStatus {
	for _, c := range l.candidates(modelPath) {
		path, loc := l.Resolve(c)
		if isFile(path) {
			return ModelStatus{Exists: true, Path: path, Location: loc}
		}
	}
	path, _ := l.Resolve(WithExtension(modelPath))
	return ModelStatus{Exists: false, Path: path, Location: LocationNotFound}
}

func (l *Loader) StoragePaths() StoragePaths {
	return StoragePaths{
		Internal:      l.Dirs.Internal,
		Cache:         l.Dirs.Cache,
		External:      l.Dirs.External,
		ExternalCache: l.Dirs.ExternalCache,
	}
}

// LoadModel resolves modelPath and opens it.
// We first try the path with .tflite appended, and if that fails, the path exactly as given.
func (l *Loader) LoadModel(modelPath string, opt Options) (*Model, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, fmt.Errorf("%w: empty model path", ErrModelNotFound)
	}
	var firstErr error
	found := false
	for _, c := range l.candidates(modelPath) {
		path, _ := l.Resolve(c)
		if !isFile(path) {
			continue
		}
		found = true
		if firstErr != nil {
			l.Log.Infof("Retrying model load with original path %v", path)
		}
		engine, err := l.Open(l.Log, path, opt)
		if err != nil {
			l.Log.Warnf("Failed to load model %v: %v", path, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return l.finishLoad(engine, path, opt), nil
	}
	if !found {
		path, _ := l.Resolve(WithExtension(modelPath))
		return nil, fmt.Errorf("%w: %v", ErrModelNotFound, path)
	}
	return nil, fmt.Errorf("Error loading model %v: %w", modelPath, firstErr)
}

func (l *Loader) finishLoad(engine nn.Engine, path string, opt Options) *Model {
	config := LoadSidecar(l.Log, path)
	task := opt.Task
	if task == "" {
		var err error
		if task, err = nn.ParseTask(string(config.Task)); err != nil {
			l.Log.Warnf("Model config for %v: %v. Assuming detect", path, err)
			task = nn.TaskDetect
		}
	}
	classifier := opt.Classifier
	if classifier == nil && task == nn.TaskClassify {
		_, _, channels := engine.InputShape()
		classifier = &nn.ClassifierOptions{ExpectedChannels: channels}
	}
	return &Model{
		Engine:     engine,
		Path:       path,
		Task:       task,
		Labels:     config.Classes,
		Classifier: classifier,
		Width:      config.Width,
		Height:     config.Height,
	}
}

// LoadSidecar reads the optional files that sit alongside a model:
// <model>.json (an nn.ModelConfig) or <model>.txt (one class name per line).
// If neither exists, the classes default to COCO.
func LoadSidecar(log logs.Log, modelFile string) *nn.ModelConfig {
	base := strings.TrimSuffix(modelFile, filepath.Ext(modelFile))
	if isFile(base + ".json") {
		config, err := nn.LoadModelConfig(base + ".json")
		if err == nil {
			if len(config.Classes) == 0 {
				config.Classes = nn.COCOClasses
			}
			return config
		}
		log.Warnf("%v", err)
	}
	config := &nn.ModelConfig{}
	if isFile(base + ".txt") {
		classes, err := nn.LoadClassFile(base + ".txt")
		if err != nil {
			log.Warnf("Error reading class file %v: %v", base+".txt", err)
		} else {
			config.Classes = classes
		}
	}
	if len(config.Classes) == 0 {
		config.Classes = nn.COCOClasses
	}
	return config
}
