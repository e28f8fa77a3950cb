package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/yolobridge/pkg/nn"
	"github.com/cyclopcam/yolobridge/pkg/nnload"
	"github.com/cyclopcam/yolobridge/pkg/www"
	"github.com/cyclopcam/yolobridge/pkg/yolo"
	"github.com/cyclopcam/yolobridge/server/instances"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// Error codes that we send to clients
const (
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeInstanceNotFound = "INSTANCE_NOT_FOUND"
	CodeModelNotFound    = "MODEL_NOT_FOUND"
	CodeModelLoadError   = "MODEL_LOAD_ERROR"
	CodeModelLoading     = "MODEL_LOADING"
	CodeModelNotLoaded   = "MODEL_NOT_LOADED"
	CodePredictionError  = "PREDICTION_ERROR"
	CodeNotImplemented   = "NOT_IMPLEMENTED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// The instance that is used when a client doesn't name one
const DefaultInstanceID = "default"

const maxMethodBodyBytes = 64 * 1024 * 1024

var ErrInvalidArgument = errors.New("invalid argument")
var ErrModelLoad = errors.New("failed to load model")

// MethodError is the body of a failed method call
type MethodError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// methodFunc handles one named method. args is the raw JSON object that the client sent.
type methodFunc func(r *http.Request, args json.RawMessage) (any, error)

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrInvalidArgument, CodeInvalidArgument, http.StatusBadRequest},
	{yolo.ErrInvalidThreshold, CodeInvalidArgument, http.StatusBadRequest},
	{nn.ErrUnsupportedTask, CodeInvalidArgument, http.StatusBadRequest},
	{instances.ErrInstanceNotFound, CodeInstanceNotFound, http.StatusNotFound},
	{nnload.ErrModelNotFound, CodeModelNotFound, http.StatusNotFound},
	{instances.ErrLoadInProgress, CodeModelLoading, http.StatusConflict},
	{instances.ErrNotLoaded, CodeModelNotLoaded, http.StatusConflict},
	{ErrModelLoad, CodeModelLoadError, http.StatusInternalServerError},
	{yolo.ErrPrediction, CodePredictionError, http.StatusInternalServerError},
}

// Map an error to the code and HTTP status that the client sees
func toMethodError(err error) (int, *MethodError) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.status, &MethodError{Code: e.code, Message: err.Error()}
		}
	}
	return http.StatusInternalServerError, &MethodError{Code: CodeInternalError, Message: err.Error()}
}

func invalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %v", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Decode the method's arguments. An empty body is the same as {}.
func parseArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return invalidArgumentf("%v", err)
	}
	return nil
}

// The prediction methods are expensive, so they get rate limited
func isPredictionMethod(name string) bool {
	return name == "predictSingleImage"
}

func (s *Server) setupMethods() {
	s.methods = map[string]methodFunc{
		"createInstance":     s.methodCreateInstance,
		"loadModel":          s.methodLoadModel,
		"checkModelExists":   s.methodCheckModelExists,
		"getStoragePaths":    s.methodGetStoragePaths,
		"setModel":           s.methodSetModel,
		"disposeInstance":    s.methodDisposeInstance,
		"predictSingleImage": s.methodPredictSingleImage,
		"setThresholds":      s.methodSetThresholds,
		"listInstances":      s.methodListInstances,
	}
}

func (s *Server) httpMethod(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	method, ok := s.methods[name]
	if !ok {
		www.SendJSONStatus(w, http.StatusNotFound, &MethodError{
			Code:    CodeNotImplemented,
			Message: fmt.Sprintf("Unknown method '%v'", name),
		})
		return
	}
	args := json.RawMessage(www.ReadLimited(w, r, maxMethodBodyBytes))
	var err error
	if len(args) != 0 && !json.Valid(args) {
		err = invalidArgumentf("request body is not valid JSON")
	}
	var result any
	if err == nil {
		result, err = method(r, args)
	}
	if err != nil {
		status, merr := toMethodError(err)
		s.Log.Infof("Method %v failed: %v", name, err)
		www.SendJSONStatus(w, status, merr)
		return
	}
	www.SendJSON(w, map[string]any{"result": result})
}

// ModelInfo describes a freshly loaded model
type ModelInfo struct {
	InstanceID  string   `json:"instanceId"`
	ModelPath   string   `json:"modelPath"`
	Task        nn.Task  `json:"task"`
	Labels      []string `json:"labels"`
	InputWidth  int      `json:"inputWidth"`
	InputHeight int      `json:"inputHeight"`
}

func modelInfo(id string, y *yolo.YOLO) *ModelInfo {
	w, h := y.InputSize()
	return &ModelInfo{
		InstanceID:  id,
		ModelPath:   y.ModelPath,
		Task:        y.Task(),
		Labels:      y.Labels(),
		InputWidth:  w,
		InputHeight: h,
	}
}

func instanceOrDefault(id string) string {
	if id == "" {
		return DefaultInstanceID
	}
	return id
}

type createInstanceArgs struct {
	InstanceID string `json:"instanceId"`
}

func (s *Server) methodCreateInstance(r *http.Request, raw json.RawMessage) (any, error) {
	args := createInstanceArgs{}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.InstanceID == "" {
		args.InstanceID = uuid.NewString()
	}
	s.Instances.Create(args.InstanceID)
	return map[string]string{"instanceId": args.InstanceID}, nil
}

type loadModelArgs struct {
	InstanceID        string                `json:"instanceId"`
	ModelPath         string                `json:"modelPath"`
	Task              string                `json:"task"`
	UseGpu            bool                  `json:"useGpu"`
	NumThreads        int                   `json:"numThreads"`
	ClassifierOptions *nn.ClassifierOptions `json:"classifierOptions"`
}

// Turn loadModel or setModel arguments into loader options
func (s *Server) loadOptions(args *loadModelArgs) (nnload.Options, error) {
	if args.ModelPath == "" {
		return nnload.Options{}, invalidArgumentf("modelPath is required")
	}
	opt := nnload.Options{
		NumThreads: args.NumThreads,
		UseGpu:     args.UseGpu,
		Classifier: args.ClassifierOptions,
	}
	if opt.NumThreads <= 0 {
		opt.NumThreads = s.Config.NumThreads
	}
	// An empty task lets the model's sidecar config decide
	if args.Task != "" {
		task, err := nn.ParseTask(args.Task)
		if err != nil {
			return nnload.Options{}, err
		}
		opt.Task = task
	}
	return opt, nil
}

// Returns a BuildFunc that loads a model and applies our default thresholds
func (s *Server) builder(modelPath string, opt nnload.Options) instances.BuildFunc {
	return func() (*yolo.YOLO, error) {
		model, err := s.Loader.LoadModel(modelPath, opt)
		if err != nil {
			if errors.Is(err, nnload.ErrModelNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
		}
		y := yolo.New(s.Log, model)
		if err := s.applyDefaultThresholds(y); err != nil {
			y.Close()
			return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
		}
		return y, nil
	}
}

func (s *Server) methodLoadModel(r *http.Request, raw json.RawMessage) (any, error) {
	args := loadModelArgs{}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	id := instanceOrDefault(args.InstanceID)
	opt, err := s.loadOptions(&args)
	if err != nil {
		return nil, err
	}
	options := instances.Options{ModelPath: args.ModelPath, Task: string(opt.Task)}
	if err := s.Instances.Load(id, options, s.builder(args.ModelPath, opt)); err != nil {
		return nil, err
	}
	y, err := s.Instances.Get(id)
	if err != nil {
		return nil, err
	}
	return modelInfo(id, y), nil
}

func (s *Server) methodSetModel(r *http.Request, raw json.RawMessage) (any, error) {
	args := loadModelArgs{}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	id := instanceOrDefault(args.InstanceID)
	opt, err := s.loadOptions(&args)
	if err != nil {
		return nil, err
	}
	options := instances.Options{ModelPath: args.ModelPath, Task: string(opt.Task)}
	if err := s.Instances.Swap(id, options, s.builder(args.ModelPath, opt)); err != nil {
		return nil, err
	}
	y, err := s.Instances.Get(id)
	if err != nil {
		return nil, err
	}
	return modelInfo(id, y), nil
}

type modelPathArgs struct {
	ModelPath string `json:"modelPath"`
}

func (s *Server) methodCheckModelExists(r *http.Request, raw json.RawMessage) (any, error) {
	args := modelPathArgs{}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ModelPath == "" {
		return nil, invalidArgumentf("modelPath is required")
	}
	return s.Loader.CheckModelExists(args.ModelPath), nil
}

func (s *Server) methodGetStoragePaths(r *http.Request, raw json.RawMessage) (any, error) {
	return s.Loader.StoragePaths(), nil
}

type instanceArgs struct {
	InstanceID string `json:"instanceId"`
}

func (s *Server) methodDisposeInstance(r *http.Request, raw json.RawMessage) (any, error) {
	args := instanceArgs{}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	id := instanceOrDefault(args.InstanceID)
	existed := s.Instances.Remove(id)
	if existed {
		s.Log.Infof("Disposed instance %v", id)
	}
	return existed, nil
}

func (s *Server) methodListInstances(r *http.Request, raw json.RawMessage) (any, error) {
	return s.Instances.List(), nil
}

type setThresholdsArgs struct {
	InstanceID          string   `json:"instanceId"`
	ConfidenceThreshold *float32 `json:"confidenceThreshold"`
	IoUThreshold        *float32 `json:"iouThreshold"`
	NumItemsThreshold   *int     `json:"numItemsThreshold"`
}

// Thresholds is the response of setThresholds
type Thresholds struct {
	ConfidenceThreshold float32 `json:"confidenceThreshold"`
	IoUThreshold        float32 `json:"iouThreshold"`
	NumItemsThreshold   int     `json:"numItemsThreshold"`
}

func (s *Server) methodSetThresholds(r *http.Request, raw json.RawMessage) (any, error) {
	args := setThresholdsArgs{}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	y, err := s.Instances.Get(instanceOrDefault(args.InstanceID))
	if err != nil {
		return nil, err
	}
	// Validate everything before changing anything
	if args.ConfidenceThreshold != nil && (*args.ConfidenceThreshold < 0 || *args.ConfidenceThreshold > 1) {
		return nil, fmt.Errorf("%w: confidenceThreshold must be between 0 and 1", yolo.ErrInvalidThreshold)
	}
	if args.IoUThreshold != nil && (*args.IoUThreshold < 0 || *args.IoUThreshold > 1) {
		return nil, fmt.Errorf("%w: iouThreshold must be between 0 and 1", yolo.ErrInvalidThreshold)
	}
	if args.NumItemsThreshold != nil && *args.NumItemsThreshold < 1 {
		return nil, fmt.Errorf("%w: numItemsThreshold must be at least 1", yolo.ErrInvalidThreshold)
	}
	if args.ConfidenceThreshold != nil {
		y.SetConfidenceThreshold(*args.ConfidenceThreshold)
	}
	if args.IoUThreshold != nil {
		y.SetIoUThreshold(*args.IoUThreshold)
	}
	if args.NumItemsThreshold != nil {
		y.SetNumItemsThreshold(*args.NumItemsThreshold)
	}
	p := y.Params()
	return &Thresholds{
		ConfidenceThreshold: p.ConfidenceThreshold,
		IoUThreshold:        p.IoUThreshold,
		NumItemsThreshold:   p.NumItemsThreshold,
	}, nil
}

type predictSingleImageArgs struct {
	InstanceID            string `json:"instanceId"`
	Image                 []byte `json:"image"` // JPEG, PNG, GIF or WebP. Base64 in JSON.
	ImageURL              string `json:"imageUrl"`
	IncludeAnnotatedImage bool   `json:"includeAnnotatedImage"`
}

func (s *Server) methodPredictSingleImage(r *http.Request, raw json.RawMessage) (any, error) {
	args := predictSingleImageArgs{}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if len(args.Image) == 0 && args.ImageURL == "" {
		return nil, invalidArgumentf("one of image or imageUrl is required")
	}
	y, err := s.Instances.Get(instanceOrDefault(args.InstanceID))
	if err != nil {
		return nil, err
	}

	// A bad image is not an error. The client just gets nothing back.
	var img *cimg.Image
	if len(args.Image) != 0 {
		img, err = decodeImage(args.Image)
		if err != nil {
			s.Log.Warnf("Failed to decode image: %v", err)
			return &yolo.Payload{}, nil
		}
	} else {
		img, err = s.fetchImage(r.Context(), args.ImageURL)
		if err != nil {
			s.Log.Warnf("Failed to fetch image %v: %v", args.ImageURL, err)
			return &yolo.Payload{}, nil
		}
	}

	res, err := y.Predict(img, yolo.PredictOptions{Annotate: args.IncludeAnnotatedImage})
	if err != nil {
		return nil, err
	}
	cfg := yolo.AllResults(args.IncludeAnnotatedImage)
	payload, err := yolo.NewPayload(res, &cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", yolo.ErrPrediction, err)
	}
	return payload, nil
}
