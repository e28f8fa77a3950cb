package yolo

import (
	"time"

	"github.com/cyclopcam/yolobridge/pkg/nn"
	"github.com/cyclopcam/yolobridge/pkg/render"
)

// StreamConfig controls what we send back for each camera frame, and how often
type StreamConfig struct {
	IncludeDetections       bool `json:"includeDetections"`
	IncludeMasks            bool `json:"includeMasks"`
	IncludePoses            bool `json:"includePoses"`
	IncludeClassifications  bool `json:"includeClassifications"`
	IncludeProcessingTimeMs bool `json:"includeProcessingTimeMs"`
	IncludeFps              bool `json:"includeFps"`
	IncludeOriginalImage    bool `json:"includeOriginalImage"`
	IncludeAnnotatedImage   bool `json:"includeAnnotatedImage"`

	MaxFPS             float64 `json:"maxFPS"`             // Maximum rate of results sent to the client. Zero = no limit
	ThrottleIntervalMs int     `json:"throttleIntervalMs"` // Minimum time between results sent to the client. Zero = no limit
	InferenceFrequency float64 `json:"inferenceFrequency"` // Maximum number of inferences per second. Zero = no limit
	SkipFrames         int     `json:"skipFrames"`         // After processing a frame, skip this many frames
}

// DefaultStreamConfig sends detections and timing, but no images
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		IncludeDetections:       true,
		IncludeMasks:            false,
		IncludePoses:            true,
		IncludeClassifications:  true,
		IncludeProcessingTimeMs: true,
		IncludeFps:              true,
	}
}

// AllResults is the config for single-image requests, where nothing is throttled
func AllResults(includeAnnotatedImage bool) StreamConfig {
	return StreamConfig{
		IncludeDetections:       true,
		IncludeMasks:            true,
		IncludePoses:            true,
		IncludeClassifications:  true,
		IncludeProcessingTimeMs: true,
		IncludeAnnotatedImage:   includeAnnotatedImage,
	}
}

// Minimum time between results sent to the client
func (c *StreamConfig) emitInterval() time.Duration {
	d := time.Duration(c.ThrottleIntervalMs) * time.Millisecond
	if c.MaxFPS > 0 {
		d = max(d, time.Duration(float64(time.Second)/c.MaxFPS))
	}
	return d
}

// FrameGate decides which camera frames get inferred, and which results get sent.
// A FrameGate is owned by a single stream, and is not safe for concurrent use.
type FrameGate struct {
	config        StreamConfig
	frameIndex    int64
	lastInference time.Time
	lastEmit      time.Time
}

func NewFrameGate(config StreamConfig) *FrameGate {
	return &FrameGate{config: config}
}

// SetConfig replaces the config, and restarts the frame counter
func (g *FrameGate) SetConfig(config StreamConfig) {
	g.config = config
	g.frameIndex = 0
}

func (g *FrameGate) Config() StreamConfig {
	return g.config
}

// ShouldInfer is called for every incoming frame, and returns true if the frame should be run through the model
func (g *FrameGate) ShouldInfer(now time.Time) bool {
	idx := g.frameIndex
	g.frameIndex++
	if g.config.SkipFrames > 0 && idx%int64(g.config.SkipFrames+1) != 0 {
		return false
	}
	if g.config.InferenceFrequency > 0 && !g.lastInference.IsZero() {
		if now.Sub(g.lastInference) < time.Duration(float64(time.Second)/g.config.InferenceFrequency) {
			return false
		}
	}
	g.lastInference = now
	return true
}

// ShouldEmit is called for every inference result, and returns true if the result should be sent to the client
func (g *FrameGate) ShouldEmit(now time.Time) bool {
	if !g.lastEmit.IsZero() && now.Sub(g.lastEmit) < g.config.emitInterval() {
		return false
	}
	g.lastEmit = now
	return true
}

// Detection is a box in a result payload
type Detection struct {
	nn.Box
	Mask *nn.Mask `json:"mask,omitempty"`
}

// Payload is the JSON representation of a result that we send to clients
type Payload struct {
	ImageWidth       int         `json:"imageWidth"`
	ImageHeight      int         `json:"imageHeight"`
	Detections       []Detection `json:"detections,omitempty"`
	Classification   *nn.Probs   `json:"classification,omitempty"`
	ProcessingTimeMs *float64    `json:"processingTimeMs,omitempty"`
	FPS              *float64    `json:"fps,omitempty"`
	OriginalImage    []byte      `json:"originalImage,omitempty"`  // JPEG
	AnnotatedImage   []byte      `json:"annotatedImage,omitempty"` // JPEG
}

const JPEGQuality = 85

// NewPayload builds the client's view of a result, honoring the include toggles of the config
func NewPayload(res *nn.DetectionResult, config *StreamConfig) (*Payload, error) {
	p := &Payload{
		ImageWidth:  res.ImageWidth,
		ImageHeight: res.ImageHeight,
	}
	if config.IncludeDetections {
		p.Detections = make([]Detection, 0, len(res.Boxes))
		for _, b := range res.Boxes {
			d := Detection{Box: b}
			if config.IncludeMasks {
				d.Mask = b.Mask
			}
			if !config.IncludePoses {
				d.Keypoints = nil
			}
			p.Detections = append(p.Detections, d)
		}
	}
	if config.IncludeClassifications {
		p.Classification = res.Probs
	}
	if config.IncludeProcessingTimeMs {
		v := res.ProcessingTimeMs
		p.ProcessingTimeMs = &v
	}
	if config.IncludeFps {
		v := res.FPS
		p.FPS = &v
	}
	var err error
	if config.IncludeOriginalImage && res.OriginalImage != nil {
		if p.OriginalImage, err = render.EncodeJPEG(res.OriginalImage, JPEGQuality); err != nil {
			return nil, err
		}
	}
	if config.IncludeAnnotatedImage && res.AnnotatedImage != nil {
		if p.AnnotatedImage, err = render.EncodeJPEG(res.AnnotatedImage, JPEGQuality); err != nil {
			return nil, err
		}
	}
	return p, nil
}
