package yolo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/yolobridge/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestSkipFrames(t *testing.T) {
	g := NewFrameGate(StreamConfig{SkipFrames: 2})
	now := time.Now()
	got := []bool{}
	for i := 0; i < 7; i++ {
		got = append(got, g.ShouldInfer(now))
	}
	require.Equal(t, []bool{true, false, false, true, false, false, true}, got)
}

func TestInferenceFrequency(t *testing.T) {
	g := NewFrameGate(StreamConfig{InferenceFrequency: 10})
	start := time.Now()
	n := 0
	// 30 FPS camera for one second
	for i := 0; i < 30; i++ {
		if g.ShouldInfer(start.Add(time.Duration(i) * time.Second / 30)) {
			n++
		}
	}
	require.Equal(t, 10, n)
}

func TestEmitThrottle(t *testing.T) {
	g := NewFrameGate(StreamConfig{MaxFPS: 5, ThrottleIntervalMs: 100})
	start := time.Now()
	require.True(t, g.ShouldEmit(start))
	// MaxFPS 5 is stricter than 100ms
	require.False(t, g.ShouldEmit(start.Add(150*time.Millisecond)))
	require.True(t, g.ShouldEmit(start.Add(200*time.Millisecond)))

	g.SetConfig(StreamConfig{ThrottleIntervalMs: 500})
	require.False(t, g.ShouldEmit(start.Add(600*time.Millisecond)))
	require.True(t, g.ShouldEmit(start.Add(700*time.Millisecond)))

	// No limits
	g = NewFrameGate(StreamConfig{})
	for i := 0; i < 5; i++ {
		require.True(t, g.ShouldInfer(start))
		require.True(t, g.ShouldEmit(start))
	}
}

func TestStreamConfigJSON(t *testing.T) {
	// Missing fields keep their defaults
	cfg := DefaultStreamConfig()
	require.NoError(t, json.Unmarshal([]byte(`{"includeMasks": true, "maxFPS": 15, "includeFps": false}`), &cfg))
	require.True(t, cfg.IncludeDetections)
	require.True(t, cfg.IncludeMasks)
	require.False(t, cfg.IncludeFps)
	require.Equal(t, 15.0, cfg.MaxFPS)
}

func testResult() *nn.DetectionResult {
	b := nn.NewBox(0, 0, "person", 0.9, nn.Rect{Left: 1, Top: 2, Right: 5, Bottom: 6}, 8, 8)
	b.Keypoints = []nn.Keypoint{{X: 2, Y: 3, Confidence: 1}}
	b.Mask = &nn.Mask{Width: 2, Height: 2, Data: []byte{1, 0, 0, 1}}
	return &nn.DetectionResult{
		ImageWidth:       8,
		ImageHeight:      8,
		Boxes:            []nn.Box{b},
		Probs:            &nn.Probs{Top1: 0, Top1Label: "person", Top1Conf: 0.9},
		ProcessingTimeMs: 12.5,
		FPS:              20,
		AnnotatedImage:   cimg.NewImage(8, 8, cimg.PixelFormatRGB),
	}
}

func TestPayload(t *testing.T) {
	res := testResult()
	cfg := DefaultStreamConfig()
	p, err := NewPayload(res, &cfg)
	require.NoError(t, err)
	require.Equal(t, 1, len(p.Detections))
	require.Nil(t, p.Detections[0].Mask)
	require.Equal(t, 1, len(p.Detections[0].Keypoints))
	require.Equal(t, 12.5, *p.ProcessingTimeMs)
	require.Equal(t, 20.0, *p.FPS)
	require.NotNil(t, p.Classification)
	require.Nil(t, p.AnnotatedImage)

	cfg = StreamConfig{IncludeDetections: true, IncludeMasks: true, IncludeAnnotatedImage: true}
	p, err = NewPayload(res, &cfg)
	require.NoError(t, err)
	require.NotNil(t, p.Detections[0].Mask)
	require.Nil(t, p.Detections[0].Keypoints)
	require.Nil(t, p.ProcessingTimeMs)
	require.Nil(t, p.FPS)
	require.Nil(t, p.Classification)
	require.NotEmpty(t, p.AnnotatedImage)
	// Source result is untouched
	require.Equal(t, 1, len(res.Boxes[0].Keypoints))

	b, err := json.Marshal(p)
	require.NoError(t, err)
	m := map[string]any{}
	require.NoError(t, json.Unmarshal(b, &m))
	require.NotContains(t, m, "fps")
	require.Contains(t, m, "annotatedImage")
	det := m["detections"].([]any)[0].(map[string]any)
	require.Contains(t, det, "mask")
	require.Equal(t, "person", det["className"])
}
