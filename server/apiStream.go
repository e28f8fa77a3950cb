package server

import (
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"time"

	"github.com/cyclopcam/yolobridge/pkg/www"
	"github.com/cyclopcam/yolobridge/pkg/yolo"
	"github.com/cyclopcam/yolobridge/pkg/yuv"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Messages from client to server
const (
	streamMsgConfig = "config"
	streamMsgFrame  = "frame"
)

// Messages from server to client
const (
	streamMsgResult = "result"
	streamMsgError  = "error"
)

type streamPlane struct {
	Bytes       []byte `json:"bytes"`
	RowStride   int    `json:"rowStride"`
	PixelStride int    `json:"pixelStride"`
}

type streamCrop struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// A YUV 420 888 camera frame, as the camera framework delivered it
type streamFrame struct {
	Width  int            `json:"width"`
	Height int            `json:"height"`
	Crop   *streamCrop    `json:"crop"`
	Planes [3]streamPlane `json:"planes"`
}

func (f *streamFrame) toYUV() *yuv.Image {
	img := &yuv.Image{
		Width:  f.Width,
		Height: f.Height,
	}
	if f.Crop != nil {
		img.Crop = image.Rect(f.Crop.Left, f.Crop.Top, f.Crop.Right, f.Crop.Bottom)
	}
	for i, p := range f.Planes {
		img.Planes[i] = yuv.Plane{Data: p.Bytes, RowStride: p.RowStride, PixelStride: p.PixelStride}
	}
	return img
}

type streamInMsg struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
	Frame  *streamFrame    `json:"frame"`
}

type streamOutMsg struct {
	Type   string        `json:"type"`
	Result *yolo.Payload `json:"result,omitempty"`
	Error  *MethodError  `json:"error,omitempty"`
}

// httpStream runs an instance's model over a live sequence of camera frames.
// Frames are processed one at a time, in the order they arrive, so there is never more
// than one frame of this stream in flight.
func (s *Server) httpStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	if !s.Instances.Exists(id) {
		www.PanicNotFound()
	}

	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpStream websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()
	c.SetReadLimit(maxMethodBodyBytes)

	s.Log.Infof("Stream for instance %v starting", id)
	gate := yolo.NewFrameGate(yolo.DefaultStreamConfig())
	nFrames := 0
	nResults := 0

	sendError := func(err error) bool {
		_, merr := toMethodError(err)
		return c.WriteJSON(streamOutMsg{Type: streamMsgError, Error: merr}) == nil
	}

	for {
		msg := streamInMsg{}
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Log.Warnf("Stream for instance %v read error: %v", id, err)
			}
			break
		}

		switch msg.Type {
		case streamMsgConfig:
			// Fields that are absent keep their current value
			cfg := gate.Config()
			if err := json.Unmarshal(msg.Config, &cfg); err != nil {
				if !sendError(invalidArgumentf("stream config: %v", err)) {
					return
				}
				continue
			}
			gate.SetConfig(cfg)
		case streamMsgFrame:
			if msg.Frame == nil {
				if !sendError(invalidArgumentf("frame message has no frame")) {
					return
				}
				continue
			}
			nFrames++
			if !gate.ShouldInfer(time.Now()) {
				continue
			}
			payload, err := s.predictFrame(id, msg.Frame, gate)
			if err != nil {
				if !sendError(err) {
					return
				}
				continue
			}
			if payload == nil {
				continue
			}
			nResults++
			if err := c.WriteJSON(streamOutMsg{Type: streamMsgResult, Result: payload}); err != nil {
				s.Log.Warnf("Stream for instance %v write error: %v", id, err)
				return
			}
		default:
			if !sendError(invalidArgumentf("unknown message type '%v'", msg.Type)) {
				return
			}
		}
	}

	s.Log.Infof("Stream for instance %v finished. %v frames received, %v results sent", id, nFrames, nResults)
}

// Run one frame through the model. Returns nil if the result is throttled.
func (s *Server) predictFrame(id string, frame *streamFrame, gate *yolo.FrameGate) (*yolo.Payload, error) {
	y, err := s.Instances.Get(id)
	if err != nil {
		return nil, err
	}
	cfg := gate.Config()
	res, err := y.PredictFrame(frame.toYUV(), &cfg)
	if err != nil {
		if errors.Is(err, yuv.ErrInvalidImage) {
			return nil, invalidArgumentf("%v", err)
		}
		return nil, err
	}
	if !gate.ShouldEmit(time.Now()) {
		return nil, nil
	}
	return yolo.NewPayload(res, &cfg)
}
