//go:build !tflite

package tflite

import (
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolobridge/pkg/nn"
)

// Engine is unavailable without the tflite build tag
type Engine struct {
	nn.Engine
}

func NewEngine(log logs.Log, filename string, opt Options) (*Engine, error) {
	return nil, ErrNotSupported
}
