// Package tflite runs YOLO models with the TensorFlow Lite C library.
// The real engine needs cgo and libtensorflowlite_c, so it is only compiled with the 'tflite'
// build tag. Without it, NewEngine returns ErrNotSupported.
package tflite

import (
	"errors"
)

var ErrNotSupported = errors.New("TFLite support was not compiled into this binary (build with -tags tflite)")

type Options struct {
	NumThreads int
	UseGpu     bool
}
