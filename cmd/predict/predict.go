package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolobridge/pkg/nn"
	"github.com/cyclopcam/yolobridge/pkg/nnload"
	"github.com/cyclopcam/yolobridge/pkg/render"
	"github.com/cyclopcam/yolobridge/pkg/yolo"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("predict", "Run a YOLO model on a JPEG image")
	input := parser.String("i", "input", &argparse.Options{Help: "Input JPEG image", Required: true})
	output := parser.File("o", "output", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664, &argparse.Options{Help: "Output JSON result file", Required: true})
	annotated := parser.String("a", "annotated", &argparse.Options{Help: "Write an annotated JPEG image to this file", Default: ""})
	modelFile := parser.String("n", "model", &argparse.Options{Help: "Path to NN model file", Required: true})
	task := parser.String("t", "task", &argparse.Options{Help: "detect, segment, classify or pose. If empty, use the model's config", Default: ""})
	threads := parser.Int("", "threads", &argparse.Options{Help: "Number of inference threads", Default: 0})
	confidence := parser.Float("", "conf", &argparse.Options{Help: "Confidence threshold", Default: float64(nn.DefaultConfidenceThreshold)})
	rotate := parser.Flag("r", "rotate", &argparse.Options{Help: "Rotate the image a quarter turn before annotating", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	opt := nnload.Options{NumThreads: *threads}
	if *task != "" {
		opt.Task, err = nn.ParseTask(*task)
		check(err)
	}
	absModel, err := filepath.Abs(*modelFile)
	check(err)
	loader := nnload.NewLoader(logger, nnload.Dirs{})
	model, err := loader.LoadModel(absModel, opt)
	check(err)
	y := yolo.New(logger, model)
	defer y.Close()
	check(y.SetConfidenceThreshold(float32(*confidence)))

	raw, err := os.ReadFile(*input)
	check(err)
	img, err := cimg.Decompress(raw)
	check(err)

	res, err := y.Predict(img, yolo.PredictOptions{
		Annotate: *annotated != "",
		Rotate:   *rotate,
	})
	check(err)

	if *annotated != "" {
		jpg, err := render.EncodeJPEG(res.AnnotatedImage, yolo.JPEGQuality)
		check(err)
		check(os.WriteFile(*annotated, jpg, 0664))
	}

	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	err = encoder.Encode(res)
	check(err)
	logger.Infof("Found %v objects in %.1f ms", len(res.Boxes), res.ProcessingTimeMs)
}
