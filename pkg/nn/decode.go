package nn

import (
	"errors"
	"fmt"
	"image"
	"sort"

	"github.com/chewxy/math32"
)

var ErrBadOutput = errors.New("unexpected model output")

// Number of values per pose keypoint (x, y, visibility)
const keypointDims = 3

// Decode turns the raw output tensors of a YOLO model into a DetectionResult.
// input is the model's input size, and imageWidth/imageHeight are the dimensions of the image
// before it was resized to the model's input size. Boxes are returned in that image's pixels.
// ProcessingTimeMs is left for the caller to fill in.
func Decode(task Task, outputs []Tensor, params *DetectionParams, input image.Point, imageWidth, imageHeight int, labels []string) (*DetectionResult, error) {
	if params == nil {
		params = NewDetectionParams()
	}
	result := &DetectionResult{
		ImageWidth:  imageWidth,
		ImageHeight: imageHeight,
		Boxes:       []Box{},
		Names:       labels,
	}
	var err error
	switch task {
	case TaskDetect:
		err = decodeDetect(result, outputs, params, input, labels)
	case TaskSegment:
		err = decodeSegment(result, outputs, params, input, labels)
	case TaskPose:
		err = decodePose(result, outputs, params, input, labels)
	case TaskClassify:
		err = decodeClassify(result, outputs, labels)
	default:
		err = fmt.Errorf("%w '%v'", ErrUnsupportedTask, task)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// predictions is a view over a [1, C, N] (or transposed [1, N, C]) YOLO head output
type predictions struct {
	data       []float32
	channels   int
	anchors    int
	transposed bool // true if the layout is [1, N, C]
	scaleX     float32
	scaleY     float32
}

func newPredictions(t Tensor) (*predictions, error) {
	if len(t.Shape) != 3 || t.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: expected [1, C, N] tensor, but shape is %v", ErrBadOutput, t.Shape)
	}
	p := &predictions{
		data:     t.Data,
		channels: t.Shape[1],
		anchors:  t.Shape[2],
	}
	// There are always far more anchors than channels
	if p.channels > p.anchors {
		p.channels, p.anchors = p.anchors, p.channels
		p.transposed = true
	}
	if len(t.Data) < p.channels*p.anchors {
		return nil, fmt.Errorf("%w: tensor %v has only %v values", ErrBadOutput, t.Shape, len(t.Data))
	}
	if p.channels < 5 {
		return nil, fmt.Errorf("%w: need at least 5 channels, but have %v", ErrBadOutput, p.channels)
	}
	p.scaleX = 1
	p.scaleY = 1
	return p, nil
}

func (p *predictions) at(channel, anchor int) float32 {
	if p.transposed {
		return p.data[anchor*p.channels+channel]
	}
	return p.data[channel*p.anchors+anchor]
}

// TFLite exports emit coordinates normalized to the input size, but other exports emit
// input pixels. If we see pixels, set the divisors that normalize them.
func (p *predictions) inferScale(input image.Point) {
	maxv := float32(0)
	for a := 0; a < p.anchors; a++ {
		maxv = max(maxv, p.at(0, a), p.at(1, a))
	}
	if maxv <= 2 || input.X <= 0 || input.Y <= 0 {
		return
	}
	p.scaleX = float32(input.X)
	p.scaleY = float32(input.Y)
}

// Collect every anchor whose best class score clears the confidence threshold.
// Class scores occupy channels [4, 4+nc).
func (p *predictions) candidates(nc int, threshold float32) []candidate {
	out := []candidate{}
	for a := 0; a < p.anchors; a++ {
		best := -1
		bestConf := float32(-1)
		for c := 0; c < nc; c++ {
			if v := p.at(4+c, a); v > bestConf {
				bestConf = v
				best = c
			}
		}
		if bestConf < threshold {
			continue
		}
		cx := p.at(0, a) / p.scaleX
		cy := p.at(1, a) / p.scaleY
		w := p.at(2, a) / p.scaleX
		h := p.at(3, a) / p.scaleY
		out = append(out, candidate{
			box:    RectFromCenter(cx, cy, w, h),
			class:  best,
			conf:   bestConf,
			anchor: a,
		})
	}
	return out
}

func labelOf(labels []string, class int) string {
	if class >= 0 && class < len(labels) {
		return labels[class]
	}
	return fmt.Sprintf("class%v", class)
}

// Find the first tensor with the given rank
func tensorOfRank(outputs []Tensor, rank int) (Tensor, bool) {
	for _, t := range outputs {
		if len(t.Shape) == rank {
			return t, true
		}
	}
	return Tensor{}, false
}

func finishBox(result *DetectionResult, c candidate, labels []string) Box {
	// Our candidate boxes are normalized to the model input, which was stretched over the whole image
	xyxy := c.box.Clamp(1, 1).Denormalize(result.ImageWidth, result.ImageHeight)
	return NewBox(len(result.Boxes), c.class, labelOf(labels, c.class), c.conf, xyxy, result.ImageWidth, result.ImageHeight)
}

func decodeDetect(result *DetectionResult, outputs []Tensor, params *DetectionParams, input image.Point, labels []string) error {
	t, ok := tensorOfRank(outputs, 3)
	if !ok {
		return fmt.Errorf("%w: no detection head in %v outputs", ErrBadOutput, len(outputs))
	}
	p, err := newPredictions(t)
	if err != nil {
		return err
	}
	p.inferScale(input)
	nc := p.channels - 4
	kept := nonMaxSuppression(p.candidates(nc, params.ConfidenceThreshold), params.IoUThreshold, params.NumItemsThreshold)
	for _, c := range kept {
		result.Boxes = append(result.Boxes, finishBox(result, c, labels))
	}
	return nil
}

// Prototype masks of a segmentation model.
// NHWC layout [1, mh, mw, nm] is what TFLite produces. We also accept NCHW [1, nm, mh, mw].
type protos struct {
	data   []float32
	width  int
	height int
	nm     int
	nchw   bool
}

func newProtos(t Tensor) (*protos, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("%w: expected 4D prototype masks, but shape is %v", ErrBadOutput, t.Shape)
	}
	p := &protos{data: t.Data}
	if t.Shape[1] < t.Shape[3] {
		p.nchw = true
		p.nm, p.height, p.width = t.Shape[1], t.Shape[2], t.Shape[3]
	} else {
		p.height, p.width, p.nm = t.Shape[1], t.Shape[2], t.Shape[3]
	}
	if len(t.Data) < p.width*p.height*p.nm {
		return nil, fmt.Errorf("%w: prototype tensor %v has only %v values", ErrBadOutput, t.Shape, len(t.Data))
	}
	return p, nil
}

func (p *protos) at(x, y, k int) float32 {
	if p.nchw {
		return p.data[(k*p.height+y)*p.width+x]
	}
	return p.data[(y*p.width+x)*p.nm+k]
}

// Build the binary mask of one detection: sigmoid(coefficients . protos), cropped to the box
func (p *protos) mask(coef []float32, box Rect) *Mask {
	m := &Mask{
		Width:  p.width,
		Height: p.height,
		Data:   make([]byte, p.width*p.height),
	}
	crop := box.Clamp(1, 1).Denormalize(p.width, p.height).ToImageRect()
	for y := crop.Min.Y; y < crop.Max.Y; y++ {
		for x := crop.Min.X; x < crop.Max.X; x++ {
			sum := float32(0)
			for k := 0; k < p.nm; k++ {
				sum += coef[k] * p.at(x, y, k)
			}
			// sigmoid(sum) > 0.5 <=> sum > 0
			if sum > 0 {
				m.Data[y*p.width+x] = 1
			}
		}
	}
	return m
}

func decodeSegment(result *DetectionResult, outputs []Tensor, params *DetectionParams, input image.Point, labels []string) error {
	head, ok := tensorOfRank(outputs, 3)
	if !ok {
		return fmt.Errorf("%w: no detection head in %v outputs", ErrBadOutput, len(outputs))
	}
	protoT, ok := tensorOfRank(outputs, 4)
	if !ok {
		return fmt.Errorf("%w: segmentation model has no prototype masks", ErrBadOutput)
	}
	p, err := newPredictions(head)
	if err != nil {
		return err
	}
	pr, err := newProtos(protoT)
	if err != nil {
		return err
	}
	p.inferScale(input)
	nc := p.channels - 4 - pr.nm
	if nc <= 0 {
		return fmt.Errorf("%w: %v channels cannot hold 4 box values and %v mask coefficients", ErrBadOutput, p.channels, pr.nm)
	}
	kept := nonMaxSuppression(p.candidates(nc, params.ConfidenceThreshold), params.IoUThreshold, params.NumItemsThreshold)
	coef := make([]float32, pr.nm)
	for _, c := range kept {
		for k := 0; k < pr.nm; k++ {
			coef[k] = p.at(4+nc+k, c.anchor)
		}
		box := finishBox(result, c, labels)
		box.Mask = pr.mask(coef, c.box)
		result.Boxes = append(result.Boxes, box)
	}
	return nil
}

func decodePose(result *DetectionResult, outputs []Tensor, params *DetectionParams, input image.Point, labels []string) error {
	t, ok := tensorOfRank(outputs, 3)
	if !ok {
		return fmt.Errorf("%w: no pose head in %v outputs", ErrBadOutput, len(outputs))
	}
	p, err := newPredictions(t)
	if err != nil {
		return err
	}
	nk := len(COCOKeypoints)
	nc := p.channels - 4 - nk*keypointDims
	if nc <= 0 {
		return fmt.Errorf("%w: %v channels cannot hold a pose head with %v keypoints", ErrBadOutput, p.channels, nk)
	}
	p.inferScale(input)
	kept := nonMaxSuppression(p.candidates(nc, params.ConfidenceThreshold), params.IoUThreshold, params.NumItemsThreshold)
	w := float32(result.ImageWidth)
	h := float32(result.ImageHeight)
	for _, c := range kept {
		box := finishBox(result, c, labels)
		box.Keypoints = make([]Keypoint, nk)
		for k := 0; k < nk; k++ {
			base := 4 + nc + k*keypointDims
			xn := p.at(base, c.anchor) / p.scaleX
			yn := p.at(base+1, c.anchor) / p.scaleY
			box.Keypoints[k] = Keypoint{
				X:          xn * w,
				Y:          yn * h,
				XN:         xn,
				YN:         yn,
				Confidence: p.at(base+2, c.anchor),
			}
		}
		result.Boxes = append(result.Boxes, box)
	}
	return nil
}

func decodeClassify(result *DetectionResult, outputs []Tensor, labels []string) error {
	if len(outputs) == 0 {
		return fmt.Errorf("%w: classifier produced no outputs", ErrBadOutput)
	}
	scores := outputs[0].Data
	if len(scores) == 0 {
		return fmt.Errorf("%w: classifier produced an empty tensor", ErrBadOutput)
	}
	// Exports normally include the softmax, but raw logits are easy to recognize
	if !isDistribution(scores) {
		scores = softmax(scores)
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	n := min(5, len(order))
	probs := &Probs{
		Top1:      order[0],
		Top1Label: labelOf(labels, order[0]),
		Top1Conf:  scores[order[0]],
	}
	for _, c := range order[:n] {
		probs.Top5 = append(probs.Top5, c)
		probs.Top5Labels = append(probs.Top5Labels, labelOf(labels, c))
		probs.Top5Confs = append(probs.Top5Confs, scores[c])
	}
	result.Probs = probs
	return nil
}

func isDistribution(v []float32) bool {
	sum := float32(0)
	for _, x := range v {
		if x < 0 || x > 1 {
			return false
		}
		sum += x
	}
	return math32.Abs(sum-1) < 0.01
}

func softmax(v []float32) []float32 {
	maxv := v[0]
	for _, x := range v {
		maxv = max(maxv, x)
	}
	out := make([]float32, len(v))
	sum := float32(0)
	for i, x := range v {
		out[i] = math32.Exp(x - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
