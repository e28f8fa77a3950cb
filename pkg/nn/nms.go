package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// A raw detection, before non-maximum suppression
type candidate struct {
	box    Rect // In model input pixels
	class  int
	conf   float32
	anchor int // Column of the output tensor that produced this candidate
}

// Class-aware non-maximum suppression.
// Candidates are visited in order of descending confidence, and any lower confidence candidate
// of the same class that overlaps a retained candidate by more than iouThreshold is dropped.
// At most maxItems candidates are returned (maxItems <= 0 means no limit).
func nonMaxSuppression(input []candidate, iouThreshold float32, maxItems int) []candidate {
	if len(input) == 0 {
		return nil
	}
	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input[order[a]].conf > input[order[b]].conf
	})
	rank := make([]int, len(input))
	for r, i := range order {
		rank[i] = r
	}

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(input))
	for _, c := range input {
		fb.Add(c.box.Left, c.box.Top, c.box.Right, c.box.Bottom)
	}
	fb.Finish()

	suppressed := make([]bool, len(input))
	retain := []candidate{}
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		c := input[i]
		retain = append(retain, c)
		if maxItems > 0 && len(retain) >= maxItems {
			break
		}
		for _, j := range fb.Search(c.box.Left, c.box.Top, c.box.Right, c.box.Bottom) {
			if j == i || suppressed[j] || rank[j] < rank[i] {
				continue
			}
			if input[j].class != c.class {
				continue
			}
			if c.box.IOU(input[j].box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return retain
}
