package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNMS(t *testing.T) {
	box := Rect{Left: 10, Top: 10, Right: 50, Bottom: 50}
	input := []candidate{
		{box: box.Offset(1, 1), class: 0, conf: 0.6, anchor: 0},
		{box: box, class: 0, conf: 0.9, anchor: 1},
		// different class survives
		{box: box, class: 1, conf: 0.7, anchor: 2},
		// no overlap
		{box: box.Offset(100, 100), class: 0, conf: 0.5, anchor: 3},
		// IoU 1/3
		{box: Rect{Left: 30, Top: 10, Right: 70, Bottom: 50}, class: 0, conf: 0.8, anchor: 4},
	}
	out := nonMaxSuppression(input, 0.4, 0)
	anchors := []int{}
	for _, c := range out {
		anchors = append(anchors, c.anchor)
	}
	require.Equal(t, []int{1, 4, 2, 3}, anchors)

	// A lower IoU threshold merges the partially overlapping box too
	out = nonMaxSuppression(input, 0.3, 0)
	require.Equal(t, 3, len(out))

	// Limit on number of items keeps the most confident
	out = nonMaxSuppression(input, 0.4, 2)
	require.Equal(t, 2, len(out))
	require.Equal(t, 1, out[0].anchor)
	require.Equal(t, 4, out[1].anchor)

	require.Nil(t, nonMaxSuppression(nil, 0.4, 10))
}
