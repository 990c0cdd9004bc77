package resnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByDepth(t *testing.T) {
	tests := []struct {
		depth  int
		name   string
		blocks [4]int
	}{
		{50, "resnet50", [4]int{3, 4, 6, 3}},
		{101, "resnet101", [4]int{3, 4, 23, 3}},
		{152, "resnet152", [4]int{3, 8, 36, 3}},
	}
	for _, tc := range tests {
		topo, err := ByDepth(tc.depth)
		require.NoError(t, err)
		assert.Equal(t, tc.name, topo.Name())
		assert.Equal(t, tc.blocks, topo.BlockCounts())
	}
}

func TestByDepthRejectsUnknownVariants(t *testing.T) {
	for _, depth := range []int{0, 18, 34, 151, -50} {
		_, err := ByDepth(depth)
		require.Error(t, err, "depth %d", depth)
		assert.Contains(t, err.Error(), "unsupported")
	}
}

func TestBlockCountsMatchLayerDepth(t *testing.T) {
	// Each bottleneck block holds 3 convolutions; the stem and the
	// classifier add one layer each: that is where the names come from.
	for _, depth := range Depths() {
		topo, err := ByDepth(depth)
		require.NoError(t, err)
		blocks := topo.BlockCounts()
		layerCount := 2 // stem conv + final linear
		for _, n := range blocks {
			layerCount += 3 * n
		}
		assert.Equal(t, depth, layerCount)
	}
}
