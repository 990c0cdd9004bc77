// Package resnet assembles the residual-network topologies used for
// ImageNet classification, following He et al., "Deep Residual Learning
// for Image Recognition". Only the bottleneck variants (depths 50, 101
// and 152) are provided — those are the ones trained with the
// large-batch schedule.
//
// Input images are expected in NHWC layout, [batch, height, width, 3].
package resnet

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/pkg/errors"
)

// NumClasses in the ILSVRC-2012 classification task.
const NumClasses = 1000

// groupFilters are the base filter counts of the four residual groups;
// bottleneck blocks output 4× their base count.
var groupFilters = [4]int{64, 128, 256, 512}

// blockCounts per depth variant: number of bottleneck blocks in each of
// the four residual groups.
var blockCounts = map[int][4]int{
	50:  {3, 4, 6, 3},
	101: {3, 4, 23, 3},
	152: {3, 8, 36, 3},
}

// Depths lists the supported depth variants.
func Depths() []int { return []int{50, 101, 152} }

// Topology is the strategy for building the convolutional trunk and
// the classification logits of one network variant.
type Topology interface {
	// Name of the variant, e.g. "resnet50".
	Name() string

	// BlockCounts of the four residual groups.
	BlockCounts() [4]int

	// Logits builds the graph from a batch of images to the [batch,
	// NumClasses] classification logits. Variables are created (or
	// reused) in the given context scope.
	Logits(ctx *context.Context, images *Node) *Node
}

// ByDepth returns the topology for one of the supported depths. It
// fails before any graph is built for anything else.
func ByDepth(depth int) (Topology, error) {
	counts, ok := blockCounts[depth]
	if !ok {
		return nil, errors.Errorf("unsupported ResNet depth %d, valid depths are %v", depth, Depths())
	}
	return &bottleneckNet{depth: depth, blocks: counts}, nil
}

// ClassifierModelFn adapts a Topology to the signature train.Trainer
// expects. inputs[0] is the image batch.
func ClassifierModelFn(t Topology) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{t.Logits(ctx.In("model"), inputs[0])}
	}
}

// bottleneckNet implements Topology with bottleneck residual blocks.
type bottleneckNet struct {
	depth  int
	blocks [4]int
}

func (b *bottleneckNet) Name() string        { return fmt.Sprintf("resnet%d", b.depth) }
func (b *bottleneckNet) BlockCounts() [4]int { return b.blocks }

func (b *bottleneckNet) Logits(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4) // [batch, height, width, channels]
	batchSize := images.Shape().Dimensions[0]

	// Stem: 7x7/2 convolution and 3x3/2 max-pooling.
	x := convBatchNorm(ctx.In("conv0"), images, 64, 7, 2)
	x = activations.Relu(x)
	x = MaxPool(x).Window(3).Strides(2).PadSame().Done()

	for group := range b.blocks {
		ctxGroup := ctx.In(fmt.Sprintf("group%d", group))
		stride := 2
		if group == 0 {
			stride = 1 // The stem max-pool already downsampled.
		}
		for block := 0; block < b.blocks[group]; block++ {
			blockStride := 1
			if block == 0 {
				blockStride = stride
			}
			x = bottleneckBlock(ctxGroup.In(fmt.Sprintf("block%d", block)), x,
				groupFilters[group], blockStride, block == 0)
		}
	}

	// Global average pooling over the spatial axes, then the linear
	// classifier.
	x = ReduceMean(x, 1, 2)
	logits := layers.DenseWithBias(ctx.In("linear"), x, NumClasses)
	logits.AssertDims(batchSize, NumClasses)
	return logits
}

// bottleneckBlock is the 1x1 → 3x3 → 1x1 residual block. The stride,
// when any, is applied on the 3x3 convolution. The first block of each
// group projects the shortcut to the widened channel count.
func bottleneckBlock(ctx *context.Context, x *Node, baseFilters, stride int, project bool) *Node {
	shortcut := x
	if project {
		shortcut = convBatchNorm(ctx.In("shortcut"), x, baseFilters*4, 1, stride)
	}

	out := convBatchNorm(ctx.In("conv1"), x, baseFilters, 1, 1)
	out = activations.Relu(out)
	out = convBatchNorm(ctx.In("conv2"), out, baseFilters, 3, stride)
	out = activations.Relu(out)
	out = convBatchNorm(ctx.In("conv3"), out, baseFilters*4, 1, 1)

	return activations.Relu(Add(out, shortcut))
}

// convBatchNorm is a bias-less convolution followed by batch
// normalization, the unit every ResNet layer is made of.
func convBatchNorm(ctx *context.Context, x *Node, filters, kernelSize, stride int) *Node {
	x = layers.Convolution(ctx.In("conv"), x).
		Filters(filters).
		KernelSize(kernelSize).
		Strides(stride).
		PadSame().
		UseBias(false).
		Done()
	return batchnorm.New(ctx.In("batchnorm"), x, -1).Done()
}
