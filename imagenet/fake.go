package imagenet

import (
	"math/rand"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
)

// FakeStepsPerEpoch is the fixed epoch length used in benchmark mode,
// where there is no real dataset to exhaust.
const FakeStepsPerEpoch = 50

// fakeDataset yields the same synthetic batch forever. The pixel data
// is deterministic (fixed seed), so benchmark runs are comparable and
// no worker ever touches the filesystem.
type fakeDataset struct {
	images *tensors.Tensor
	labels *tensors.Tensor
}

// NewFake returns an infinite synthetic dataset with the training batch
// shape, for benchmarking the training step without real data.
func NewFake(batchSize int) train.Dataset {
	rng := rand.New(rand.NewSource(42))
	pixels := make([]float32, batchSize*InputSize*InputSize*3)
	for i := range pixels {
		pixels[i] = rng.Float32()*2 - 1
	}
	labelValues := make([]int32, batchSize)
	for i := range labelValues {
		labelValues[i] = int32(rng.Intn(NumClasses))
	}
	return &fakeDataset{
		images: tensors.FromFlatDataAndDimensions(pixels, batchSize, InputSize, InputSize, 3),
		labels: tensors.FromFlatDataAndDimensions(labelValues, batchSize, 1),
	}
}

func (ds *fakeDataset) Name() string { return "Synthetic benchmark data" }
func (ds *fakeDataset) Reset()       {}

func (ds *fakeDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return ds, []*tensors.Tensor{ds.images}, []*tensors.Tensor{ds.labels}, nil
}

// FinalizeYieldsAfterUse tells the training loop the yielded tensors
// are owned by the dataset and reused across steps.
func (ds *fakeDataset) FinalizeYieldsAfterUse() bool { return false }
