package imagenet

import (
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Dataset implements train.Dataset over an Index, yielding batches of
// preprocessed images. It is safe for concurrent Yield calls, so it can
// be wrapped with data.CustomParallel to overlap JPEG decoding with
// training.
type Dataset struct {
	name      string
	index     *Index
	batchSize int

	augment  bool
	shuffle  bool
	infinite bool

	mu    sync.Mutex
	next  int
	order []int
	rng   *rand.Rand
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a dataset over index yielding batches of the given
// size. By default it runs one epoch, in index order, with evaluation
// (center crop) preprocessing.
func NewDataset(name string, index *Index, batchSize int) *Dataset {
	ds := &Dataset{
		name:      name,
		index:     index,
		batchSize: batchSize,
		rng:       rand.New(rand.NewSource(int64(len(index.Samples)))),
	}
	ds.order = make([]int, len(index.Samples))
	for i := range ds.order {
		ds.order[i] = i
	}
	return ds
}

// Seed reseeds the shuffling and augmentation randomness. Workers of a
// distributed job must use distinct seeds (e.g. their rank) so they do
// not all consume the same sample order.
func (ds *Dataset) Seed(seed int64) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rand.New(rand.NewSource(seed))
	return ds
}

// Augment enables training preprocessing: random crop and random
// horizontal flip instead of the deterministic center crop.
func (ds *Dataset) Augment() *Dataset {
	ds.augment = true
	return ds
}

// Shuffle reshuffles the sample order on every epoch.
func (ds *Dataset) Shuffle() *Dataset {
	ds.shuffle = true
	ds.reshuffleLocked()
	return ds
}

// Infinite makes the dataset loop forever instead of returning io.EOF
// at the end of the epoch. Use with Loop.RunSteps, never RunEpochs.
func (ds *Dataset) Infinite() *Dataset {
	ds.infinite = true
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.shuffle {
		ds.reshuffleLocked()
	}
}

func (ds *Dataset) reshuffleLocked() {
	ds.rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// nextBatchIndices reserves the indices of the next batch. Incomplete
// trailing batches are dropped, matching the fixed-shape requirement of
// the compiled training graph.
func (ds *Dataset) nextBatchIndices() ([]int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next+ds.batchSize > len(ds.order) {
		if !ds.infinite {
			return nil, io.EOF
		}
		ds.next = 0
		if ds.shuffle {
			ds.reshuffleLocked()
		}
		if ds.batchSize > len(ds.order) {
			return nil, errors.Errorf("batch size %d larger than dataset %q (%d examples)",
				ds.batchSize, ds.name, len(ds.order))
		}
	}
	indices := make([]int, ds.batchSize)
	copy(indices, ds.order[ds.next:ds.next+ds.batchSize])
	ds.next += ds.batchSize
	return indices, nil
}

// Yield implements train.Dataset: inputs is one [batch, 224, 224, 3]
// float32 image tensor, labels one [batch, 1] int32 tensor.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, err := ds.nextBatchIndices()
	if err != nil {
		return nil, nil, nil, err
	}

	pixels := make([]float32, ds.batchSize*InputSize*InputSize*3)
	labelValues := make([]int32, ds.batchSize)
	for i, sampleIdx := range indices {
		sample := ds.index.Samples[sampleIdx]
		img, err := imaging.Open(sample.Path)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "decoding %q", sample.Path)
		}
		ds.preprocess(img, pixels[i*InputSize*InputSize*3:(i+1)*InputSize*InputSize*3])
		labelValues[i] = sample.Label
	}

	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(pixels, ds.batchSize, InputSize, InputSize, 3),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(labelValues, ds.batchSize, 1),
	}
	return ds, inputs, labels, nil
}

// preprocess resizes the shortest side to 256, crops a 224x224 window
// (random when augmenting, centered otherwise), optionally flips, and
// writes normalized float32 RGB values into out.
func (ds *Dataset) preprocess(img image.Image, out []float32) {
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	if width <= height {
		img = imaging.Resize(img, resizeSmallestSide, 0, imaging.Linear)
	} else {
		img = imaging.Resize(img, 0, resizeSmallestSide, imaging.Linear)
	}
	width = img.Bounds().Dx()
	height = img.Bounds().Dy()

	var x0, y0 int
	if ds.augment {
		x0, y0 = ds.randomOffset(width-InputSize), ds.randomOffset(height-InputSize)
	} else {
		x0, y0 = (width-InputSize)/2, (height-InputSize)/2
	}
	cropped := imaging.Crop(img, image.Rect(x0, y0, x0+InputSize, y0+InputSize))
	if ds.augment && ds.randomOffset(1) == 1 {
		cropped = imaging.FlipH(cropped)
	}

	pos := 0
	for y := 0; y < InputSize; y++ {
		for x := 0; x < InputSize; x++ {
			r, g, b, _ := cropped.At(x, y).RGBA()
			out[pos] = (float32(r>>8)/255.0 - channelMean[0]) / channelStd[0]
			out[pos+1] = (float32(g>>8)/255.0 - channelMean[1]) / channelStd[1]
			out[pos+2] = (float32(b>>8)/255.0 - channelMean[2]) / channelStd[2]
			pos += 3
		}
	}
}

// randomOffset returns a uniform value in [0, n]. n may be 0.
func (ds *Dataset) randomOffset(n int) int {
	if n <= 0 {
		return 0
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.rng.Intn(n + 1)
}
