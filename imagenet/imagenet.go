// Package imagenet reads the ILSVRC-2012 classification dataset from a
// local directory tree and serves it as batched tensors for training
// and evaluation.
//
// The expected layout is the standard one:
//
//	<dir>/train/<wnid>/*.JPEG
//	<dir>/val/<wnid>/*.JPEG
//
// Labels are assigned by the sorted order of the WNID directories, so
// they are stable across workers and runs.
package imagenet

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	// NumTrainImages in the ILSVRC-2012 training set.
	NumTrainImages = 1281167

	// NumValImages in the ILSVRC-2012 validation set.
	NumValImages = 50000

	// NumClasses of the classification task.
	NumClasses = 1000

	// InputSize is the side of the square crop fed to the network.
	InputSize = 224

	// resizeSmallestSide before cropping.
	resizeSmallestSide = 256
)

// Per-channel statistics of the training set (RGB, values in [0,1]),
// used to normalize pixels.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// Sample is one image file and its label.
type Sample struct {
	Path  string
	Label int32
}

// Index is the list of samples of one dataset split, with the WNID to
// label assignment used to produce it.
type Index struct {
	Samples []Sample
	Classes []string // Classes[label] is the WNID.
}

// IndexDir scans one split directory (e.g. `<data>/train`) and returns
// its index. Class subdirectories are scanned concurrently.
func IndexDir(dir string) (*Index, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset dir %q", dir)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("dataset dir %q has no class subdirectories", dir)
	}
	sort.Strings(classes)

	perClass := make([][]Sample, len(classes))
	var group errgroup.Group
	group.SetLimit(16)
	for label, class := range classes {
		group.Go(func() error {
			classDir := filepath.Join(dir, class)
			files, err := os.ReadDir(classDir)
			if err != nil {
				return errors.Wrapf(err, "reading class dir %q", classDir)
			}
			samples := make([]Sample, 0, len(files))
			for _, f := range files {
				if f.IsDir() || !isImageFile(f.Name()) {
					continue
				}
				samples = append(samples, Sample{
					Path:  filepath.Join(classDir, f.Name()),
					Label: int32(label),
				})
			}
			perClass[label] = samples
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	idx := &Index{Classes: classes}
	for _, samples := range perClass {
		idx.Samples = append(idx.Samples, samples...)
	}
	klog.V(1).Infof("Indexed %s images in %d classes under %q",
		humanize.Comma(int64(len(idx.Samples))), len(classes), dir)
	return idx, nil
}

// NumExamples in this index.
func (idx *Index) NumExamples() int { return len(idx.Samples) }

// Split returns the split-th of numSplits round-robin shards of the
// index. Together the shards cover the index exactly once; sizes differ
// by at most one sample. Used to spread validation across workers.
func (idx *Index) Split(numSplits, split int) *Index {
	if numSplits <= 1 {
		return idx
	}
	out := &Index{Classes: idx.Classes}
	for i := split; i < len(idx.Samples); i += numSplits {
		out.Samples = append(out.Samples, idx.Samples[i])
	}
	return out
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpeg", ".jpg", ".png":
		return true
	}
	return false
}
