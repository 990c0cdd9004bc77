package trainer

import (
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/mlxlab/imagenet-resnet/imagenet"
	"github.com/mlxlab/imagenet-resnet/resnet"
)

// evalBatchSize for the standalone evaluation: inference only, so it
// can be larger than the training batch.
const evalBatchSize = 128

// Eval restores the model from the checkpoint directory and reports
// top-1 and top-5 error over the full validation set. It runs on a
// single process, no collective involved.
func Eval(cfg Config, loadDir string) {
	backend := backends.New()
	topo := must.M1(resnet.ByDepth(cfg.Depth))

	ctx := context.New()
	_ = must.M1(checkpoints.Build(ctx).Dir(loadDir).Done())
	globalStep := int(optimizers.GetGlobalStep(ctx))
	klog.Infof("Evaluating %s from %q (global step %d)", topo.Name(), loadDir, globalStep)

	index := must.M1(imagenet.IndexDir(filepath.Join(cfg.DataDir, "val")))
	v := newValidator(backend, ctx, topo,
		imagenet.NewDataset("Validation", index, evalBatchSize), nil)
	must.M(v.run(globalStep))
}
