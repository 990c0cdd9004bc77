package trainer

import (
	"io"
	"path/filepath"
	"time"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/mlxlab/imagenet-resnet/distributed"
	"github.com/mlxlab/imagenet-resnet/imagenet"
	"github.com/mlxlab/imagenet-resnet/lrschedule"
	"github.com/mlxlab/imagenet-resnet/resnet"
)

// attachValidation hooks a per-epoch validation pass to the training
// loop, according to the configured mode.
func attachValidation(loop *train.Loop, backend backends.Backend, ctx *context.Context,
	topo resnet.Topology, cfg Config, ctrl *lrschedule.Controller) {
	if cfg.Validation == "" {
		return
	}
	if cfg.Fake {
		klog.Warning("Validation disabled: there is no validation set in benchmark mode.")
		return
	}

	var v *validator
	switch cfg.Validation {
	case ValidationMaster:
		// The chief evaluates the full set against its own replica.
		// With synchronized replicas the result is exact; if replicas
		// ever diverge, the other workers' view is not represented.
		if !cfg.Worker.Chief() {
			return
		}
		index := must.M1(imagenet.IndexDir(filepath.Join(cfg.DataDir, "val")))
		v = newValidator(backend, ctx, topo, imagenet.NewDataset("Validation", index, valBatchSize), nil)
	case ValidationDistributed:
		// Every worker evaluates its shard; the error counts are summed
		// over the collective before the rate is computed.
		index := must.M1(imagenet.IndexDir(filepath.Join(cfg.DataDir, "val")))
		shard := index.Split(cfg.Worker.Size, cfg.Worker.Rank)
		v = newValidator(backend, ctx, topo,
			imagenet.NewDataset("Validation shard", shard, valBatchSize), cfg.Collective)
	default:
		Panicf("unknown validation mode %q, use %q or %q",
			cfg.Validation, ValidationMaster, ValidationDistributed)
	}

	train.EveryNSteps(loop, ctrl.StepsPerEpoch(), "validation", 110,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			return v.run(loop.LoopStep)
		})
}

// validator runs the model in inference mode over a validation dataset
// and accumulates top-1 and top-5 error counts.
type validator struct {
	ds         train.Dataset
	collective distributed.Collective // nil for local-only validation
	exec       *context.Exec
}

func newValidator(backend backends.Backend, ctx *context.Context, topo resnet.Topology,
	ds train.Dataset, collective distributed.Collective) *validator {
	exec := context.NewExec(backend, ctx.Reuse(),
		func(ctx *context.Context, images, labels *Node) *Node {
			g := images.Graph()
			ctx.SetTraining(g, false)
			logits := topo.Logits(ctx.In("model"), images)
			return Concatenate([]*Node{
				Reshape(wrongInTopK(labels, logits, 1), 1),
				Reshape(wrongInTopK(labels, logits, 5), 1),
			}, 0)
		})
	return &validator{ds: ds, collective: collective, exec: exec}
}

// run evaluates one full pass over the dataset and logs the error
// rates. The counts are summed across workers (when distributed)
// before dividing, so the result is exact regardless of shard sizes.
func (v *validator) run(step int) error {
	start := time.Now()
	v.ds.Reset()
	var top1, top5 distributed.ErrorStat
	for {
		_, inputs, labels, err := v.ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		results := v.exec.Call(inputs[0], labels[0])
		wrong := tensors.CopyFlatData[float32](results[0])
		results[0].FinalizeAll()
		batch := int64(labels[0].Shape().Dimensions[0])
		top1.Add(int64(wrong[0]), batch)
		top5.Add(int64(wrong[1]), batch)
	}

	if v.collective != nil {
		var err error
		if top1, err = distributed.Aggregate(v.collective, "val-error-top1", top1); err != nil {
			return err
		}
		if top5, err = distributed.Aggregate(v.collective, "val-error-top5", top5); err != nil {
			return err
		}
	}
	klog.Infof("[step %d] val-error-top1: %.4f, val-error-top5: %.4f (%d examples in %s)",
		step, top1.Rate(), top5.Rate(), top1.Total, time.Since(start).Round(time.Second))
	return nil
}

// wrongInTopK returns a scalar with the number of examples in the
// batch whose true-label logit is not among the k largest. Ties with
// the true logit do not count against it, the usual in-top-k
// convention.
func wrongInTopK(labels, logits *Node, k int) *Node {
	g := logits.Graph()
	dtype := logits.DType()
	batchSize := logits.Shape().Dimensions[0]
	numClasses := logits.Shape().Dimensions[1]

	oneHot := OneHot(Reshape(labels, batchSize), numClasses, dtype)
	trueLogit := ReduceAndKeep(Mul(logits, oneHot), ReduceSum, -1)
	// Number of logits strictly greater than the true one; the example
	// is correct when fewer than k are.
	rank := ReduceSum(PositiveIndicator(Sub(logits, trueLogit)), -1)
	correct := PositiveIndicator(AddScalar(Neg(rank), float64(k)))
	return Sub(Const(g, shapes.CastAsDType(batchSize, dtype)), ReduceAllSum(correct))
}
