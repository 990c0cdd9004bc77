// Package trainer assembles the distributed ImageNet training run:
// model, datasets, optimizer, learning-rate schedule, replica
// synchronization, checkpoints and validation, on top of the GoMLX
// training loop. Each worker runs its own training step; after every
// step the trainable variables are allreduce-summed over the collective
// and divided by the worker count, which keeps the replicas identical
// and is equivalent to stepping once with the gradient of the mean loss
// over the total batch.
package trainer

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/mlxlab/imagenet-resnet/distributed"
	"github.com/mlxlab/imagenet-resnet/imagenet"
	"github.com/mlxlab/imagenet-resnet/lrschedule"
	"github.com/mlxlab/imagenet-resnet/resnet"
)

// DType used for the model.
var DType = dtypes.Float32

// Validation modes.
const (
	// ValidationMaster evaluates the full validation set on the chief
	// only.
	ValidationMaster = "master"

	// ValidationDistributed shards the validation set across all
	// workers and aggregates the error counts.
	ValidationDistributed = "distributed"
)

const (
	// trainEpochs of the real run; the last decay step is at epoch 80.
	trainEpochs = 90

	// fakeEpochs is shorter: enough to cover the full schedule shape
	// (warmup plus all decay steps) in benchmark mode.
	fakeEpochs = 35

	// valBatchSize for the per-epoch validation during training.
	valBatchSize = 64

	// checkpointsToKeep in the log directory.
	checkpointsToKeep = 100

	// datasetBufferSize of decoded batches kept ready ahead of the
	// training step.
	datasetBufferSize = 8
)

// Config is the immutable description of one training run.
type Config struct {
	Depth      int    // 50, 101 or 152.
	DataDir    string // ILSVRC-2012 root, with train/ and val/ below it.
	LogDir     string // Checkpoints and logs; chief only.
	Batch      int    // Per-worker batch size.
	Fake       bool   // Synthetic data benchmark mode.
	Validation string // "", ValidationMaster or ValidationDistributed.

	Worker     distributed.WorkerContext
	Collective distributed.Collective
}

// MaxEpochs of the run: benchmark runs are cut short once the schedule
// shape has been exercised.
func (c Config) MaxEpochs() int {
	if c.Fake {
		return fakeEpochs
	}
	return trainEpochs
}

// ScheduleConfig derives the learning-rate schedule configuration from
// the run configuration.
func (c Config) ScheduleConfig() lrschedule.Config {
	cfg := lrschedule.Config{
		PerWorkerBatch: c.Batch,
		NumWorkers:     c.Worker.Size,
		DatasetSize:    imagenet.NumTrainImages,
	}
	if c.Fake {
		cfg.StepsPerEpoch = imagenet.FakeStepsPerEpoch
	}
	return cfg
}

// Train runs the synchronous data-parallel training loop until
// MaxEpochs is reached, resuming from the checkpoint in LogDir if one
// exists. Any failure panics: a worker that cannot make progress must
// exit so the job as a whole fails fast.
func Train(cfg Config) {
	backend := backends.New()
	topo := must.M1(resnet.ByDepth(cfg.Depth))
	ctrl := lrschedule.NewController(cfg.ScheduleConfig())
	klog.Infof("Model %s on backend %q: %s", topo.Name(), backend.Name(), backend.Description())
	klog.Infof("Workers: %d, batch per worker: %d, total batch: %d",
		cfg.Worker.Size, cfg.Batch, cfg.Batch*cfg.Worker.Size)
	klog.Infof("Base learning rate: %g, steps/epoch: %d", ctrl.BaseLearningRate(), ctrl.StepsPerEpoch())

	ctx := newRunContext(cfg, ctrl)

	// Checkpoints live with the chief; restoring also restores the
	// global step, so the schedule resumes where it left off.
	var checkpoint *checkpoints.Handler
	if cfg.Worker.Chief() && cfg.LogDir != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).
			Dir(cfg.LogDir).Keep(checkpointsToKeep).Done())
		klog.Infof("Checkpointing model to %q", checkpoint.Dir())
	}
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep != 0 {
		klog.Infof("Resuming training from global step %d", globalStep)
		ctx = ctx.Reuse()
	}
	if cfg.Worker.Size > 1 {
		// All workers must agree on the remaining step budget and the
		// schedule position, which only the chief restored.
		shared := int(must.M1(shareGlobalStep(ctx, cfg)))
		if shared != globalStep {
			klog.Infof("Adopted the chief's global step %d", shared)
			globalStep = shared
		}
	}

	trainDS := newTrainDataset(cfg)
	movingAccuracy := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	meanAccuracy := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	trainer := train.NewTrainer(backend, ctx, resnet.ClassifierModelFn(topo),
		losses.SparseCategoricalCrossEntropyLogits,
		Momentum().Done(),
		[]metrics.Interface{movingAccuracy},
		[]metrics.Interface{meanAccuracy})

	loop := train.NewLoop(trainer)
	if cfg.Worker.Chief() {
		commandline.AttachProgressBar(loop)
	}
	lrschedule.Attach(loop, ctx, DType, ctrl)
	attachReplicaSync(loop, ctx, cfg)

	if checkpoint != nil {
		train.EveryNSteps(loop, ctrl.StepsPerEpoch(), "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}
	attachValidation(loop, backend, ctx, topo, cfg, ctrl)

	totalSteps := ctrl.StepsPerEpoch() * cfg.MaxEpochs()
	if globalStep >= totalSteps {
		klog.Infof("Target of %d steps already reached at global step %d, nothing to do.",
			totalSteps, globalStep)
		return
	}
	_ = must.M1(loop.RunSteps(trainDS, totalSteps-globalStep))
	klog.Infof("Training done at step %d, median train step: %s",
		loop.LoopStep, loop.MedianTrainStepDuration())
	if checkpoint != nil {
		must.M(checkpoint.Save())
	}
}

// newRunContext creates the model context with the run
// hyperparameters. The learning rate is seeded with the schedule value
// at step 0; lrschedule.Attach keeps it current afterwards.
func newRunContext(cfg Config, ctrl *lrschedule.Controller) *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		"batch_size":                 cfg.Batch,
		"depth":                      cfg.Depth,
		optimizers.ParamLearningRate: ctrl.At(0),
	})
	return ctx
}

// newTrainDataset builds the (infinite) training dataset of this
// worker. Real data is decoded by a parallelized pipeline; every
// worker samples the full training set with its own shuffling seed.
func newTrainDataset(cfg Config) train.Dataset {
	if cfg.Fake {
		return imagenet.NewFake(cfg.Batch)
	}
	index := must.M1(imagenet.IndexDir(filepath.Join(cfg.DataDir, "train")))
	ds := imagenet.NewDataset(fmt.Sprintf("Training (worker %d)", cfg.Worker.Rank), index, cfg.Batch).
		Seed(int64(cfg.Worker.Rank + 1)).
		Augment().Shuffle().Infinite()
	return data.CustomParallel(ds).Buffer(datasetBufferSize).Start()
}
