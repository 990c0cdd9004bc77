package lrschedule

import (
	"math"

	. "github.com/gomlx/exceptions"
)

const (
	// ReferenceLearningRate is the learning rate that trains well with
	// ReferenceBatchSize examples per step.
	ReferenceLearningRate = 0.1

	// ReferenceBatchSize is the total batch size the reference learning
	// rate was tuned for.
	ReferenceBatchSize = 256

	// WarmupEpochs is the length of the linear warmup applied when the
	// scaled learning rate exceeds the reference one.
	WarmupEpochs = 5
)

// decaySteps lists the epochs at which the base learning rate is scaled
// down, and the accumulated multipliers.
var decaySteps = []struct {
	Epoch      int
	Multiplier float64
}{
	{30, 1e-1},
	{60, 1e-2},
	{80, 1e-3},
}

// Config is the immutable snapshot of the run parameters the controller
// derives its schedule from. It is recomputed from CLI input for every
// run and never persisted.
type Config struct {
	// PerWorkerBatch is the number of examples each worker consumes per
	// step.
	PerWorkerBatch int

	// NumWorkers is the number of data-parallel workers.
	NumWorkers int

	// DatasetSize is the number of training examples in one epoch.
	DatasetSize int

	// StepsPerEpoch overrides the derived steps-per-epoch when > 0.
	// Used by the synthetic-data benchmark mode, which has no real
	// epoch boundary.
	StepsPerEpoch int
}

// TotalBatch is the number of examples consumed per synchronized step
// across all workers.
func (c Config) TotalBatch() int {
	return c.PerWorkerBatch * c.NumWorkers
}

// BaseLearningRate applies the linear scaling rule: when the total
// batch is k times the reference batch, the learning rate is scaled by
// k. Batches at or below the reference size keep the reference rate.
func (c Config) BaseLearningRate() float64 {
	total := c.TotalBatch()
	if total <= ReferenceBatchSize {
		return ReferenceLearningRate
	}
	return ReferenceLearningRate * float64(total) / float64(ReferenceBatchSize)
}

// Controller maps a global step to the learning rate to apply. It is a
// pure function of the Config captured at construction.
type Controller struct {
	cfg           Config
	baseLR        float64
	stepsPerEpoch int
	warmup        *Schedule // nil when no warmup is needed
	decay         *Schedule
}

// NewController builds the schedule controller for one run. It panics
// if the configuration implies an empty batch (PerWorkerBatch or
// NumWorkers of zero) — the caller is expected to have validated its
// inputs before getting here.
func NewController(cfg Config) *Controller {
	if cfg.TotalBatch() <= 0 {
		Panicf("learning-rate schedule requires batch size and worker count > 0, "+
			"got per-worker batch %d × %d workers", cfg.PerWorkerBatch, cfg.NumWorkers)
	}
	c := &Controller{cfg: cfg, baseLR: cfg.BaseLearningRate()}
	c.stepsPerEpoch = cfg.StepsPerEpoch
	if c.stepsPerEpoch <= 0 {
		if cfg.DatasetSize <= 0 {
			Panicf("learning-rate schedule requires a dataset size (or an explicit "+
				"steps-per-epoch), got %d", cfg.DatasetSize)
		}
		c.stepsPerEpoch = int(math.Round(float64(cfg.DatasetSize) / float64(cfg.TotalBatch())))
		if c.stepsPerEpoch < 1 {
			c.stepsPerEpoch = 1
		}
	}

	if c.baseLR > ReferenceLearningRate {
		// Warmup starts from the reference rate at step 0 and reaches the
		// scaled rate after WarmupEpochs worth of steps.
		c.warmup = NewSchedule(InterpLinear,
			Point{Step: 0, Value: ReferenceLearningRate},
			Point{Step: int64(WarmupEpochs * c.stepsPerEpoch), Value: c.baseLR},
		)
	}

	c.decay = NewSchedule(InterpNone)
	for _, d := range decaySteps {
		c.decay.Add(int64(d.Epoch*c.stepsPerEpoch), c.baseLR*d.Multiplier)
	}
	return c
}

// BaseLearningRate the controller ramps to (and decays from).
func (c *Controller) BaseLearningRate() float64 { return c.baseLR }

// StepsPerEpoch resolved for this run.
func (c *Controller) StepsPerEpoch() int { return c.stepsPerEpoch }

// WarmupSchedule returns the warmup sub-schedule, or nil when the total
// batch does not require one.
func (c *Controller) WarmupSchedule() *Schedule { return c.warmup }

// At returns the learning rate for the given global step. It never
// fails: steps before any decay point get the base (or warming-up)
// rate, steps past the last decay point keep its value.
func (c *Controller) At(globalStep int64) float64 {
	if c.warmup != nil {
		if end := c.warmup.points[len(c.warmup.points)-1].Step; globalStep < end {
			lr, _ := c.warmup.ValueAt(globalStep)
			return lr
		}
	}
	if lr, ok := c.decay.ValueAt(globalStep); ok {
		return lr
	}
	return c.baseLR
}
