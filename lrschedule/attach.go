package lrschedule

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Attach wires the controller into a training loop: before the first
// step and after every step it writes the scheduled value into the
// optimizer's learning-rate variable, so the next executed step uses
// it. The context must be the same one the trainer's optimizer reads
// its learning rate from.
func Attach(loop *train.Loop, ctx *context.Context, dtype dtypes.DType, ctrl *Controller) {
	set := func(globalStep int64) {
		value := ctrl.At(globalStep)
		lrVar := optimizers.LearningRateVarWithValue(ctx, dtype, value)
		lrVar.SetValue(tensors.FromAnyValue(shapes.CastAsDType(value, dtype)))
	}
	loop.OnStart("lr-schedule", 10, func(loop *train.Loop, _ train.Dataset) error {
		set(int64(loop.LoopStep))
		return nil
	})
	loop.OnStep("lr-schedule", 10, func(loop *train.Loop, _ []*tensors.Tensor) error {
		// Runs after the step at LoopStep executed: set the rate the
		// next step will use.
		set(int64(loop.LoopStep) + 1)
		return nil
	})
}
