package trainer

import (
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

const (
	// MomentumDefaultBeta is the velocity decay used for ImageNet
	// training.
	MomentumDefaultBeta = 0.9

	// MomentumDefaultScope holds the velocity variables.
	MomentumDefaultScope = "MomentumOptimizer"
)

// Momentum returns a configuration for a momentum-SGD optimizer:
// v ← βv + grad; w ← w − lr·v. The learning rate multiplies the
// velocity at application time (the TensorFlow convention), so no
// momentum correction is needed when the schedule changes the rate.
//
// Unlike the plain SGD optimizer, it applies the learning-rate variable
// as-is: the decay over time is owned entirely by the schedule
// controller.
func Momentum() *MomentumConfig {
	return &MomentumConfig{
		scopeName: MomentumDefaultScope,
		beta:      MomentumDefaultBeta,
	}
}

// MomentumConfig configures the momentum optimizer. Call Done to build
// the optimizers.Interface.
type MomentumConfig struct {
	scopeName string
	beta      float64
}

// Beta sets the velocity decay. Default is 0.9.
func (c *MomentumConfig) Beta(beta float64) *MomentumConfig {
	c.beta = beta
	return c
}

// Scope sets the scope name for the velocity variables.
func (c *MomentumConfig) Scope(name string) *MomentumConfig {
	c.scopeName = name
	return c
}

// Done builds the optimizer.
func (c *MomentumConfig) Done() optimizers.Interface {
	return &momentum{config: c}
}

type momentum struct {
	config *MomentumConfig
}

// UpdateGraph builds the per-step weight updates. It implements
// optimizers.Interface.
func (o *momentum) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("momentum optimizer requires a scalar loss, got loss.shape=%s", loss.Shape())
	}
	dtype := loss.DType()
	lrVar := optimizers.LearningRateVar(ctx, dtype, optimizers.SgdDefaultLearningRate)
	learningRate := lrVar.ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("no trainable variables found for momentum optimizer")
	}
	numTrainable := len(grads)
	varIdx := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) {
			return
		}
		if varIdx < numTrainable {
			o.applyGraph(ctx, g, v, grads[varIdx], learningRate)
		}
		varIdx++
	})
	if varIdx != numTrainable {
		Panicf("BuildTrainableVariablesGradientsGraph returned %d gradients but momentum "+
			"optimizer saw %d trainable variables — were variables created in between?",
			numTrainable, varIdx)
	}
}

func (o *momentum) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate *Node) {
	velVar := o.velocityVariable(ctx, v)
	velocity := velVar.ValueGraph(g)
	velocity = Add(MulScalar(velocity, o.config.beta), grad)
	velVar.SetValueGraph(velocity)

	lrCast := learningRate
	if lrCast.DType() != grad.DType() {
		lrCast = ConvertDType(lrCast, grad.DType())
	}
	updated := Sub(v.ValueGraph(g), Mul(lrCast, velocity))
	v.SetValueGraph(updated)
}

// velocityVariable returns (creating on first use) the zero-initialized
// velocity matching the trainable variable.
func (o *momentum) velocityVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	name := strings.Join([]string{trainable.Scope(), trainable.Name(), "velocity"}, "/")
	return ctx.Checked(false).
		In(o.config.scopeName).
		WithInitializer(initializers.Zero).
		VariableWithShape(name, trainable.Shape()).
		SetTrainable(false)
}

// Clear deletes the velocity variables. It implements
// optimizers.Interface.
func (o *momentum) Clear(ctx *context.Context) {
	var toDelete []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.Contains(v.Scope(), o.config.scopeName) {
			toDelete = append(toDelete, v)
		}
	})
	for _, v := range toDelete {
		ctx.DeleteVariable(v.Scope(), v.Name())
	}
}
