package trainer

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlxlab/imagenet-resnet/distributed"
)

// scriptedCollective records what each reduction sent and replies with
// canned sums, standing in for the other workers of a job.
type scriptedCollective struct {
	size  int
	names []string
	sent  [][]float32
	queue [][]float32
}

var _ distributed.Collective = (*scriptedCollective)(nil)

func (c *scriptedCollective) Rank() int { return 0 }
func (c *scriptedCollective) Size() int { return c.size }

func (c *scriptedCollective) AllReduceSum(name string, values []float32) ([]float32, error) {
	sent := make([]float32, len(values))
	copy(sent, values)
	c.names = append(c.names, name)
	c.sent = append(c.sent, sent)
	if len(c.queue) == 0 {
		return sent, nil
	}
	out := c.queue[0]
	c.queue = c.queue[1:]
	return out, nil
}

func (c *scriptedCollective) Barrier() error { return nil }
func (c *scriptedCollective) Close() error   { return nil }

func variableValues(t *testing.T, v *context.Variable) []float32 {
	t.Helper()
	return tensors.CopyFlatData[float32](v.Value())
}

func TestReplicaSyncBroadcastsFirstThenAverages(t *testing.T) {
	ctx := context.New()
	v := ctx.In("model").VariableWithValue("w", []float32{2, 4})
	v.SetTrainable(true)

	coll := &scriptedCollective{size: 2, queue: [][]float32{{10, 20}, {6, 8}}}
	sync := &replicaSync{ctx: ctx, collective: coll, numWorkers: 2, chief: false}

	// First exchange: a non-chief contributes zeros and adopts the sum
	// (the chief's values) without dividing.
	require.NoError(t, sync.step())
	require.Len(t, coll.sent, 1)
	assert.Equal(t, []float32{0, 0}, coll.sent[0], "non-chief must send zeros on the first exchange")
	assert.Equal(t, []float32{10, 20}, variableValues(t, v))

	// Later exchanges send the local values and average the sum.
	require.NoError(t, sync.step())
	require.Len(t, coll.sent, 2)
	assert.Equal(t, []float32{10, 20}, coll.sent[1])
	assert.Equal(t, []float32{3, 4}, variableValues(t, v), "sum divided by the worker count")
}

func TestReplicaSyncChiefBroadcastsItsValues(t *testing.T) {
	ctx := context.New()
	v := ctx.In("model").VariableWithValue("w", []float32{2, 4})
	v.SetTrainable(true)

	coll := &scriptedCollective{size: 2}
	sync := &replicaSync{ctx: ctx, collective: coll, numWorkers: 2, chief: true}

	require.NoError(t, sync.step())
	require.Len(t, coll.sent, 1)
	assert.Equal(t, []float32{2, 4}, coll.sent[0], "the chief contributes its values to the broadcast")
	assert.Equal(t, []float32{2, 4}, variableValues(t, v))
}

func TestReplicaSyncSkipsNonTrainable(t *testing.T) {
	ctx := context.New()
	trainable := ctx.In("model").VariableWithValue("w", []float32{1})
	trainable.SetTrainable(true)
	frozen := ctx.In("model").VariableWithValue("running_mean", []float32{9})
	frozen.SetTrainable(false)

	coll := &scriptedCollective{size: 2}
	sync := &replicaSync{ctx: ctx, collective: coll, numWorkers: 2, chief: true}
	require.NoError(t, sync.step())
	require.Len(t, coll.names, 1, "only trainable variables are exchanged")
	assert.Equal(t, []float32{9}, variableValues(t, frozen))
}

func TestReplicaSyncOrderIsDeterministic(t *testing.T) {
	ctx := context.New()
	for _, name := range []string{"gamma", "alpha", "beta"} {
		ctx.In("model").VariableWithValue(name, []float32{1}).SetTrainable(true)
	}
	coll := &scriptedCollective{size: 2}
	sync := &replicaSync{ctx: ctx, collective: coll, numWorkers: 2, chief: true}
	require.NoError(t, sync.step())
	assert.IsNonDecreasing(t, coll.names, "reductions must be issued in sorted name order on every worker")
}

func TestShareGlobalStepAdoptsChiefValue(t *testing.T) {
	ctx := context.New()
	coll := &scriptedCollective{size: 2, queue: [][]float32{{1234}}}
	cfg := Config{
		Worker:     distributed.WorkerContext{Rank: 3, Size: 8},
		Collective: coll,
	}

	shared, err := shareGlobalStep(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), shared)
	assert.Equal(t, []float32{0}, coll.sent[0], "non-chief must not contribute to the step sum")
	assert.Equal(t, int64(1234), optimizers.GetGlobalStep(ctx))
}

func TestShareGlobalStepChiefContributes(t *testing.T) {
	ctx := context.New()
	optimizers.GetGlobalStepVar(ctx).SetValue(tensors.FromValue(int64(77)))
	coll := &scriptedCollective{size: 2, queue: [][]float32{{77}}}
	cfg := Config{
		Worker:     distributed.WorkerContext{Rank: 0, Size: 8},
		Collective: coll,
	}

	shared, err := shareGlobalStep(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(77), shared)
	assert.Equal(t, []float32{77}, coll.sent[0])
	assert.Equal(t, int64(77), optimizers.GetGlobalStep(ctx))
}
