package trainer

import (
	"sort"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/mlxlab/imagenet-resnet/distributed"
)

// replicaSync keeps the data-parallel replicas identical: after every
// training step the trainable variables are allreduce-summed across the
// workers and divided by the worker count.
//
// Averaging the variables after each local momentum step is the same as
// stepping once with the worker-summed, 1/K-scaled gradient: the
// averaged update is -lr·mean(v_i), and by linearity mean(v_i) follows
// the momentum recursion on the mean of the per-worker gradients.
//
// The very first exchange is a broadcast instead: every worker adopts
// the chief's values wholesale, so a checkpoint restored on the chief
// (or just its initialization) reaches all replicas before averaging
// would blend unrelated weights.
type replicaSync struct {
	ctx        *context.Context
	collective distributed.Collective
	numWorkers int
	chief      bool
	synced     bool
}

// attachReplicaSync hooks the synchronization to the loop, after the
// optimizer applied its updates and before checkpointing or validation
// see the variables. A single-worker job needs none.
func attachReplicaSync(loop *train.Loop, ctx *context.Context, cfg Config) {
	if cfg.Worker.Size <= 1 {
		return
	}
	sync := &replicaSync{
		ctx:        ctx,
		collective: cfg.Collective,
		numWorkers: cfg.Worker.Size,
		chief:      cfg.Worker.Chief(),
	}
	loop.OnStep("replica-sync", 50, func(loop *train.Loop, metrics []*tensors.Tensor) error {
		return sync.step()
	})
}

// step synchronizes all trainable variables once. Variables are
// visited in sorted name order, so every worker issues the same
// sequence of collective operations.
func (s *replicaSync) step() error {
	type namedVar struct {
		name string
		v    *context.Variable
	}
	var vars []namedVar
	s.ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		vars = append(vars, namedVar{
			name: strings.Join([]string{v.Scope(), v.Name()}, "/"),
			v:    v,
		})
	})
	sort.Slice(vars, func(i, j int) bool { return vars[i].name < vars[j].name })

	broadcast := !s.synced
	for _, nv := range vars {
		if err := s.syncVariable(nv.name, nv.v, broadcast); err != nil {
			return err
		}
	}
	s.synced = true
	return nil
}

func (s *replicaSync) syncVariable(name string, v *context.Variable, broadcast bool) error {
	t := v.Value()
	if t.DType() != dtypes.Float32 {
		return errors.Errorf("cannot synchronize variable %q: dtype %s, only %s is supported",
			name, t.DType(), dtypes.Float32)
	}
	send := tensors.CopyFlatData[float32](t)
	if broadcast && !s.chief {
		// The sum of the chief's values and everyone else's zeros is
		// the chief's values: a broadcast out of an allreduce.
		for i := range send {
			send[i] = 0
		}
	}
	summed, err := s.collective.AllReduceSum(name, send)
	if err != nil {
		return errors.WithMessagef(err, "synchronizing variable %q", name)
	}
	if !broadcast {
		scale := 1 / float32(s.numWorkers)
		for i := range summed {
			summed[i] *= scale
		}
	}
	v.SetValue(tensors.FromFlatDataAndDimensions(summed, t.Shape().Dimensions...))
	return nil
}

// shareGlobalStep makes every worker adopt the chief's global step,
// which the chief may have restored from a checkpoint. Returns the
// shared value.
func shareGlobalStep(ctx *context.Context, cfg Config) (int64, error) {
	local := optimizers.GetGlobalStep(ctx)
	send := []float32{float32(local)}
	if !cfg.Worker.Chief() {
		send[0] = 0
	}
	reduced, err := cfg.Collective.AllReduceSum("global-step", send)
	if err != nil {
		return 0, errors.WithMessage(err, "sharing the chief's global step")
	}
	shared := int64(reduced[0])
	if shared != local {
		optimizers.GetGlobalStepVar(ctx).SetValue(tensors.FromValue(shared))
	}
	return shared, nil
}
