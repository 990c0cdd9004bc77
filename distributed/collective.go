// Package distributed connects the trainer to the collective
// communication layer that synchronizes the data-parallel workers.
//
// The collective itself (rendezvous, ring/tree allreduce, transport) is
// KungFu's job: this package only initializes a peer, exposes the
// worker's identity and wraps the sum-allreduce used for cross-worker
// statistics. There is deliberately no retry or fallback anywhere —
// when a collective call fails the whole run is broken and the caller
// is expected to terminate, leaving the restart to the job launcher.
package distributed

import (
	"github.com/caarlos0/env/v11"
	kb "github.com/lsds/KungFu/srcs/go/kungfu/base"
	"github.com/lsds/KungFu/srcs/go/kungfu/peer"
	"github.com/pkg/errors"
)

// Collective is the subset of the collective-communication layer this
// trainer consumes. All calls are blocking barriers across the whole
// job: a slow worker stalls everyone, a dead one aborts the run.
type Collective interface {
	// Rank of this worker, in [0, Size).
	Rank() int

	// Size is the number of workers in the job.
	Size() int

	// AllReduceSum sums the values element-wise across all workers and
	// returns the identical result on every worker. The name keys the
	// collective operation and must match across workers.
	AllReduceSum(name string, values []float32) ([]float32, error)

	// Barrier blocks until every worker reached it.
	Barrier() error

	// Close detaches from the collective. No calls may follow.
	Close() error
}

// WorkerContext identifies this process within the training job. It is
// captured once at startup and passed explicitly through configuration,
// rather than read from the collective library ad hoc.
type WorkerContext struct {
	Rank int
	Size int
}

// Chief reports whether this worker is rank 0, which owns logging,
// checkpointing and master-mode validation.
func (w WorkerContext) Chief() bool { return w.Rank == 0 }

// Worker captures the identity of this process from the collective.
func Worker(c Collective) WorkerContext {
	return WorkerContext{Rank: c.Rank(), Size: c.Size()}
}

// launcherEnv is the part of the KungFu launcher environment we inspect
// to decide whether this process is part of a multi-worker job. The
// variables themselves are consumed by the KungFu peer.
type launcherEnv struct {
	SelfSpec  string `env:"KUNGFU_SELF_SPEC"`
	InitPeers string `env:"KUNGFU_INIT_PEERS"`
}

// Init connects to the collective layer. Processes started by the
// KungFu launcher join their job; a process started directly (no
// launcher environment) gets a single-worker loopback collective, so
// the trainer runs unchanged on one machine.
func Init() (Collective, error) {
	var le launcherEnv
	if err := env.Parse(&le); err != nil {
		return nil, errors.Wrap(err, "parsing collective launcher environment")
	}
	if le.SelfSpec == "" && le.InitPeers == "" {
		return Loopback(), nil
	}
	p, err := peer.New()
	if err != nil {
		return nil, errors.Wrap(err, "creating collective peer")
	}
	p.Start()
	return &kungfuCollective{peer: p}, nil
}

// kungfuCollective adapts a KungFu peer to the Collective interface.
type kungfuCollective struct {
	peer *peer.Peer
}

func (k *kungfuCollective) Rank() int { return k.peer.CurrentSession().Rank() }
func (k *kungfuCollective) Size() int { return k.peer.CurrentSession().Size() }

func (k *kungfuCollective) AllReduceSum(name string, values []float32) ([]float32, error) {
	sendBuf := kb.NewVector(len(values), kb.F32)
	copy(sendBuf.AsF32(), values)
	recvBuf := kb.NewVector(len(values), kb.F32)
	w := kb.Workspace{
		SendBuf: sendBuf,
		RecvBuf: recvBuf,
		OP:      kb.SUM,
		Name:    name,
	}
	if err := k.peer.CurrentSession().AllReduce(w); err != nil {
		return nil, errors.Wrapf(err, "allreduce %q across %d workers", name, k.Size())
	}
	out := make([]float32, len(values))
	copy(out, recvBuf.AsF32())
	return out, nil
}

func (k *kungfuCollective) Barrier() error {
	return k.peer.CurrentSession().Barrier()
}

func (k *kungfuCollective) Close() error {
	k.peer.Close()
	return nil
}

// loopback is the trivial single-worker collective.
type loopback struct{}

// Loopback returns a collective for a job of one worker: reductions
// return their input and barriers are no-ops.
func Loopback() Collective { return loopback{} }

func (loopback) Rank() int { return 0 }
func (loopback) Size() int { return 1 }

func (loopback) AllReduceSum(_ string, values []float32) ([]float32, error) {
	out := make([]float32, len(values))
	copy(out, values)
	return out, nil
}

func (loopback) Barrier() error { return nil }
func (loopback) Close() error   { return nil }
