// imagenet-resnet trains ResNet-{50,101,152} on the ILSVRC-2012
// classification dataset, synchronously data-parallel across the
// workers launched by kungfu-run (a single process trains standalone).
//
// Typical uses:
//
//	imagenet-resnet --data=/datasets/ilsvrc2012 --depth=50 --logdir=train_log/r50
//	kungfu-run -np 8 imagenet-resnet --data=/datasets/ilsvrc2012 --validation=distributed
//	imagenet-resnet --fake --batch=64                       # throughput benchmark
//	imagenet-resnet --eval --load=train_log/r50 --data=...  # evaluate a checkpoint
package main

import (
	"flag"
	"os"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/mlxlab/imagenet-resnet/distributed"
	"github.com/mlxlab/imagenet-resnet/trainer"
)

var (
	flagData   = flag.String("data", "", "ILSVRC-2012 dataset root, with the train/ and val/ split directories below it.")
	flagLogDir = flag.String("logdir", "train_log/tmp", "Directory for checkpoints and the chief worker's logs.")
	flagLoad   = flag.String("load", "", "Checkpoint directory to evaluate; requires --eval.")
	flagFake   = flag.Bool("fake", false, "Train on synthetic data instead of --data, for benchmarking.")
	flagDepth  = flag.Int("depth", 50, "ResNet depth, one of 50, 101 or 152.")
	flagEval   = flag.Bool("eval", false, "Evaluate the checkpoint given by --load on the validation set, then exit.")
	flagBatch  = flag.Int("batch", 32, "Batch size per worker; the total batch is this times the number of workers.")

	flagValidation = flag.String("validation", "", "Per-epoch validation during training: \"master\" runs the "+
		"full set on the chief, \"distributed\" shards it across all workers. Empty disables it.")
)

// validateFlags rejects inconsistent flag combinations up front, before
// any model, backend or dataset work starts.
func validateFlags(eval bool, load, dataDir string, fake bool) error {
	if eval {
		if load == "" {
			return errors.New("--eval requires --load pointing at a checkpoint directory")
		}
		if dataDir == "" {
			return errors.New("--eval requires --data for the validation set")
		}
		return nil
	}
	if load != "" {
		return errors.New("--load is only used with --eval; training resumes from the checkpoint in --logdir")
	}
	if !fake && dataDir == "" {
		return errors.New("--data is required unless --fake is set")
	}
	return nil
}

// redirectChiefLogs points klog's file output at the run's log
// directory, next to the checkpoints. Only the chief logs to files;
// the other workers keep stderr.
func redirectChiefLogs(logDir string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating log directory %q", logDir)
	}
	for name, value := range map[string]string{
		"log_dir":         logDir,
		"logtostderr":     "false",
		"alsologtostderr": "true",
	} {
		if err := flag.Set(name, value); err != nil {
			return errors.Wrapf(err, "setting -%s", name)
		}
	}
	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := validateFlags(*flagEval, *flagLoad, *flagData, *flagFake); err != nil {
		klog.Exit(err)
	}

	if *flagEval {
		klog.Infof("Running on %q", must.M1(os.Hostname()))
		trainer.Eval(trainer.Config{Depth: *flagDepth, DataDir: *flagData}, *flagLoad)
		return
	}

	collective := must.M1(distributed.Init())
	defer func() { must.M(collective.Close()) }()
	worker := distributed.Worker(collective)
	if worker.Chief() && *flagLogDir != "" {
		must.M(redirectChiefLogs(*flagLogDir))
	}
	klog.Infof("Running on %q, worker %d of %d", must.M1(os.Hostname()), worker.Rank, worker.Size)

	trainer.Train(trainer.Config{
		Depth:      *flagDepth,
		DataDir:    *flagData,
		LogDir:     *flagLogDir,
		Batch:      *flagBatch,
		Fake:       *flagFake,
		Validation: *flagValidation,
		Worker:     worker,
		Collective: collective,
	})
}
