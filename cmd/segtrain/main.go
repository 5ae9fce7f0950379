// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// segtrain trains a segmentation model on a folder of "<id>_sat.jpg" images and "<id>_mask.png" masks,
// with gradient accumulation, a cyclic learning rate, best-loss checkpoints and plateau-driven
// learning rate decay and early stopping.
//
// Hyperparameters are set with -set, e.g.:
//
//	segtrain -train_dir=~/data/train -val_dir=~/data/valid -set="target_batch_size=32;micro_batch_size=8"
//
// While it runs, the maximum learning rate can be changed by editing the file "learning_rate" in the
// checkpoint directory: the new value is used from the next epoch on.
package main

import (
	"flag"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/segtrain/pkg/ml/checkpoints"
	"github.com/gomlx/segtrain/pkg/ml/data"
	"github.com/gomlx/segtrain/pkg/ml/data/images"
	"github.com/gomlx/segtrain/pkg/ml/models"
	"github.com/gomlx/segtrain/pkg/ml/models/pixelwise"
	"github.com/gomlx/segtrain/pkg/ml/params"
	"github.com/gomlx/segtrain/pkg/ml/train"
	"github.com/gomlx/segtrain/pkg/ml/train/livelr"
	"github.com/gomlx/segtrain/ui/commandline"
	"github.com/gomlx/segtrain/ui/plots"
)

var (
	flagTrainDir      = flag.String("train_dir", "", "Directory with the training images and masks. Required.")
	flagValDir        = flag.String("val_dir", "", "Directory with the validation images and masks. If set, the validation loss drives checkpointing decisions and plateau detection.")
	flagCheckpoint    = flag.String("checkpoint", "~/tmp/segtrain", "Directory where to save and load checkpoints.")
	flagName          = flag.String("name", "segtrain", "Name of the run, used as prefix of the checkpoint files.")
	flagResume        = flag.Bool("resume", false, "Resume from the best checkpoint of the monitored criterion in -checkpoint.")
	flagWeights       = flag.String("weights", "", "Resume from the given checkpoint, either its base name or the path to any of its files.")
	flagModel         = flag.String("model", "", fmt.Sprintf("Model to train, one of %q. Overrides the %q hyperparameter.", models.Names(), models.ParamModel))
	flagLoss          = flag.String("loss", "", fmt.Sprintf("Loss, one of %q. Overrides the %q hyperparameter.", slices.Sorted(maps.Keys(pixelwise.KnownLosses)), pixelwise.ParamLoss))
	flagAugmentation  = flag.String("augmentation", "flip", fmt.Sprintf("Augmentation of the training images, one of %q.", images.AugmentationNames()))
	flagWidth         = flag.Int("width", 0, "Width images are resized to. If 0 (and -height is 0), images are used with their original size.")
	flagHeight        = flag.Int("height", 0, "Height images are resized to.")
	flagSeed          = flag.Uint64("seed", 0, "Seed for the shuffling of the training samples. If 0, a seed is picked from the clock.")
	flagNormalize     = flag.Int("normalize", 0, "If > 0, normalize the inputs per channel with the mean and standard deviation of the first -normalize training samples (before augmentation).")
	flagParallelism   = flag.Int("parallelism", 0, "Number of images loaded in parallel. If 0, it uses the number of cores.")
	flagLiveLR        = flag.Bool("live_lr", true, fmt.Sprintf("Write the maximum learning rate to the file %q in the checkpoint directory, and read changes to it at the start of every epoch.", livelr.DefaultFileName))
	flagPlain         = flag.Bool("plain", false, "Plain output, without progress bar: it prints the epoch annotations and the loss every \"stats_steps\".")
	flagCompression   = flag.Bool("compress", true, "Compress checkpoint files with gzip.")
	flagLogPeriod     = flag.Duration("log_period", time.Minute, "Period of the progress log lines, with -v=1.")
	flagPrintSettings = flag.Bool("print_settings", true, "Print the hyperparameters modified with -set before training.")
)

// defaultParams returns all hyperparameters with their default values.
func defaultParams() *params.Params {
	p := train.DefaultParams()
	defaultModel := pixelwise.DefaultConfig()
	p.SetParams(map[string]any{
		models.ParamModel:         models.DefaultModel,
		pixelwise.ParamLoss:       defaultModel.Loss,
		pixelwise.ParamNumDevices: defaultModel.NumDevices,
		pixelwise.ParamChannels:   defaultModel.Channels,
	})
	defaultModel.Optimizer.SetDefaultParams(p)
	return p
}

func main() {
	klog.InitFlags(nil)
	p := defaultParams()
	settings := commandline.CreateSettingsFlag(p, "")
	flag.Parse()

	if err := run(p, *settings); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

func run(p *params.Params, settings string) error {
	paramsSet, err := commandline.ParseSettings(p, settings)
	if err != nil {
		return err
	}
	if *flagModel != "" {
		p.SetParam(models.ParamModel, *flagModel)
		paramsSet = append(paramsSet, models.ParamModel)
	}
	if *flagLoss != "" {
		p.SetParam(pixelwise.ParamLoss, *flagLoss)
		paramsSet = append(paramsSet, pixelwise.ParamLoss)
	}
	if *flagPrintSettings && len(paramsSet) > 0 {
		fmt.Printf("Hyperparameters set:\n%s\n", commandline.SprintModifiedSettings(p, paramsSet))
	}
	config, err := train.RunConfigFromParams(p)
	if err != nil {
		return err
	}
	model, err := models.FromParams(p)
	if err != nil {
		return err
	}

	trainDS, valDS, err := createDatasets(config)
	if err != nil {
		return err
	}

	checkpointConfig := checkpoints.Build(*flagName).Dir(*flagCheckpoint)
	if !*flagCompression {
		checkpointConfig = checkpointConfig.WithCompression(checkpoints.BinUncompressed)
	}
	checkpoint, err := checkpointConfig.Done()
	if err != nil {
		return err
	}

	loop, err := train.NewLoop(config, model, checkpoint)
	if err != nil {
		return err
	}
	if valDS != nil {
		loop.WithValidation(valDS)
	}
	if err = resume(loop, checkpoint); err != nil {
		return err
	}
	if *flagLiveLR {
		lrFile, err := livelr.NewFile(filepath.Join(checkpoint.Dir(), livelr.DefaultFileName), loop.Schedule.MaxLR)
		if err != nil {
			return err
		}
		loop.WithLiveLearningRate(lrFile)
	}

	// UI and logging.
	if *flagPlain {
		commandline.AttachAnnotations(loop)
		if config.StatsSteps > 0 {
			commandline.AttachStats(loop, config.StatsSteps)
		}
	} else {
		commandline.AttachProgressBar(loop)
	}
	train.PeriodicCallback(loop, *flagLogPeriod, "progress log", 200, func(loop *train.Loop, loss float64) error {
		klog.V(1).Infof("epoch %d, step %d of %d: loss=%.5f, lr=%.3g", loop.State.Epoch, loop.State.GlobalStep, loop.EndStep, loss, loop.State.CurrentLR)
		return nil
	})
	if err = plots.AttachPointsWriter(loop, checkpoint.Dir()); err != nil {
		return err
	}

	fmt.Printf("Training %s: %s, %d steps per epoch of %d samples (%d micro-batches of %d)\n",
		model, trainDS, trainDS.NumBatches()/config.AccumulationCount(), config.EffectiveBatchSize(),
		config.AccumulationCount(), config.MicroBatchSize)
	if err = loop.RunEpochs(trainDS); err != nil {
		return err
	}
	fmt.Printf("Done after epoch %d (global step %d): best training loss %.5f", loop.State.Epoch, loop.State.GlobalStep, loop.State.BestTrainLoss)
	if loop.HasValidation() {
		fmt.Printf(", best validation loss %.5f", loop.State.BestValLoss)
	}
	fmt.Printf("\nCheckpoints saved in %s\n", checkpoint.Dir())
	return nil
}

// createDatasets for training and, if -val_dir is set, validation.
func createDatasets(config train.RunConfig) (trainDS, valDS *data.Batcher, err error) {
	if *flagTrainDir == "" {
		return nil, nil, errors.New("flag -train_dir is required")
	}
	augmentation, err := images.AugmentationByName(*flagAugmentation)
	if err != nil {
		return nil, nil, err
	}
	seed := *flagSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	trainImages, err := images.NewSource(*flagTrainDir, *flagWidth, *flagHeight, augmentation)
	if err != nil {
		return nil, nil, err
	}
	var trainSource data.SampleSource = trainImages
	normalize := func(source data.SampleSource) data.SampleSource { return source }
	if *flagNormalize > 0 {
		rawImages, err := images.NewSource(*flagTrainDir, *flagWidth, *flagHeight, nil)
		if err != nil {
			return nil, nil, err
		}
		mean, stddev, err := data.Normalization(rawImages, *flagNormalize)
		if err != nil {
			return nil, nil, err
		}
		normalize = func(source data.SampleSource) data.SampleSource { return data.Normalize(source, mean, stddev) }
		trainSource = normalize(trainSource)
	}
	trainDS = data.NewBatcher("train", trainSource, config.MicroBatchSize).
		DropRemainder(config.EffectiveBatchSize()).
		Shuffle(seed)
	if *flagParallelism > 0 {
		trainDS.Parallelism(*flagParallelism)
	}
	if *flagValDir == "" {
		return trainDS, nil, nil
	}
	valSource, err := images.NewSource(*flagValDir, *flagWidth, *flagHeight, nil)
	if err != nil {
		return nil, nil, err
	}
	valDS = data.NewBatcher("validation", normalize(valSource), config.MicroBatchSize).
		DropRemainder(config.EffectiveBatchSize())
	if *flagParallelism > 0 {
		valDS.Parallelism(*flagParallelism)
	}
	return trainDS, valDS, nil
}

// resume the loop from the checkpoint selected by -weights or -resume, if any.
func resume(loop *train.Loop, checkpoint *checkpoints.Handler) error {
	var ckpt *checkpoints.Checkpoint
	var err error
	switch {
	case *flagWeights != "":
		ckpt, err = checkpoint.LoadFile(*flagWeights)
	case *flagResume:
		ckpt, err = checkpoint.Load(loop.MonitoredCriterion())
	default:
		return nil
	}
	if err != nil {
		return errors.WithMessage(err, "failed to resume training")
	}
	if err = loop.Resume(ckpt); err != nil {
		return err
	}
	fmt.Printf("Resuming from %q: epoch %d, global step %d\n", ckpt.BaseName, ckpt.Epoch, ckpt.GlobalStep)
	return nil
}
