// Package main provides the s2m2 pretraining CLI.
//
// Usage:
//
//	s2m2 -dataset miniImagenet -model WideResNet28_10 -method rotation -start-from fresh
//	s2m2 -dataset miniImagenet -model WideResNet28_10 -method S2M2_R -start-from rotation
//	s2m2 version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/born-ml/s2m2/internal/config"
	"github.com/born-ml/s2m2/internal/device"
	"github.com/born-ml/s2m2/internal/run"
)

const version = "v0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("s2m2 %s\n", version)
		return
	}

	klog.InitFlags(nil)
	defer klog.Flush()
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, cfg); err != nil {
		klog.Flush()
		klog.Fatalf("%v", err)
	}
}

func execute(ctx context.Context, cfg *config.Config) error {
	kind, err := device.ParseKind(cfg.Device)
	if err != nil {
		return err
	}
	klog.Infof("host: %s", device.HostInfo())

	switch device.Resolve(kind) {
	case device.WebGPU:
		dev, err := device.NewWebGPU()
		if err != nil {
			return err
		}
		defer dev.Close()
		_, err = run.Execute(ctx, cfg, dev)
		return err
	default:
		dev := device.NewCPU()
		defer dev.Close()
		_, err = run.Execute(ctx, cfg, dev)
		return err
	}
}

// parseConfig builds the run configuration from defaults, an optional
// -config YAML file, and the flags in args, in increasing precedence.
func parseConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "", "YAML config file; explicit flags override it")
	cfg := config.Default()
	dataDir := bindFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		// Replay the flags given on the command line over the file.
		replay := flag.NewFlagSet("overrides", flag.ContinueOnError)
		dataDir = bindFlags(replay, loaded)
		var replayErr error
		fs.Visit(func(f *flag.Flag) {
			if replay.Lookup(f.Name) == nil || replayErr != nil {
				return
			}
			if err := replay.Set(f.Name, f.Value.String()); err != nil {
				replayErr = fmt.Errorf("flag -%s: %w", f.Name, err)
			}
		})
		if replayErr != nil {
			return nil, replayErr
		}
		cfg = loaded
	}
	if *dataDir != "" {
		if cfg.DataDirs == nil {
			cfg.DataDirs = map[string]string{}
		}
		cfg.DataDirs[cfg.Dataset] = *dataDir
	}

	// Resume is always on; -start-from chooses what is resumed.
	cfg.Resume = true
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// bindFlags registers one flag per config field, defaulting to the current
// value in cfg. It returns the -data-dir destination.
func bindFlags(fs *flag.FlagSet, cfg *config.Config) *string {
	dataDir := fs.String("data-dir", "", "directory holding base.json for -dataset")
	fs.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "dataset name (miniImagenet, CUB, cifar)")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "backbone (WideResNet28_10, ResNet18)")
	fs.StringVar(&cfg.Method, "method", cfg.Method, "regimen (S2M2_R, rotation)")
	fs.StringVar(&cfg.SaveDir, "save-dir", cfg.SaveDir, "root of the checkpoints tree")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "compute device (cpu, webgpu, auto)")
	fs.Float64Var(&cfg.Alpha, "alpha", cfg.Alpha, "Beta(alpha, alpha) parameter for mixup")
	fs.Float64Var(&cfg.LR, "lr", cfg.LR, "Adam learning rate")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "training batch size")
	fs.IntVar(&cfg.TestBatchSize, "test-batch-size", cfg.TestBatchSize, "evaluation batch size")
	fs.IntVar(&cfg.StartEpoch, "start-epoch", cfg.StartEpoch, "first epoch of a fresh run")
	fs.IntVar(&cfg.StopEpoch, "stop-epoch", cfg.StopEpoch, "stop epoch (rotation) or epoch count (S2M2_R)")
	fs.IntVar(&cfg.SaveFreq, "save-freq", cfg.SaveFreq, "epochs between checkpoints")
	fs.IntVar(&cfg.NumClasses, "num-classes", cfg.NumClasses, "classifier outputs")
	fs.IntVar(&cfg.ImageSize, "image-size", cfg.ImageSize, "input side in pixels")
	fs.BoolVar(&cfg.TrainAug, "train-aug", cfg.TrainAug, "augment training images")
	fs.BoolVar(&cfg.Resume, "resume", cfg.Resume, "resume from the latest checkpoint (always on)")
	fs.StringVar(&cfg.StartFrom, "start-from", cfg.StartFrom, "initial state: resume, rotation, fresh")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "image decode workers (0 = one per CPU)")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	fs.StringVar(&cfg.PlotPath, "plot", cfg.PlotPath, "write the loss/accuracy curve to this file")
	fs.IntVar(&cfg.Synthetic, "synthetic", cfg.Synthetic, "train on N generated images instead of -dataset")
	return dataDir
}
