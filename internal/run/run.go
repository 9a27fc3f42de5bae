package run

import (
	"context"
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/born-ml/s2m2/internal/backbone"
	"github.com/born-ml/s2m2/internal/checkpoint"
	"github.com/born-ml/s2m2/internal/config"
	"github.com/born-ml/s2m2/internal/data"
	"github.com/born-ml/s2m2/internal/device"
	"github.com/born-ml/s2m2/internal/metrics"
	"github.com/born-ml/s2m2/internal/parallel"
	"github.com/born-ml/s2m2/internal/trainer"
)

// Builder constructs the network for a model kind.
type Builder[B tensor.Backend] func(kind backbone.Kind, numClasses int, backend *autodiff.Backend[B]) (*backbone.Network[*autodiff.Backend[B]], error)

// Run is a fully prepared training run.
type Run[B tensor.Backend] struct {
	ID     string
	Config *config.Config
	Kind   backbone.Kind
	Method Method
	Mode   StartMode

	Start, Stop int
	Model       *backbone.Network[*autodiff.Backend[B]]
	Train, Test *data.Loader
	Prior       *checkpoint.Record
	History     *metrics.History

	dev *device.Context[B]
}

// Execute prepares and runs cfg on dev with the full-size networks.
func Execute[B tensor.Backend](ctx context.Context, cfg *config.Config, dev *device.Context[B]) (*trainer.Result, error) {
	r, err := Prepare(cfg, dev, backbone.New[*autodiff.Backend[B]])
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx)
}

// Prepare validates cfg, resolves model and method, decides the start mode,
// builds loaders and the network, and restores any checkpointed state.
func Prepare[B tensor.Backend](cfg *config.Config, dev *device.Context[B], build Builder[B]) (*Run[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	kind, err := backbone.ParseKind(cfg.Model)
	if err != nil {
		return nil, err
	}
	method, err := ParseMethod(cfg.Method)
	if err != nil {
		return nil, err
	}
	mode, err := Decide(cfg, method)
	if err != nil {
		return nil, err
	}
	klog.Infof("%s %s on %s: %s", kind, method, cfg.Dataset, mode)

	train, test, err := loaders(cfg)
	if err != nil {
		return nil, err
	}

	model, err := build(kind, cfg.NumClasses, dev.Backend())
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", kind, err)
	}
	klog.V(1).Infof("%s: %d parameters, %d-d features", kind, model.NumParameters(), model.FeatureDim())

	prior, err := restore(model, method, mode)
	if err != nil {
		return nil, err
	}

	start, stop := EpochRange(cfg, method, mode)
	series := trainer.MixupSeries
	if method == MethodRotation {
		series = trainer.RotationSeries
	}
	return &Run[B]{
		ID:      uuid.NewString(),
		Config:  cfg,
		Kind:    kind,
		Method:  method,
		Mode:    mode,
		Start:   start,
		Stop:    stop,
		Model:   model,
		Train:   train,
		Test:    test,
		Prior:   prior,
		History: metrics.NewHistory(series...),
		dev:     dev,
	}, nil
}

// Execute runs the prepared regimen and writes the history plot if one is
// configured.
func (r *Run[B]) Execute(ctx context.Context) (*trainer.Result, error) {
	opts := trainer.Options{
		Start:    r.Start,
		Stop:     r.Stop,
		SaveDir:  r.Config.CheckpointDir(),
		SaveFreq: r.Config.SaveFreq,
		LR:       float32(r.Config.LR),
		Alpha:    r.Config.Alpha,
		Seed:     r.Config.Seed,
		Run: trainer.RunInfo{
			ID:     r.ID,
			Model:  string(r.Kind),
			Method: string(r.Method),
		},
		Prior:    r.Prior,
		History:  r.History,
		Parallel: parallel.WithWorkers(r.Config.Workers),
	}
	klog.Infof("run %s: epochs [%d, %d), checkpoints in %s", r.ID, r.Start, r.Stop, opts.SaveDir)

	var (
		res *trainer.Result
		err error
	)
	switch r.Method {
	case MethodMixup:
		res, err = trainer.Mixup(ctx, r.dev, r.Model, r.Train, r.Test, opts)
	case MethodRotation:
		res, err = trainer.Rotation(ctx, r.dev, r.Model, r.Train, r.Test, opts)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, r.Method)
	}
	if err != nil {
		return res, err
	}

	if r.Config.PlotPath != "" && r.History.Len() > 0 {
		title := fmt.Sprintf("%s %s %s", r.Config.Dataset, r.Kind, r.Method)
		if err := r.History.WritePlot(r.Config.PlotPath, title); err != nil {
			return res, err
		}
		klog.Infof("wrote %s", r.Config.PlotPath)
	}
	return res, nil
}

func loaders(cfg *config.Config) (train, test *data.Loader, err error) {
	var src data.Source
	if cfg.Synthetic > 0 {
		src = data.Synthetic(cfg.Synthetic, cfg.NumClasses, cfg.ImageSize, cfg.Seed)
		klog.Infof("using %d synthetic images", cfg.Synthetic)
	} else {
		fs, err := data.OpenManifest(cfg.BaseFile())
		if err != nil {
			return nil, nil, err
		}
		if n := fs.Manifest().NumClasses(); n > cfg.NumClasses {
			return nil, nil, fmt.Errorf("%s has %d classes but num_classes is %d", cfg.BaseFile(), n, cfg.NumClasses)
		}
		src = fs
	}

	train, err = data.NewLoader(src, data.Options{
		BatchSize: cfg.BatchSize,
		ImageSize: cfg.ImageSize,
		Aug:       cfg.TrainAug,
		Shuffle:   true,
		Workers:   cfg.Workers,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("train loader: %w", err)
	}
	test, err = data.NewLoader(src, data.Options{
		BatchSize: cfg.TestBatchSize,
		ImageSize: cfg.ImageSize,
		Shuffle:   true,
		Workers:   cfg.Workers,
		Seed:      cfg.Seed + 1,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("test loader: %w", err)
	}
	return train, test, nil
}

// restore loads checkpointed state into model according to mode. It returns
// the record to hand the driver as prior state, which is always nil: a
// resumed rotation run starts a fresh head, and a bootstrap drops the
// rotation head.
func restore[B tensor.Backend](model *backbone.Network[*autodiff.Backend[B]], method Method, mode StartMode) (*checkpoint.Record, error) {
	var path string
	switch m := mode.(type) {
	case FreshStart:
		return nil, nil
	case ResumeSameRegimen:
		path = m.Path
	case BootstrapFromRotation:
		path = m.Path
	default:
		return nil, fmt.Errorf("unhandled start mode %T", mode)
	}

	klog.Infof("resume_file %s", path)
	rec, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	klog.Infof("restored epoch is %d", rec.Epoch)

	state := rec.State
	if _, resume := mode.(ResumeSameRegimen); resume && method == MethodMixup {
		remapped, changed, err := checkpoint.RemapLinearToWeightNorm(state)
		if err != nil {
			return nil, err
		}
		if changed {
			klog.Warningf("remapped %s to weight-normalised classifier; %s dropped",
				checkpoint.LinearWeight, checkpoint.LinearBias)
		}
		current, err := model.StateDict()
		if err != nil {
			return nil, err
		}
		state = checkpoint.Merge(current, remapped)
	}
	if klog.V(2).Enabled() {
		for _, name := range model.StateNames() {
			klog.Infof("state %s", name)
		}
	}

	if err := model.LoadStateDict(state); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return nil, nil
}
