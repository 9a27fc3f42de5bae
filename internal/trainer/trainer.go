// Package trainer runs the two pretraining regimens: manifold mixup
// (S2M2_R) and rotation prediction.
//
// Both drivers follow the same epoch shape: train over the base stream,
// checkpoint on the save cadence, evaluate with tape recording stopped,
// then release cached device memory.
package trainer

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"k8s.io/klog/v2"

	"github.com/born-ml/s2m2/internal/backbone"
	"github.com/born-ml/s2m2/internal/checkpoint"
	"github.com/born-ml/s2m2/internal/metrics"
	"github.com/born-ml/s2m2/internal/mixup"
	"github.com/born-ml/s2m2/internal/parallel"
)

// Defaults applied when the matching Options field is zero.
const (
	DefaultLR              = 0.001
	DefaultMixupLogEvery   = 100
	DefaultRotateLogEvery  = 50
	DefaultRotateEvalLimit = 10
)

// Series names recorded in Options.History.
var (
	MixupSeries    = []string{"train loss", "train acc", "test loss", "test acc"}
	RotationSeries = []string{"class loss", "rotate loss", "test acc", "rotate acc"}
)

// RunInfo is stamped into every checkpoint.
type RunInfo struct {
	ID     string
	Model  string
	Method string
}

// Options configures a driver run over epochs [Start, Stop).
type Options struct {
	Start, Stop int
	SaveDir     string
	SaveFreq    int
	LR          float32

	// Alpha parameterises Beta(alpha, alpha) for mixup. Lambda, when set,
	// replaces the sampler.
	Alpha  float64
	Lambda mixup.Lambda

	LogEvery    int // batches between progress lines
	EvalBatches int // rotation evaluation batch limit
	Seed        uint64

	Run      RunInfo
	Prior    *checkpoint.Record // rotation head source, may be nil
	History  *metrics.History   // optional per-epoch record
	Parallel parallel.Config
}

// EpochStats summarises one epoch.
type EpochStats struct {
	Epoch int

	TrainLoss  float64 // mixup loss, or class loss for rotation
	TrainAcc   float64 // percent, mixup only
	RotateLoss float64

	TestLoss    float64 // mixup only
	TestAcc     float64 // percent
	RotateAcc   float64 // percent
	EvalBatches int
	EvalSamples int

	Checkpoint string // path written this epoch, empty if none
}

// Result is what a driver run produced.
type Result struct {
	Epochs []EpochStats
}

// Checkpoints lists the files written, in epoch order.
func (r *Result) Checkpoints() []string {
	var out []string
	for _, e := range r.Epochs {
		if e.Checkpoint != "" {
			out = append(out, e.Checkpoint)
		}
	}
	return out
}

// LastEpoch is the final completed epoch, or -1.
func (r *Result) LastEpoch() int {
	if len(r.Epochs) == 0 {
		return -1
	}
	return r.Epochs[len(r.Epochs)-1].Epoch
}

type (
	network[B tensor.Backend] = backbone.Network[*autodiff.Backend[B]]
	ftensor[B tensor.Backend] = tensor.Tensor[float32, *autodiff.Backend[B]]
)

func (o *Options) validate() error {
	if o.Stop < o.Start {
		return fmt.Errorf("trainer: stop epoch %d before start epoch %d", o.Stop, o.Start)
	}
	if o.SaveDir == "" {
		return fmt.Errorf("trainer: empty checkpoint directory")
	}
	if o.LR == 0 {
		o.LR = DefaultLR
	}
	if o.LR < 0 {
		return fmt.Errorf("trainer: negative learning rate %v", o.LR)
	}
	return nil
}

func (o *Options) rng() *rand.Rand {
	return rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15))
}

func newAdam[B tensor.Backend](params []*nn.Parameter[*autodiff.Backend[B]], lr float32, backend *autodiff.Backend[B]) *optim.Adam[*autodiff.Backend[B]] {
	return optim.NewAdam(params, optim.AdamConfig{
		LR:    lr,
		Betas: [2]float32{0.9, 0.999},
		Eps:   1e-8,
	}, backend)
}

// step backpropagates loss, applies one optimizer update and clears the tape.
// It returns the scalar loss value.
func step[B tensor.Backend](backend *autodiff.Backend[B], optimizer *optim.Adam[*autodiff.Backend[B]], loss *ftensor[B]) float64 {
	value := float64(loss.Data()[0])
	grads := backend.Tape().Backward(tensor.Ones[float32](loss.Shape(), backend).Raw(), backend)
	optimizer.Step(grads)
	backend.Tape().Clear()
	return value
}

// noGrad runs f with tape recording paused.
func noGrad[B tensor.Backend](backend *autodiff.Backend[B], f func() error) error {
	tape := backend.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	defer func() {
		if wasRecording {
			tape.StartRecording()
		}
	}()
	return f()
}

func countEqual(pred, want []int32) int {
	n := 0
	for i, p := range pred {
		if p == want[i] {
			n++
		}
	}
	return n
}

func labelsTensor[B tensor.Backend](labels []int32, backend *autodiff.Backend[B]) (*tensor.Tensor[int32, *autodiff.Backend[B]], error) {
	t, err := tensor.FromSlice(labels, tensor.Shape{len(labels)}, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create labels tensor: %w", err)
	}
	return t, nil
}

func saveCheckpoint[B tensor.Backend](model *network[B], rotate map[string]*tensor.RawTensor, epoch int, opts *Options) (string, error) {
	state, err := model.StateDict()
	if err != nil {
		return "", fmt.Errorf("epoch %d: %w", epoch, err)
	}
	path, err := checkpoint.Save(opts.SaveDir, &checkpoint.Record{
		Epoch:  epoch,
		State:  state,
		Rotate: rotate,
		RunID:  opts.Run.ID,
		Model:  opts.Run.Model,
		Method: opts.Run.Method,
	})
	if err != nil {
		return "", fmt.Errorf("epoch %d: save checkpoint: %w", epoch, err)
	}
	klog.V(1).Infof("saved %s", path)
	return path, nil
}

func record(h *metrics.History, epoch int, values ...float64) {
	if h == nil {
		return
	}
	if err := h.Add(epoch, values...); err != nil {
		klog.Warningf("history: %v", err)
	}
}

func checkCtx(ctx context.Context, epoch, batch int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("epoch %d batch %d: %w", epoch, batch, err)
	}
	return nil
}
