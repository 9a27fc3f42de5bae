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

	"github.com/born-ml/s2m2/internal/checkpoint"
	"github.com/born-ml/s2m2/internal/data"
	"github.com/born-ml/s2m2/internal/device"
	"github.com/born-ml/s2m2/internal/metrics"
	"github.com/born-ml/s2m2/internal/mixup"
)

// Mixup trains model with manifold mixup over epochs [opts.Start, opts.Stop).
//
// Each batch draws lam from the sampler, mixes hidden states at a random
// layer, and minimises lam*CE(y) + (1-lam)*CE(y[perm]) with Adam. After each
// epoch the model is evaluated on the full test stream.
func Mixup[B tensor.Backend](
	ctx context.Context,
	dev *device.Context[B],
	model *network[B],
	train, test *data.Loader,
	opts Options,
) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = DefaultMixupLogEvery
	}
	rng := opts.rng()
	lambda := opts.Lambda
	if lambda == nil {
		s, err := mixup.NewSampler(opts.Alpha, rand.NewPCG(rng.Uint64(), rng.Uint64()))
		if err != nil {
			return nil, err
		}
		lambda = s
	}

	backend := dev.Backend()
	optimizer := newAdam(model.Parameters(), opts.LR, backend)
	backend.Tape().StartRecording()
	defer backend.Tape().StopRecording()

	klog.Infof("stop_epoch %d %d", opts.Start, opts.Stop)
	res := &Result{}
	for epoch := opts.Start; epoch < opts.Stop; epoch++ {
		klog.Infof("Epoch: %d", epoch)

		model.SetTraining(true)
		stats, err := mixupEpoch(ctx, epoch, model, train, backend, optimizer, lambda, rng, opts.LogEvery)
		if err != nil {
			return res, err
		}

		if checkpoint.ShouldSave(epoch, opts.Start, opts.Stop, opts.SaveFreq) {
			path, err := saveCheckpoint(model, nil, epoch, &opts)
			if err != nil {
				return res, err
			}
			stats.Checkpoint = path
		}

		model.SetTraining(false)
		if err := noGrad(backend, func() error { return evaluate(model, test, backend, &stats) }); err != nil {
			return res, fmt.Errorf("epoch %d: evaluate: %w", epoch, err)
		}
		klog.Infof("Loss: %.3f | Acc: %.3f%%", stats.TestLoss, stats.TestAcc)

		record(opts.History, epoch, stats.TrainLoss, stats.TrainAcc, stats.TestLoss, stats.TestAcc)
		res.Epochs = append(res.Epochs, stats)
		dev.EmptyCache()
	}
	return res, nil
}

func mixupEpoch[B tensor.Backend](
	ctx context.Context,
	epoch int,
	model *network[B],
	train *data.Loader,
	backend *autodiff.Backend[B],
	optimizer *optim.Adam[*autodiff.Backend[B]],
	lambda mixup.Lambda,
	rng *rand.Rand,
	logEvery int,
) (EpochStats, error) {
	stats := EpochStats{Epoch: epoch}
	numBatches := train.NumBatches()

	var loss metrics.Average
	var acc metrics.Accuracy
	it := train.Epoch()
	for it.Next() {
		i := it.Index()
		if err := checkCtx(ctx, epoch, i); err != nil {
			return stats, err
		}
		batch := it.Batch()
		x, err := tensor.FromSlice(batch.Images, batch.Shape(), backend)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}

		lam := lambda.Sample()
		optimizer.ZeroGrad()
		out, err := model.ForwardMixup(x, batch.Labels, lam, rng)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}
		a, err := labelsTensor(out.TargetsA, backend)
		if err != nil {
			return stats, err
		}
		b, err := labelsTensor(out.TargetsB, backend)
		if err != nil {
			return stats, err
		}
		klog.V(2).Infof("batch %d: lam=%.3f mixed at layer %d", i, lam, out.Layer)
		pred := out.Logits.Argmax(1).Data()

		loss.Add(step(backend, optimizer, mixup.Loss(out.Logits, a, b, lam, backend)))
		acc.Add(mixup.Correct(pred, out.TargetsA, out.TargetsB, lam), batch.Len())

		if i%logEvery == 0 {
			klog.Infof("%d/%d Loss: %.3f | Acc: %.3f%%", i, numBatches, loss.Mean, acc.Percent())
		}
	}
	if err := it.Err(); err != nil {
		return stats, fmt.Errorf("epoch %d: %w", epoch, err)
	}
	stats.TrainLoss = loss.Mean
	stats.TrainAcc = acc.Percent()
	return stats, nil
}

// evaluate runs a plain forward pass over the whole test stream and fills
// TestLoss (mean over batches) and TestAcc.
func evaluate[B tensor.Backend](model *network[B], test *data.Loader, backend *autodiff.Backend[B], stats *EpochStats) error {
	criterion := nn.NewCrossEntropyLoss(backend)
	var loss metrics.Average
	var acc metrics.Accuracy
	it := test.Epoch()
	for it.Next() {
		batch := it.Batch()
		x, y, err := data.Tensors(batch, backend)
		if err != nil {
			return err
		}
		_, logits := model.Forward(x)
		loss.Add(float64(criterion.Forward(logits, y).Data()[0]))
		acc.Add(float64(countEqual(logits.Argmax(1).Data(), batch.Labels)), batch.Len())
		stats.EvalBatches++
	}
	if err := it.Err(); err != nil {
		return err
	}
	stats.EvalSamples = acc.Total
	stats.TestLoss = loss.Mean
	stats.TestAcc = acc.Percent()
	return nil
}
