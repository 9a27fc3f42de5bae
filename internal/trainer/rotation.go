package trainer

import (
	"context"
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"k8s.io/klog/v2"

	"github.com/born-ml/s2m2/internal/checkpoint"
	"github.com/born-ml/s2m2/internal/data"
	"github.com/born-ml/s2m2/internal/device"
	"github.com/born-ml/s2m2/internal/metrics"
	"github.com/born-ml/s2m2/internal/rotation"
)

type rotationHead[B tensor.Backend] = rotation.Head[*autodiff.Backend[B]]

// Rotation trains model jointly on classification and rotation prediction
// over epochs [opts.Start, opts.Stop). The loss is 0.5*CE(class) +
// 0.5*CE(rotation) on the 4x rotated batch.
//
// The rotation head starts fresh unless opts.Prior carries a rotate section.
// Evaluation uses only the first opts.EvalBatches test batches.
func Rotation[B tensor.Backend](
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
		opts.LogEvery = DefaultRotateLogEvery
	}
	if opts.EvalBatches <= 0 {
		opts.EvalBatches = DefaultRotateEvalLimit
	}

	backend := dev.Backend()
	head, err := newHead(model, backend, opts.Prior)
	if err != nil {
		return nil, err
	}

	params := append(append([]*nn.Parameter[*autodiff.Backend[B]]{}, model.Parameters()...), head.Parameters()...)
	optimizer := newAdam(params, opts.LR, backend)
	backend.Tape().StartRecording()
	defer backend.Tape().StopRecording()

	klog.Infof("stop_epoch %d %d", opts.Start, opts.Stop)
	res := &Result{}
	for epoch := opts.Start; epoch < opts.Stop; epoch++ {
		model.SetTraining(true)
		stats, err := rotationEpoch(ctx, epoch, model, head, train, backend, optimizer, &opts)
		if err != nil {
			return res, err
		}

		if checkpoint.ShouldSave(epoch, opts.Start, opts.Stop, opts.SaveFreq) {
			rotate, err := head.StateDict()
			if err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			path, err := saveCheckpoint(model, rotate, epoch, &opts)
			if err != nil {
				return res, err
			}
			stats.Checkpoint = path
		}

		model.SetTraining(false)
		err = noGrad(backend, func() error {
			return evaluateRotation(model, head, test, backend, opts.EvalBatches, &opts, &stats)
		})
		if err != nil {
			return res, fmt.Errorf("epoch %d: evaluate: %w", epoch, err)
		}
		klog.Infof("Epoch %d : Accuracy %v, Rotate Accuracy %v", epoch, stats.TestAcc, stats.RotateAcc)

		record(opts.History, epoch, stats.TrainLoss, stats.RotateLoss, stats.TestAcc, stats.RotateAcc)
		res.Epochs = append(res.Epochs, stats)
		dev.EmptyCache()
	}
	return res, nil
}

// newHead builds the rotation head for model, restoring it from prior when
// the prior carries a rotate section.
func newHead[B tensor.Backend](model *network[B], backend *autodiff.Backend[B], prior *checkpoint.Record) (*rotationHead[B], error) {
	head := rotation.NewHead(model.FeatureDim(), backend)
	if prior == nil || !prior.HasRotate() {
		return head, nil
	}
	klog.Info("loading rotate model")
	if err := head.LoadStateDict(prior.Rotate); err != nil {
		return nil, fmt.Errorf("rotate head: %w", err)
	}
	return head, nil
}

func rotationEpoch[B tensor.Backend](
	ctx context.Context,
	epoch int,
	model *network[B],
	head *rotationHead[B],
	train *data.Loader,
	backend *autodiff.Backend[B],
	optimizer *optim.Adam[*autodiff.Backend[B]],
	opts *Options,
) (EpochStats, error) {
	stats := EpochStats{Epoch: epoch}
	criterion := nn.NewCrossEntropyLoss(backend)
	numBatches := train.NumBatches()

	var classLoss, rotateLoss metrics.Average
	it := train.Epoch()
	for it.Next() {
		i := it.Index()
		if err := checkCtx(ctx, epoch, i); err != nil {
			return stats, err
		}
		x, y, r, err := expand(it.Batch(), backend, opts)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}

		optimizer.ZeroGrad()
		features, scores := model.Forward(x)
		rotateScores := head.Forward(features)

		closs := criterion.Forward(scores, y)
		rloss := criterion.Forward(rotateScores, r)
		half := tensor.Full[float32](closs.Shape(), 0.5, backend)
		loss := closs.Mul(half).Add(rloss.Mul(half))

		classLoss.Add(float64(closs.Data()[0]))
		rotateLoss.Add(float64(rloss.Data()[0]))
		step(backend, optimizer, loss)

		if i%opts.LogEvery == 0 {
			klog.Infof("Epoch %d | Batch %d/%d | Loss %f | Rotate Loss %f",
				epoch, i, numBatches, classLoss.Mean, rotateLoss.Mean)
		}
	}
	if err := it.Err(); err != nil {
		return stats, fmt.Errorf("epoch %d: %w", epoch, err)
	}
	stats.TrainLoss = classLoss.Mean
	stats.RotateLoss = rotateLoss.Mean
	return stats, nil
}

// evaluateRotation scores the first limit test batches. Accuracies are
// percentages over the rotated sample count.
func evaluateRotation[B tensor.Backend](
	model *network[B],
	head *rotationHead[B],
	test *data.Loader,
	backend *autodiff.Backend[B],
	limit int,
	opts *Options,
	stats *EpochStats,
) error {
	var acc, racc metrics.Accuracy
	it := test.Epoch()
	for stats.EvalBatches < limit && it.Next() {
		ex, err := rotation.Expand(it.Batch(), opts.Parallel)
		if err != nil {
			return err
		}
		x, _, err := data.Tensors(ex.Batch, backend)
		if err != nil {
			return err
		}
		features, scores := model.Forward(x)
		rotateScores := head.Forward(features)

		n := ex.Batch.Len()
		acc.Add(float64(countEqual(scores.Argmax(1).Data(), ex.Batch.Labels)), n)
		racc.Add(float64(countEqual(rotateScores.Argmax(1).Data(), ex.Rotations)), n)
		stats.EvalBatches++
	}
	if err := it.Err(); err != nil {
		return err
	}
	stats.EvalSamples = acc.Total
	stats.TestAcc = acc.Percent()
	stats.RotateAcc = racc.Percent()
	return nil
}

func expand[B tensor.Backend](batch *data.Batch, backend *autodiff.Backend[B], opts *Options) (
	x *ftensor[B], y, r *tensor.Tensor[int32, *autodiff.Backend[B]], err error,
) {
	ex, err := rotation.Expand(batch, opts.Parallel)
	if err != nil {
		return nil, nil, nil, err
	}
	x, y, err = data.Tensors(ex.Batch, backend)
	if err != nil {
		return nil, nil, nil, err
	}
	r, err = labelsTensor(ex.Rotations, backend)
	if err != nil {
		return nil, nil, nil, err
	}
	return x, y, r, nil
}
