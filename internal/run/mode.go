// Package run turns a Config into a training run: it resolves the model and
// method, decides how the run starts, restores state, and hands off to the
// matching driver.
package run

import (
	"errors"
	"fmt"

	"github.com/born-ml/s2m2/internal/checkpoint"
	"github.com/born-ml/s2m2/internal/config"
)

// Method is a pretraining regimen.
type Method string

// Supported regimens.
const (
	MethodMixup    Method = "S2M2_R"
	MethodRotation Method = "rotation"
)

// ErrUnknownMethod is returned for method names with no regimen.
var ErrUnknownMethod = errors.New("unknown method")

// ParseMethod maps a method flag to its regimen.
func ParseMethod(name string) (Method, error) {
	switch Method(name) {
	case MethodMixup, MethodRotation:
		return Method(name), nil
	default:
		return "", fmt.Errorf("%w %q (valid: %s, %s)", ErrUnknownMethod, name, MethodMixup, MethodRotation)
	}
}

// Start-from choices.
const (
	FromResume   = "resume"
	FromRotation = "rotation"
	FromFresh    = "fresh"
)

// StartMode says where a run's initial state comes from. It is one of
// FreshStart, ResumeSameRegimen or BootstrapFromRotation.
type StartMode interface {
	startMode()
	String() string
}

// FreshStart trains from random initialisation.
type FreshStart struct{}

// ResumeSameRegimen continues from the latest checkpoint of the same run
// directory.
type ResumeSameRegimen struct {
	Path  string
	Epoch int
}

// BootstrapFromRotation starts mixup training from the latest rotation
// checkpoint, keeping the backbone and discarding the rotation head.
type BootstrapFromRotation struct {
	Path  string
	Epoch int
}

func (FreshStart) startMode()            {}
func (ResumeSameRegimen) startMode()     {}
func (BootstrapFromRotation) startMode() {}

func (FreshStart) String() string { return "fresh start" }

func (m ResumeSameRegimen) String() string {
	return fmt.Sprintf("resume from %s (epoch %d)", m.Path, m.Epoch)
}

func (m BootstrapFromRotation) String() string {
	return fmt.Sprintf("bootstrap from rotation checkpoint %s (epoch %d)", m.Path, m.Epoch)
}

// startFrom resolves the effective choice. An empty StartFrom falls back to
// the resume flag: resume continues the same regimen, otherwise mixup
// bootstraps from rotation and rotation starts fresh.
func startFrom(cfg *config.Config, method Method) string {
	if cfg.StartFrom != "" {
		return cfg.StartFrom
	}
	switch {
	case cfg.Resume:
		return FromResume
	case method == MethodMixup:
		return FromRotation
	default:
		return FromFresh
	}
}

// Decide picks the start mode once, before any model is built. A resume or
// bootstrap with no checkpoint to load is an error naming the directory.
func Decide(cfg *config.Config, method Method) (StartMode, error) {
	switch from := startFrom(cfg, method); from {
	case FromFresh:
		return FreshStart{}, nil
	case FromResume:
		path, epoch, err := checkpoint.Latest(cfg.CheckpointDir())
		if err != nil {
			return nil, fmt.Errorf("resume %s: %w", method, err)
		}
		return ResumeSameRegimen{Path: path, Epoch: epoch}, nil
	case FromRotation:
		if method != MethodMixup {
			return nil, fmt.Errorf("start from rotation is only valid for %s, not %s", MethodMixup, method)
		}
		path, epoch, err := checkpoint.Latest(cfg.RotationDir())
		if err != nil {
			return nil, fmt.Errorf("bootstrap %s: %w", method, err)
		}
		return BootstrapFromRotation{Path: path, Epoch: epoch}, nil
	default:
		return nil, fmt.Errorf("unknown start_from %q (valid: %s, %s, %s)", from, FromResume, FromRotation, FromFresh)
	}
}

// EpochRange returns the [start, stop) epochs to train. Restored runs start
// one past the checkpoint epoch. Mixup trains StopEpoch further epochs;
// rotation trains up to StopEpoch.
func EpochRange(cfg *config.Config, method Method, mode StartMode) (start, stop int) {
	start = cfg.StartEpoch
	switch m := mode.(type) {
	case ResumeSameRegimen:
		start = m.Epoch + 1
	case BootstrapFromRotation:
		start = m.Epoch + 1
	}
	if method == MethodMixup {
		return start, start + cfg.StopEpoch
	}
	return start, max(start, cfg.StopEpoch)
}
