// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package backbone defines the feature extractors pretrained by s2m2.
//
// Two architectures are supported, selected by name:
//
//	WideResNet28_10   pre-activation wide residual network, 640-d features
//	ResNet18          basic-block residual network, 512-d features
//
// Both end in a weight-normalised cosine classifier ("linear.L.weight_g",
// "linear.L.weight_v") and both can run in mixup mode, where the hidden
// activations at a random depth are blended with a permuted copy of the batch.
//
// Parameter names follow the dotted layout of the reference checkpoints
// (e.g. "block1.layer.0.bn1.running_mean"), so StateDict/LoadStateDict can move
// weights between runs of either training regimen.
package backbone
