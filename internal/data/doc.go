// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package data supplies image batches for pretraining.
//
// A Source hands out decoded images with their class ids, a Transform turns
// one image into a normalised CHW float32 slice (with or without training
// augmentation), and a Loader groups samples into shuffled batches.
//
// Datasets are described by a JSON manifest (base.json):
//
//	{
//	  "label_names": ["n01532829", ...],
//	  "image_names": ["/data/miniImagenet/n01532829/n0153282900000005.jpg", ...],
//	  "image_labels": [0, ...]
//	}
//
// Example:
//
//	src, err := data.OpenManifest("filelists/miniImagenet/base.json")
//	loader, err := data.NewLoader(src, data.Options{BatchSize: 16, ImageSize: 32, Aug: true})
//	it := loader.Epoch()
//	for it.Next() {
//	    x, y, err := data.Tensors(it.Batch(), backend)
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
package data
