// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package checkpoint persists training state keyed by epoch.
//
// A checkpoint lives at <dir>/<epoch>.tar and is a POSIX tar archive with two
// members:
//
//	header.json   JSON Header: epoch, run id, model, method, tensor metadata
//	              per section ("state", "rotate") and the SHA-256 of the payload
//	tensors.bin   little-endian tensor payloads, 64-byte aligned
//
// Tensors are laid out in section order, then by name, so saving the same
// record twice yields identical payloads.
//
// Example:
//
//	rec := &checkpoint.Record{Epoch: 9, State: model.StateDict()}
//	path, err := checkpoint.Save(dir, rec)
//
//	latest, err := checkpoint.Latest(dir)
//	rec, err = checkpoint.Load(latest)
package checkpoint
