//go:build !windows

package device

import "github.com/born-ml/born/backend/cpu"

// born ships its WebGPU backend for Windows only.
func webgpuAvailable() bool {
	return false
}

// NewWebGPU always fails on this platform. The CPU-typed signature keeps
// callers platform-neutral.
func NewWebGPU() (*Context[*cpu.Backend], error) {
	return nil, ErrNoWebGPU
}
