// Package device carries the compute backend a training run executes on.
//
// A Context replaces process-wide "use the GPU" flags: it is built once at
// startup and handed to every driver, so placement and cache management are
// explicit at each call site.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/klauspost/cpuid/v2"
)

// ErrNoWebGPU is returned when a WebGPU context is requested but no adapter
// can serve it.
var ErrNoWebGPU = errors.New("webgpu: no adapter available")

// Kind selects a compute backend.
type Kind string

// Supported kinds.
const (
	CPU    Kind = "cpu"
	WebGPU Kind = "webgpu"
	Auto   Kind = "auto"
)

// ParseKind validates a device name.
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(name))); k {
	case CPU, WebGPU, Auto:
		return k, nil
	default:
		return "", fmt.Errorf("unknown device %q (valid: %s, %s, %s)", name, CPU, WebGPU, Auto)
	}
}

// Resolve maps Auto to a concrete kind by probing for a WebGPU adapter.
func Resolve(k Kind) Kind {
	if k != Auto {
		return k
	}
	if webgpuAvailable() {
		return WebGPU
	}
	return CPU
}

// Context is an autodiff-wrapped backend plus its cache and lifetime hooks.
type Context[B tensor.Backend] struct {
	name    string
	backend *autodiff.Backend[B]
	flush   func()
	release func()
}

// NewCPU returns a context on the pure-Go CPU backend.
func NewCPU() *Context[*cpu.Backend] {
	return &Context[*cpu.Backend]{
		name:    string(CPU),
		backend: autodiff.New(cpu.New()),
		flush:   debug.FreeOSMemory,
		release: func() {},
	}
}

// Name returns the device kind the context runs on.
func (c *Context[B]) Name() string {
	return c.name
}

// Backend returns the autodiff backend used for every tensor in the run.
func (c *Context[B]) Backend() *autodiff.Backend[B] {
	return c.backend
}

// EmptyCache returns cached device memory. Called at the end of every epoch.
func (c *Context[B]) EmptyCache() {
	c.backend.Tape().Clear()
	if c.flush != nil {
		c.flush()
	}
}

// Close releases the device.
func (c *Context[B]) Close() {
	if c.release != nil {
		c.release()
		c.release = nil
	}
}

// HostInfo describes the host CPU for the startup banner.
func HostInfo() string {
	features := []string{}
	for _, f := range []cpuid.FeatureID{cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	return fmt.Sprintf("%s (%d physical / %d logical cores, %s)",
		brand, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, strings.Join(features, " "))
}
