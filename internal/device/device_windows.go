//go:build windows

package device

import (
	"fmt"
	"runtime"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/webgpu"
	"github.com/go-webgpu/webgpu/wgpu"
	"k8s.io/klog/v2"
)

func webgpuAvailable() bool {
	return webgpu.IsAvailable()
}

// NewWebGPU returns a context on the WebGPU backend.
func NewWebGPU() (*Context[*webgpu.Backend], error) {
	if !webgpu.IsAvailable() {
		return nil, ErrNoWebGPU
	}
	gpu, err := webgpu.New()
	if err != nil {
		return nil, fmt.Errorf("webgpu: %w", err)
	}
	klog.Infof("webgpu adapter: %s", describeAdapter(gpu.AdapterInfo()))
	return &Context[*webgpu.Backend]{
		name:    string(WebGPU),
		backend: autodiff.New(gpu),
		flush: func() {
			stats := gpu.MemoryStats()
			klog.V(1).Infof("webgpu memory: peak=%d active_buffers=%d pooled=%d",
				stats.PeakMemoryBytes, stats.ActiveBuffers, stats.PooledBuffers)
			// Pooled buffers are returned once their tensors are collected.
			runtime.GC()
		},
		release: gpu.Release,
	}, nil
}

func describeAdapter(info *wgpu.AdapterInfoGo) string {
	if info == nil {
		return "unknown"
	}
	return fmt.Sprintf("%s %s (%s, vendor 0x%04x device 0x%04x)",
		info.Vendor, info.Device, info.Description, info.VendorID, info.DeviceID)
}
