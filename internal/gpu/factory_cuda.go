//go:build cuda
// +build cuda

package gpu

import (
	"fmt"

	"go.uber.org/zap"
)

// NewBackend creates the backend named by kind. "auto" tries CUDA first,
// then falls back to the simulator.
func NewBackend(kind string, sim SimConfig, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch kind {
	case "", "auto":
		if cudaBackend := detectCUDA(logger); cudaBackend != nil {
			logger.Info("Using CUDA GPU backend")
			return cudaBackend, nil
		}
		logger.Info("Using simulator backend (no GPU available)")
		return NewSimBackend(sim, logger), nil
	case "cuda":
		return NewCUDABackend(logger), nil
	case "sim":
		return NewSimBackend(sim, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// detectCUDA returns an initialized CUDA backend with at least one device,
// or nil.
func detectCUDA(logger *zap.Logger) *CUDABackend {
	cudaBackend := NewCUDABackend(logger)
	if !cudaBackend.IsAvailable() {
		return nil
	}
	if err := cudaBackend.Initialize(); err != nil {
		logger.Warn("CUDA backend failed to initialize", zap.Error(err))
		_ = cudaBackend.Cleanup()
		return nil
	}
	if n, err := cudaBackend.DeviceCount(); err != nil || n == 0 {
		_ = cudaBackend.Cleanup()
		return nil
	}
	return cudaBackend
}
