//go:build !cuda
// +build !cuda

package gpu

import (
	"fmt"

	"go.uber.org/zap"
)

// NewBackend creates the backend named by kind. Without CUDA support
// "auto" always selects the simulator.
func NewBackend(kind string, sim SimConfig, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch kind {
	case "", "auto", "sim":
		logger.Info("Using simulator backend (compiled without CUDA support)")
		return NewSimBackend(sim, logger), nil
	case "cuda":
		return nil, fmt.Errorf("%w: binary built without the cuda tag", ErrDeviceUnavailable)
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}
