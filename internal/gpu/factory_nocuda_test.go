//go:build !cuda
// +build !cuda

package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewBackendWithoutCUDA(t *testing.T) {
	backend, err := NewBackend("auto", DefaultSimConfig(), zap.NewNop())
	assert.NoError(t, err)
	assert.Equal(t, "sim", backend.Name())

	_, err = NewBackend("cuda", DefaultSimConfig(), zap.NewNop())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}
