package gpu

import "errors"

var (
	// ErrDeviceUnavailable indicates no accelerator was found.
	ErrDeviceUnavailable = errors.New("no device available")

	// ErrAllocationFailure indicates the device is out of memory.
	ErrAllocationFailure = errors.New("device memory allocation failed")

	// ErrTransferSizeMismatch indicates a copy whose size disagrees with the
	// buffer size. It is a programming error.
	ErrTransferSizeMismatch = errors.New("transfer size does not match buffer size")

	// ErrBufferFreed indicates use or release of an already freed buffer.
	ErrBufferFreed = errors.New("device buffer already freed")

	ErrInvalidValue         = errors.New("invalid value")
	ErrInvalidDevicePointer = errors.New("invalid device pointer")

	// ErrIllegalAddress is the sticky error left by a kernel that accessed
	// memory outside any allocation.
	ErrIllegalAddress = errors.New("an illegal memory access was encountered")

	ErrCompilation    = errors.New("compilation failed")
	ErrInvalidImage   = errors.New("device kernel image is invalid")
	ErrKernelNotFound = errors.New("named symbol not found")
	ErrInvalidHandle  = errors.New("invalid resource handle")
	ErrInvalidLaunch  = errors.New("invalid launch configuration")
)
