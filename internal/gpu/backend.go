package gpu

// DeviceInfo contains information about the accelerator device
type DeviceInfo struct {
	Name               string   `json:"name"`
	Arch               string   `json:"arch"`               // target passed to the runtime compiler
	TotalMemory        int64    `json:"totalMemory"`        // in bytes
	AvailableMemory    int64    `json:"availableMemory"`    // in bytes
	ComputeCapability  string   `json:"computeCapability"`
	DriverVersion      string   `json:"driverVersion"`
	MaxThreadsPerBlock int      `json:"maxThreadsPerBlock"`
	Features           []string `json:"features,omitempty"`
}

// DevicePtr is a device virtual address. It is only meaningful to the
// backend that returned it.
type DevicePtr uint64

// ModuleHandle identifies a loaded module inside a backend.
type ModuleHandle uintptr

// FunctionHandle identifies a resolved kernel entry point inside a backend.
type FunctionHandle uintptr

// Dim3 represents 3D dimensions for grid and block configurations.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the total number of elements
func (d Dim3) Size() int {
	return d.X * d.Y * d.Z
}

// Valid reports whether every dimension is positive.
func (d Dim3) Valid() bool {
	return d.X > 0 && d.Y > 0 && d.Z > 0
}

// ThreadID identifies a thread's position within the execution hierarchy,
// with the same indexing semantics as blockIdx, threadIdx, blockDim and
// gridDim on the device.
type ThreadID struct {
	BlockIdx  Dim3
	ThreadIdx Dim3
	BlockDim  Dim3
	GridDim   Dim3
}

// Global returns the global linear X index
func (tid ThreadID) Global() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// GlobalX returns the global X index
func (tid ThreadID) GlobalX() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// GlobalY returns the global Y index
func (tid ThreadID) GlobalY() int {
	return tid.BlockIdx.Y*tid.BlockDim.Y + tid.ThreadIdx.Y
}

// Program is a runtime compilation unit created from kernel source text.
// It mirrors the create/compile/log/code/destroy sequence of the vendor
// online compilers.
type Program interface {
	// Compile compiles the program with the given options. A non-nil error
	// means the compiler rejected the source; the log still holds the
	// diagnostics.
	Compile(options []string) error

	// Log returns the diagnostic log of the last compilation, which may be
	// non-empty on success (warnings).
	Log() string

	// Code returns the compiled device binary.
	Code() ([]byte, error)

	// Destroy releases the compilation unit. Calling it more than once is a
	// no-op.
	Destroy() error
}

// Backend is the accelerator runtime the harness drives. It allows for
// multiple implementations (CUDA, the built-in simulator) behind a single
// API for device discovery, memory, runtime compilation, module loading and
// kernel launch.
//
// Implementation notes:
// - Backends are driven from a single host goroutine
// - LaunchKernel only enqueues; blocking copies and Synchronize are the
//   completion points
// - Resource cleanup is critical to prevent device memory leaks
type Backend interface {
	// Name returns a short backend identifier ("sim", "cuda").
	Name() string

	// IsAvailable checks if the backend is usable without heavy
	// initialization.
	IsAvailable() bool

	// Initialize prepares the backend for use. It is idempotent.
	Initialize() error

	// Cleanup releases any resources held by the backend. It must be called
	// when the backend is no longer needed.
	Cleanup() error

	// DeviceCount returns the number of visible devices.
	DeviceCount() (int, error)

	// GetDeviceInfo returns information about the default device.
	GetDeviceInfo() DeviceInfo

	Malloc(size int) (DevicePtr, error)
	Free(ptr DevicePtr) error

	// MemcpyHtoD and MemcpyDtoH are synchronous: they wait for every
	// previously enqueued launch before copying.
	MemcpyHtoD(dst DevicePtr, src []byte) error
	MemcpyDtoH(dst []byte, src DevicePtr) error

	// Synchronize blocks until all enqueued work completed and returns any
	// sticky device error.
	Synchronize() error

	// CreateProgram creates a runtime compilation unit from source text,
	// without auxiliary headers.
	CreateProgram(source, name string) (Program, error)

	// ModuleLoadData loads a compiled image.
	ModuleLoadData(image []byte) (ModuleHandle, error)

	// PrecompiledModule loads the kernels built ahead of time into the
	// binary.
	PrecompiledModule() (ModuleHandle, error)

	ModuleGetFunction(mod ModuleHandle, name string) (FunctionHandle, error)
	ModuleUnload(mod ModuleHandle) error

	// LaunchKernel enqueues fn over grid x block threads. args is the packed
	// parameter buffer whose layout must byte-match the kernel signature.
	LaunchKernel(fn FunctionHandle, grid, block Dim3, sharedMem int, args []byte) error
}
