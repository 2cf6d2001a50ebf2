//go:build cuda
// +build cuda

package gpu

/*
#cgo CFLAGS: -I/usr/local/cuda/include
#cgo LDFLAGS: -L/usr/local/cuda/lib64 -lcuda -lnvrtc

#include <cuda.h>
#include <nvrtc.h>
#include <stdlib.h>

static CUresult launchWithBuffer(CUfunction f,
                                 unsigned int gx, unsigned int gy, unsigned int gz,
                                 unsigned int bx, unsigned int by, unsigned int bz,
                                 unsigned int shared, void* args, size_t size) {
    void* config[] = {
        CU_LAUNCH_PARAM_BUFFER_POINTER, args,
        CU_LAUNCH_PARAM_BUFFER_SIZE, &size,
        CU_LAUNCH_PARAM_END
    };
    return cuLaunchKernel(f, gx, gy, gz, bx, by, bz, shared, NULL, NULL, config);
}

static nvrtcResult compileProgram(nvrtcProgram prog, int n, char** opts) {
    return nvrtcCompileProgram(prog, n, (const char* const*)opts);
}

static const char* cuErrorString(CUresult err) {
    const char* str = NULL;
    cuGetErrorString(err, &str);
    return str ? str : "unknown CUDA error";
}
*/
import "C"
import (
	"fmt"
	"unsafe"

	"github.com/fxnlabs/kernel-bench/cuda"
	"go.uber.org/zap"
)

// CUDABackend implements Backend with the CUDA driver API and NVRTC.
type CUDABackend struct {
	logger      *zap.Logger
	initialized bool
	available   bool
	device      C.CUdevice
	ctx         C.CUcontext
	deviceInfo  DeviceInfo
	modules     map[ModuleHandle]C.CUmodule
	functions   map[FunctionHandle]C.CUfunction
}

// NewCUDABackend creates a new CUDA backend instance
func NewCUDABackend(logger *zap.Logger) *CUDABackend {
	backend := &CUDABackend{
		logger: logger.Named("cuda"),
	}

	if err := backend.checkDevice(); err != nil {
		logger.Warn("CUDA device not available", zap.Error(err))
		backend.available = false
	} else {
		backend.available = true
	}

	return backend
}

func (c *CUDABackend) Name() string {
	return "cuda"
}

// IsAvailable checks if CUDA is available
func (c *CUDABackend) IsAvailable() bool {
	return c.available
}

// Initialize retains the primary context of device 0
func (c *CUDABackend) Initialize() error {
	if !c.available {
		return fmt.Errorf("CUDA device not available")
	}
	if c.initialized {
		return nil
	}

	c.logger.Debug("Initializing CUDA backend")

	if err := cuCheck("cuDeviceGet", C.cuDeviceGet(&c.device, 0)); err != nil {
		return err
	}
	if err := cuCheck("cuDevicePrimaryCtxRetain", C.cuDevicePrimaryCtxRetain(&c.ctx, c.device)); err != nil {
		return err
	}
	if err := cuCheck("cuCtxSetCurrent", C.cuCtxSetCurrent(c.ctx)); err != nil {
		C.cuDevicePrimaryCtxRelease(c.device)
		return err
	}

	name := make([]byte, 256)
	C.cuDeviceGetName((*C.char)(unsafe.Pointer(&name[0])), 256, c.device)
	var total C.size_t
	C.cuDeviceTotalMem(&total, c.device)
	var free, unused C.size_t
	C.cuMemGetInfo(&free, &unused)
	var major, minor, maxThreads, driver C.int
	C.cuDeviceGetAttribute(&major, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR, c.device)
	C.cuDeviceGetAttribute(&minor, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR, c.device)
	C.cuDeviceGetAttribute(&maxThreads, C.CU_DEVICE_ATTRIBUTE_MAX_THREADS_PER_BLOCK, c.device)
	C.cuDriverGetVersion(&driver)

	c.deviceInfo = DeviceInfo{
		Name:               string(name[:clen(name)]),
		Arch:               fmt.Sprintf("compute_%d%d", int(major), int(minor)),
		TotalMemory:        int64(total),
		AvailableMemory:    int64(free),
		ComputeCapability:  fmt.Sprintf("%d.%d", int(major), int(minor)),
		DriverVersion:      fmt.Sprintf("%d.%d", int(driver)/1000, (int(driver)%1000)/10),
		MaxThreadsPerBlock: int(maxThreads),
	}
	c.modules = make(map[ModuleHandle]C.CUmodule)
	c.functions = make(map[FunctionHandle]C.CUfunction)

	c.initialized = true
	c.logger.Info("CUDA backend initialized",
		zap.String("device", c.deviceInfo.Name),
		zap.String("compute_capability", c.deviceInfo.ComputeCapability),
		zap.Float64("total_memory_gb", float64(c.deviceInfo.TotalMemory)/(1<<30)))
	return nil
}

// Cleanup unloads remaining modules and releases the primary context
func (c *CUDABackend) Cleanup() error {
	if !c.initialized {
		return nil
	}

	c.logger.Debug("Cleaning up CUDA backend")

	for h, mod := range c.modules {
		C.cuModuleUnload(mod)
		delete(c.modules, h)
	}
	if err := cuCheck("cuDevicePrimaryCtxRelease", C.cuDevicePrimaryCtxRelease(c.device)); err != nil {
		return err
	}
	c.initialized = false
	return nil
}

func (c *CUDABackend) DeviceCount() (int, error) {
	var count C.int
	if err := cuCheck("cuDeviceGetCount", C.cuDeviceGetCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

// GetDeviceInfo returns information about the CUDA device
func (c *CUDABackend) GetDeviceInfo() DeviceInfo {
	return c.deviceInfo
}

func (c *CUDABackend) Malloc(size int) (DevicePtr, error) {
	var ptr C.CUdeviceptr
	res := C.cuMemAlloc(&ptr, C.size_t(size))
	if res == C.CUDA_ERROR_OUT_OF_MEMORY {
		return 0, fmt.Errorf("%w: cuMemAlloc(%d)", ErrAllocationFailure, size)
	}
	if err := cuCheck("cuMemAlloc", res); err != nil {
		return 0, err
	}
	return DevicePtr(ptr), nil
}

func (c *CUDABackend) Free(ptr DevicePtr) error {
	return cuCheck("cuMemFree", C.cuMemFree(C.CUdeviceptr(ptr)))
}

func (c *CUDABackend) MemcpyHtoD(dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return cuCheck("cuMemcpyHtoD", C.cuMemcpyHtoD(C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src))))
}

func (c *CUDABackend) MemcpyDtoH(dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	return cuCheck("cuMemcpyDtoH", C.cuMemcpyDtoH(unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst))))
}

func (c *CUDABackend) Synchronize() error {
	return cuCheck("cuCtxSynchronize", C.cuCtxSynchronize())
}

func (c *CUDABackend) ModuleLoadData(image []byte) (ModuleHandle, error) {
	if len(image) == 0 {
		return 0, ErrInvalidImage
	}
	// PTX images must be NUL terminated.
	data := C.CBytes(append(append([]byte{}, image...), 0))
	defer C.free(data)

	var mod C.CUmodule
	res := C.cuModuleLoadData(&mod, data)
	if res == C.CUDA_ERROR_INVALID_IMAGE || res == C.CUDA_ERROR_NO_BINARY_FOR_GPU {
		return 0, fmt.Errorf("%w: %s", ErrInvalidImage, C.GoString(C.cuErrorString(res)))
	}
	if err := cuCheck("cuModuleLoadData", res); err != nil {
		return 0, err
	}
	h := ModuleHandle(uintptr(unsafe.Pointer(mod)))
	c.modules[h] = mod
	return h, nil
}

// PrecompiledModule loads the fatbin built from cuda/kernels.cu.
func (c *CUDABackend) PrecompiledModule() (ModuleHandle, error) {
	return c.ModuleLoadData(cuda.KernelsImage)
}

func (c *CUDABackend) ModuleGetFunction(mod ModuleHandle, name string) (FunctionHandle, error) {
	m, ok := c.modules[mod]
	if !ok {
		return 0, ErrInvalidHandle
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var fn C.CUfunction
	res := C.cuModuleGetFunction(&fn, m, cname)
	if res == C.CUDA_ERROR_NOT_FOUND {
		return 0, fmt.Errorf("%w: %s", ErrKernelNotFound, name)
	}
	if err := cuCheck("cuModuleGetFunction", res); err != nil {
		return 0, err
	}
	h := FunctionHandle(uintptr(unsafe.Pointer(fn)))
	c.functions[h] = fn
	return h, nil
}

func (c *CUDABackend) ModuleUnload(mod ModuleHandle) error {
	m, ok := c.modules[mod]
	if !ok {
		return ErrInvalidHandle
	}
	delete(c.modules, mod)
	return cuCheck("cuModuleUnload", C.cuModuleUnload(m))
}

// LaunchKernel passes args as a single parameter buffer, so the record
// layout must match the kernel signature exactly.
func (c *CUDABackend) LaunchKernel(fn FunctionHandle, grid, block Dim3, sharedMem int, args []byte) error {
	f, ok := c.functions[fn]
	if !ok {
		return ErrInvalidHandle
	}
	if !grid.Valid() || !block.Valid() {
		return fmt.Errorf("%w: grid %v block %v", ErrInvalidLaunch, grid, block)
	}
	buf := C.CBytes(args)
	defer C.free(buf)

	res := C.launchWithBuffer(f,
		C.uint(grid.X), C.uint(grid.Y), C.uint(grid.Z),
		C.uint(block.X), C.uint(block.Y), C.uint(block.Z),
		C.uint(sharedMem), buf, C.size_t(len(args)))
	return cuCheck("cuLaunchKernel", res)
}

// cudaProgram wraps an NVRTC compilation unit.
type cudaProgram struct {
	prog      C.nvrtcProgram
	destroyed bool
}

func (c *CUDABackend) CreateProgram(source, name string) (Program, error) {
	csrc := C.CString(source)
	defer C.free(unsafe.Pointer(csrc))
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var prog C.nvrtcProgram
	if res := C.nvrtcCreateProgram(&prog, csrc, cname, 0, nil, nil); res != C.NVRTC_SUCCESS {
		return nil, fmt.Errorf("nvrtcCreateProgram failed: %s", C.GoString(C.nvrtcGetErrorString(res)))
	}
	return &cudaProgram{prog: prog}, nil
}

func (p *cudaProgram) Compile(options []string) error {
	copts := make([]*C.char, len(options))
	for i, o := range options {
		copts[i] = C.CString(o)
		defer C.free(unsafe.Pointer(copts[i]))
	}
	var optPtr **C.char
	if len(copts) > 0 {
		arr := C.malloc(C.size_t(len(copts)) * C.size_t(unsafe.Sizeof(uintptr(0))))
		defer C.free(arr)
		view := (*[1 << 20]*C.char)(arr)[:len(copts):len(copts)]
		copy(view, copts)
		optPtr = (**C.char)(arr)
	}
	if res := C.compileProgram(p.prog, C.int(len(options)), optPtr); res != C.NVRTC_SUCCESS {
		return fmt.Errorf("%w: %s", ErrCompilation, C.GoString(C.nvrtcGetErrorString(res)))
	}
	return nil
}

func (p *cudaProgram) Log() string {
	var size C.size_t
	if C.nvrtcGetProgramLogSize(p.prog, &size) != C.NVRTC_SUCCESS || size <= 1 {
		return ""
	}
	buf := make([]byte, int(size))
	C.nvrtcGetProgramLog(p.prog, (*C.char)(unsafe.Pointer(&buf[0])))
	return string(buf[:clen(buf)])
}

func (p *cudaProgram) Code() ([]byte, error) {
	var size C.size_t
	if res := C.nvrtcGetPTXSize(p.prog, &size); res != C.NVRTC_SUCCESS {
		return nil, fmt.Errorf("nvrtcGetPTXSize failed: %s", C.GoString(C.nvrtcGetErrorString(res)))
	}
	buf := make([]byte, int(size))
	if res := C.nvrtcGetPTX(p.prog, (*C.char)(unsafe.Pointer(&buf[0]))); res != C.NVRTC_SUCCESS {
		return nil, fmt.Errorf("nvrtcGetPTX failed: %s", C.GoString(C.nvrtcGetErrorString(res)))
	}
	return buf[:clen(buf)], nil
}

func (p *cudaProgram) Destroy() error {
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	if res := C.nvrtcDestroyProgram(&p.prog); res != C.NVRTC_SUCCESS {
		return fmt.Errorf("nvrtcDestroyProgram failed: %s", C.GoString(C.nvrtcGetErrorString(res)))
	}
	return nil
}

// checkDevice verifies CUDA device availability
func (c *CUDABackend) checkDevice() error {
	if err := cuCheck("cuInit", C.cuInit(0)); err != nil {
		return err
	}
	var count C.int
	if err := cuCheck("cuDeviceGetCount", C.cuDeviceGetCount(&count)); err != nil {
		return err
	}
	if count == 0 {
		return ErrDeviceUnavailable
	}
	return nil
}

func cuCheck(op string, res C.CUresult) error {
	if res == C.CUDA_SUCCESS {
		return nil
	}
	if res == C.CUDA_ERROR_NO_DEVICE {
		return fmt.Errorf("%s: %w", op, ErrDeviceUnavailable)
	}
	if res == C.CUDA_ERROR_ILLEGAL_ADDRESS {
		return fmt.Errorf("%s: %w", op, ErrIllegalAddress)
	}
	return fmt.Errorf("%s failed: %s", op, C.GoString(C.cuErrorString(res)))
}

// clen returns the length of a null-terminated byte slice.
func clen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}
