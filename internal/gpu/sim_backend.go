package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"
)

const (
	simBaseAddress        = 0x7f0000000000
	simAllocAlignment     = 256
	simMaxThreadsPerBlock = 1024
	simStreamDepth        = 1024
)

// SimConfig configures the simulated device.
type SimConfig struct {
	Arch        string // architecture identifier reported to the compiler
	TotalMemory int64  // bytes of device memory
	Workers     int    // goroutines executing thread blocks
	Devices     int    // visible device count; 0 simulates a host without accelerator
}

// DefaultSimConfig returns a single simulated device with 4GiB of memory.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Arch:        "gfx-sim",
		TotalMemory: 4 << 30,
		Workers:     runtime.NumCPU(),
		Devices:     1,
	}
}

// SimBackend implements Backend on the host CPU. Device memory lives in Go
// memory, launches are queued on a stream goroutine and thread blocks are
// spread over a bounded set of workers.
type SimBackend struct {
	cfg    SimConfig
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool
	stream      *simStream
	allocs      map[DevicePtr]*simAlloc
	nextAddr    uint64
	used        int64
	modules     map[ModuleHandle]*simModule
	functions   map[FunctionHandle]*simFunction
	nextHandle  uintptr
	launches    int64

	faultMu sync.Mutex
	fault   error
}

type simAlloc struct {
	base  DevicePtr
	size  int
	words []uint64
}

type simModule struct {
	source  string
	kernels map[string]*simKernel
}

type simFunction struct {
	module ModuleHandle
	kernel *simKernel
}

// NewSimBackend creates a new simulator backend instance
func NewSimBackend(cfg SimConfig, logger *zap.Logger) *SimBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Arch == "" {
		cfg.Arch = DefaultSimConfig().Arch
	}
	return &SimBackend{
		cfg:    cfg,
		logger: logger.Named("sim"),
	}
}

func (s *SimBackend) Name() string {
	return "sim"
}

// IsAvailable checks if the backend is available (always true for the simulator)
func (s *SimBackend) IsAvailable() bool {
	return true
}

// Initialize prepares the simulator for use
func (s *SimBackend) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	s.stream = newSimStream(simStreamDepth)
	s.allocs = make(map[DevicePtr]*simAlloc)
	s.modules = make(map[ModuleHandle]*simModule)
	s.functions = make(map[FunctionHandle]*simFunction)
	s.nextAddr = simBaseAddress
	s.used = 0
	s.faultMu.Lock()
	s.fault = nil
	s.faultMu.Unlock()
	s.initialized = true
	s.logger.Info("Simulator backend initialized",
		zap.String("arch", s.cfg.Arch),
		zap.Int("workers", s.cfg.Workers),
		zap.Int64("total_memory_mb", s.cfg.TotalMemory/(1024*1024)))
	return nil
}

// Cleanup drains the stream and drops all device state
func (s *SimBackend) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	s.stream.close()
	if len(s.allocs) > 0 {
		s.logger.Warn("Device memory still allocated at cleanup", zap.Int("allocations", len(s.allocs)), zap.Int64("bytes", s.used))
	}
	s.allocs = nil
	s.modules = nil
	s.functions = nil
	s.initialized = false
	return nil
}

func (s *SimBackend) DeviceCount() (int, error) {
	return s.cfg.Devices, nil
}

// GetDeviceInfo returns information about the simulated device
func (s *SimBackend) GetDeviceInfo() DeviceInfo {
	s.mu.Lock()
	used := s.used
	s.mu.Unlock()

	host := cpuid.CPU.BrandName
	if host == "" {
		host = runtime.GOARCH
	}
	return DeviceInfo{
		Name:               fmt.Sprintf("Simulated device (%s)", host),
		Arch:               s.cfg.Arch,
		TotalMemory:        s.cfg.TotalMemory,
		AvailableMemory:    s.cfg.TotalMemory - used,
		ComputeCapability:  "N/A",
		DriverVersion:      runtime.Version(),
		MaxThreadsPerBlock: simMaxThreadsPerBlock,
		Features:           hostFeatures(),
	}
}

// Launches returns the number of kernel launches accepted so far.
func (s *SimBackend) Launches() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

func (s *SimBackend) Malloc(size int) (DevicePtr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return 0, fmt.Errorf("sim backend not initialized")
	}
	if size <= 0 {
		return 0, ErrInvalidValue
	}
	if s.used+int64(size) > s.cfg.TotalMemory {
		return 0, fmt.Errorf("%w: requested %d bytes, %d of %d available",
			ErrAllocationFailure, size, s.cfg.TotalMemory-s.used, s.cfg.TotalMemory)
	}

	a := &simAlloc{
		base:  DevicePtr(s.nextAddr),
		size:  size,
		words: make([]uint64, (size+7)/8),
	}
	s.allocs[a.base] = a
	s.used += int64(size)
	s.nextAddr += uint64(alignUp(size, simAllocAlignment))
	return a.base, nil
}

// Free synchronizes with the stream before releasing, like the real runtime.
// A sticky fault does not prevent the release.
func (s *SimBackend) Free(ptr DevicePtr) error {
	if err := s.Synchronize(); err != nil && !errors.Is(err, ErrIllegalAddress) {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocs[ptr]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrInvalidDevicePointer, uint64(ptr))
	}
	delete(s.allocs, ptr)
	s.used -= int64(a.size)
	return nil
}

func (s *SimBackend) MemcpyHtoD(dst DevicePtr, src []byte) error {
	if err := s.Synchronize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, off, err := s.resolve(dst)
	if err != nil {
		return err
	}
	mem := wordsAsBytes(a.words, a.size)
	if off+len(src) > len(mem) {
		return fmt.Errorf("%w: copy of %d bytes at offset %d exceeds allocation of %d", ErrInvalidValue, len(src), off, a.size)
	}
	copy(mem[off:], src)
	return nil
}

func (s *SimBackend) MemcpyDtoH(dst []byte, src DevicePtr) error {
	if err := s.Synchronize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, off, err := s.resolve(src)
	if err != nil {
		return err
	}
	mem := wordsAsBytes(a.words, a.size)
	if off+len(dst) > len(mem) {
		return fmt.Errorf("%w: copy of %d bytes at offset %d exceeds allocation of %d", ErrInvalidValue, len(dst), off, a.size)
	}
	copy(dst, mem[off:off+len(dst)])
	return nil
}

// Synchronize waits for the stream and returns the sticky fault, if any.
func (s *SimBackend) Synchronize() error {
	s.mu.Lock()
	stream := s.stream
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return fmt.Errorf("sim backend not initialized")
	}
	stream.synchronize()

	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.fault
}

func (s *SimBackend) ModuleLoadData(image []byte) (ModuleHandle, error) {
	m, err := decodeSimImage(image)
	if err != nil {
		return 0, err
	}
	if m.Arch != s.cfg.Arch {
		return 0, fmt.Errorf("%w: code object targets %q, device is %q", ErrInvalidImage, m.Arch, s.cfg.Arch)
	}

	mod := &simModule{source: m.Source, kernels: make(map[string]*simKernel)}
	for _, e := range m.Entries {
		kinds, err := e.kinds()
		if err != nil {
			return 0, fmt.Errorf("%w: entry %s: %v", ErrInvalidImage, e.Name, err)
		}
		k, ok := simKernels[e.Name]
		if !ok || !sameParams(k.params, kinds) {
			return 0, fmt.Errorf("%w: no device code for entry %s%s", ErrInvalidImage, e.Name, FormatParams(kinds))
		}
		mod.kernels[e.Name] = k
	}
	return s.addModule(mod)
}

// PrecompiledModule exposes every kernel the simulator ships with.
func (s *SimBackend) PrecompiledModule() (ModuleHandle, error) {
	mod := &simModule{source: "<precompiled>", kernels: make(map[string]*simKernel, len(simKernels))}
	for name, k := range simKernels {
		mod.kernels[name] = k
	}
	return s.addModule(mod)
}

func (s *SimBackend) addModule(mod *simModule) (ModuleHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return 0, fmt.Errorf("sim backend not initialized")
	}
	s.nextHandle++
	h := ModuleHandle(s.nextHandle)
	s.modules[h] = mod
	return h, nil
}

func (s *SimBackend) ModuleGetFunction(mod ModuleHandle, name string) (FunctionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[mod]
	if !ok {
		return 0, ErrInvalidHandle
	}
	k, ok := m.kernels[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrKernelNotFound, name)
	}
	s.nextHandle++
	h := FunctionHandle(s.nextHandle)
	s.functions[h] = &simFunction{module: mod, kernel: k}
	return h, nil
}

func (s *SimBackend) ModuleUnload(mod ModuleHandle) error {
	if err := s.Synchronize(); err != nil && !errors.Is(err, ErrIllegalAddress) {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[mod]; !ok {
		return ErrInvalidHandle
	}
	delete(s.modules, mod)
	for h, f := range s.functions {
		if f.module == mod {
			delete(s.functions, h)
		}
	}
	return nil
}

// LaunchKernel validates the configuration, decodes the argument record
// against the kernel's parameter list and enqueues the grid.
func (s *SimBackend) LaunchKernel(fn FunctionHandle, grid, block Dim3, sharedMem int, args []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.functions[fn]
	if !ok {
		return ErrInvalidHandle
	}
	if !grid.Valid() || !block.Valid() || sharedMem < 0 {
		return fmt.Errorf("%w: grid %v block %v", ErrInvalidLaunch, grid, block)
	}
	if block.Size() > simMaxThreadsPerBlock {
		return fmt.Errorf("%w: %d threads per block exceeds %d", ErrInvalidLaunch, block.Size(), simMaxThreadsPerBlock)
	}

	k := f.kernel
	offsets, size := Layout(k.params)
	if len(args) != size {
		return fmt.Errorf("%w: argument buffer is %d bytes, %s%s expects %d",
			ErrInvalidLaunch, len(args), k.name, FormatParams(k.params), size)
	}

	decoded := make([]simArg, len(k.params))
	var fault error
	for i, p := range k.params {
		field := args[offsets[i]:]
		switch p {
		case ParamFloat32:
			decoded[i].f32 = math.Float32frombits(binary.NativeEndian.Uint32(field))
		case ParamInt32:
			decoded[i].n = int64(int32(binary.NativeEndian.Uint32(field)))
		case ParamSizeT:
			decoded[i].n = int64(binary.NativeEndian.Uint64(field))
		case ParamPointer:
			a, off, err := s.resolve(DevicePtr(binary.NativeEndian.Uint64(field)))
			if err != nil {
				fault = fmt.Errorf("%w: %s argument %d: %v", ErrIllegalAddress, k.name, i, err)
				continue
			}
			decoded[i].mem = wordsAsFloat32(a.words, a.size/4)[off/4:]
		}
	}

	s.launches++
	workers := s.cfg.Workers
	s.stream.submit(func() {
		if fault == nil {
			fault = runGrid(k, grid, block, decoded, workers)
		}
		if fault != nil {
			s.setFault(fault)
		}
	})
	return nil
}

// resolve maps an address to its allocation and byte offset. mu must be held.
func (s *SimBackend) resolve(ptr DevicePtr) (*simAlloc, int, error) {
	if a, ok := s.allocs[ptr]; ok {
		return a, 0, nil
	}
	for _, a := range s.allocs {
		if ptr > a.base && uint64(ptr) < uint64(a.base)+uint64(a.size) {
			return a, int(ptr - a.base), nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %#x", ErrInvalidDevicePointer, uint64(ptr))
}

func (s *SimBackend) setFault(err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if s.fault == nil {
		s.fault = err
		s.logger.Error("Kernel fault", zap.Error(err))
	}
}

// runGrid splits the linear block range into contiguous chunks, one per
// worker.
func runGrid(k *simKernel, grid, block Dim3, args []simArg, workers int) error {
	blocks := grid.Size()
	if workers > blocks {
		workers = blocks
	}
	chunk := (blocks + workers - 1) / workers

	var g errgroup.Group
	for from := 0; from < blocks; from += chunk {
		to := min(from+chunk, blocks)
		g.Go(func() error {
			return runBlocks(k, grid, block, args, from, to)
		})
	}
	return g.Wait()
}

func runBlocks(k *simKernel, grid, block Dim3, args []simArg, from, to int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: kernel %s: %v", ErrIllegalAddress, k.name, r)
		}
	}()

	t := ThreadID{GridDim: grid, BlockDim: block}
	for lin := from; lin < to; lin++ {
		t.BlockIdx = Dim3{
			X: lin % grid.X,
			Y: (lin / grid.X) % grid.Y,
			Z: lin / (grid.X * grid.Y),
		}
		for z := 0; z < block.Z; z++ {
			for y := 0; y < block.Y; y++ {
				for x := 0; x < block.X; x++ {
					t.ThreadIdx = Dim3{X: x, Y: y, Z: z}
					k.run(t, args)
				}
			}
		}
	}
	return nil
}

func hostFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "asimd")
		}
		if cpu.ARM64.HasSVE {
			features = append(features, "sve")
		}
	}
	sort.Strings(features)
	return features
}
