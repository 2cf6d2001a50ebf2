// Package launch loads device code, resolves kernels and issues launches.
package launch

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/kernel-bench/internal/gpu"
	"github.com/fxnlabs/kernel-bench/internal/metrics"
	"github.com/fxnlabs/kernel-bench/internal/rtc"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrModuleUnloaded is returned when a module or one of its kernels is used
// after Unload.
var ErrModuleUnloaded = errors.New("module already unloaded")

// Driver issues module and launch calls against a backend.
type Driver struct {
	backend gpu.Backend
	logger  *zap.Logger
}

// NewDriver creates a driver for backend.
func NewDriver(backend gpu.Backend, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{backend: backend, logger: logger.Named("launch")}
}

// Module is loaded device code. It must be unloaded exactly once.
type Module struct {
	driver   *Driver
	handle   gpu.ModuleHandle
	source   string
	unloaded bool
}

// LoadModule loads a runtime-compiled artifact.
func (d *Driver) LoadModule(art *rtc.Artifact) (*Module, error) {
	if art == nil || len(art.Image) == 0 {
		return nil, fmt.Errorf("%w: empty artifact", gpu.ErrInvalidImage)
	}
	h, err := d.backend.ModuleLoadData(art.Image)
	if err != nil {
		return nil, fmt.Errorf("load module %s: %w", art.FileName, err)
	}
	d.logger.Debug("Loaded module", zap.String("source", art.FileName), zap.Int("image_bytes", len(art.Image)))
	return &Module{driver: d, handle: h, source: art.FileName}, nil
}

// LoadPrecompiled loads the kernels built into the binary.
func (d *Driver) LoadPrecompiled() (*Module, error) {
	h, err := d.backend.PrecompiledModule()
	if err != nil {
		return nil, fmt.Errorf("load precompiled module: %w", err)
	}
	d.logger.Debug("Loaded precompiled module", zap.String("backend", d.backend.Name()))
	return &Module{driver: d, handle: h, source: "precompiled"}, nil
}

// Source names the code the module was loaded from.
func (m *Module) Source() string {
	return m.source
}

// Function resolves the entry point name.
func (m *Module) Function(name string) (*Kernel, error) {
	if m.unloaded {
		return nil, ErrModuleUnloaded
	}
	h, err := m.driver.backend.ModuleGetFunction(m.handle, name)
	if err != nil {
		return nil, fmt.Errorf("resolve %s in %s: %w", name, m.source, err)
	}
	return &Kernel{module: m, name: name, handle: h}, nil
}

// Unload releases the module. A second call returns ErrModuleUnloaded.
func (m *Module) Unload() error {
	if m.unloaded {
		return ErrModuleUnloaded
	}
	m.unloaded = true
	if err := m.driver.backend.ModuleUnload(m.handle); err != nil {
		return fmt.Errorf("unload module %s: %w", m.source, err)
	}
	return nil
}

// Kernel is a resolved entry point.
type Kernel struct {
	module *Module
	name   string
	handle gpu.FunctionHandle
}

// Name returns the entry point name.
func (k *Kernel) Name() string {
	return k.name
}

// Launch is a fully configured kernel launch that can be issued repeatedly.
type Launch struct {
	driver *Driver
	kernel *Kernel
	grid   gpu.Dim3
	block  gpu.Dim3
	args   []byte

	// launches is resolved once so that timed launches skip the label lookup.
	launches prometheus.Counter
}

// Configure binds k to its dimensions and arguments.
func (d *Driver) Configure(k *Kernel, grid, block gpu.Dim3, args *Args) (*Launch, error) {
	if k.module.unloaded {
		return nil, ErrModuleUnloaded
	}
	if !grid.Valid() || !block.Valid() {
		return nil, fmt.Errorf("%w: grid %+v block %+v", gpu.ErrInvalidLaunch, grid, block)
	}
	if args == nil || args.Len() == 0 {
		return nil, fmt.Errorf("%w: %s has no arguments", gpu.ErrInvalidLaunch, k.name)
	}
	return &Launch{
		driver:   d,
		kernel:   k,
		grid:     grid,
		block:    block,
		args:     args.Bytes(),
		launches: metrics.KernelLaunches.WithLabelValues(k.name),
	}, nil
}

// Grid returns the grid dimensions.
func (l *Launch) Grid() gpu.Dim3 {
	return l.grid
}

// Block returns the block dimensions.
func (l *Launch) Block() gpu.Dim3 {
	return l.block
}

// Launch enqueues the kernel. It does not wait for completion: the next
// blocking copy or Synchronize observes the result and any device fault.
func (l *Launch) Launch() error {
	if l.kernel.module.unloaded {
		return ErrModuleUnloaded
	}
	if err := l.driver.backend.LaunchKernel(l.kernel.handle, l.grid, l.block, 0, l.args); err != nil {
		return fmt.Errorf("launch %s: %w", l.kernel.name, err)
	}
	l.launches.Inc()
	return nil
}

// Repeat enqueues n launches back to back without synchronizing.
func (l *Launch) Repeat(n int) error {
	for i := 0; i < n; i++ {
		if err := l.Launch(); err != nil {
			return err
		}
	}
	return nil
}

// Synchronize waits for all enqueued launches.
func (d *Driver) Synchronize() error {
	if err := d.backend.Synchronize(); err != nil {
		return fmt.Errorf("synchronize: %w", err)
	}
	return nil
}
