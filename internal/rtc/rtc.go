// Package rtc compiles kernel source text into loadable device code at run
// time.
package rtc

import (
	"fmt"
	"io"
	"time"

	"github.com/fxnlabs/kernel-bench/internal/gpu"
	"github.com/fxnlabs/kernel-bench/internal/kernels"
	"github.com/fxnlabs/kernel-bench/internal/metrics"
	"go.uber.org/zap"
)

const archOptionPrefix = "--gpu-architecture="

// ArchOption returns the single compiler option selecting the target
// architecture.
func ArchOption(arch string) string {
	return archOptionPrefix + arch
}

// Compiler creates compilation units. gpu.Backend satisfies it.
type Compiler interface {
	CreateProgram(source, name string) (gpu.Program, error)
}

// Artifact is the device code produced from one kernel source. It is owned
// by the caller and never persisted.
type Artifact struct {
	Name     string // entry point to resolve after loading
	FileName string
	Arch     string
	Image    []byte
	Log      string
	Duration time.Duration
}

// CompileError reports a compilation the compiler rejected. Log holds the
// compiler diagnostics.
type CompileError struct {
	Name string
	Log  string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Name, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Pipeline runs the create, compile, log, code and destroy sequence.
type Pipeline struct {
	compiler Compiler
	out      io.Writer
	logger   *zap.Logger
}

// NewPipeline creates a pipeline printing compiler logs to out.
func NewPipeline(compiler Compiler, out io.Writer, logger *zap.Logger) *Pipeline {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{compiler: compiler, out: out, logger: logger.Named("rtc")}
}

// Compile compiles src for arch. The compiler log is fetched and printed
// whenever it is non-empty, whether or not compilation succeeded. The
// program is destroyed on every path.
func (p *Pipeline) Compile(src kernels.Source, arch string) (*Artifact, error) {
	log := p.logger.With(zap.String("kernel", src.Name), zap.String("arch", arch))
	start := time.Now()

	prog, err := p.compiler.CreateProgram(src.Text, src.FileName)
	if err != nil {
		return nil, fmt.Errorf("create program %s: %w", src.FileName, err)
	}
	defer func() {
		if derr := prog.Destroy(); derr != nil {
			log.Warn("Failed to destroy program", zap.Error(derr))
		}
	}()

	compileErr := prog.Compile([]string{ArchOption(arch)})

	diagnostics := prog.Log()
	if diagnostics != "" {
		fmt.Fprintln(p.out, diagnostics)
		log.Warn("Compiler reported diagnostics", zap.String("log", diagnostics))
	}

	if compileErr != nil {
		metrics.CompileFailures.WithLabelValues(src.Name).Inc()
		log.Error("Compilation failed", zap.Error(compileErr))
		return nil, &CompileError{Name: src.FileName, Log: diagnostics, Err: compileErr}
	}

	code, err := prog.Code()
	if err != nil {
		return nil, fmt.Errorf("get code of %s: %w", src.FileName, err)
	}
	image := make([]byte, len(code))
	copy(image, code)

	elapsed := time.Since(start)
	metrics.CompileDuration.WithLabelValues(src.Name).Observe(float64(elapsed) / float64(time.Millisecond))
	log.Debug("Compiled kernel", zap.Int("image_bytes", len(image)), zap.Duration("duration", elapsed))

	return &Artifact{
		Name:     src.Name,
		FileName: src.FileName,
		Arch:     arch,
		Image:    image,
		Log:      diagnostics,
		Duration: elapsed,
	}, nil
}
