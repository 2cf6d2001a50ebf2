package gpu

import (
	"fmt"
	"sync"

	"github.com/fxnlabs/kernel-bench/internal/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Buffer is a device-resident allocation owned by a Session. It must be
// freed exactly once.
type Buffer struct {
	session *Session
	ptr     DevicePtr
	size    int
	freed   bool
}

// Ptr returns the device address, as packed into launch arguments.
func (b *Buffer) Ptr() DevicePtr {
	return b.ptr
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() int {
	return b.size
}

// Free releases the buffer through its session.
func (b *Buffer) Free() error {
	return b.session.Free(b)
}

// Session wraps a Backend with ownership tracking for device buffers.
type Session struct {
	backend Backend
	info    DeviceInfo
	logger  *zap.Logger

	mu        sync.Mutex
	live      map[DevicePtr]*Buffer
	allocated int64
}

// Open initializes the backend and discovers the default device. It fails
// with ErrDeviceUnavailable when no device is present.
func Open(backend Backend, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("session")

	if !backend.IsAvailable() {
		return nil, fmt.Errorf("%w: %s backend is not available", ErrDeviceUnavailable, backend.Name())
	}
	if err := backend.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s backend: %w", backend.Name(), err)
	}

	count, err := backend.DeviceCount()
	if err != nil {
		_ = backend.Cleanup()
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	if count == 0 {
		_ = backend.Cleanup()
		return nil, ErrDeviceUnavailable
	}

	s := &Session{
		backend: backend,
		info:    backend.GetDeviceInfo(),
		logger:  logger,
		live:    make(map[DevicePtr]*Buffer),
	}
	logger.Info("Device session opened",
		zap.String("backend", backend.Name()),
		zap.String("device", s.info.Name),
		zap.String("arch", s.info.Arch),
		zap.Int64("total_memory_mb", s.info.TotalMemory/(1024*1024)))
	return s, nil
}

// Backend returns the underlying backend.
func (s *Session) Backend() Backend {
	return s.backend
}

// Info returns the device information captured at open.
func (s *Session) Info() DeviceInfo {
	return s.info
}

// Arch returns the architecture identifier used to target compilation.
func (s *Session) Arch() string {
	return s.info.Arch
}

// Allocate returns a device buffer of size bytes.
func (s *Session) Allocate(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: allocation size %d", ErrInvalidValue, size)
	}
	ptr, err := s.backend.Malloc(size)
	if err != nil {
		s.logger.Warn("Device allocation failed", zap.Int("bytes", size), zap.Error(err))
		return nil, fmt.Errorf("allocate %d bytes: %w", size, err)
	}

	b := &Buffer{session: s, ptr: ptr, size: size}
	s.mu.Lock()
	s.live[ptr] = b
	s.allocated += int64(size)
	s.mu.Unlock()
	s.publish()

	s.logger.Debug("Allocated device buffer", zap.Uint64("ptr", uint64(ptr)), zap.Int("bytes", size))
	return b, nil
}

// AllocateFloat32 returns a device buffer holding n float32 values.
func (s *Session) AllocateFloat32(n int) (*Buffer, error) {
	return s.Allocate(n * 4)
}

// CopyToDevice copies src into dst. The byte size of src must equal the
// buffer size.
func (s *Session) CopyToDevice(dst *Buffer, src []float32) error {
	if err := s.checkTransfer(dst, len(src)*4); err != nil {
		return err
	}
	if err := s.backend.MemcpyHtoD(dst.ptr, Float32Bytes(src)); err != nil {
		return fmt.Errorf("copy %d bytes to device: %w", dst.size, err)
	}
	return nil
}

// CopyToHost copies src into dst, waiting for enqueued work first. The byte
// size of dst must equal the buffer size.
func (s *Session) CopyToHost(dst []float32, src *Buffer) error {
	if err := s.checkTransfer(src, len(dst)*4); err != nil {
		return err
	}
	if err := s.backend.MemcpyDtoH(Float32Bytes(dst), src.ptr); err != nil {
		return fmt.Errorf("copy %d bytes to host: %w", src.size, err)
	}
	return nil
}

func (s *Session) checkTransfer(b *Buffer, bytes int) error {
	if b.freed {
		return ErrBufferFreed
	}
	if bytes != b.size {
		return fmt.Errorf("%w: host %d bytes, device %d bytes", ErrTransferSizeMismatch, bytes, b.size)
	}
	return nil
}

// Free releases b. A second Free of the same buffer returns ErrBufferFreed
// without reaching the backend.
func (s *Session) Free(b *Buffer) error {
	if b.freed {
		return ErrBufferFreed
	}
	b.freed = true

	s.mu.Lock()
	delete(s.live, b.ptr)
	s.allocated -= int64(b.size)
	s.mu.Unlock()
	s.publish()

	if err := s.backend.Free(b.ptr); err != nil {
		return fmt.Errorf("free device buffer: %w", err)
	}
	return nil
}

// LiveBuffers returns the number of buffers not yet freed.
func (s *Session) LiveBuffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// AllocatedBytes returns the bytes held by live buffers.
func (s *Session) AllocatedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated
}

// Synchronize waits for all enqueued device work.
func (s *Session) Synchronize() error {
	return s.backend.Synchronize()
}

// Close frees any buffers still alive and cleans up the backend.
func (s *Session) Close() error {
	s.mu.Lock()
	leaked := make([]*Buffer, 0, len(s.live))
	for _, b := range s.live {
		leaked = append(leaked, b)
	}
	s.mu.Unlock()

	var err error
	for _, b := range leaked {
		s.logger.Warn("Freeing leaked device buffer", zap.Uint64("ptr", uint64(b.ptr)), zap.Int("bytes", b.size))
		err = multierr.Append(err, s.Free(b))
	}
	err = multierr.Append(err, s.backend.Cleanup())
	return err
}

func (s *Session) publish() {
	s.mu.Lock()
	allocated, live := s.allocated, len(s.live)
	s.mu.Unlock()
	metrics.DeviceMemoryAllocatedBytes.Set(float64(allocated))
	metrics.DeviceBuffersLive.Set(float64(live))
}
