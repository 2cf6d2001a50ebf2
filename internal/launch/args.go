package launch

import (
	"encoding/binary"
	"math"

	"github.com/fxnlabs/kernel-bench/internal/gpu"
)

// Args packs kernel arguments into the record passed as the launch
// parameter buffer. Fields are laid out like the members of a C struct
// declared in parameter order.
type Args struct {
	buf   []byte
	kinds []gpu.ParamKind
}

// NewArgs returns an empty argument record.
func NewArgs() *Args {
	return &Args{}
}

func (a *Args) field(k gpu.ParamKind) []byte {
	off := len(a.buf)
	if r := off % k.Align(); r != 0 {
		off += k.Align() - r
	}
	for len(a.buf) < off+k.Size() {
		a.buf = append(a.buf, 0)
	}
	a.kinds = append(a.kinds, k)
	return a.buf[off : off+k.Size()]
}

// Float32 appends a float parameter.
func (a *Args) Float32(v float32) *Args {
	binary.NativeEndian.PutUint32(a.field(gpu.ParamFloat32), math.Float32bits(v))
	return a
}

// Int32 appends an int parameter.
func (a *Args) Int32(v int32) *Args {
	binary.NativeEndian.PutUint32(a.field(gpu.ParamInt32), uint32(v))
	return a
}

// SizeT appends a size_t parameter.
func (a *Args) SizeT(v uint64) *Args {
	binary.NativeEndian.PutUint64(a.field(gpu.ParamSizeT), v)
	return a
}

// Pointer appends a device pointer parameter.
func (a *Args) Pointer(p gpu.DevicePtr) *Args {
	binary.NativeEndian.PutUint64(a.field(gpu.ParamPointer), uint64(p))
	return a
}

// Buffer appends the device address of b.
func (a *Args) Buffer(b *gpu.Buffer) *Args {
	return a.Pointer(b.Ptr())
}

// Len returns the number of fields.
func (a *Args) Len() int {
	return len(a.kinds)
}

// Kinds returns the field types in declaration order.
func (a *Args) Kinds() []gpu.ParamKind {
	return append([]gpu.ParamKind(nil), a.kinds...)
}

// Bytes returns the packed record, including tail padding.
func (a *Args) Bytes() []byte {
	_, size := gpu.Layout(a.kinds)
	out := make([]byte, size)
	copy(out, a.buf)
	return out
}

// TransposeArgs packs matrixTranspose(float* out, float* in, int width).
func TransposeArgs(out, in *gpu.Buffer, width int) *Args {
	return NewArgs().Buffer(out).Buffer(in).Int32(int32(width))
}

// SaxpyArgs packs saxpy(float a, float* x, float* y, float* out, size_t n).
func SaxpyArgs(a float32, x, y, out *gpu.Buffer, n int) *Args {
	return NewArgs().Float32(a).Buffer(x).Buffer(y).Buffer(out).SizeT(uint64(n))
}
