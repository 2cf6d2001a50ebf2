package gpu

import "fmt"

// ParamKind is the type of one kernel parameter as it appears in the packed
// launch argument record.
type ParamKind int

const (
	ParamFloat32 ParamKind = iota // float
	ParamInt32                    // int
	ParamSizeT                    // size_t
	ParamPointer                  // T*
)

// Size returns the field size in bytes on a 64-bit host.
func (k ParamKind) Size() int {
	switch k {
	case ParamFloat32, ParamInt32:
		return 4
	case ParamSizeT, ParamPointer:
		return 8
	default:
		panic(fmt.Sprintf("gpu: unknown param kind %d", int(k)))
	}
}

// Align returns the natural alignment of the field.
func (k ParamKind) Align() int {
	return k.Size()
}

func (k ParamKind) String() string {
	switch k {
	case ParamFloat32:
		return "float"
	case ParamInt32:
		return "int"
	case ParamSizeT:
		return "size_t"
	case ParamPointer:
		return "ptr"
	default:
		return fmt.Sprintf("ParamKind(%d)", int(k))
	}
}

// ParseParamKind is the inverse of ParamKind.String.
func ParseParamKind(s string) (ParamKind, error) {
	switch s {
	case "float":
		return ParamFloat32, nil
	case "int":
		return ParamInt32, nil
	case "size_t":
		return ParamSizeT, nil
	case "ptr":
		return ParamPointer, nil
	default:
		return 0, fmt.Errorf("unknown param kind %q", s)
	}
}

// Layout computes the C struct layout of a parameter list: each field is
// placed at the next multiple of its alignment and the record is padded to
// its largest alignment.
func Layout(kinds []ParamKind) (offsets []int, size int) {
	offsets = make([]int, len(kinds))
	maxAlign := 1
	for i, k := range kinds {
		a := k.Align()
		if a > maxAlign {
			maxAlign = a
		}
		size = alignUp(size, a)
		offsets[i] = size
		size += k.Size()
	}
	if len(kinds) > 0 {
		size = alignUp(size, maxAlign)
	}
	return offsets, size
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// FormatParams renders a parameter list for diagnostics.
func FormatParams(kinds []ParamKind) string {
	s := "("
	for i, k := range kinds {
		if i > 0 {
			s += ", "
		}
		s += k.String()
	}
	return s + ")"
}
