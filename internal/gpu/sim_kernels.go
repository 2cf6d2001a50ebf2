package gpu

import "slices"

// simArg is one decoded kernel argument. Pointer arguments are resolved to
// a float32 view starting at the pointed-to address and ending at the end of
// its allocation, so any access past the allocation panics.
type simArg struct {
	f32 float32
	n   int64
	mem []float32
}

// simKernel is the simulator's code generator output for one entry point:
// the parameter list it was generated for and the per-thread body.
type simKernel struct {
	name   string
	params []ParamKind
	run    func(t ThreadID, args []simArg)
}

// simKernels are the entry points the simulator can generate code for.
var simKernels = map[string]*simKernel{
	"matrixTranspose": {
		name:   "matrixTranspose",
		params: []ParamKind{ParamPointer, ParamPointer, ParamInt32},
		run: func(t ThreadID, args []simArg) {
			out, in, width := args[0].mem, args[1].mem, int(args[2].n)
			x := t.GlobalX()
			y := t.GlobalY()
			out[y*width+x] = in[x*width+y]
		},
	},
	"saxpy": {
		name:   "saxpy",
		params: []ParamKind{ParamFloat32, ParamPointer, ParamPointer, ParamPointer, ParamSizeT},
		run: func(t ThreadID, args []simArg) {
			tid := int64(t.Global())
			if tid < args[4].n {
				args[3].mem[tid] = float32(args[0].f32*args[1].mem[tid]) + args[2].mem[tid]
			}
		},
	},
}

func sameParams(a, b []ParamKind) bool {
	return slices.Equal(a, b)
}
