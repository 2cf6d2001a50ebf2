//go:build cuda
// +build cuda

package cuda

import _ "embed"

// KernelsImage contains the fatbin built from kernels.cu
//
//go:embed lib/kernels.fatbin
var KernelsImage []byte
