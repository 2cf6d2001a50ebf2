package gpu

import "unsafe"

// Float32Bytes returns the bytes backing a float32 slice without copying.
func Float32Bytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}

// wordsAsBytes and wordsAsFloat32 view 8-byte aligned backing storage.
func wordsAsBytes(w []uint64, n int) []byte {
	if len(w) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&w[0])), len(w)*8)[:n:n]
}

func wordsAsFloat32(w []uint64, n int) []float32 {
	if len(w) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&w[0])), len(w)*2)[:n:n]
}
