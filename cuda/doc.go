// Package cuda holds the device image compiled ahead of time from
// kernels.cu. It is only populated in builds with the cuda tag; run `make -C cuda` first.
package cuda
