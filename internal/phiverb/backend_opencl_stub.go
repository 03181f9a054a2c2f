//go:build !opencl
// +build !opencl

package phiverb

// newAcceleratorBackend reports the accelerator as unavailable in builds
// without the opencl tag; selectBackend falls back to the host solver.
func newAcceleratorBackend(cfg RuntimeConfig) (waveguideBackend, error) {
	return nil, engineErrorf(ErrBackendUnavailable, "binary built without OpenCL support")
}
