package phiverb

// waveguideBackend hides where the solver runs. Both implementations share
// the same step contract: AddPressure writes into the current field,
// Step runs the pressure and boundary passes and rotates the buffers, and
// ReadPressure exposes the freshly computed field.
type waveguideBackend interface {
	Name() string
	Setup(m *Mesh) error
	AddPressure(node uint32, value float32) error
	Step(step uint32) (int32, error)
	ReadPressure(dst []float32) error
	Diagnostics() *KernelDiagnostics
	Close()
}

// layoutProber is implemented by backends that can report their memory
// layout for the host/device parity check.
type layoutProber interface {
	LayoutProbe() (LayoutInfo, error)
}

// selectBackend resolves the configured backend. The accelerator backend
// is only present when the binary was built with its tag; when it reports
// ErrBackendUnavailable the CPU backend is used instead, and any other
// accelerator error is returned.
func selectBackend(cfg RuntimeConfig) (waveguideBackend, error) {
	switch cfg.Backend {
	case BackendCPU:
		return newCPUBackend(cfg), nil
	default:
		if be, err := newAcceleratorBackend(cfg); err == nil {
			return be, nil
		} else if !IsEngineError(err, ErrBackendUnavailable) {
			return nil, err
		}
		// No accelerator compiled in or none usable: fall back to host.
		return newCPUBackend(cfg), nil
	}
}
