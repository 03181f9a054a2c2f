package phiverb

import "unsafe"

// LayoutInfo reports the byte sizes and field offsets of the structures
// shared with the accelerator. The host record must equal the device's
// layout-probe output bit for bit before any buffer is uploaded.
type LayoutInfo struct {
	SzMemoryCanonical       uint32
	SzCoefficientsCanonical uint32
	SzBoundaryData          uint32
	SzBoundaryDataArray3    uint32
	OffBDFilterMemory       uint32
	OffBDCoefficientIndex   uint32
	OffBDGuardTag           uint32
	OffB3Data0              uint32
	OffB3Data1              uint32
	OffB3Data2              uint32
}

// HostLayoutInfo measures the Go-side structures.
func HostLayoutInfo() LayoutInfo {
	var bd BoundaryData
	var b3 BoundaryDataArray3
	return LayoutInfo{
		SzMemoryCanonical:       uint32(unsafe.Sizeof(MemoryCanonical{})),
		SzCoefficientsCanonical: uint32(unsafe.Sizeof(CoefficientsCanonical{})),
		SzBoundaryData:          uint32(unsafe.Sizeof(BoundaryData{})),
		SzBoundaryDataArray3:    uint32(unsafe.Sizeof(BoundaryDataArray3{})),
		OffBDFilterMemory:       uint32(unsafe.Offsetof(bd.FilterMemory)),
		OffBDCoefficientIndex:   uint32(unsafe.Offsetof(bd.CoefficientIndex)),
		OffBDGuardTag:           uint32(unsafe.Offsetof(bd.GuardTag)),
		OffB3Data0:              uint32(uintptr(unsafe.Pointer(&b3.Array[0])) - uintptr(unsafe.Pointer(&b3))),
		OffB3Data1:              uint32(uintptr(unsafe.Pointer(&b3.Array[1])) - uintptr(unsafe.Pointer(&b3))),
		OffB3Data2:              uint32(uintptr(unsafe.Pointer(&b3.Array[2])) - uintptr(unsafe.Pointer(&b3))),
	}
}

// CheckLayoutParity compares the host record against a backend's probe.
func CheckLayoutParity(be waveguideBackend) error {
	prober, ok := be.(layoutProber)
	if !ok {
		// Backends without device memory trivially satisfy parity.
		return nil
	}
	device, err := prober.LayoutProbe()
	if err != nil {
		return err
	}
	host := HostLayoutInfo()
	if host != device {
		return engineErrorf(ErrInvalidConfiguration,
			"host/device layout mismatch: host=%+v device=%+v", host, device)
	}
	return nil
}

// LayoutProbe on the CPU backend re-measures the host structures, so the
// parity check exercises the same code path on both backends.
func (b *cpuBackend) LayoutProbe() (LayoutInfo, error) {
	return HostLayoutInfo(), nil
}

// ProbeSelectedBackend resolves the configured backend and runs the
// parity check against it, for the layout-probe tool.
func ProbeSelectedBackend(cfg RuntimeConfig) error {
	be, err := selectBackend(cfg)
	if err != nil {
		return err
	}
	defer be.Close()
	return CheckLayoutParity(be)
}
