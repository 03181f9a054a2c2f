package phiverb

import "testing"

func TestHostLayoutInfo(t *testing.T) {
	info := HostLayoutInfo()
	if info.SzMemoryCanonical != 32 {
		t.Fatalf("memory_canonical size %d, want 32", info.SzMemoryCanonical)
	}
	if info.SzCoefficientsCanonical != 64 {
		t.Fatalf("coefficients_canonical size %d, want 64", info.SzCoefficientsCanonical)
	}
	if info.SzBoundaryData != 64 {
		t.Fatalf("boundary_data size %d, want 64", info.SzBoundaryData)
	}
	if info.SzBoundaryDataArray3 != 192 {
		t.Fatalf("boundary_data_array_3 size %d, want 192", info.SzBoundaryDataArray3)
	}
	if info.OffBDFilterMemory != 0 || info.OffBDCoefficientIndex != 32 || info.OffBDGuardTag != 36 {
		t.Fatalf("boundary_data offsets wrong: %+v", info)
	}
	if info.OffB3Data0 != 0 || info.OffB3Data1 != 64 || info.OffB3Data2 != 128 {
		t.Fatalf("boundary_data_array_3 offsets wrong: %+v", info)
	}
}

func TestLayoutParityCPU(t *testing.T) {
	be := newCPUBackend(DefaultRuntimeConfig())
	if err := CheckLayoutParity(be); err != nil {
		t.Fatalf("cpu backend failed layout parity: %v", err)
	}
	probe, err := be.LayoutProbe()
	if err != nil {
		t.Fatal(err)
	}
	if probe != HostLayoutInfo() {
		t.Fatalf("cpu probe diverges from host record: %+v vs %+v", probe, HostLayoutInfo())
	}
}
