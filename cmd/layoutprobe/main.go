package main

import (
	"fmt"
	"os"

	"github.com/Alemusica/phiverb/internal/phiverb"
)

// layoutprobe prints the host-side layout of the structures shared with
// the accelerator and, when a device backend is available, verifies that
// the device compiler agrees bit for bit. Build with -tags opencl to probe
// a real device; the default build exercises the host reference path.
func main() {
	info := phiverb.HostLayoutInfo()
	fmt.Printf("memory_canonical        size %3d\n", info.SzMemoryCanonical)
	fmt.Printf("coefficients_canonical  size %3d\n", info.SzCoefficientsCanonical)
	fmt.Printf("boundary_data           size %3d\n", info.SzBoundaryData)
	fmt.Printf("boundary_data_array_3   size %3d\n", info.SzBoundaryDataArray3)
	fmt.Printf("boundary_data offsets: filter_memory=%d coefficient_index=%d guard_tag=%d\n",
		info.OffBDFilterMemory, info.OffBDCoefficientIndex, info.OffBDGuardTag)
	fmt.Printf("boundary_data_array_3 offsets: %d %d %d\n",
		info.OffB3Data0, info.OffB3Data1, info.OffB3Data2)

	if err := phiverb.ProbeSelectedBackend(phiverb.RuntimeConfigFromEnv()); err != nil {
		fmt.Printf("layout parity FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("layout parity OK")
}
