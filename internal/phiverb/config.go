package phiverb

import (
	"os"
	"strconv"
)

// BackendKind selects the waveguide solver backend.
type BackendKind int

const (
	BackendDefault BackendKind = iota // accelerator when compiled in, else CPU
	BackendCPU                        // host reference implementation
)

// RuntimeConfig collects every environment switch recognised by the engine.
// Build it once at process start with RuntimeConfigFromEnv and pass it by
// value into Run; the engine never consults the environment directly after
// that.
type RuntimeConfig struct {
	Backend             BackendKind
	MaxSteps            uint64 // 0 = unlimited
	DebugNode           uint64
	HaveDebugNode       bool
	TraceNode           uint64
	HaveTraceNode       bool
	TraceKernels        bool
	VoxelPad            int
	AllowSilentFallback bool
	ForceIdentityCoeffs bool
	AllowEmptyIntermediate bool
}

// DefaultRuntimeConfig returns the configuration used when no environment
// switches are set.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{VoxelPad: 5}
}

// RuntimeConfigFromEnv reads the recognised environment variables once.
func RuntimeConfigFromEnv() RuntimeConfig {
	cfg := DefaultRuntimeConfig()

	switch os.Getenv("WG_BACKEND") {
	case "cpu":
		cfg.Backend = BackendCPU
	default:
		cfg.Backend = BackendDefault
	}

	if v := os.Getenv("MAX_STEPS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.MaxSteps = n
		}
	}
	if v := os.Getenv("DEBUG_NODE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.DebugNode = n
			cfg.HaveDebugNode = true
		}
	}
	if v := os.Getenv("TRACE_NODE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.TraceNode = n
			cfg.HaveTraceNode = true
		}
	}
	cfg.TraceKernels = os.Getenv("WG_TRACE") != ""

	if v := os.Getenv("VOXEL_PAD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if n < 0 {
				n = 0
			}
			if n > 16 {
				n = 16
			}
			cfg.VoxelPad = n
		}
	}

	cfg.AllowSilentFallback = os.Getenv("ALLOW_SILENT_FALLBACK") != ""
	cfg.ForceIdentityCoeffs = os.Getenv("FORCE_IDENTITY_COEFFS") != ""
	cfg.AllowEmptyIntermediate = os.Getenv("ALLOW_EMPTY_INTERMEDIATE") != ""
	return cfg
}
