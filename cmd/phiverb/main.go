package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/Alemusica/phiverb/internal/phiverb"
)

// renderConfig is the JSON run description consumed by the CLI. Scene
// loading proper lives with the collaborator tools; the CLI accepts either
// an explicit triangle soup or a shoebox shortcut.
type renderConfig struct {
	Shoebox   *[3]float64        `json:"shoebox,omitempty"`
	Vertices  [][3]float64       `json:"vertices,omitempty"`
	Triangles [][4]int           `json:"triangles,omitempty"` // v0 v1 v2 surface
	Surfaces  []phiverb.Surface  `json:"surfaces"`

	Environment phiverb.Environment     `json:"environment"`
	Raytracer   phiverb.RaytracerParams `json:"raytracer"`
	Waveguide   phiverb.WaveguideParams `json:"waveguide"`

	Pairs []struct {
		Source   [3]float64 `json:"source"`
		Receiver [3]float64 `json:"receiver"`
	} `json:"pairs"`

	SimulationTime   float64 `json:"simulationTime"`
	OutputSampleRate float64 `json:"outputSampleRate"`
	VoxelSide        int     `json:"voxelSide,omitempty"`
	OutPrefix        string  `json:"outPrefix,omitempty"`

	SDFMeta string `json:"sdfMeta,omitempty"`
	DifMeta string `json:"difMeta,omitempty"`
}

func loadConfig(path string) (*renderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg renderConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Shoebox == nil && len(cfg.Triangles) == 0 {
		return nil, fmt.Errorf("config needs either a shoebox or a triangle list")
	}
	if len(cfg.Pairs) == 0 {
		return nil, fmt.Errorf("config has no source/receiver pairs")
	}
	if cfg.SimulationTime <= 0 {
		cfg.SimulationTime = 1.0
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = 48000
	}
	if cfg.VoxelSide <= 0 {
		cfg.VoxelSide = 32
	}
	if cfg.OutPrefix == "" {
		cfg.OutPrefix = "ir"
	}
	if cfg.Environment == (phiverb.Environment{}) {
		cfg.Environment = phiverb.DefaultEnvironment()
	}
	if cfg.Raytracer.Rays == 0 {
		cfg.Raytracer = phiverb.DefaultRaytracerParams()
	}
	if cfg.Waveguide.CutoffHz == 0 && cfg.Waveguide.Bands == 0 {
		cfg.Waveguide = phiverb.DefaultWaveguideParams()
	}
	return &cfg, nil
}

func (cfg *renderConfig) scene() phiverb.SceneData {
	if cfg.Shoebox != nil {
		surface := phiverb.NeutralSurface()
		if len(cfg.Surfaces) > 0 {
			surface = cfg.Surfaces[0]
		}
		return phiverb.MakeShoebox(mgl64.Vec3{cfg.Shoebox[0], cfg.Shoebox[1], cfg.Shoebox[2]}, surface)
	}
	vertices := make([]mgl64.Vec3, len(cfg.Vertices))
	for i, v := range cfg.Vertices {
		vertices[i] = mgl64.Vec3{v[0], v[1], v[2]}
	}
	triangles := make([]phiverb.Triangle, len(cfg.Triangles))
	for i, t := range cfg.Triangles {
		triangles[i] = phiverb.Triangle{V0: t[0], V1: t[1], V2: t[2], Surface: t[3]}
	}
	return phiverb.NewSceneData(vertices, triangles, cfg.Surfaces)
}

func writeWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		v := int(math.Round(float64(s) * 32767))
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		buf.Data[i] = v
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

func run(path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	runtimeCfg := phiverb.RuntimeConfigFromEnv()

	var pre *phiverb.PrecomputedBoundary
	if cfg.SDFMeta != "" {
		pre, err = phiverb.LoadPrecomputedBoundary(cfg.SDFMeta, cfg.DifMeta)
		if err != nil {
			return err
		}
	}

	voxelised := phiverb.MakeVoxelisedScene(cfg.scene(), cfg.VoxelSide, runtimeCfg.VoxelPad)

	pairs := make([]phiverb.Pair, len(cfg.Pairs))
	for i, p := range cfg.Pairs {
		pairs[i] = phiverb.Pair{
			Source:   mgl64.Vec3{p.Source[0], p.Source[1], p.Source[2]},
			Receiver: mgl64.Vec3{p.Receiver[0], p.Receiver[1], p.Receiver[2]},
		}
	}

	base := phiverb.RunParams{
		Environment:    cfg.Environment,
		Raytracer:      cfg.Raytracer,
		Waveguide:      cfg.Waveguide,
		SimulationTime: cfg.SimulationTime,
		Precomputed:    pre,
	}

	var keepGoing atomic.Bool
	keepGoing.Store(true)

	channels, err := phiverb.RunPairs(runtimeCfg, voxelised, base, pairs, cfg.OutputSampleRate, &keepGoing, progressSink{})
	if err != nil {
		return err
	}

	for i, ch := range channels {
		out := fmt.Sprintf("%s_%02d.wav", cfg.OutPrefix, i)
		if err := writeWAV(out, ch, int(cfg.OutputSampleRate)); err != nil {
			return err
		}
		fmt.Printf("wrote %s (%d samples)\n", out, len(ch))
	}
	return nil
}

// progressSink prints coarse progress without blocking the engine worker.
type progressSink struct{}

func (progressSink) OnEngineStateChanged(runIdx, numRuns int, state phiverb.EngineState, progress float64) {
	fmt.Printf("[PROGRESS] run %d/%d %s %.1f%%\n", runIdx+1, numRuns, state, progress*100)
}
func (progressSink) OnWaveguideNodePositionsChanged(phiverb.MeshDescriptor) {}
func (progressSink) OnWaveguideNodePressuresChanged([]float32)             {}
func (progressSink) OnRaytracerReflectionsGenerated([]phiverb.Reflection)  {}

func main() {
	cfgPath := "render.json"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	if err := run(cfgPath); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
