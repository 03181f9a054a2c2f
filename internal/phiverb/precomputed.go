package phiverb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/klauspost/compress/zstd"
)

// PrecomputedBoundary is an externally supplied SDF volume with per-voxel
// material labels, plus the label -> surface map from the companion dif
// file. When present the mesh builder prefers it for boundary labelling.
type PrecomputedBoundary struct {
	Origin     mgl64.Vec3
	Dims       [3]int
	VoxelPitch Real

	SDF     []float32
	Normals [][3]float32
	Labels  []int16

	LabelNames    []string
	LabelSurfaces []Surface // indexed like LabelNames
}

type sdfMetadata struct {
	Origin     [3]float64 `json:"origin"`
	Dims       [3]int     `json:"dims"`
	VoxelPitch float64    `json:"voxel_pitch"`
	Files      struct {
		SDF     string `json:"sdf"`
		Normals string `json:"normals"`
		Labels  string `json:"labels"`
	} `json:"files"`
	Labels []string `json:"labels"`
}

type difEntry struct {
	Label      string `json:"label"`
	Absorption Bands  `json:"absorption"`
	Scattering Bands  `json:"scattering"`
}

// LoadPrecomputedBoundary reads a *.sdf.json metadata file, its binary
// blobs (optionally zstd-compressed, marked by a .zst suffix), and the
// companion *.dif.json label table. Returns nil, nil when metaPath does not
// exist, so callers can treat the volume as optional.
func LoadPrecomputedBoundary(metaPath, difPath string) (*PrecomputedBoundary, error) {
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		return nil, nil
	}

	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("reading sdf metadata: %w", err)
	}
	var meta sdfMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parsing sdf metadata %s: %w", metaPath, err)
	}

	total := meta.Dims[0] * meta.Dims[1] * meta.Dims[2]
	if total <= 0 {
		return nil, fmt.Errorf("sdf volume %s has empty dimensions", metaPath)
	}
	baseDir := filepath.Dir(metaPath)

	sdf, err := readFloat32Blob(filepath.Join(baseDir, meta.Files.SDF), total)
	if err != nil {
		return nil, err
	}
	normalsRaw, err := readFloat32Blob(filepath.Join(baseDir, meta.Files.Normals), total*3)
	if err != nil {
		return nil, err
	}
	labels, err := readInt16Blob(filepath.Join(baseDir, meta.Files.Labels), total)
	if err != nil {
		return nil, err
	}

	pre := &PrecomputedBoundary{
		Origin:     mgl64.Vec3{meta.Origin[0], meta.Origin[1], meta.Origin[2]},
		Dims:       meta.Dims,
		VoxelPitch: meta.VoxelPitch,
		SDF:        sdf,
		Labels:     labels,
		LabelNames: meta.Labels,
	}
	pre.Normals = make([][3]float32, total)
	for i := 0; i < total; i++ {
		pre.Normals[i] = [3]float32{normalsRaw[3*i], normalsRaw[3*i+1], normalsRaw[3*i+2]}
	}

	pre.LabelSurfaces = make([]Surface, len(meta.Labels))
	for i := range pre.LabelSurfaces {
		pre.LabelSurfaces[i] = NeutralSurface()
	}
	if difPath != "" {
		if err := pre.loadDif(difPath); err != nil {
			return nil, err
		}
	}
	return pre, nil
}

func (p *PrecomputedBoundary) loadDif(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading dif table: %w", err)
	}
	var entries []difEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parsing dif table %s: %w", path, err)
	}
	byName := map[string]Surface{}
	for _, e := range entries {
		byName[e.Label] = Surface{Absorption: e.Absorption, Scattering: e.Scattering}
	}
	for i, name := range p.LabelNames {
		if s, ok := byName[name]; ok {
			p.LabelSurfaces[i] = s
		}
	}
	return nil
}

// voxelAt maps a world position to the volume cell, or -1 when outside.
func (p *PrecomputedBoundary) voxelAt(pos mgl64.Vec3) int {
	rel := pos.Sub(p.Origin).Mul(1 / p.VoxelPitch)
	var idx [3]int
	for i := 0; i < 3; i++ {
		idx[i] = int(math.Floor(rel[i]))
		if idx[i] < 0 || idx[i] >= p.Dims[i] {
			return -1
		}
	}
	return idx[0] + p.Dims[0]*(idx[1]+p.Dims[1]*idx[2])
}

// CoefficientAt resolves the coefficient-set index for a boundary face at
// pos. Label coefficients are appended after the scene's surface table, so
// the returned index is offset by numSceneSurfaces.
func (p *PrecomputedBoundary) CoefficientAt(pos mgl64.Vec3, numSceneSurfaces int) (uint32, bool) {
	cell := p.voxelAt(pos)
	if cell < 0 {
		return 0, false
	}
	label := p.Labels[cell]
	if label < 0 || int(label) >= len(p.LabelSurfaces) {
		return 0, false
	}
	return uint32(numSceneSurfaces + int(label)), true
}

// LabelCoefficients designs one canonical set per label surface.
func (p *PrecomputedBoundary) LabelCoefficients(sampleRate Real, forceIdentity bool) []CoefficientsCanonical {
	return buildSurfaceCoefficients(p.LabelSurfaces, sampleRate, forceIdentity)
}

func readBlob(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening zstd blob %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}
	return io.ReadAll(r)
}

func readFloat32Blob(path string, count int) ([]float32, error) {
	raw, err := readBlob(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != count*4 {
		return nil, fmt.Errorf("unexpected binary size for %s: got %d want %d", path, len(raw), count*4)
	}
	out := make([]float32, count)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

func readInt16Blob(path string, count int) ([]int16, error) {
	raw, err := readBlob(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != count*2 {
		return nil, fmt.Errorf("unexpected binary size for %s: got %d want %d", path, len(raw), count*2)
	}
	out := make([]int16, count)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return out, nil
}
