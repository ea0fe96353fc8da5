// Package volume converts density maps into canonical MRC2014 files with a
// corrected geometric header, and drives the optional ChimeraX resampling
// step. The predictor reads the map geometry from the header, so the start
// index and origin words must both be rewritten in terms of the sampling
// rate the caller supplies.
package volume

import (
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

const headerSize = 1024

// Byte offsets of the MRC2014 header words we read or patch. The header is
// a sequence of 4-byte little-endian words; word 1 starts at byte 0.
const (
	offDims     = 0   // nx, ny, nz (int32 x3)
	offMode     = 12  // data mode (int32)
	offStart    = 16  // nxstart, nystart, nzstart (int32 x3)
	offGridSize = 28  // mx, my, mz (int32 x3)
	offCellDims = 40  // cella: cell dimensions in angstroms (float32 x3)
	offOrigin   = 196 // origin x, y, z in angstroms (float32 x3)
	offMagic    = 208 // "MAP " magic
)

// ErrUnsupportedVolume is returned when the input cannot be interpreted as
// a density map. This is fatal to the run; there is nothing downstream that
// can work without a map.
var ErrUnsupportedVolume = errors.New("unsupported volume format")

// Geometry is the caller-supplied geometric truth for a map: the voxel
// sampling rate in angstroms per voxel and the origin shift vector in
// angstroms. The file header is rewritten to agree with it.
type Geometry struct {
	SamplingRate float64
	OriginShift  [3]float64
}

var mrcExtensions = map[string]bool{
	".mrc":  true,
	".mrcs": true,
	".map":  true,
	".ccp4": true,
	".vol":  true,
}

// Convert writes a canonical MRC copy of src at dst, decompressing gzipped
// input. The header is validated but not yet corrected; callers follow up
// with FixStartHeader and FixOriginHeader, in that order.
func Convert(src, dst string) error {
	ext := strings.ToLower(filepath.Ext(src))
	compressed := ext == ".gz"
	if compressed {
		ext = strings.ToLower(filepath.Ext(strings.TrimSuffix(src, filepath.Ext(src))))
	}
	if !mrcExtensions[ext] {
		return fmt.Errorf("%w: %s", ErrUnsupportedVolume, src)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open volume %s: %w", src, err)
	}
	defer in.Close()

	var reader io.Reader = in
	if compressed {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsupportedVolume, src, err)
		}
		defer gz.Close()
		reader = gz
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		return fmt.Errorf("failed to write volume %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("failed to flush volume %s: %w", dst, err)
	}

	if err := validateHeader(dst); err != nil {
		return err
	}
	return nil
}

func validateHeader(path string) error {
	header, err := readHeader(path)
	if err != nil {
		return err
	}

	mode := int32(binary.LittleEndian.Uint32(header[offMode:]))
	if mode < 0 || mode > 6 {
		return fmt.Errorf("%w: %s: bad data mode %d", ErrUnsupportedVolume, path, mode)
	}
	for axis := 0; axis < 3; axis++ {
		n := int32(binary.LittleEndian.Uint32(header[offDims+4*axis:]))
		if n <= 0 {
			return fmt.Errorf("%w: %s: bad dimension %d on axis %d", ErrUnsupportedVolume, path, n, axis)
		}
	}
	return nil
}

func readHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("%w: %s: truncated header", ErrUnsupportedVolume, path)
	}
	return header, nil
}

func patchHeader(path string, patch func(header []byte)) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open volume %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("%w: %s: truncated header", ErrUnsupportedVolume, path)
	}

	patch(header)

	if _, err := f.WriteAt(header, 0); err != nil {
		return fmt.Errorf("failed to rewrite header of %s: %w", path, err)
	}
	return nil
}

// setCellDims keeps the cell dimensions consistent with the sampling rate:
// cella_i = m_i * rate, so readers recover the rate as cella_i / m_i.
func setCellDims(header []byte, rate float64) {
	for axis := 0; axis < 3; axis++ {
		m := int32(binary.LittleEndian.Uint32(header[offGridSize+4*axis:]))
		cell := float32(float64(m) * rate)
		binary.LittleEndian.PutUint32(header[offCellDims+4*axis:], math.Float32bits(cell))
	}
}

// FixStartHeader is the first header-correction pass. It writes the grid
// start indices derived from the origin shift, in voxels of the supplied
// sampling rate, and records that rate in the cell dimensions. It must run
// before FixOriginHeader so both passes describe the same geometry.
func FixStartHeader(path string, geo Geometry) error {
	if geo.SamplingRate <= 0 {
		return fmt.Errorf("invalid sampling rate %g for %s", geo.SamplingRate, path)
	}
	return patchHeader(path, func(header []byte) {
		for axis := 0; axis < 3; axis++ {
			start := int32(math.Round(geo.OriginShift[axis] / geo.SamplingRate))
			binary.LittleEndian.PutUint32(header[offStart+4*axis:], uint32(start))
		}
		setCellDims(header, geo.SamplingRate)
	})
}

// FixOriginHeader is the second header-correction pass. It writes the true
// origin coordinates in angstroms using the same sampling rate as the start
// pass, and stamps the MRC2014 magic so downstream readers take the origin
// words as authoritative.
func FixOriginHeader(path string, geo Geometry) error {
	if geo.SamplingRate <= 0 {
		return fmt.Errorf("invalid sampling rate %g for %s", geo.SamplingRate, path)
	}
	return patchHeader(path, func(header []byte) {
		for axis := 0; axis < 3; axis++ {
			binary.LittleEndian.PutUint32(header[offOrigin+4*axis:], math.Float32bits(float32(geo.OriginShift[axis])))
		}
		setCellDims(header, geo.SamplingRate)
		copy(header[offMagic:], "MAP ")
	})
}

// Normalize converts src into a canonical MRC file at dst and applies both
// header-correction passes in the required order.
func Normalize(src, dst string, geo Geometry) error {
	if err := Convert(src, dst); err != nil {
		return err
	}
	if err := FixStartHeader(dst, geo); err != nil {
		return err
	}
	return FixOriginHeader(dst, geo)
}

// ReadGeometry reports the geometry currently recorded in a map header. The
// sampling rate is recovered from the cell dimensions and grid size of the
// x axis; the origin is read from the MRC2014 origin words.
func ReadGeometry(path string) (Geometry, error) {
	header, err := readHeader(path)
	if err != nil {
		return Geometry{}, err
	}

	mx := int32(binary.LittleEndian.Uint32(header[offGridSize:]))
	if mx <= 0 {
		return Geometry{}, fmt.Errorf("%w: %s: bad grid size %d", ErrUnsupportedVolume, path, mx)
	}
	cellX := math.Float32frombits(binary.LittleEndian.Uint32(header[offCellDims:]))

	var geo Geometry
	geo.SamplingRate = float64(cellX) / float64(mx)
	for axis := 0; axis < 3; axis++ {
		bits := binary.LittleEndian.Uint32(header[offOrigin+4*axis:])
		geo.OriginShift[axis] = float64(math.Float32frombits(bits))
	}
	return geo, nil
}
