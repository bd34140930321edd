// Package visualization renders reconstructed volumes as grayscale
// slice images for quick inspection of a reconstruction run.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"tomofista/pkg/reconstruction"
)

// Viewer extracts and saves 2D views of a reconstructed volume. Voxel
// values are mapped linearly from the volume's [min, max] range onto
// 16-bit grayscale, so reconstructions on any intensity scale render
// with full contrast.
type Viewer struct {
	vol *reconstruction.Volume

	// lo and hi are the intensity window computed once at construction.
	lo, hi float64
}

// NewViewer creates a viewer over a reconstructed volume.
func NewViewer(vol *reconstruction.Volume) *Viewer {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vol.Data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if !(hi > lo) {
		lo, hi = 0, 1
	}
	return &Viewer{vol: vol, lo: lo, hi: hi}
}

func (v *Viewer) gray(val float64) color.Gray16 {
	t := (val - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts a 2D grayscale view along the specified axis.
// Axis z yields an in-plane XY slice; x and y yield orthogonal cuts
// through the slice stack.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	n, depth := v.vol.N, v.vol.Slices
	var img *image.Gray16

	switch axis {
	case "x", "X":
		if position >= n {
			return nil, fmt.Errorf("position %d exceeds grid size %d", position, n)
		}
		img = image.NewGray16(image.Rect(0, 0, depth, n))
		for y := 0; y < n; y++ {
			for z := 0; z < depth; z++ {
				img.SetGray16(z, y, v.gray(v.vol.Data[z*n*n+y*n+position]))
			}
		}

	case "y", "Y":
		if position >= n {
			return nil, fmt.Errorf("position %d exceeds grid size %d", position, n)
		}
		img = image.NewGray16(image.Rect(0, 0, n, depth))
		for z := 0; z < depth; z++ {
			for x := 0; x < n; x++ {
				img.SetGray16(x, z, v.gray(v.vol.Data[z*n*n+position*n+x]))
			}
		}

	case "z", "Z":
		if position >= depth {
			return nil, fmt.Errorf("position %d exceeds slice count %d", position, depth)
		}
		img = image.NewGray16(image.Rect(0, 0, n, n))
		slice := v.vol.Slice(position)
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				img.SetGray16(x, y, v.gray(slice[y*n+x]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves all slices along the specified
// axis into outputDir, named slice_<axis>_<index>.jpg.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X", "y", "Y":
		maxPos = v.vol.N
	case "z", "Z":
		maxPos = v.vol.Slices
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
