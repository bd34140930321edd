// Package phantom generates synthetic test objects and region-of-
// interest masks for demos and end-to-end tests of the reconstruction
// driver.
package phantom

import (
	"math"

	"tomofista/pkg/geometry"
	"tomofista/pkg/reconstruction"
)

// Discs builds a piecewise-constant phantom: a bright disc of radius
// 0.4*N centered in the grid with a dimmer inset disc of radius
// 0.15*N, replicated across all slices. Values lie in [0, 1].
func Discs(g geometry.Volume) *reconstruction.Volume {
	vol := reconstruction.NewVolume(g)
	c := float64(g.N-1) / 2
	outer := 0.4 * float64(g.N)
	inner := 0.15 * float64(g.N)
	for z := 0; z < g.Slices; z++ {
		slice := vol.Slice(z)
		for y := 0; y < g.N; y++ {
			for x := 0; x < g.N; x++ {
				r := math.Hypot(float64(x)-c, float64(y)-c)
				switch {
				case r <= inner:
					slice[y*g.N+x] = 0.4
				case r <= outer:
					slice[y*g.N+x] = 1.0
				}
			}
		}
	}
	return vol
}

// CircularROI builds a voxel mask selecting the inscribed circle of
// radius radiusFrac*N/2 in every slice, the usual region for error
// metrics on tomographic grids (the corners are never in the beam).
func CircularROI(g geometry.Volume, radiusFrac float64) []bool {
	mask := make([]bool, g.Voxels())
	c := float64(g.N-1) / 2
	radius := radiusFrac * float64(g.N) / 2
	size := g.N * g.N
	for z := 0; z < g.Slices; z++ {
		for y := 0; y < g.N; y++ {
			for x := 0; x < g.N; x++ {
				if math.Hypot(float64(x)-c, float64(y)-c) <= radius {
					mask[z*size+y*g.N+x] = true
				}
			}
		}
	}
	return mask
}
