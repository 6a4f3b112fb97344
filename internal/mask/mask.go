// Package mask implements the voxel arithmetic merging per-organ
// segmentations into the composite input of the final model.
package mask

import (
	"fmt"

	"github.com/iceball/predictor/internal/model"
	"github.com/iceball/predictor/internal/volume"
)

// DefaultDilationSize is the edge of the square in-plane structuring element.
const DefaultDilationSize = 25

func checkShape(op string, want, got *volume.Volume) error {
	if !want.SameShape(got) {
		return &model.ShapeError{Op: op, Want: want.Dims, Got: got.Dims}
	}
	return nil
}

// Dilate returns a grayscale dilation of v with a size x size square
// element applied to every axial slice independently, one iteration.
// The element is anchored at its center and voxels outside the slice are
// ignored.
func Dilate(v *volume.Volume, size int) (*volume.Volume, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: dilation size %d", model.ErrInvalidArgument, size)
	}
	before := size / 2
	after := size - 1 - before

	nx, ny, nz := v.Dims[0], v.Dims[1], v.Dims[2]
	rows := v.Like(v.Type)
	out := v.Like(v.Type)
	// the square element is separable into a row and a column pass
	for k := range nz {
		for j := range ny {
			for i := range nx {
				rows.Set(i, j, k, windowMax(v, i-before, i+after, nx, func(x int) int { return v.Index(x, j, k) }))
			}
		}
		for j := range ny {
			for i := range nx {
				out.Set(i, j, k, windowMax(rows, j-before, j+after, ny, func(y int) int { return rows.Index(i, y, k) }))
			}
		}
	}
	return out, nil
}

func windowMax(v *volume.Volume, lo, hi, n int, index func(int) int) float64 {
	lo = max(lo, 0)
	hi = min(hi, n-1)
	m := v.Data[index(lo)]
	for p := lo + 1; p <= hi; p++ {
		if f := v.Data[index(p)]; f > m {
			m = f
		}
	}
	return m
}

// Clamp caps values above hi to hi in place.
func Clamp(v *volume.Volume, hi float64) {
	for i, f := range v.Data {
		if f > hi {
			v.Data[i] = hi
		}
	}
}

// DilateRegion dilates the prostate mask into the organ + margin inclusion
// region and clamps it to {0,1}.
func DilateRegion(prostate *volume.Volume, size int) (*volume.Volume, error) {
	d, err := Dilate(prostate, size)
	if err != nil {
		return nil, err
	}
	Clamp(d, 1)
	return d, nil
}

// RefineNeedle keeps needle voxels inside the region.
func RefineNeedle(region, needle *volume.Volume) (*volume.Volume, error) {
	if err := checkShape("refine needle", region, needle); err != nil {
		return nil, err
	}
	out := needle.Like(volume.Uint8)
	for i := range out.Data {
		if region.Data[i] == 1 && needle.Data[i] == 1 {
			out.Data[i] = 1
		}
	}
	return out, nil
}

// RefineUrethra keeps urethra voxels inside the region which are not
// claimed by the refined needle mask.
func RefineUrethra(region, urethra, needle *volume.Volume) (*volume.Volume, error) {
	if err := checkShape("refine urethra", region, urethra); err != nil {
		return nil, err
	}
	if err := checkShape("refine urethra", region, needle); err != nil {
		return nil, err
	}
	out := urethra.Like(volume.Uint8)
	for i := range out.Data {
		if region.Data[i] == 1 && urethra.Data[i] == 1 && needle.Data[i] != 1 {
			out.Data[i] = 1
		}
	}
	return out, nil
}

// Exclude returns the binary mask of v == 1 AND NOT excluded == 1.
func Exclude(v, excluded *volume.Volume) (*volume.Volume, error) {
	if err := checkShape("exclude", v, excluded); err != nil {
		return nil, err
	}
	out := v.Like(volume.Uint8)
	for i := range out.Data {
		if v.Data[i] == 1 && excluded.Data[i] != 1 {
			out.Data[i] = 1
		}
	}
	return out, nil
}

// Count returns the number of voxels equal to 1.
func Count(v *volume.Volume) int {
	var n int
	for _, f := range v.Data {
		if f == 1 {
			n++
		}
	}
	return n
}
