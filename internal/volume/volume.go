// Package volume holds 3-D scalar images in memory together with their
// physical geometry, and reads and writes them as NRRD and NIfTI-1 files.
//
// Geometry is always kept in the LPS patient coordinate system; conversion
// from and to RAS happens only in the NIfTI codec.
package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Type is a voxel scalar type used when a volume is stored on disk.
type Type int

const (
	Uint8 Type = iota + 1
	Int8
	Int16
	Uint16
	Int32
	Uint32
	Float32
	Float64
)

func (t Type) Size() int {
	switch t {
	case Uint8, Int8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func (t Type) String() string {
	switch t {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// clamp converts value into a representable value of t
func (t Type) clamp(f float64) float64 {
	var lo, hi float64
	switch t {
	case Uint8:
		lo, hi = 0, math.MaxUint8
	case Int8:
		lo, hi = math.MinInt8, math.MaxInt8
	case Int16:
		lo, hi = math.MinInt16, math.MaxInt16
	case Uint16:
		lo, hi = 0, math.MaxUint16
	case Int32:
		lo, hi = math.MinInt32, math.MaxInt32
	case Uint32:
		lo, hi = 0, math.MaxUint32
	default:
		return f
	}
	return math.Max(lo, math.Min(hi, math.Round(f)))
}

// Geometry maps voxel indices to LPS millimeters:
// p = Origin + Direction * diag(Spacing) * (i, j, k).
// Column n of Direction is the unit vector of voxel axis n.
type Geometry struct {
	Spacing   [3]float64
	Origin    [3]float64
	Direction [3][3]float64
}

// Identity returns unit spacing, zero origin and identity directions.
func Identity() Geometry {
	return Geometry{
		Spacing:   [3]float64{1, 1, 1},
		Direction: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}
}

// AffineLPS returns the homogeneous voxel to LPS transform.
func (g Geometry) AffineLPS() [4][4]float64 {
	var a [4][4]float64
	for r := range 3 {
		for c := range 3 {
			a[r][c] = g.Direction[r][c] * g.Spacing[c]
		}
		a[r][3] = g.Origin[r]
	}
	a[3][3] = 1
	return a
}

// AffineRAS returns the homogeneous voxel to RAS transform, that is the LPS
// affine with the first two rows negated.
func (g Geometry) AffineRAS() [4][4]float64 {
	return flipLR(g.AffineLPS())
}

// FromAffineLPS decomposes a voxel to LPS affine. Spacing is the length of
// each column, so the decomposition works for oblique volumes too.
func FromAffineLPS(a [4][4]float64) Geometry {
	var g Geometry
	for c := range 3 {
		col := []float64{a[0][c], a[1][c], a[2][c]}
		s := floats.Norm(col, 2)
		if s == 0 {
			s = 1
			col[c] = 1
		}
		g.Spacing[c] = s
		for r := range 3 {
			g.Direction[r][c] = col[r] / s
		}
	}
	for r := range 3 {
		g.Origin[r] = a[r][3]
	}
	return g
}

// FromAffineRAS decomposes a voxel to RAS affine as stored by NIfTI.
func FromAffineRAS(a [4][4]float64) Geometry {
	return FromAffineLPS(flipLR(a))
}

func flipLR(a [4][4]float64) [4][4]float64 {
	for r := range 2 {
		for c := range 4 {
			a[r][c] = -a[r][c]
		}
	}
	return a
}

// Equal reports whether two geometries match within tol.
func (g Geometry) Equal(o Geometry, tol float64) bool {
	for i := range 3 {
		if math.Abs(g.Spacing[i]-o.Spacing[i]) > tol || math.Abs(g.Origin[i]-o.Origin[i]) > tol {
			return false
		}
		for j := range 3 {
			if math.Abs(g.Direction[i][j]-o.Direction[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// Volume is a 3-D scalar image. Data is indexed with x changing fastest.
type Volume struct {
	Dims     [3]int
	Type     Type
	Geometry Geometry
	Data     []float64
}

// New allocates a zero filled volume.
func New(dims [3]int, t Type, g Geometry) *Volume {
	return &Volume{
		Dims:     dims,
		Type:     t,
		Geometry: g,
		Data:     make([]float64, dims[0]*dims[1]*dims[2]),
	}
}

// Like allocates a zero filled volume sharing dimensions and geometry of v.
func (v *Volume) Like(t Type) *Volume {
	return New(v.Dims, t, v.Geometry)
}

func (v *Volume) Clone() *Volume {
	c := *v
	c.Data = append([]float64(nil), v.Data...)
	return &c
}

func (v *Volume) Len() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

func (v *Volume) Index(i, j, k int) int {
	return i + v.Dims[0]*(j+v.Dims[1]*k)
}

func (v *Volume) At(i, j, k int) float64 {
	return v.Data[v.Index(i, j, k)]
}

func (v *Volume) Set(i, j, k int, f float64) {
	v.Data[v.Index(i, j, k)] = f
}

// SameShape reports whether both volumes have the same dimensions.
func (v *Volume) SameShape(o *Volume) bool {
	return v.Dims == o.Dims
}

// Range returns the minimum and maximum voxel value, zeros for an empty
// volume.
func (v *Volume) Range() (lo, hi float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	return floats.Min(v.Data), floats.Max(v.Data)
}

// Extent returns the physical size of the volume along each voxel axis.
func (v *Volume) Extent() [3]float64 {
	var e [3]float64
	for i := range 3 {
		e[i] = float64(v.Dims[i]) * v.Geometry.Spacing[i]
	}
	return e
}

func (v *Volume) validateDims() error {
	for i, d := range v.Dims {
		if d <= 0 {
			return fmt.Errorf("invalid dimension %d: %d", i, d)
		}
	}
	return nil
}

func (v *Volume) validate() error {
	if err := v.validateDims(); err != nil {
		return err
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("data length %d does not match dimensions %v", len(v.Data), v.Dims)
	}
	if v.Type.Size() == 0 {
		return fmt.Errorf("unsupported voxel type %s", v.Type)
	}
	return nil
}
