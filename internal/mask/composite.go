package mask

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/iceball/predictor/internal/model"
	"github.com/iceball/predictor/internal/volume"
)

// Encoding are the intensity offsets marking the urethra and needle in the
// composite volume.
type Encoding struct {
	NeedleOffset  float64
	UrethraOffset float64
}

var DefaultEncoding = Encoding{
	NeedleOffset:  1000,
	UrethraOffset: 2000,
}

// Bands describes the intensity range of the input and the three bands of
// the composite derived from it.
type Bands struct {
	Min, Max float64
	Mean     float64
	StdDev   float64
	Span     float64
}

// Check verifies that the base, needle and urethra bands of the composite
// do not overlap, that is the input span is narrower than the distance
// between neighbouring offsets. It returns ErrEncodingOverlap otherwise.
func (e Encoding) Check(input *volume.Volume) (Bands, error) {
	var b Bands
	b.Min, b.Max = input.Range()
	b.Span = b.Max - b.Min
	if len(input.Data) > 0 {
		b.Mean, b.StdDev = stat.MeanStdDev(input.Data, nil)
	}

	if e.NeedleOffset <= 0 || e.UrethraOffset <= e.NeedleOffset {
		return b, fmt.Errorf("%w: needle offset %v must be positive and below urethra offset %v",
			model.ErrInvalidArgument, e.NeedleOffset, e.UrethraOffset)
	}
	gap := min(e.NeedleOffset, e.UrethraOffset-e.NeedleOffset)
	if b.Span >= gap {
		return b, fmt.Errorf("%w: input range [%g, %g] spans %g, offsets need less than %g",
			model.ErrEncodingOverlap, b.Min, b.Max, b.Span, gap)
	}
	return b, nil
}

// Composite returns input + urethra*UrethraOffset + needle*NeedleOffset.
// Geometry and voxel type follow the input, integer types are widened to
// hold the offsets.
func (e Encoding) Composite(input, urethra, needle *volume.Volume) (*volume.Volume, error) {
	if err := checkShape("composite", input, urethra); err != nil {
		return nil, err
	}
	if err := checkShape("composite", input, needle); err != nil {
		return nil, err
	}
	t := input.Type
	switch t {
	case volume.Uint8, volume.Int8, volume.Int16, volume.Uint16:
		t = volume.Int32
	}
	out := input.Like(t)
	for i := range out.Data {
		out.Data[i] = input.Data[i] + urethra.Data[i]*e.UrethraOffset + needle.Data[i]*e.NeedleOffset
	}
	return out, nil
}
