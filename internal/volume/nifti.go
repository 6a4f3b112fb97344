package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
)

var ErrUnsupportedNIfTI = errors.New("unsupported nifti")

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352

	niftiUnitsMM  = 2
	niftiUnitsSec = 8

	niftiXformScanner = 1
)

// niftiHeader is the on-disk NIfTI-1 header, field order and sizes match
// nifti1.h.
type niftiHeader struct {
	SizeofHdr    int32
	DataType     [10]byte
	DBName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte
	Dim          [8]int16
	IntentP1     float32
	IntentP2     float32
	IntentP3     float32
	IntentCode   int16
	Datatype     int16
	Bitpix       int16
	SliceStart   int16
	Pixdim       [8]float32
	VoxOffset    float32
	SclSlope     float32
	SclInter     float32
	SliceEnd     int16
	SliceCode    byte
	XYZTUnits    byte
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	Toffset      float32
	Glmax        int32
	Glmin        int32
	Descrip      [80]byte
	AuxFile      [24]byte
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]byte
	Magic        [4]byte
}

var niftiTypes = map[int16]Type{
	2:   Uint8,
	4:   Int16,
	8:   Int32,
	16:  Float32,
	64:  Float64,
	256: Int8,
	512: Uint16,
	768: Uint32,
}

func niftiDatatype(t Type) int16 {
	for code, tt := range niftiTypes {
		if tt == t {
			return code
		}
	}
	return 0
}

// ReadNIfTI reads a single file NIfTI-1 image, gzip compressed or not.
// The sform is preferred over the qform, geometry is converted to LPS.
func ReadNIfTI(r io.Reader) (*Volume, error) {
	in, closeFn, err := maybeGunzip(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = closeFn()
	}()

	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(in, raw); err != nil {
		return nil, fmt.Errorf("reading nifti header: %w", err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != niftiHeaderSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw)) != niftiHeaderSize {
			return nil, fmt.Errorf("%w: bad header size", ErrUnsupportedNIfTI)
		}
	}
	var h niftiHeader
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("decoding nifti header: %w", err)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%w: magic %q, only single file images are supported", ErrUnsupportedNIfTI, h.Magic[:3])
	}
	if h.Dim[0] < 3 || h.Dim[0] > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrUnsupportedNIfTI, h.Dim[0])
	}
	for i := 4; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] > 1 {
			return nil, fmt.Errorf("%w: dimension %d has size %d", ErrUnsupportedNIfTI, i, h.Dim[i])
		}
	}
	t, ok := niftiTypes[h.Datatype]
	if !ok {
		return nil, fmt.Errorf("%w: datatype %d", ErrUnsupportedNIfTI, h.Datatype)
	}

	v := &Volume{
		Dims:     [3]int{int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])},
		Type:     t,
		Geometry: FromAffineRAS(h.affine()),
	}
	if err := v.validateDims(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedNIfTI, err)
	}

	skip := int64(h.VoxOffset) - niftiHeaderSize
	if skip < 0 {
		return nil, fmt.Errorf("%w: vox_offset %v", ErrUnsupportedNIfTI, h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, in, skip); err != nil {
		return nil, fmt.Errorf("skipping nifti extensions: %w", err)
	}

	v.Data = make([]float64, v.Len())
	if err := readVoxels(in, t, order, v.Data); err != nil {
		return nil, err
	}
	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		slope, inter := float64(h.SclSlope), float64(h.SclInter)
		for i := range v.Data {
			v.Data[i] = v.Data[i]*slope + inter
		}
		v.Type = Float32
	}
	return v, nil
}

// affine returns the voxel to RAS transform of the header.
func (h niftiHeader) affine() [4][4]float64 {
	var a [4][4]float64
	a[3][3] = 1
	switch {
	case h.SformCode > 0:
		for c := range 4 {
			a[0][c] = float64(h.SrowX[c])
			a[1][c] = float64(h.SrowY[c])
			a[2][c] = float64(h.SrowZ[c])
		}
	case h.QformCode > 0:
		rot := quaternToMatrix(float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD))
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		for c := range 3 {
			s := float64(h.Pixdim[c+1])
			if s <= 0 {
				s = 1
			}
			if c == 2 {
				s *= qfac
			}
			for r := range 3 {
				a[r][c] = rot[r][c] * s
			}
		}
		a[0][3] = float64(h.QoffsetX)
		a[1][3] = float64(h.QoffsetY)
		a[2][3] = float64(h.QoffsetZ)
	default:
		for i := range 3 {
			s := float64(h.Pixdim[i+1])
			if s <= 0 {
				s = 1
			}
			a[i][i] = s
		}
	}
	return a
}

// WriteNIfTI writes v as a single file NIfTI-1 image. Both qform and sform
// carry the RAS affine of v.
func WriteNIfTI(w io.Writer, v *Volume, compress bool) error {
	if err := v.validate(); err != nil {
		return err
	}
	if compress {
		zw := gzip.NewWriter(w)
		if err := writeNIfTI(zw, v); err != nil {
			_ = zw.Close()
			return err
		}
		return zw.Close()
	}
	return writeNIfTI(w, v)
}

func writeNIfTI(w io.Writer, v *Volume) error {
	a := v.Geometry.AffineRAS()
	h := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		Datatype:  niftiDatatype(v.Type),
		Bitpix:    int16(8 * v.Type.Size()),
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		XYZTUnits: niftiUnitsMM | niftiUnitsSec,
		QformCode: niftiXformScanner,
		SformCode: niftiXformScanner,
		QoffsetX:  float32(a[0][3]),
		QoffsetY:  float32(a[1][3]),
		QoffsetZ:  float32(a[2][3]),
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(v.Dims[0]), int16(v.Dims[1]), int16(v.Dims[2]), 1, 1, 1, 1}

	var rot [3][3]float64
	for r := range 3 {
		for c := range 3 {
			rot[r][c] = a[r][c] / v.Geometry.Spacing[c]
		}
	}
	b, c, d, qfac := matrixToQuatern(rot)
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.Pixdim = [8]float32{
		float32(qfac),
		float32(v.Geometry.Spacing[0]),
		float32(v.Geometry.Spacing[1]),
		float32(v.Geometry.Spacing[2]),
		1, 1, 1, 1,
	}
	for c := range 4 {
		h.SrowX[c] = float32(a[0][c])
		h.SrowY[c] = float32(a[1][c])
		h.SrowZ[c] = float32(a[2][c])
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("writing nifti header: %w", err)
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	return writeVoxels(w, v.Type, binary.LittleEndian, v.Data)
}

func quaternToMatrix(b, c, d float64) [3][3]float64 {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	return [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
}

// matrixToQuatern converts an orthonormal rotation, possibly with a flipped
// third axis, into NIfTI quaternion parameters and qfac.
func matrixToQuatern(r [3][3]float64) (b, c, d, qfac float64) {
	det := r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
	qfac = 1
	if det < 0 {
		qfac = -1
		for i := range 3 {
			r[i][2] = -r[i][2]
		}
	}

	var a float64
	trace := r[0][0] + r[1][1] + r[2][2] + 1
	if trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r[2][1] - r[1][2]) / a
		c = 0.25 * (r[0][2] - r[2][0]) / a
		d = 0.25 * (r[1][0] - r[0][1]) / a
		return b, c, d, qfac
	}

	xd := 1 + r[0][0] - (r[1][1] + r[2][2])
	yd := 1 + r[1][1] - (r[0][0] + r[2][2])
	zd := 1 + r[2][2] - (r[0][0] + r[1][1])
	switch {
	case xd > 1:
		b = 0.5 * math.Sqrt(xd)
		c = 0.25 * (r[0][1] + r[1][0]) / b
		d = 0.25 * (r[0][2] + r[2][0]) / b
		a = 0.25 * (r[2][1] - r[1][2]) / b
	case yd > 1:
		c = 0.5 * math.Sqrt(yd)
		b = 0.25 * (r[0][1] + r[1][0]) / c
		d = 0.25 * (r[1][2] + r[2][1]) / c
		a = 0.25 * (r[0][2] - r[2][0]) / c
	default:
		d = 0.5 * math.Sqrt(zd)
		b = 0.25 * (r[0][2] + r[2][0]) / d
		c = 0.25 * (r[1][2] + r[2][1]) / d
		a = 0.25 * (r[1][0] - r[0][1]) / d
	}
	if a < 0 {
		b, c, d = -b, -c, -d
	}
	return b, c, d, qfac
}
