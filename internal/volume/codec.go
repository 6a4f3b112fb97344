package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

// readVoxels reads len(out) scalars of type t from r.
func readVoxels(r io.Reader, t Type, order binary.ByteOrder, out []float64) error {
	size := t.Size()
	buf := make([]byte, size*len(out))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading voxel data: %w", err)
	}
	for i := range out {
		b := buf[i*size : (i+1)*size]
		switch t {
		case Uint8:
			out[i] = float64(b[0])
		case Int8:
			out[i] = float64(int8(b[0]))
		case Int16:
			out[i] = float64(int16(order.Uint16(b)))
		case Uint16:
			out[i] = float64(order.Uint16(b))
		case Int32:
			out[i] = float64(int32(order.Uint32(b)))
		case Uint32:
			out[i] = float64(order.Uint32(b))
		case Float32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case Float64:
			out[i] = math.Float64frombits(order.Uint64(b))
		default:
			return fmt.Errorf("unsupported voxel type %s", t)
		}
	}
	return nil
}

// writeVoxels writes data as scalars of type t, integer types are rounded
// and saturated.
func writeVoxels(w io.Writer, t Type, order binary.ByteOrder, data []float64) error {
	bw := bufio.NewWriter(w)
	size := t.Size()
	b := make([]byte, size)
	for _, f := range data {
		f = t.clamp(f)
		switch t {
		case Uint8:
			b[0] = uint8(f)
		case Int8:
			b[0] = uint8(int8(f))
		case Int16:
			order.PutUint16(b, uint16(int16(f)))
		case Uint16:
			order.PutUint16(b, uint16(f))
		case Int32:
			order.PutUint32(b, uint32(int32(f)))
		case Uint32:
			order.PutUint32(b, uint32(f))
		case Float32:
			order.PutUint32(b, math.Float32bits(float32(f)))
		case Float64:
			order.PutUint64(b, math.Float64bits(f))
		default:
			return fmt.Errorf("unsupported voxel type %s", t)
		}
		if _, err := bw.Write(b); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// maybeGunzip transparently decompresses gzip streams.
func maybeGunzip(r *bufio.Reader) (io.Reader, func() error, error) {
	magic, err := r.Peek(2)
	if err != nil || !bytes.Equal(magic, gzipMagic) {
		return r, func() error { return nil }, nil
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	return bufio.NewReader(zr), zr.Close, nil
}
