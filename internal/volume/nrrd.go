package volume

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var ErrUnsupportedNRRD = errors.New("unsupported nrrd")

var nrrdTypes = map[string]Type{
	"uchar": Uint8, "unsigned char": Uint8, "uint8": Uint8, "uint8_t": Uint8,
	"signed char": Int8, "int8": Int8, "int8_t": Int8,
	"short": Int16, "short int": Int16, "signed short": Int16, "signed short int": Int16, "int16": Int16, "int16_t": Int16,
	"ushort": Uint16, "unsigned short": Uint16, "unsigned short int": Uint16, "uint16": Uint16, "uint16_t": Uint16,
	"int": Int32, "signed int": Int32, "int32": Int32, "int32_t": Int32,
	"uint": Uint32, "unsigned int": Uint32, "uint32": Uint32, "uint32_t": Uint32,
	"float": Float32,
	"double": Float64,
}

func nrrdTypeName(t Type) string {
	switch t {
	case Uint8:
		return "unsigned char"
	case Int8:
		return "signed char"
	case Int16:
		return "short"
	case Uint16:
		return "unsigned short"
	case Int32:
		return "int"
	case Uint32:
		return "unsigned int"
	case Float32:
		return "float"
	case Float64:
		return "double"
	}
	return ""
}

// ReadNRRD reads an attached-header NRRD with raw or gzip encoding.
func ReadNRRD(r io.Reader) (*Volume, error) {
	br := bufio.NewReader(r)
	magic, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading nrrd magic: %w", err)
	}
	if !strings.HasPrefix(magic, "NRRD000") {
		return nil, fmt.Errorf("%w: bad magic %q", ErrUnsupportedNRRD, strings.TrimSpace(magic))
	}

	fields := make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading nrrd header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		// key:=value lines are key/value pairs, ignored
		if strings.Contains(line, ":=") {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrUnsupportedNRRD, line)
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	if f, ok := fields["data file"]; ok {
		return nil, fmt.Errorf("%w: detached data file %s", ErrUnsupportedNRRD, f)
	}
	if fields["dimension"] != "3" {
		return nil, fmt.Errorf("%w: dimension %q", ErrUnsupportedNRRD, fields["dimension"])
	}
	t, ok := nrrdTypes[fields["type"]]
	if !ok {
		return nil, fmt.Errorf("%w: type %q", ErrUnsupportedNRRD, fields["type"])
	}

	var v = Volume{Type: t, Geometry: Identity()}
	sizes := strings.Fields(fields["sizes"])
	if len(sizes) != 3 {
		return nil, fmt.Errorf("%w: sizes %q", ErrUnsupportedNRRD, fields["sizes"])
	}
	for i, s := range sizes {
		if v.Dims[i], err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("%w: sizes %q", ErrUnsupportedNRRD, fields["sizes"])
		}
	}

	if dirs, ok := fields["space directions"]; ok {
		var a [4][4]float64
		vecs, err := parseVectors(dirs)
		if err != nil {
			return nil, err
		}
		if len(vecs) != 3 {
			return nil, fmt.Errorf("%w: space directions %q", ErrUnsupportedNRRD, dirs)
		}
		for c, vec := range vecs {
			for r := range 3 {
				a[r][c] = vec[r]
			}
		}
		if o, ok := fields["space origin"]; ok {
			origin, err := parseVectors(o)
			if err != nil || len(origin) != 1 {
				return nil, fmt.Errorf("%w: space origin %q", ErrUnsupportedNRRD, o)
			}
			for r := range 3 {
				a[r][3] = origin[0][r]
			}
		}
		a[3][3] = 1
		switch space := fields["space"]; space {
		case "", "left-posterior-superior", "lps", "LPS":
		case "right-anterior-superior", "ras", "RAS":
			a = flipLR(a)
		default:
			return nil, fmt.Errorf("%w: space %q", ErrUnsupportedNRRD, space)
		}
		v.Geometry = FromAffineLPS(a)
	} else if sp, ok := fields["spacings"]; ok {
		for i, s := range strings.Fields(sp) {
			if i >= 3 {
				break
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
				v.Geometry.Spacing[i] = f
			}
		}
	}

	var order binary.ByteOrder = binary.LittleEndian
	if fields["endian"] == "big" {
		order = binary.BigEndian
	}

	var data io.Reader = br
	switch enc := fields["encoding"]; enc {
	case "raw":
	case "gzip", "gz":
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer func() {
			_ = zr.Close()
		}()
		data = zr
	default:
		return nil, fmt.Errorf("%w: encoding %q", ErrUnsupportedNRRD, enc)
	}

	v.Data = make([]float64, v.Len())
	if err := readVoxels(data, t, order, v.Data); err != nil {
		return nil, err
	}
	return &v, nil
}

// WriteNRRD writes v with an attached header in LPS space. Data are raw
// unless compress is set.
func WriteNRRD(w io.Writer, v *Volume, compress bool) error {
	if err := v.validate(); err != nil {
		return err
	}
	a := v.Geometry.AffineLPS()
	encoding := "raw"
	if compress {
		encoding = "gzip"
	}

	var sb strings.Builder
	sb.WriteString("NRRD0004\n")
	sb.WriteString("# Complete NRRD file format specification at:\n")
	sb.WriteString("# http://teem.sourceforge.net/nrrd/format.html\n")
	fmt.Fprintf(&sb, "type: %s\n", nrrdTypeName(v.Type))
	sb.WriteString("dimension: 3\n")
	sb.WriteString("space: left-posterior-superior\n")
	fmt.Fprintf(&sb, "sizes: %d %d %d\n", v.Dims[0], v.Dims[1], v.Dims[2])
	fmt.Fprintf(&sb, "space directions: %s %s %s\n",
		formatVector(a[0][0], a[1][0], a[2][0]),
		formatVector(a[0][1], a[1][1], a[2][1]),
		formatVector(a[0][2], a[1][2], a[2][2]),
	)
	sb.WriteString("kinds: domain domain domain\n")
	if v.Type.Size() > 1 {
		sb.WriteString("endian: little\n")
	}
	fmt.Fprintf(&sb, "encoding: %s\n", encoding)
	fmt.Fprintf(&sb, "space origin: %s\n\n", formatVector(a[0][3], a[1][3], a[2][3]))
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}

	if !compress {
		return writeVoxels(w, v.Type, binary.LittleEndian, v.Data)
	}
	zw := gzip.NewWriter(w)
	if err := writeVoxels(zw, v.Type, binary.LittleEndian, v.Data); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func formatVector(x, y, z float64) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return "(" + f(x) + "," + f(y) + "," + f(z) + ")"
}

// parseVectors parses "(1,0,0) (0,1,0) none" style lists, none entries are
// skipped.
func parseVectors(s string) ([][3]float64, error) {
	var out [][3]float64
	for _, tok := range strings.Fields(s) {
		if tok == "none" {
			continue
		}
		if !strings.HasPrefix(tok, "(") || !strings.HasSuffix(tok, ")") {
			return nil, fmt.Errorf("%w: vector %q", ErrUnsupportedNRRD, tok)
		}
		parts := strings.Split(tok[1:len(tok)-1], ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: vector %q", ErrUnsupportedNRRD, tok)
		}
		var vec [3]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: vector %q", ErrUnsupportedNRRD, tok)
			}
			vec[i] = f
		}
		out = append(out, vec)
	}
	return out, nil
}
