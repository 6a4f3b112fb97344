package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Format is an on-disk image format.
type Format int

const (
	FormatUnknown Format = iota
	FormatNRRD
	FormatNIfTI
)

// FormatOf detects the format from a file name.
func FormatOf(path string) Format {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".nrrd"):
		return FormatNRRD
	case strings.HasSuffix(name, ".nii"), strings.HasSuffix(name, ".nii.gz"):
		return FormatNIfTI
	}
	return FormatUnknown
}

// ReadFile reads a NRRD or NIfTI image.
func ReadFile(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var v *Volume
	switch FormatOf(path) {
	case FormatNRRD:
		v, err = ReadNRRD(f)
	case FormatNIfTI:
		v, err = ReadNIfTI(f)
	default:
		return nil, fmt.Errorf("reading %s: unknown image format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return v, nil
}

// WriteFile stores v in a format derived from the file name. ".nii.gz" and
// ".seg.nrrd" files are compressed, ".nrrd" and ".nii" files are not.
func WriteFile(path string, v *Volume) error {
	name := strings.ToLower(filepath.Base(path))
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	switch FormatOf(path) {
	case FormatNRRD:
		err = WriteNRRD(f, v, strings.HasSuffix(name, ".seg.nrrd"))
	case FormatNIfTI:
		err = WriteNIfTI(f, v, strings.HasSuffix(name, ".gz"))
	default:
		err = fmt.Errorf("unknown image format")
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
