// Package volumeio reads and writes the volume and artifact formats exchanged
// with the benchmark: MetaImage CT and mask volumes, MATLAB dose cubes and
// the JSON documents produced by the dose recalculation tool.
package volumeio

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"sctmetrics/internal/models"
)

// ErrUnsupported is returned for files whose layout cannot be decoded.
var ErrUnsupported = errors.New("unsupported volume format")

// ReadVolume loads a volume, choosing the decoder from the file extension.
// MATLAB files yield their first numeric variable.
func ReadVolume(path string) (*models.Volume, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mha", ".mhd":
		return ReadMetaImage(path)
	case ".mat":
		return ReadMATVariable(path, "")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
}

// metaHeader holds the MetaImage header fields used by the reader
type metaHeader struct {
	dims       []int
	spacing    []float64
	elemType   string
	bigEndian  bool
	compressed bool
	dataFile   string
}

// ReadMetaImage loads a MetaImage volume (.mha with local data or .mhd with a
// detached raw file). Two dimensional images are read as a single slice.
func ReadMetaImage(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	hdr, err := parseMetaHeader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header of %s: %w", path, err)
	}

	var data io.Reader = r
	if !strings.EqualFold(hdr.dataFile, "LOCAL") {
		raw, err := os.Open(filepath.Join(filepath.Dir(path), hdr.dataFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open data file: %w", err)
		}
		defer raw.Close()
		data = raw
	}
	if hdr.compressed {
		zr, err := zlib.NewReader(data)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed data: %w", err)
		}
		defer zr.Close()
		data = zr
	}

	width, height, depth := hdr.dims[0], hdr.dims[1], 1
	if len(hdr.dims) == 3 {
		depth = hdr.dims[2]
	}
	n := width * height * depth

	var order binary.ByteOrder = binary.LittleEndian
	if hdr.bigEndian {
		order = binary.BigEndian
	}
	values, err := readMetaElements(data, hdr.elemType, n, order)
	if err != nil {
		return nil, fmt.Errorf("failed to read voxel data of %s: %w", path, err)
	}

	v, err := models.FromData(values, width, height, depth)
	if err != nil {
		return nil, err
	}
	if len(hdr.spacing) >= 2 {
		v.Spacing.X, v.Spacing.Y = hdr.spacing[0], hdr.spacing[1]
	}
	if len(hdr.spacing) == 3 {
		v.Spacing.Z = hdr.spacing[2]
	}
	return v, nil
}

func parseMetaHeader(r *bufio.Reader) (*metaHeader, error) {
	hdr := &metaHeader{}
	for {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, fmt.Errorf("header ended before ElementDataFile")
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "NDims":
			nd, err := strconv.Atoi(value)
			if err != nil || nd < 2 || nd > 3 {
				return nil, fmt.Errorf("%w: NDims %q", ErrUnsupported, value)
			}
		case "DimSize":
			for _, field := range strings.Fields(value) {
				d, err := strconv.Atoi(field)
				if err != nil || d <= 0 {
					return nil, fmt.Errorf("invalid DimSize %q", value)
				}
				hdr.dims = append(hdr.dims, d)
			}
		case "ElementSpacing", "ElementSize":
			hdr.spacing = hdr.spacing[:0]
			for _, field := range strings.Fields(value) {
				s, err := strconv.ParseFloat(field, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid %s %q", key, value)
				}
				hdr.spacing = append(hdr.spacing, s)
			}
		case "ElementType":
			hdr.elemType = value
		case "ElementNumberOfChannels":
			if value != "1" {
				return nil, fmt.Errorf("%w: %s channels", ErrUnsupported, value)
			}
		case "BinaryDataByteOrderMSB", "ElementByteOrderMSB":
			hdr.bigEndian = strings.EqualFold(value, "True")
		case "CompressedData":
			hdr.compressed = strings.EqualFold(value, "True")
		case "ElementDataFile":
			hdr.dataFile = value
			if len(hdr.dims) < 2 || len(hdr.dims) > 3 {
				return nil, fmt.Errorf("%w: DimSize %v", ErrUnsupported, hdr.dims)
			}
			if hdr.elemType == "" {
				return nil, fmt.Errorf("missing ElementType")
			}
			return hdr, nil
		}
	}
}

func readMetaElements(r io.Reader, elemType string, n int, order binary.ByteOrder) ([]float64, error) {
	values := make([]float64, n)
	var err error
	switch elemType {
	case "MET_UCHAR":
		buf := make([]uint8, n)
		err = binary.Read(r, order, buf)
		for i, x := range buf {
			values[i] = float64(x)
		}
	case "MET_CHAR":
		buf := make([]int8, n)
		err = binary.Read(r, order, buf)
		for i, x := range buf {
			values[i] = float64(x)
		}
	case "MET_SHORT":
		buf := make([]int16, n)
		err = binary.Read(r, order, buf)
		for i, x := range buf {
			values[i] = float64(x)
		}
	case "MET_USHORT":
		buf := make([]uint16, n)
		err = binary.Read(r, order, buf)
		for i, x := range buf {
			values[i] = float64(x)
		}
	case "MET_INT":
		buf := make([]int32, n)
		err = binary.Read(r, order, buf)
		for i, x := range buf {
			values[i] = float64(x)
		}
	case "MET_UINT":
		buf := make([]uint32, n)
		err = binary.Read(r, order, buf)
		for i, x := range buf {
			values[i] = float64(x)
		}
	case "MET_FLOAT":
		buf := make([]float32, n)
		err = binary.Read(r, order, buf)
		for i, x := range buf {
			values[i] = float64(x)
		}
	case "MET_DOUBLE":
		err = binary.Read(r, order, values)
	default:
		return nil, fmt.Errorf("%w: ElementType %s", ErrUnsupported, elemType)
	}
	if err != nil {
		return nil, err
	}
	return values, nil
}

// WriteMetaImage stores v as an uncompressed little endian MET_DOUBLE .mha file.
func WriteMetaImage(path string, v *models.Volume) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ObjectType = Image\n")
	fmt.Fprintf(&buf, "NDims = 3\n")
	fmt.Fprintf(&buf, "BinaryData = True\n")
	fmt.Fprintf(&buf, "BinaryDataByteOrderMSB = False\n")
	fmt.Fprintf(&buf, "CompressedData = False\n")
	fmt.Fprintf(&buf, "ElementSpacing = %s %s %s\n", formatFloat(v.Spacing.X), formatFloat(v.Spacing.Y), formatFloat(v.Spacing.Z))
	fmt.Fprintf(&buf, "DimSize = %d %d %d\n", v.Width, v.Height, v.Depth)
	fmt.Fprintf(&buf, "ElementType = MET_DOUBLE\n")
	fmt.Fprintf(&buf, "ElementDataFile = LOCAL\n")

	raw := make([]byte, 8*v.Len())
	for i, x := range v.Data {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(x))
	}
	buf.Write(raw)

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
