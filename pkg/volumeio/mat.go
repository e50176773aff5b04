package volumeio

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"sctmetrics/internal/models"
)

// MAT-file level 5 data types
const (
	miINT8       = 1
	miUINT8      = 2
	miINT16      = 3
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miSINGLE     = 7
	miDOUBLE     = 9
	miINT64      = 12
	miUINT64     = 13
	miMATRIX     = 14
	miCOMPRESSED = 15
)

// MATLAB array classes holding plain numeric data
const (
	mxDOUBLE = 6
	mxUINT64 = 15
)

const matHeaderSize = 128

// matElement is one decoded data element
type matElement struct {
	typ  uint32
	data []byte
}

// ReadMAT loads every numeric array of a MAT-file level 5 document as a
// volume keyed by variable name. Arrays are stored column-major, which maps
// the first MATLAB dimension onto x. Structs, cells and sparse arrays are
// skipped; HDF5 based (v7.3) files are rejected.
func ReadMAT(path string) (map[string]*models.Volume, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vars, _, err := decodeMAT(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return vars, nil
}

// ReadMATVariable loads one named array, or the first numeric array in file
// order when name is empty.
func ReadMATVariable(path, name string) (*models.Volume, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vars, order, err := decodeMAT(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if name == "" {
		if len(order) == 0 {
			return nil, fmt.Errorf("%s holds no numeric array", path)
		}
		name = order[0]
	}
	v, ok := vars[name]
	if !ok {
		return nil, fmt.Errorf("%s has no variable %q", path, name)
	}
	return v, nil
}

func decodeMAT(raw []byte) (map[string]*models.Volume, []string, error) {
	if len(raw) < matHeaderSize {
		return nil, nil, fmt.Errorf("%w: file shorter than MAT header", ErrUnsupported)
	}
	if strings.HasPrefix(string(raw[:19]), "MATLAB 7.3 MAT-file") {
		return nil, nil, fmt.Errorf("%w: MAT v7.3 (HDF5)", ErrUnsupported)
	}

	var order binary.ByteOrder
	switch string(raw[126:128]) {
	case "IM":
		order = binary.LittleEndian
	case "MI":
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("%w: missing MAT endian indicator", ErrUnsupported)
	}

	vars := make(map[string]*models.Volume)
	var names []string
	r := bytes.NewReader(raw[matHeaderSize:])
	for r.Len() > 0 {
		el, err := readElement(r, order)
		if err != nil {
			return nil, nil, err
		}
		if el.typ == miCOMPRESSED {
			zr, err := zlib.NewReader(bytes.NewReader(el.data))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open compressed element: %w", err)
			}
			inflated, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, nil, fmt.Errorf("failed to inflate element: %w", err)
			}
			el, err = readElement(bytes.NewReader(inflated), order)
			if err != nil {
				return nil, nil, err
			}
		}
		if el.typ != miMATRIX {
			continue
		}
		name, v, err := decodeMatrix(el.data, order)
		if err != nil {
			return nil, nil, err
		}
		if v == nil {
			continue
		}
		if _, seen := vars[name]; !seen {
			names = append(names, name)
		}
		vars[name] = v
	}
	return vars, names, nil
}

// readElement reads a tagged element, handling the small data element format
// and the 8 byte alignment of regular elements.
func readElement(r *bytes.Reader, order binary.ByteOrder) (matElement, error) {
	var tag [8]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return matElement{}, fmt.Errorf("truncated element tag: %w", err)
	}
	first := order.Uint32(tag[:4])

	if size := first >> 16; size != 0 {
		// small element: type and size share the first word, data in the second
		if size > 4 {
			return matElement{}, fmt.Errorf("invalid small element size %d", size)
		}
		return matElement{typ: first & 0xffff, data: append([]byte(nil), tag[4:4+size]...)}, nil
	}

	size := order.Uint32(tag[4:])
	if int64(size) > int64(r.Len()) {
		return matElement{}, fmt.Errorf("element of %d bytes exceeds remaining %d", size, r.Len())
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return matElement{}, err
	}
	if first != miCOMPRESSED {
		if pad := (8 - size%8) % 8; pad > 0 && int(pad) <= r.Len() {
			r.Seek(int64(pad), io.SeekCurrent)
		}
	}
	return matElement{typ: first, data: data}, nil
}

// decodeMatrix returns the variable name and volume of a numeric miMATRIX, or
// a nil volume for classes that do not hold plain numbers.
func decodeMatrix(data []byte, order binary.ByteOrder) (string, *models.Volume, error) {
	r := bytes.NewReader(data)
	if r.Len() == 0 {
		return "", nil, nil
	}

	flags, err := readElement(r, order)
	if err != nil {
		return "", nil, fmt.Errorf("array flags: %w", err)
	}
	if len(flags.data) < 4 {
		return "", nil, fmt.Errorf("short array flags")
	}
	class := order.Uint32(flags.data[:4]) & 0xff
	if class < mxDOUBLE || class > mxUINT64 {
		return "", nil, nil
	}

	dimsEl, err := readElement(r, order)
	if err != nil {
		return "", nil, fmt.Errorf("dimensions: %w", err)
	}
	dims, err := decodeNumeric(dimsEl, order)
	if err != nil {
		return "", nil, fmt.Errorf("dimensions: %w", err)
	}
	if len(dims) < 2 || len(dims) > 3 {
		return "", nil, fmt.Errorf("%w: %d dimensional array", ErrUnsupported, len(dims))
	}

	nameEl, err := readElement(r, order)
	if err != nil {
		return "", nil, fmt.Errorf("array name: %w", err)
	}
	name := string(nameEl.data)

	realEl, err := readElement(r, order)
	if err != nil {
		return "", nil, fmt.Errorf("real part of %s: %w", name, err)
	}
	values, err := decodeNumeric(realEl, order)
	if err != nil {
		return "", nil, fmt.Errorf("real part of %s: %w", name, err)
	}

	width, height, depth := int(dims[0]), int(dims[1]), 1
	if len(dims) == 3 {
		depth = int(dims[2])
	}
	v, err := models.FromData(values, width, height, depth)
	if err != nil {
		return "", nil, fmt.Errorf("variable %s: %w", name, err)
	}
	return name, v, nil
}

func decodeNumeric(el matElement, order binary.ByteOrder) ([]float64, error) {
	var width int
	switch el.typ {
	case miINT8, miUINT8:
		width = 1
	case miINT16, miUINT16:
		width = 2
	case miINT32, miUINT32, miSINGLE:
		width = 4
	case miDOUBLE, miINT64, miUINT64:
		width = 8
	default:
		return nil, fmt.Errorf("%w: data type %d", ErrUnsupported, el.typ)
	}
	if len(el.data)%width != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of %d", len(el.data), width)
	}

	n := len(el.data) / width
	out := make([]float64, n)
	b := el.data
	for i := 0; i < n; i++ {
		chunk := b[i*width : (i+1)*width]
		switch el.typ {
		case miINT8:
			out[i] = float64(int8(chunk[0]))
		case miUINT8:
			out[i] = float64(chunk[0])
		case miINT16:
			out[i] = float64(int16(order.Uint16(chunk)))
		case miUINT16:
			out[i] = float64(order.Uint16(chunk))
		case miINT32:
			out[i] = float64(int32(order.Uint32(chunk)))
		case miUINT32:
			out[i] = float64(order.Uint32(chunk))
		case miSINGLE:
			out[i] = float64(math.Float32frombits(order.Uint32(chunk)))
		case miDOUBLE:
			out[i] = math.Float64frombits(order.Uint64(chunk))
		case miINT64:
			out[i] = float64(int64(order.Uint64(chunk)))
		case miUINT64:
			out[i] = float64(order.Uint64(chunk))
		}
	}
	return out, nil
}

// WriteMAT stores v as an uncompressed double array named name in a
// little endian MAT-file level 5 document.
func WriteMAT(path, name string, v *models.Volume) error {
	var body bytes.Buffer
	le := binary.LittleEndian

	writeElement := func(typ uint32, data []byte) {
		var tag [8]byte
		le.PutUint32(tag[:4], typ)
		le.PutUint32(tag[4:], uint32(len(data)))
		body.Write(tag[:])
		body.Write(data)
		if pad := (8 - len(data)%8) % 8; pad > 0 {
			body.Write(make([]byte, pad))
		}
	}

	flags := make([]byte, 8)
	le.PutUint32(flags, mxDOUBLE)
	writeElement(miUINT32, flags)

	dims := make([]byte, 12)
	le.PutUint32(dims[0:], uint32(v.Width))
	le.PutUint32(dims[4:], uint32(v.Height))
	le.PutUint32(dims[8:], uint32(v.Depth))
	writeElement(miINT32, dims)

	writeElement(miINT8, []byte(name))

	values := make([]byte, 8*v.Len())
	for i, x := range v.Data {
		le.PutUint64(values[8*i:], math.Float64bits(x))
	}
	writeElement(miDOUBLE, values)

	var out bytes.Buffer
	header := make([]byte, matHeaderSize)
	n := copy(header, "MATLAB 5.0 MAT-file, written by sctmetrics")
	for i := n; i < 116; i++ {
		header[i] = ' '
	}
	le.PutUint16(header[124:], 0x0100)
	copy(header[126:], "IM")
	out.Write(header)

	var tag [8]byte
	le.PutUint32(tag[:4], miMATRIX)
	le.PutUint32(tag[4:], uint32(body.Len()))
	out.Write(tag[:])
	out.Write(body.Bytes())

	if err := os.WriteFile(path, out.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
