package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var errTruncated = errors.New("tensor: truncated encoding")

// MarshalBinary encodes the collection as little-endian
// count | (ndims | dims... | float64 bits...)*.
func (c Collection) MarshalBinary() ([]byte, error) {
	size := 4
	for _, t := range c {
		size += 4 + 4*len(t.Shape) + 8*len(t.Data)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c)))
	for i, t := range c {
		if numElements(t.Shape) != len(t.Data) {
			return nil, fmt.Errorf("%w: tensor %d data length %d for shape %v", ErrShapeMismatch, i, len(t.Data), t.Shape)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Shape)))
		for _, d := range t.Shape {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(d))
		}
		for _, v := range t.Data {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes the output of MarshalBinary.
func (c *Collection) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	n, err := r.uint32()
	if err != nil {
		return err
	}
	var out Collection
	for i := uint32(0); i < n; i++ {
		dims, err := r.uint32()
		if err != nil {
			return err
		}
		if int(dims)*4 > len(r.b) {
			return errTruncated
		}
		shape := make([]int, dims)
		for d := range shape {
			v, err := r.uint32()
			if err != nil {
				return err
			}
			shape[d] = int(v)
		}
		if numElements(shape)*8 > len(r.b) {
			return errTruncated
		}
		t := New(shape...)
		for j := range t.Data {
			v, err := r.uint64()
			if err != nil {
				return err
			}
			t.Data[j] = math.Float64frombits(v)
		}
		out = append(out, t)
	}
	if len(r.b) != 0 {
		return fmt.Errorf("tensor: %d trailing bytes", len(r.b))
	}
	*c = out
	return nil
}

type reader struct{ b []byte }

func (r *reader) uint32() (uint32, error) {
	if len(r.b) < 4 {
		return 0, errTruncated
	}
	v := binary.LittleEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if len(r.b) < 8 {
		return 0, errTruncated
	}
	v := binary.LittleEndian.Uint64(r.b)
	r.b = r.b[8:]
	return v, nil
}
