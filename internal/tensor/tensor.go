// Package tensor implements the ordered collections of float64 tensors that
// carry model weights. It contains no model logic, only shape checked
// arithmetic.
package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned by every binary operation on tensors or
// collections whose shapes differ.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a dense row-major array.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// New returns a zero tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, numElements(shape)),
	}
}

// Full returns a tensor of the given shape with every element set to v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len is the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if t == nil || o == nil || len(t.Shape) != len(o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Norm returns the L2 norm of the tensor.
func (t *Tensor) Norm() float64 {
	var s float64
	for _, v := range t.Data {
		s += v * v
	}
	return math.Sqrt(s)
}

// Collection is an ordered list of tensors, the unit exchanged between
// coordinator and clients.
type Collection []*Tensor

// Zeros returns a zero collection with the given shapes.
func Zeros(shapes [][]int) Collection {
	c := make(Collection, len(shapes))
	for i, s := range shapes {
		c[i] = New(s...)
	}
	return c
}

// Shapes returns a copy of the shape of every tensor.
func (c Collection) Shapes() [][]int {
	out := make([][]int, len(c))
	for i, t := range c {
		out[i] = append([]int(nil), t.Shape...)
	}
	return out
}

// Size is the total number of elements across tensors.
func (c Collection) Size() int {
	n := 0
	for _, t := range c {
		n += t.Len()
	}
	return n
}

// Clone returns a deep copy.
func (c Collection) Clone() Collection {
	out := make(Collection, len(c))
	for i, t := range c {
		out[i] = t.Clone()
	}
	return out
}

// ZerosLike returns a zero collection with the shapes of c.
func (c Collection) ZerosLike() Collection {
	return Zeros(c.Shapes())
}

// CheckShape returns an error wrapping ErrShapeMismatch when o does not have
// exactly the shapes of c.
func (c Collection) CheckShape(o Collection) error {
	if len(c) != len(o) {
		return fmt.Errorf("%w: %d tensors vs %d", ErrShapeMismatch, len(c), len(o))
	}
	for i := range c {
		if !c[i].SameShape(o[i]) {
			var got []int
			if o[i] != nil {
				got = o[i].Shape
			}
			return fmt.Errorf("%w: tensor %d has shape %v, want %v", ErrShapeMismatch, i, got, c[i].Shape)
		}
	}
	return nil
}

// Add returns c + o.
func (c Collection) Add(o Collection) (Collection, error) {
	out := c.Clone()
	if err := out.AddInPlace(o); err != nil {
		return nil, err
	}
	return out, nil
}

// AddInPlace sets c to c + o.
func (c Collection) AddInPlace(o Collection) error {
	return c.AddScaledInPlace(o, 1)
}

// SubInPlace sets c to c - o.
func (c Collection) SubInPlace(o Collection) error {
	return c.AddScaledInPlace(o, -1)
}

// AddScaledInPlace sets c to c + f*o. Nothing is modified on shape mismatch.
func (c Collection) AddScaledInPlace(o Collection, f float64) error {
	if err := c.CheckShape(o); err != nil {
		return err
	}
	for i, t := range c {
		src := o[i].Data
		for j := range t.Data {
			t.Data[j] += f * src[j]
		}
	}
	return nil
}

// Scale returns f*c.
func (c Collection) Scale(f float64) Collection {
	out := c.Clone()
	out.ScaleInPlace(f)
	return out
}

// ScaleInPlace multiplies every element by f.
func (c Collection) ScaleInPlace(f float64) {
	for _, t := range c {
		for j := range t.Data {
			t.Data[j] *= f
		}
	}
}

// Equal reports whether c and o have the same shapes and every element pair
// differs by at most tol.
func (c Collection) Equal(o Collection, tol float64) bool {
	if c.CheckShape(o) != nil {
		return false
	}
	for i, t := range c {
		for j, v := range t.Data {
			if math.Abs(v-o[i].Data[j]) > tol {
				return false
			}
		}
	}
	return true
}
