// Package tensor holds the dense numeric array type neurons exchange and
// the codec that puts it on the wire.
package tensor

import (
	"errors"
	"fmt"
)

type Dtype uint8

const (
	DtypeUnknown Dtype = iota
	Float32
	Float64
	Int32
	Int64
)

func (d Dtype) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	}
	return "unknown"
}

func (d Dtype) isFloat() bool {
	return d == Float32 || d == Float64
}

func (d Dtype) isInt() bool {
	return d == Int32 || d == Int64
}

type Modality uint8

const (
	ModalityText Modality = iota
	ModalityImage
	ModalityTensor
)

func (m Modality) String() string {
	switch m {
	case ModalityText:
		return "text"
	case ModalityImage:
		return "image"
	case ModalityTensor:
		return "tensor"
	}
	return "unknown"
}

// Tensor is a dense row-major array. Exactly one of Floats/Ints is set,
// matching the dtype class; float32 values ride in the float64 buffer
// without loss.
type Tensor struct {
	Dtype  Dtype
	Shape  []uint32
	Floats []float64
	Ints   []int64
}

func NewFloats(dtype Dtype, shape []uint32, vals []float64) (*Tensor, error) {
	if !dtype.isFloat() {
		return nil, fmt.Errorf("dtype %s is not a float type", dtype)
	}
	t := &Tensor{Dtype: dtype, Shape: shape, Floats: vals}
	if t.Size() != uint64(len(vals)) {
		return nil, fmt.Errorf("shape %v wants %d elements, got %d", shape, t.Size(), len(vals))
	}
	return t, nil
}

func NewInts(dtype Dtype, shape []uint32, vals []int64) (*Tensor, error) {
	if !dtype.isInt() {
		return nil, fmt.Errorf("dtype %s is not an int type", dtype)
	}
	t := &Tensor{Dtype: dtype, Shape: shape, Ints: vals}
	if t.Size() != uint64(len(vals)) {
		return nil, fmt.Errorf("shape %v wants %d elements, got %d", shape, t.Size(), len(vals))
	}
	return t, nil
}

// Zeros builds a float32 tensor of the given shape, the shape most
// callbacks hand back.
func Zeros(shape ...uint32) *Tensor {
	t := &Tensor{Dtype: Float32, Shape: shape}
	t.Floats = make([]float64, t.Size())
	return t
}

func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Size is the element count implied by the shape. A rank-0 tensor has
// size 1 by the usual convention, but never travels on the wire here.
func (t *Tensor) Size() uint64 {
	size := uint64(1)
	for _, d := range t.Shape {
		size *= uint64(d)
	}
	return size
}

func (t *Tensor) LeadingDim() uint32 {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

func (t *Tensor) LastDim() uint32 {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[len(t.Shape)-1]
}

func (t *Tensor) elems() int {
	if t.Dtype.isInt() {
		return len(t.Ints)
	}
	return len(t.Floats)
}

func validate(t *Tensor) error {
	if t == nil {
		return errors.New("nil tensor")
	}
	if t.Dtype == DtypeUnknown || (!t.Dtype.isFloat() && !t.Dtype.isInt()) {
		return fmt.Errorf("unsupported dtype %d", t.Dtype)
	}
	if t.Size() != uint64(t.elems()) {
		return fmt.Errorf("shape %v wants %d elements, got %d", t.Shape, t.Size(), t.elems())
	}
	return nil
}
