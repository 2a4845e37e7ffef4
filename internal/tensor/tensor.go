package tensor

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense row-major float64 array. Buffers (Trainable == false)
// travel with the parameters but are never touched by an optimizer.
type Tensor struct {
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	Trainable bool      `json:"trainable"`
}

func New(trainable bool, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{
		Shape:     append([]int(nil), shape...),
		Data:      make([]float64, n),
		Trainable: trainable,
	}
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) Dims() int {
	return len(t.Shape)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:     append([]int(nil), t.Shape...),
		Data:      append([]float64(nil), t.Data...),
		Trainable: t.Trainable,
	}
}

func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Params maps parameter names to tensors.
type Params map[string]*Tensor

// Names returns the parameter names in a stable order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies every tensor; the result shares no backing storage.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for name, t := range p {
		out[name] = t.Clone()
	}
	return out
}

// NumTrainable counts trainable scalar elements.
func (p Params) NumTrainable() int {
	n := 0
	for _, t := range p {
		if t.Trainable {
			n += t.Len()
		}
	}
	return n
}

// NumElements counts every scalar element, buffers included.
func (p Params) NumElements() int {
	n := 0
	for _, t := range p {
		n += t.Len()
	}
	return n
}

func (p Params) IsFinite() bool {
	for _, t := range p {
		if !t.IsFinite() {
			return false
		}
	}
	return true
}

// Scale multiplies every tensor in place.
func (p Params) Scale(c float64) {
	for _, t := range p {
		floats.Scale(c, t.Data)
	}
}

// L2Norm is the global L2 norm over all tensors.
func (p Params) L2Norm() float64 {
	sum := 0.0
	for _, name := range p.Names() {
		n := floats.Norm(p[name].Data, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// LayoutError describes the first tensor whose key or shape diverges.
type LayoutError struct {
	Tensor string
	Reason string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("tensor %q: %s", e.Tensor, e.Reason)
}

// CompareLayout checks that p has exactly the keys, shapes and
// trainability of ref.
func (p Params) CompareLayout(ref Params) error {
	for _, name := range ref.Names() {
		want := ref[name]
		got, ok := p[name]
		if !ok {
			return &LayoutError{Tensor: name, Reason: "missing"}
		}
		if !got.SameShape(want) {
			return &LayoutError{Tensor: name, Reason: fmt.Sprintf("shape %v, expected %v", got.Shape, want.Shape)}
		}
		if got.Trainable != want.Trainable {
			return &LayoutError{Tensor: name, Reason: "trainable flag differs"}
		}
	}
	for _, name := range p.Names() {
		if _, ok := ref[name]; !ok {
			return &LayoutError{Tensor: name, Reason: "unexpected"}
		}
	}
	return nil
}

// CopyFrom overwrites p's values with src's. Layouts must match.
func (p Params) CopyFrom(src Params) error {
	if err := src.CompareLayout(p); err != nil {
		return err
	}
	for name, t := range p {
		copy(t.Data, src[name].Data)
	}
	return nil
}

// Equal reports whether both sets have the same layout and every element
// differs by at most tol.
func (p Params) Equal(o Params, tol float64) bool {
	if p.CompareLayout(o) != nil {
		return false
	}
	for name, t := range p {
		if !floats.EqualApprox(t.Data, o[name].Data, tol) {
			return false
		}
	}
	return true
}
