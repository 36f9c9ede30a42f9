package tensor

import "fmt"

// Tensor is a dense NCHW float32 array.
type Tensor struct {
	N, C, H, W int
	Data       []float32
}

// Labels is a dense NHW array of class ids.
type Labels struct {
	N, H, W int
	Data    []int32
}

// New allocates a zero-filled tensor.
func New(n, c, h, w int) *Tensor {
	return &Tensor{N: n, C: c, H: h, W: w, Data: make([]float32, n*c*h*w)}
}

// FromData wraps data without copying. It fails when the length does not
// match the shape.
func FromData(n, c, h, w int, data []float32) (*Tensor, error) {
	if len(data) != n*c*h*w {
		return nil, fmt.Errorf("tensor: %d values for shape [%d %d %d %d]", len(data), n, c, h, w)
	}
	return &Tensor{N: n, C: c, H: h, W: w, Data: data}, nil
}

// Like allocates a zero tensor with t's shape.
func Like(t *Tensor) *Tensor {
	return New(t.N, t.C, t.H, t.W)
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Plane returns the number of elements in one channel of one sample.
func (t *Tensor) Plane() int { return t.H * t.W }

// Index returns the flat offset of (n, c, h, w).
func (t *Tensor) Index(n, c, h, w int) int {
	return ((n*t.C+c)*t.H+h)*t.W + w
}

// At returns the element at (n, c, h, w).
func (t *Tensor) At(n, c, h, w int) float32 {
	return t.Data[t.Index(n, c, h, w)]
}

// Sample returns a view over sample n. The view shares storage with t.
func (t *Tensor) Sample(n int) *Tensor {
	size := t.C * t.H * t.W
	return &Tensor{N: 1, C: t.C, H: t.H, W: t.W, Data: t.Data[n*size : (n+1)*size]}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%d %d %d %d]", t.N, t.C, t.H, t.W)
}

// NewLabels allocates a label map filled with fill.
func NewLabels(n, h, w int, fill int32) *Labels {
	data := make([]int32, n*h*w)
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return &Labels{N: n, H: h, W: w, Data: data}
}

// Sample returns a view over sample n.
func (l *Labels) Sample(n int) *Labels {
	size := l.H * l.W
	return &Labels{N: 1, H: l.H, W: l.W, Data: l.Data[n*size : (n+1)*size]}
}

// Stack concatenates single-sample tensors of equal shape along N.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("tensor: stack of zero items")
	}
	first := items[0]
	out := New(0, first.C, first.H, first.W)
	out.Data = make([]float32, 0, len(items)*first.Len())
	for i, it := range items {
		if it.C != first.C || it.H != first.H || it.W != first.W {
			return nil, fmt.Errorf("tensor: stack item %d has shape %v, want %v", i, it, first)
		}
		out.Data = append(out.Data, it.Data...)
		out.N += it.N
	}
	return out, nil
}

// StackLabels concatenates label maps of equal spatial size along N.
func StackLabels(items []*Labels) (*Labels, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("tensor: stack of zero label maps")
	}
	first := items[0]
	out := &Labels{H: first.H, W: first.W, Data: make([]int32, 0, len(items)*len(first.Data))}
	for i, it := range items {
		if it.H != first.H || it.W != first.W {
			return nil, fmt.Errorf("tensor: label item %d is %dx%d, want %dx%d", i, it.H, it.W, first.H, first.W)
		}
		out.Data = append(out.Data, it.Data...)
		out.N += it.N
	}
	return out, nil
}
