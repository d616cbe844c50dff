package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the tensor type underlying the whole model: a flat
// float64 slice plus a shape, stored row-major. Every attention score, hidden
// state, and logit in this repository flows through these operations.
//
// INTENTION:
// Keep the numeric substrate small and obvious. The model code above this
// layer (attention, encoder/decoder stacks, decoding strategies) should read
// like the equations in the papers, and that only works if the tensor ops
// are boring.
//
// The model runs inference only; there is no gradient storage here. The
// training loop (loss, optimizer, schedule) is an external collaborator that
// owns parameter updates between inference calls.
//
// Softmax deserves a note: attention masking sets forbidden scores to -Inf,
// and a query whose keys are all forbidden produces a row of -Inf. Softmax
// resolves such a row to all zeros (zero context) instead of NaN. That
// fallback is a contract, not an accident; decoding with aggressive padding
// masks hits it.
// ===========================================================================

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// Tensor is not safe for concurrent mutation. During inference the model
// parameters are read-only, so sharing them across goroutines is fine.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [seq_len, features, ...]
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
// Shape errors are programmer bugs, not runtime conditions to handle
// gracefully.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	// Copy shape slice to prevent external mutation
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
	}
}

// NewTensorNormal creates a tensor with values drawn from a normal
// distribution with mean 0 and the given standard deviation, using the
// Box-Muller transform. Weight initialization policies (Xavier for linear
// projections, d_model^-1/2 for embeddings, 0.02 for BERT-style init) are
// expressed as different std arguments at construction sites.
func NewTensorNormal(std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rand.Float64(), rand.Float64()
		for u1 == 0 {
			u1 = rand.Float64()
		}
		mag := std * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// NewTensorXavier creates a 2D tensor initialized with Xavier/Glorot uniform
// initialization: U(-a, a) with a = sqrt(6 / (fanIn + fanOut)).
func NewTensorXavier(fanIn, fanOut int) *Tensor {
	t := NewTensor(fanIn, fanOut)
	a := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range t.data {
		t.data[i] = (rand.Float64()*2 - 1) * a
	}
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set stores value at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat array index.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range [0,%d) for dimension %d",
				indices[i], t.shape[i], i))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	out := NewTensor(t.shape...)
	copy(out.data, t.data)
	return out
}

// Row returns row i of a 2D tensor as a newly allocated slice.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: Row requires 2D tensor")
	}
	n := t.shape[1]
	row := make([]float64, n)
	copy(row, t.data[i*n:(i+1)*n])
	return row
}

// String returns a compact description of the tensor.
func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v", t.shape)
	return sb.String()
}

// ===========================================================================
// ELEMENT-WISE OPERATIONS
// ===========================================================================

// Add computes element-wise addition: C = A + B.
// Panics on shape mismatch.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: Add shape mismatch %v vs %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range a.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Mul computes element-wise (Hadamard) multiplication: C = A ⊙ B.
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: Mul shape mismatch %v vs %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range a.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return out
}

// Scale multiplies every element by a scalar: C = s * A.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range a.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// ===========================================================================
// MATRIX OPERATIONS
// ===========================================================================

// MatMul computes matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
//
// This is the O(M*N*K) operation at the heart of the model. Uses the global
// compute configuration to decide between single-threaded and parallel
// execution; see compute.go.
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWithConfig(a, b, globalComputeConfig)
}

// Transpose returns the transpose of a 2D matrix: A^T.
// A: (M, N) -> A^T: (N, M).
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.Set(a.At(i, j), j, i)
		}
	}

	return out
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// ReLU applies Rectified Linear Unit: f(x) = max(0, x).
// The feed-forward sublayers use ReLU, matching the transformer base model.
func ReLU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i := range x.data {
		if x.data[i] > 0 {
			out.data[i] = x.data[i]
		}
	}
	return out
}

// Sigmoid applies the logistic function element-wise.
// The highway connection gates are sigmoid outputs.
func Sigmoid(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i := range x.data {
		out.data[i] = 1.0 / (1.0 + math.Exp(-x.data[i]))
	}
	return out
}

// Tanh applies the hyperbolic tangent element-wise.
func Tanh(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i := range x.data {
		out.data[i] = math.Tanh(x.data[i])
	}
	return out
}

// Softmax applies row-wise softmax to a 2D tensor.
//
// Numerically stable: subtracts the row maximum before exponentiation.
// A row whose entries are all -Inf (a query with no valid keys after
// masking) resolves to all zeros rather than NaN, so a fully masked query
// receives zero context.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)

	for i := 0; i < rows; i++ {
		maxVal := math.Inf(-1)
		for j := 0; j < cols; j++ {
			if v := x.At(i, j); v > maxVal {
				maxVal = v
			}
		}

		// Entire row masked out: zero weights by contract.
		if math.IsInf(maxVal, -1) {
			continue
		}

		sum := 0.0
		for j := 0; j < cols; j++ {
			e := math.Exp(x.At(i, j) - maxVal)
			out.Set(e, i, j)
			sum += e
		}
		for j := 0; j < cols; j++ {
			out.Set(out.At(i, j)/sum, i, j)
		}
	}

	return out
}

// softmaxSlice computes softmax over a 1D slice of logits.
// Used by the decoding strategies on per-position vocabulary logits.
func softmaxSlice(logits []float64) []float64 {
	probs := make([]float64, len(logits))

	maxVal := math.Inf(-1)
	for _, v := range logits {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		return probs
	}

	sum := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(v - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// logSoftmaxSlice computes log-softmax over a 1D slice of logits.
// Beam search accumulates these as hypothesis scores.
func logSoftmaxSlice(logits []float64) []float64 {
	out := make([]float64, len(logits))

	maxVal := math.Inf(-1)
	for _, v := range logits {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(v - maxVal)
	}
	logSum := maxVal + math.Log(sum)

	for i, v := range logits {
		out[i] = v - logSum
	}
	return out
}

// argmax returns the index of the largest value. Ties resolve to the lowest
// index, which makes greedy token selection deterministic.
func argmax(data []float64) int {
	best := 0
	for i := 1; i < len(data); i++ {
		if data[i] > data[best] {
			best = i
		}
	}
	return best
}

// shapeEqual reports whether two shapes are identical.
func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
