package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// Sublayer building blocks: layer normalization, the position-wise
// feed-forward network, and the connection policies wrapped around every
// sublayer in every stack.
//
// The connection policy is the interesting part. Classic transformers use a
// residual shortcut. The NAT line of work experimented with highway
// connections instead: a learned sigmoid gate decides, per channel, how much
// of the sublayer output to let through versus the unchanged input. Both are
// pure functions of (input, sublayer output) plus the highway gate's own
// parameters, and both preserve tensor shape, so a whole stack can swap one
// for the other behind the SublayerConnection interface. The policy is
// chosen once at construction and fixed for the life of the stack.
// ===========================================================================

// LayerNorm implements layer normalization: y = γ * (x - μ) / σ + β, with
// mean and variance computed per position over the feature dimension.
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor // Scale parameter
	beta  *Tensor // Shift parameter
}

// NewLayerNorm creates a layer normalization layer.
func NewLayerNorm(dim int, eps float64) *LayerNorm {
	if dim <= 0 {
		panic(fmt.Sprintf("transformer: LayerNorm dim must be positive, got %d", dim))
	}

	gamma := NewTensor(dim)
	beta := NewTensor(dim)
	for i := 0; i < dim; i++ {
		gamma.data[i] = 1.0
	}

	return &LayerNorm{dim: dim, eps: eps, gamma: gamma, beta: beta}
}

// Forward applies layer normalization. x shape: (seqLen, features).
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != ln.dim {
		panic(fmt.Sprintf("transformer: LayerNorm input must be (seqLen, %d), got %v", ln.dim, shape))
	}

	seqLen, features := shape[0], shape[1]
	out := NewTensor(seqLen, features)

	for i := 0; i < seqLen; i++ {
		mean := 0.0
		for j := 0; j < features; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(features)

		variance := 0.0
		for j := 0; j < features; j++ {
			diff := x.At(i, j) - mean
			variance += diff * diff
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for j := 0; j < features; j++ {
			normalized := (x.At(i, j) - mean) / std
			out.Set(normalized*ln.gamma.data[j]+ln.beta.data[j], i, j)
		}
	}

	return out
}

// FeedForward implements the position-wise feed-forward network:
// FFN(x) = ReLU(x @ W1 + b1) @ W2 + b2.
type FeedForward struct {
	w1, b1 *Tensor
	w2, b2 *Tensor

	// Backend for accelerated matmul (optional)
	backend MatMulBackend
}

// NewFeedForward creates a feed-forward sublayer.
func NewFeedForward(dModel, dimFF int) *FeedForward {
	if dModel <= 0 || dimFF <= 0 {
		panic(fmt.Sprintf("transformer: feed-forward dims must be positive, got dModel=%d dimFF=%d", dModel, dimFF))
	}
	return &FeedForward{
		w1: NewTensorXavier(dModel, dimFF),
		b1: NewTensor(dimFF),
		w2: NewTensorXavier(dimFF, dModel),
		b2: NewTensor(dModel),
	}
}

// weights returns the linear matrices, for the initialization policies.
func (ff *FeedForward) weights() []*Tensor {
	return []*Tensor{ff.w1, ff.w2}
}

// biases returns the bias vectors, for the initialization policies.
func (ff *FeedForward) biases() []*Tensor {
	return []*Tensor{ff.b1, ff.b2}
}

func (ff *FeedForward) matmul(a, b *Tensor) *Tensor {
	if ff.backend != nil {
		if out, err := ff.backend.MatMul(a, b); err == nil {
			return out
		}
	}
	return MatMul(a, b)
}

// Forward applies the feed-forward network. x shape: (seqLen, dModel).
func (ff *FeedForward) Forward(x *Tensor) *Tensor {
	hidden := addBias(ff.matmul(x, ff.w1), ff.b1)
	hidden = ReLU(hidden)
	return addBias(ff.matmul(hidden, ff.w2), ff.b2)
}

// addBias adds a bias vector to every row of a 2D tensor.
func addBias(x, bias *Tensor) *Tensor {
	xs, bs := x.Shape(), bias.Shape()
	if len(xs) != 2 || len(bs) != 1 || xs[1] != bs[0] {
		panic(fmt.Sprintf("transformer: addBias shape mismatch %v + %v", xs, bs))
	}

	out := NewTensor(xs[0], xs[1])
	for i := 0; i < xs[0]; i++ {
		for j := 0; j < xs[1]; j++ {
			out.Set(x.At(i, j)+bias.data[j], i, j)
		}
	}
	return out
}

// SublayerConnection combines a sublayer's input with its output. Both
// implementations preserve tensor shape, so the stacks can use either
// without structural changes.
type SublayerConnection interface {
	Combine(input, sublayerOutput *Tensor) *Tensor
}

// ResidualConnection is the identity shortcut: input + dropout(output).
// Dropout is stored for configuration fidelity but is an identity at
// inference; this core never trains.
type ResidualConnection struct {
	dropout float64
}

// NewResidualConnection creates a residual connection.
func NewResidualConnection(dropout float64) *ResidualConnection {
	return &ResidualConnection{dropout: dropout}
}

// Combine returns input + sublayerOutput.
func (r *ResidualConnection) Combine(input, sublayerOutput *Tensor) *Tensor {
	return Add(input, sublayerOutput)
}

// HighwayConnection blends input and sublayer output through a learned
// sigmoid gate: g = σ(input @ W + b); out = g ⊙ input + (1 - g) ⊙ output.
// Each wrapped sublayer owns its own gate parameters.
type HighwayConnection struct {
	w *Tensor // (dModel, dModel)
	b *Tensor // (dModel)
}

// NewHighwayConnection creates a highway connection with its own gate.
func NewHighwayConnection(dModel int) *HighwayConnection {
	return &HighwayConnection{
		w: NewTensorXavier(dModel, dModel),
		b: NewTensor(dModel),
	}
}

// weights returns the gate matrix, for the initialization policies.
func (h *HighwayConnection) weights() []*Tensor {
	return []*Tensor{h.w}
}

// biases returns the gate bias, for the initialization policies.
func (h *HighwayConnection) biases() []*Tensor {
	return []*Tensor{h.b}
}

// Combine computes the gated blend. The gate is computed once per call from
// the input alone.
func (h *HighwayConnection) Combine(input, sublayerOutput *Tensor) *Tensor {
	is, os := input.Shape(), sublayerOutput.Shape()
	if !shapeEqual(is, os) {
		panic(fmt.Sprintf("transformer: highway input %v and sublayer output %v differ in shape", is, os))
	}

	gate := Sigmoid(addBias(MatMul(input, h.w), h.b)) // (seqLen, dModel)

	out := NewTensor(is[0], is[1])
	for i := 0; i < is[0]; i++ {
		for j := 0; j < is[1]; j++ {
			g := gate.At(i, j)
			out.Set(g*input.At(i, j)+(1-g)*sublayerOutput.At(i, j), i, j)
		}
	}
	return out
}

// newConnections builds one connection per sublayer according to the policy.
func newConnections(useHighway bool, dModel int, dropout float64, count int) []SublayerConnection {
	conns := make([]SublayerConnection, count)
	for i := range conns {
		if useHighway {
			conns[i] = NewHighwayConnection(dModel)
		} else {
			conns[i] = NewResidualConnection(dropout)
		}
	}
	return conns
}
