package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Multi-head scaled dot-product attention, the sublayer every stack in this
// repository is built from. One type serves four roles:
//
//   - encoder self-attention (query = key = value = encoder hidden state)
//   - decoder masked self-attention (plus a causal mask)
//   - decoder cross-attention (query from decoder, key/value from encoder)
//   - NAT positional attention (query/key are positional encodings,
//     value is the self-attention output)
//
// Mechanism:
//   1. Project inputs to Q, K, V with learned matrices
//   2. Split the model dimension into h heads
//   3. Per head: softmax(Q·K^T / sqrt(d_model/h)) · V
//   4. Concatenate heads and apply the output projection
//
// MASKING:
// Two independent masks bias the scores before softmax and never touch the
// hidden state itself:
//   - an attention mask of shape (lenQ, lenK), 1 = may attend, 0 = may not;
//     the causal mask is the lower-triangular instance of this
//   - a key-padding mask, one bool per key position, true = pad
// Forbidden positions are set to -Inf so their post-softmax weight is
// exactly zero. A query whose keys are all forbidden gets zero context
// (see Softmax in tensor.go).
// ===========================================================================

// MultiHeadAttention implements multi-head scaled dot-product attention.
type MultiHeadAttention struct {
	dModel   int
	numHeads int
	headDim  int

	// Linear projections
	wq, wk, wv, wo *Tensor

	// Backend for accelerated matmul (optional)
	backend MatMulBackend
}

// NewMultiHeadAttention creates an attention sublayer. Panics if numHeads
// does not divide dModel evenly.
func NewMultiHeadAttention(dModel, numHeads int) *MultiHeadAttention {
	if dModel <= 0 || numHeads <= 0 {
		panic(fmt.Sprintf("transformer: dModel (%d) and numHeads (%d) must be positive", dModel, numHeads))
	}
	if dModel%numHeads != 0 {
		panic(fmt.Sprintf("transformer: dModel (%d) must be divisible by numHeads (%d)", dModel, numHeads))
	}

	return &MultiHeadAttention{
		dModel:   dModel,
		numHeads: numHeads,
		headDim:  dModel / numHeads,
		wq:       NewTensorXavier(dModel, dModel),
		wk:       NewTensorXavier(dModel, dModel),
		wv:       NewTensorXavier(dModel, dModel),
		wo:       NewTensorXavier(dModel, dModel),
	}
}

// weights returns the projection matrices, for the initialization policies.
func (mha *MultiHeadAttention) weights() []*Tensor {
	return []*Tensor{mha.wq, mha.wk, mha.wv, mha.wo}
}

func (mha *MultiHeadAttention) matmul(a, b *Tensor) *Tensor {
	if mha.backend != nil {
		if out, err := mha.backend.MatMul(a, b); err == nil {
			return out
		}
	}
	return MatMul(a, b)
}

// Forward computes attention context vectors.
//
// query: (lenQ, dModel), key: (lenK, dModel), value: (lenK, dModel).
// attnMask: optional (lenQ, lenK), 1 = attend, 0 = forbidden.
// keyPadMask: optional, len lenK, true = pad (excluded as a key).
// Returns context of shape (lenQ, dModel).
func (mha *MultiHeadAttention) Forward(query, key, value *Tensor, attnMask *Tensor, keyPadMask []bool) *Tensor {
	ctx, _ := mha.forward(query, key, value, attnMask, keyPadMask, false)
	return ctx
}

// ForwardWithWeights additionally returns the attention weights averaged
// over heads, shape (lenQ, lenK). Used by tests and attention inspection.
func (mha *MultiHeadAttention) ForwardWithWeights(query, key, value *Tensor, attnMask *Tensor, keyPadMask []bool) (*Tensor, *Tensor) {
	return mha.forward(query, key, value, attnMask, keyPadMask, true)
}

func (mha *MultiHeadAttention) forward(query, key, value *Tensor, attnMask *Tensor, keyPadMask []bool, needWeights bool) (*Tensor, *Tensor) {
	qs, ks, vs := query.Shape(), key.Shape(), value.Shape()
	if len(qs) != 2 || len(ks) != 2 || len(vs) != 2 {
		panic("transformer: attention inputs must be 2D (seqLen, dModel)")
	}
	if qs[1] != mha.dModel || ks[1] != mha.dModel || vs[1] != mha.dModel {
		panic(fmt.Sprintf("transformer: attention inputs must have dModel=%d columns, got q=%d k=%d v=%d",
			mha.dModel, qs[1], ks[1], vs[1]))
	}
	if ks[0] != vs[0] {
		panic(fmt.Sprintf("transformer: key length %d != value length %d", ks[0], vs[0]))
	}

	lenQ, lenK := qs[0], ks[0]

	if attnMask != nil {
		ms := attnMask.Shape()
		if len(ms) != 2 || ms[0] != lenQ || ms[1] != lenK {
			panic(fmt.Sprintf("transformer: attention mask shape %v does not match (lenQ=%d, lenK=%d)", ms, lenQ, lenK))
		}
	}
	if keyPadMask != nil && len(keyPadMask) != lenK {
		panic(fmt.Sprintf("transformer: key padding mask length %d does not match lenK=%d", len(keyPadMask), lenK))
	}

	// Project to Q, K, V: (len, dModel)
	q := mha.matmul(query, mha.wq)
	k := mha.matmul(key, mha.wk)
	v := mha.matmul(value, mha.wv)

	scale := 1.0 / math.Sqrt(float64(mha.headDim))
	concat := NewTensor(lenQ, mha.dModel)

	var avgWeights *Tensor
	if needWeights {
		avgWeights = NewTensor(lenQ, lenK)
	}

	for h := 0; h < mha.numHeads; h++ {
		off := h * mha.headDim

		// Per-head scores: Q_h @ K_h^T / sqrt(headDim)
		scores := NewTensor(lenQ, lenK)
		for i := 0; i < lenQ; i++ {
			for j := 0; j < lenK; j++ {
				sum := 0.0
				for d := 0; d < mha.headDim; d++ {
					sum += q.At(i, off+d) * k.At(j, off+d)
				}
				scores.Set(sum*scale, i, j)
			}
		}

		// Bias scores with the masks: forbidden positions go to -Inf so
		// their normalized weight is exactly zero.
		for j := 0; j < lenK; j++ {
			padded := keyPadMask != nil && keyPadMask[j]
			for i := 0; i < lenQ; i++ {
				if padded || (attnMask != nil && attnMask.At(i, j) == 0) {
					scores.Set(math.Inf(-1), i, j)
				}
			}
		}

		weights := Softmax(scores) // (lenQ, lenK)

		// Context: weights @ V_h, written into this head's slice of the
		// concatenation buffer.
		for i := 0; i < lenQ; i++ {
			for d := 0; d < mha.headDim; d++ {
				sum := 0.0
				for j := 0; j < lenK; j++ {
					sum += weights.At(i, j) * v.At(j, off+d)
				}
				concat.Set(sum, i, off+d)
			}
		}

		if needWeights {
			for i := 0; i < lenQ; i++ {
				for j := 0; j < lenK; j++ {
					avgWeights.Set(avgWeights.At(i, j)+weights.At(i, j)/float64(mha.numHeads), i, j)
				}
			}
		}
	}

	// Final output projection
	out := mha.matmul(concat, mha.wo)
	return out, avgWeights
}

// NewCausalMask builds a (seqLen, seqLen) mask forbidding position i from
// attending to any j > i. Only the autoregressive decoder uses it.
func NewCausalMask(seqLen int) *Tensor {
	mask := NewTensor(seqLen, seqLen)
	for i := 0; i < seqLen; i++ {
		for j := 0; j <= i; j++ {
			mask.Set(1.0, i, j)
		}
	}
	return mask
}

// PadMask derives a key-padding mask from token ids: true at pad positions.
func PadMask(ids []int, padTokenID int) []bool {
	mask := make([]bool, len(ids))
	for i, id := range ids {
		mask[i] = id == padTokenID
	}
	return mask
}
