package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The non-autoregressive side of the house: the NAT decoder stack from
// Gu et al., "Non-Autoregressive Neural Machine Translation"
// (https://arxiv.org/pdf/1711.02281.pdf), the length pooler, and the CMLM
// model (Ghazvininejad et al., "Mask-Predict: Parallel Decoding of
// Conditional Masked Language Models", https://arxiv.org/pdf/1904.09324.pdf)
// that combines them with the shared transformer body.
//
// WHY A FOURTH SUBLAYER:
// An autoregressive decoder gets its notion of order for free: position i
// only sees positions < i, and generation proceeds left to right. The NAT
// decoder predicts every position at once with no causal mask, so nothing
// tells position 3 that it sits between 2 and 4. The positional-attention
// sublayer restores that signal: its query and key are the positional
// encoding of the self-attention output, its value is the raw
// self-attention output, so every output position can attend to all others
// by relative position without recurrence.
//
// NAT decoder layer order: {self-attention, positional attention,
// cross-attention, feed-forward}, each wrapped by the connection policy,
// no causal masking anywhere.
//
// LENGTH:
// With no autoregressive stopping condition, the model must decide the
// output length before decoding. The pooler aggregates encoder memory into
// one vector per sequence (first position, BERT-style) and predicts the
// target length, either as a distribution over length classes or as a
// scalar regression.
// ===========================================================================

// NATDecoderLayer is the non-autoregressive decoder layer.
type NATDecoderLayer struct {
	selfAttn  *MultiHeadAttention
	posAttn   *MultiHeadAttention
	crossAttn *MultiHeadAttention
	ff        *FeedForward

	// Positional encoder for the positional-attention query/key. Dropout-
	// free and deterministic, owned per layer.
	positional *PositionalEncoding

	norm1, norm2, norm3, norm4 *LayerNorm
	conns                      []SublayerConnection
	normFirst                  bool
}

// NewNATDecoderLayer creates an independently parameterized NAT layer.
func NewNATDecoderLayer(cfg Config) *NATDecoderLayer {
	return &NATDecoderLayer{
		selfAttn:   NewMultiHeadAttention(cfg.DModel, cfg.NumHeads),
		posAttn:    NewMultiHeadAttention(cfg.DModel, cfg.NumHeads),
		crossAttn:  NewMultiHeadAttention(cfg.DModel, cfg.NumHeads),
		ff:         NewFeedForward(cfg.DModel, cfg.DimFF),
		positional: NewPositionalEncoding(cfg.DModel, cfg.MaxSeqLen),
		norm1:      NewLayerNorm(cfg.DModel, cfg.LayerNormEps),
		norm2:      NewLayerNorm(cfg.DModel, cfg.LayerNormEps),
		norm3:      NewLayerNorm(cfg.DModel, cfg.LayerNormEps),
		norm4:      NewLayerNorm(cfg.DModel, cfg.LayerNormEps),
		conns:      newConnections(cfg.UseHighway, cfg.DModel, cfg.Dropout, 4),
		normFirst:  cfg.NormFirst,
	}
}

// Forward processes one target sequence against the encoder memory.
// No causal mask: every position may attend to every other.
func (l *NATDecoderLayer) Forward(x, memory *Tensor, tgtPadMask, memPadMask []bool) *Tensor {
	// Self-attention sublayer
	sa := applySublayer(x, l.norm1, l.conns[0], l.normFirst, func(in *Tensor) *Tensor {
		return l.selfAttn.Forward(in, in, in, nil, tgtPadMask)
	})

	// Positional attention sublayer. Query/key are the positional encoding
	// of the self-attention output; value is the raw self-attention output.
	// The connection combines against the self-attention output, not the
	// encoded query.
	posQK := l.positional.Forward(sa)
	if l.normFirst {
		posQK = l.norm2.Forward(posQK)
	}
	posOut := l.posAttn.Forward(posQK, posQK, sa, nil, tgtPadMask)
	pos := l.conns[1].Combine(sa, posOut)
	if !l.normFirst {
		pos = l.norm2.Forward(pos)
	}

	// Cross-attention sublayer
	x = applySublayer(pos, l.norm3, l.conns[2], l.normFirst, func(in *Tensor) *Tensor {
		return l.crossAttn.Forward(in, memory, memory, nil, memPadMask)
	})

	// Feed-forward sublayer
	x = applySublayer(x, l.norm4, l.conns[3], l.normFirst, func(in *Tensor) *Tensor {
		return l.ff.Forward(in)
	})
	return x
}

// NATDecoder is the non-autoregressive decoder stack.
//
// By default every depth owns an independent layer. When the config sets
// ShareDecoderLayersAcrossDepth, one layer instance is reused at every
// depth, tying its parameters across the stack. That mirrors a construction
// found in earlier NAT implementations; treat it as an explicit experiment
// flag, not a default.
type NATDecoder struct {
	layers    []*NATDecoderLayer
	finalNorm *LayerNorm
}

// NewNATDecoder creates the NAT decoder stack.
func NewNATDecoder(cfg Config) *NATDecoder {
	layers := make([]*NATDecoderLayer, cfg.NumDecoderLayers)
	if cfg.ShareDecoderLayersAcrossDepth {
		shared := NewNATDecoderLayer(cfg)
		for i := range layers {
			layers[i] = shared
		}
	} else {
		for i := range layers {
			layers[i] = NewNATDecoderLayer(cfg)
		}
	}

	dec := &NATDecoder{layers: layers}
	if cfg.NormFirst {
		dec.finalNorm = NewLayerNorm(cfg.DModel, cfg.LayerNormEps)
	}
	return dec
}

// Forward runs the stack.
func (d *NATDecoder) Forward(x, memory *Tensor, tgtPadMask, memPadMask []bool) *Tensor {
	for _, layer := range d.layers {
		x = layer.Forward(x, memory, tgtPadMask, memPadMask)
	}
	if d.finalNorm != nil {
		x = d.finalNorm.Forward(x)
	}
	return x
}

// ===========================================================================
// Length pooler
// ===========================================================================

// LengthPooler predicts the target length from encoder memory. It pools the
// first-position vector through a dense + tanh layer (BERT pooler shape)
// and projects to either maxTargetLength length classes or a single scalar.
type LengthPooler struct {
	dModel          int
	maxTargetLength int
	regression      bool

	dense     *Tensor // (dModel, dModel)
	denseBias *Tensor // (dModel)
	proj      *Tensor // (dModel, maxTargetLength) or (dModel, 1)
	projBias  *Tensor // (maxTargetLength) or (1)
}

// NewLengthPooler creates the pooler. Length class i stands for target
// length i+1, so the prediction range is [1, maxTargetLength].
func NewLengthPooler(dModel, maxTargetLength int, regression bool) *LengthPooler {
	if dModel <= 0 || maxTargetLength <= 0 {
		panic(fmt.Sprintf("transformer: pooler dims must be positive, got dModel=%d maxTargetLength=%d",
			dModel, maxTargetLength))
	}

	outDim := maxTargetLength
	if regression {
		outDim = 1
	}

	return &LengthPooler{
		dModel:          dModel,
		maxTargetLength: maxTargetLength,
		regression:      regression,
		dense:           NewTensorXavier(dModel, dModel),
		denseBias:       NewTensor(dModel),
		proj:            NewTensorXavier(dModel, outDim),
		projBias:        NewTensor(outDim),
	}
}

// weights returns the linear matrices, for the initialization policies.
func (p *LengthPooler) weights() []*Tensor {
	return []*Tensor{p.dense, p.proj}
}

// biases returns the bias vectors, for the initialization policies.
func (p *LengthPooler) biases() []*Tensor {
	return []*Tensor{p.denseBias, p.projBias}
}

// Forward pools the encoder memory and returns the raw length output:
// logits over length classes, or a single-element slice in regression mode.
func (p *LengthPooler) Forward(memory *Tensor) []float64 {
	shape := memory.Shape()
	if len(shape) != 2 || shape[1] != p.dModel {
		panic(fmt.Sprintf("transformer: pooler input must be (srcLen, %d), got %v", p.dModel, shape))
	}

	// First-position vector through dense + tanh.
	first := NewTensor(1, p.dModel)
	for j := 0; j < p.dModel; j++ {
		first.Set(memory.At(0, j), 0, j)
	}
	pooled := Tanh(addBias(MatMul(first, p.dense), p.denseBias))

	out := addBias(MatMul(pooled, p.proj), p.projBias)
	return out.Row(0)
}

// PredictLength maps the pooler output to a concrete length in
// [1, maxTargetLength].
func (p *LengthPooler) PredictLength(memory *Tensor) int {
	out := p.Forward(memory)

	if p.regression {
		length := int(math.Round(out[0]))
		if length < 1 {
			length = 1
		}
		if length > p.maxTargetLength {
			length = p.maxTargetLength
		}
		return length
	}

	return argmax(out) + 1
}

// ===========================================================================
// CMLM model
// ===========================================================================

// CMLM is the conditional masked language model: the shared transformer
// body, the NAT decoder stack, the length pooler, and a reserved mask token
// id. Decoding is iterative mask-predict refinement (mask_predict.go).
type CMLM struct {
	core    *TransformerCore
	decoder *NATDecoder
	pooler  *LengthPooler

	maskTokenID int
}

// NewCMLM creates the non-autoregressive model. The mask token id must be a
// valid target vocabulary id reserved by the tokenizer.
func NewCMLM(cfg Config, maskTokenID int) *CMLM {
	core := NewTransformerCore(cfg)
	cfg = core.config // normalized

	if maskTokenID < 0 || maskTokenID >= cfg.TgtVocabSize {
		panic(fmt.Sprintf("transformer: mask token id %d out of vocabulary range [0,%d)",
			maskTokenID, cfg.TgtVocabSize))
	}

	maxTargetLength := cfg.MaxTargetLength
	if maxTargetLength <= 0 {
		maxTargetLength = cfg.MaxSeqLen
	}

	m := &CMLM{
		core:        core,
		decoder:     NewNATDecoder(cfg),
		pooler:      NewLengthPooler(cfg.DModel, maxTargetLength, cfg.LengthRegression),
		maskTokenID: maskTokenID,
	}

	// CMLM uses BERT-style initialization over all parameter collections.
	applyBERTInitialization(m)
	return m
}

// Core exposes the shared body.
func (m *CMLM) Core() *TransformerCore {
	return m.core
}

// MaskTokenID returns the reserved mask id.
func (m *CMLM) MaskTokenID() int {
	return m.maskTokenID
}

// SetBackend installs an accelerated matmul backend on the whole model.
func (m *CMLM) SetBackend(backend MatMulBackend) {
	m.core.SetBackend(backend)
	seen := map[*NATDecoderLayer]bool{}
	for _, layer := range m.decoder.layers {
		if seen[layer] {
			continue
		}
		seen[layer] = true
		layer.selfAttn.backend = backend
		layer.posAttn.backend = backend
		layer.crossAttn.backend = backend
		layer.ff.backend = backend
	}
}

// Forward processes one source/target pair and returns vocabulary logits of
// shape (tgtLen, tgtVocab) plus the raw length output for this sequence.
// No causal mask is involved anywhere on this path.
func (m *CMLM) Forward(srcIDs, tgtIDs []int, srcPadMask, tgtPadMask []bool) (*Tensor, []float64) {
	memory := m.core.Encode(srcIDs, srcPadMask)
	lengthOut := m.pooler.Forward(memory)
	logits := m.ForwardWithMemory(memory, tgtIDs, srcPadMask, tgtPadMask)
	return logits, lengthOut
}

// ForwardWithMemory decodes against precomputed encoder memory; the
// mask-predict loop calls this once per refinement iteration.
func (m *CMLM) ForwardWithMemory(memory *Tensor, tgtIDs []int, srcPadMask, tgtPadMask []bool) *Tensor {
	if tgtPadMask != nil && len(tgtPadMask) != len(tgtIDs) {
		panic(fmt.Sprintf("transformer: target padding mask length %d != sequence length %d",
			len(tgtPadMask), len(tgtIDs)))
	}

	x := m.core.EmbedTarget(tgtIDs)
	hidden := m.decoder.Forward(x, memory, tgtPadMask, srcPadMask)
	return m.core.ProjectToVocab(hidden)
}
