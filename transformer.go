package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the sequence-to-sequence transformer core: the shared
// "body" (embeddings, sinusoidal positional encoding, encoder stack, output
// projection) and the autoregressive decoder built on top of it.
//
// INTENTION:
// One body, two models. TransformerCore owns everything the autoregressive
// and the non-autoregressive variants have in common; Transformer (this
// file) adds the causal decoder, CMLM (transformer_cmlm.go) adds the NAT
// decoder and the length pooler. The variants are composed from the body,
// not subclassed; which decoding behavior you get is an explicit
// construction choice.
//
// ARCHITECTURE (per "Attention is All You Need", Vaswani et al. 2017):
//
//   source ids ──► embedding × sqrt(d_model) ──► + positional ──► encoder
//   target ids ──► embedding × sqrt(d_model) ──► + positional ──► decoder
//   encoder memory ──► decoder cross-attention
//   decoder output ──► output projection ──► vocabulary logits
//
// Encoder layer: {self-attention, feed-forward}.
// Decoder layer: {masked self-attention, cross-attention, feed-forward}.
// Every sublayer is wrapped by the configured connection policy (residual
// or highway) and normalized pre- or post-sublayer according to NormFirst.
//
// WEIGHT SHARING:
// Source and target embedding tables may be one owned matrix, and the
// output projection may be the target embedding read through a transpose.
// Sharing is by aliasing, not copying: mutate the table and both views
// move together.
// ===========================================================================

// Config holds the hyperparameters shared by both model variants.
type Config struct {
	SrcVocabSize int // Source vocabulary size
	TgtVocabSize int // Target vocabulary size; 0 means same as source

	DModel           int     // Embedding dimension
	NumHeads         int     // Attention heads (must divide DModel)
	NumEncoderLayers int     // Encoder depth
	NumDecoderLayers int     // Decoder depth
	DimFF            int     // Feed-forward hidden width
	Dropout          float64 // Dropout rate (identity at inference)
	LayerNormEps     float64 // Epsilon inside layer normalization
	NormFirst        bool    // Pre-norm if true, post-norm otherwise
	MaxSeqLen        int     // Initial positional-encoding table capacity

	// Sublayer connection policy: highway gates instead of residual
	// shortcuts when true. Fixed for the whole stack.
	UseHighway bool

	// Weight sharing flags
	ShareEmbeddingsSrcTgt bool // One table for source and target
	ShareEmbeddingsTgtOut bool // Output projection reads the target table

	// ShareDecoderLayersAcrossDepth reuses a single NAT decoder layer
	// instance at every depth, tying its parameters across the stack.
	// Default false: each depth owns independent parameters.
	ShareDecoderLayersAcrossDepth bool

	// Length pooler settings (NAT variant only).
	MaxTargetLength  int  // Length-prediction range; 0 means MaxSeqLen
	LengthRegression bool // Predict a scalar length instead of length classes
}

// DefaultConfig returns the transformer-base hyperparameters.
func DefaultConfig() Config {
	return Config{
		DModel:                512,
		NumHeads:              8,
		NumEncoderLayers:      6,
		NumDecoderLayers:      6,
		DimFF:                 2048,
		Dropout:               0.1,
		LayerNormEps:          1e-6,
		NormFirst:             false,
		MaxSeqLen:             512,
		ShareEmbeddingsSrcTgt: true,
		ShareEmbeddingsTgtOut: true,
	}
}

// validate normalizes defaults and panics on invalid construction input.
func (c *Config) validate() {
	if c.TgtVocabSize == 0 {
		c.TgtVocabSize = c.SrcVocabSize
	}
	if c.SrcVocabSize <= 0 || c.TgtVocabSize <= 0 {
		panic(fmt.Sprintf("transformer: vocabulary sizes must be positive, got src=%d tgt=%d",
			c.SrcVocabSize, c.TgtVocabSize))
	}
	if c.DModel <= 0 || c.NumHeads <= 0 || c.DimFF <= 0 {
		panic(fmt.Sprintf("transformer: dimensions must be positive, got dModel=%d heads=%d dimFF=%d",
			c.DModel, c.NumHeads, c.DimFF))
	}
	if c.DModel%c.NumHeads != 0 {
		panic(fmt.Sprintf("transformer: dModel (%d) must be divisible by numHeads (%d)", c.DModel, c.NumHeads))
	}
	if c.NumEncoderLayers <= 0 || c.NumDecoderLayers <= 0 {
		panic(fmt.Sprintf("transformer: layer counts must be positive, got enc=%d dec=%d",
			c.NumEncoderLayers, c.NumDecoderLayers))
	}
	if c.ShareEmbeddingsSrcTgt && c.SrcVocabSize != c.TgtVocabSize {
		panic(fmt.Sprintf("transformer: cannot share src/tgt embeddings with different vocabulary sizes (%d vs %d)",
			c.SrcVocabSize, c.TgtVocabSize))
	}
	if c.MaxSeqLen <= 0 {
		c.MaxSeqLen = 512
	}
}

// ===========================================================================
// Encoder
// ===========================================================================

// EncoderLayer applies {self-attention, feed-forward}, each wrapped by the
// connection policy with pre- or post-norm placement.
type EncoderLayer struct {
	selfAttn *MultiHeadAttention
	ff       *FeedForward

	norm1, norm2 *LayerNorm
	conns        []SublayerConnection // one per sublayer
	normFirst    bool
}

// NewEncoderLayer creates an independently parameterized encoder layer.
func NewEncoderLayer(cfg Config) *EncoderLayer {
	return &EncoderLayer{
		selfAttn:  NewMultiHeadAttention(cfg.DModel, cfg.NumHeads),
		ff:        NewFeedForward(cfg.DModel, cfg.DimFF),
		norm1:     NewLayerNorm(cfg.DModel, cfg.LayerNormEps),
		norm2:     NewLayerNorm(cfg.DModel, cfg.LayerNormEps),
		conns:     newConnections(cfg.UseHighway, cfg.DModel, cfg.Dropout, 2),
		normFirst: cfg.NormFirst,
	}
}

// Forward processes one sequence. x: (seqLen, dModel).
func (l *EncoderLayer) Forward(x *Tensor, padMask []bool) *Tensor {
	x = applySublayer(x, l.norm1, l.conns[0], l.normFirst, func(in *Tensor) *Tensor {
		return l.selfAttn.Forward(in, in, in, nil, padMask)
	})
	x = applySublayer(x, l.norm2, l.conns[1], l.normFirst, func(in *Tensor) *Tensor {
		return l.ff.Forward(in)
	})
	return x
}

// Encoder is a stack of independently parameterized encoder layers.
type Encoder struct {
	layers    []*EncoderLayer
	finalNorm *LayerNorm // pre-norm stacks need one trailing normalization
}

// NewEncoder creates the encoder stack.
func NewEncoder(cfg Config) *Encoder {
	layers := make([]*EncoderLayer, cfg.NumEncoderLayers)
	for i := range layers {
		layers[i] = NewEncoderLayer(cfg)
	}

	enc := &Encoder{layers: layers}
	if cfg.NormFirst {
		enc.finalNorm = NewLayerNorm(cfg.DModel, cfg.LayerNormEps)
	}
	return enc
}

// Forward runs the stack. x: (seqLen, dModel), returns the encoder memory.
func (e *Encoder) Forward(x *Tensor, padMask []bool) *Tensor {
	for _, layer := range e.layers {
		x = layer.Forward(x, padMask)
	}
	if e.finalNorm != nil {
		x = e.finalNorm.Forward(x)
	}
	return x
}

// ===========================================================================
// Autoregressive decoder
// ===========================================================================

// DecoderLayer applies {masked self-attention, cross-attention to encoder
// memory, feed-forward}.
type DecoderLayer struct {
	selfAttn  *MultiHeadAttention
	crossAttn *MultiHeadAttention
	ff        *FeedForward

	norm1, norm2, norm3 *LayerNorm
	conns               []SublayerConnection
	normFirst           bool
}

// NewDecoderLayer creates an independently parameterized decoder layer.
func NewDecoderLayer(cfg Config) *DecoderLayer {
	return &DecoderLayer{
		selfAttn:  NewMultiHeadAttention(cfg.DModel, cfg.NumHeads),
		crossAttn: NewMultiHeadAttention(cfg.DModel, cfg.NumHeads),
		ff:        NewFeedForward(cfg.DModel, cfg.DimFF),
		norm1:     NewLayerNorm(cfg.DModel, cfg.LayerNormEps),
		norm2:     NewLayerNorm(cfg.DModel, cfg.LayerNormEps),
		norm3:     NewLayerNorm(cfg.DModel, cfg.LayerNormEps),
		conns:     newConnections(cfg.UseHighway, cfg.DModel, cfg.Dropout, 3),
		normFirst: cfg.NormFirst,
	}
}

// Forward processes one target sequence against the encoder memory.
//
// x: (tgtLen, dModel), memory: (srcLen, dModel).
// selfMask is the causal mask; tgtPadMask/memPadMask exclude pad keys from
// self- and cross-attention respectively.
func (l *DecoderLayer) Forward(x, memory *Tensor, selfMask *Tensor, tgtPadMask, memPadMask []bool) *Tensor {
	x = applySublayer(x, l.norm1, l.conns[0], l.normFirst, func(in *Tensor) *Tensor {
		return l.selfAttn.Forward(in, in, in, selfMask, tgtPadMask)
	})
	x = applySublayer(x, l.norm2, l.conns[1], l.normFirst, func(in *Tensor) *Tensor {
		return l.crossAttn.Forward(in, memory, memory, nil, memPadMask)
	})
	x = applySublayer(x, l.norm3, l.conns[2], l.normFirst, func(in *Tensor) *Tensor {
		return l.ff.Forward(in)
	})
	return x
}

// Decoder is a stack of independently parameterized decoder layers.
type Decoder struct {
	layers    []*DecoderLayer
	finalNorm *LayerNorm
}

// NewDecoder creates the autoregressive decoder stack.
func NewDecoder(cfg Config) *Decoder {
	layers := make([]*DecoderLayer, cfg.NumDecoderLayers)
	for i := range layers {
		layers[i] = NewDecoderLayer(cfg)
	}

	dec := &Decoder{layers: layers}
	if cfg.NormFirst {
		dec.finalNorm = NewLayerNorm(cfg.DModel, cfg.LayerNormEps)
	}
	return dec
}

// Forward runs the stack.
func (d *Decoder) Forward(x, memory *Tensor, selfMask *Tensor, tgtPadMask, memPadMask []bool) *Tensor {
	for _, layer := range d.layers {
		x = layer.Forward(x, memory, selfMask, tgtPadMask, memPadMask)
	}
	if d.finalNorm != nil {
		x = d.finalNorm.Forward(x)
	}
	return x
}

// applySublayer wraps a sublayer with its connection and normalization:
// pre-norm normalizes the sublayer input, post-norm normalizes the combined
// output. The connection always combines against the unnormalized input.
func applySublayer(x *Tensor, norm *LayerNorm, conn SublayerConnection, normFirst bool, sublayer func(*Tensor) *Tensor) *Tensor {
	if normFirst {
		return conn.Combine(x, sublayer(norm.Forward(x)))
	}
	return norm.Forward(conn.Combine(x, sublayer(x)))
}

// ===========================================================================
// Shared transformer body
// ===========================================================================

// TransformerCore is the reusable body shared by the autoregressive and
// non-autoregressive variants: embedding tables (with optional sharing),
// the sinusoidal positional encoder, the encoder stack, and the output
// projection (optionally tied to the target embedding).
type TransformerCore struct {
	config Config

	srcEmbedding *Tensor // (srcVocab, dModel)
	tgtEmbedding *Tensor // (tgtVocab, dModel); may alias srcEmbedding

	positional *PositionalEncoding
	encoder    *Encoder

	// outputProjection is (dModel, tgtVocab). Nil when ShareEmbeddingsTgtOut
	// is set: logits are then computed against tgtEmbedding^T, so the
	// embedding table and the projection are one owned matrix.
	outputProjection *Tensor
}

// NewTransformerCore builds the shared body. The config is validated here;
// both model constructors go through this.
func NewTransformerCore(cfg Config) *TransformerCore {
	cfg.validate()

	embStd := math.Pow(float64(cfg.DModel), -0.5)
	srcEmbedding := NewTensorNormal(embStd, cfg.SrcVocabSize, cfg.DModel)

	tgtEmbedding := srcEmbedding
	if !cfg.ShareEmbeddingsSrcTgt {
		tgtEmbedding = NewTensorNormal(embStd, cfg.TgtVocabSize, cfg.DModel)
	}

	core := &TransformerCore{
		config:       cfg,
		srcEmbedding: srcEmbedding,
		tgtEmbedding: tgtEmbedding,
		positional:   NewPositionalEncoding(cfg.DModel, cfg.MaxSeqLen),
		encoder:      NewEncoder(cfg),
	}

	if !cfg.ShareEmbeddingsTgtOut {
		core.outputProjection = NewTensorXavier(cfg.DModel, cfg.TgtVocabSize)
	}

	return core
}

// Config returns the normalized configuration.
func (c *TransformerCore) Config() Config {
	return c.config
}

// embed looks tokens up in a table, scales by sqrt(d_model), and adds the
// positional encoding.
func (c *TransformerCore) embed(ids []int, table *Tensor) *Tensor {
	if len(ids) == 0 {
		panic("transformer: cannot embed an empty sequence")
	}

	vocab := table.Shape()[0]
	dModel := c.config.DModel
	scale := math.Sqrt(float64(dModel))

	x := NewTensor(len(ids), dModel)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			panic(fmt.Sprintf("transformer: token id %d out of vocabulary range [0,%d)", id, vocab))
		}
		for j := 0; j < dModel; j++ {
			x.Set(table.At(id, j)*scale, i, j)
		}
	}

	return c.positional.Forward(x)
}

// EmbedSource embeds a source sequence.
func (c *TransformerCore) EmbedSource(ids []int) *Tensor {
	return c.embed(ids, c.srcEmbedding)
}

// EmbedTarget embeds a target sequence.
func (c *TransformerCore) EmbedTarget(ids []int) *Tensor {
	return c.embed(ids, c.tgtEmbedding)
}

// Encode runs the source sequence through the encoder stack and returns the
// encoder memory, shape (srcLen, dModel).
func (c *TransformerCore) Encode(srcIDs []int, srcPadMask []bool) *Tensor {
	if srcPadMask != nil && len(srcPadMask) != len(srcIDs) {
		panic(fmt.Sprintf("transformer: source padding mask length %d != sequence length %d",
			len(srcPadMask), len(srcIDs)))
	}
	return c.encoder.Forward(c.EmbedSource(srcIDs), srcPadMask)
}

// ProjectToVocab maps decoder hidden states (seqLen, dModel) to vocabulary
// logits (seqLen, tgtVocab). With tied weights this multiplies by the
// transpose of the target embedding table, so the two uses share one owned
// matrix at every point in time.
func (c *TransformerCore) ProjectToVocab(hidden *Tensor) *Tensor {
	if c.outputProjection != nil {
		return MatMul(hidden, c.outputProjection)
	}
	return MatMul(hidden, Transpose(c.tgtEmbedding))
}

// SetBackend installs an accelerated matmul backend on every attention and
// feed-forward sublayer of the encoder. Model variants extend this to their
// decoder stacks.
func (c *TransformerCore) SetBackend(backend MatMulBackend) {
	for _, layer := range c.encoder.layers {
		layer.selfAttn.backend = backend
		layer.ff.backend = backend
	}
}

// ===========================================================================
// Autoregressive model
// ===========================================================================

// Transformer is the autoregressive sequence-to-sequence model: the shared
// body plus a causal decoder stack. Decoding is greedy or beam search.
type Transformer struct {
	core    *TransformerCore
	decoder *Decoder
}

// NewTransformer creates the autoregressive model.
func NewTransformer(cfg Config) *Transformer {
	core := NewTransformerCore(cfg)
	return &Transformer{
		core:    core,
		decoder: NewDecoder(core.config),
	}
}

// Core exposes the shared body.
func (m *Transformer) Core() *TransformerCore {
	return m.core
}

// SetBackend installs an accelerated matmul backend on the whole model.
func (m *Transformer) SetBackend(backend MatMulBackend) {
	m.core.SetBackend(backend)
	for _, layer := range m.decoder.layers {
		layer.selfAttn.backend = backend
		layer.crossAttn.backend = backend
		layer.ff.backend = backend
	}
}

// Forward processes one masked source/target pair and returns logits of
// shape (tgtLen, tgtVocab). causalMask may be nil (no masking), which is
// only sensible for teacher-forced scoring of a full prefix.
func (m *Transformer) Forward(srcIDs, tgtIDs []int, causalMask *Tensor, srcPadMask, tgtPadMask []bool) *Tensor {
	memory := m.core.Encode(srcIDs, srcPadMask)
	return m.ForwardWithMemory(memory, tgtIDs, causalMask, srcPadMask, tgtPadMask)
}

// ForwardWithMemory decodes against precomputed encoder memory. The
// decoding loops call this so the encoder runs once per sequence, not once
// per step.
func (m *Transformer) ForwardWithMemory(memory *Tensor, tgtIDs []int, causalMask *Tensor, srcPadMask, tgtPadMask []bool) *Tensor {
	if tgtPadMask != nil && len(tgtPadMask) != len(tgtIDs) {
		panic(fmt.Sprintf("transformer: target padding mask length %d != sequence length %d",
			len(tgtPadMask), len(tgtIDs)))
	}

	x := m.core.EmbedTarget(tgtIDs)
	hidden := m.decoder.Forward(x, memory, causalMask, tgtPadMask, srcPadMask)
	return m.core.ProjectToVocab(hidden)
}
