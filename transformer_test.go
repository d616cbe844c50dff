package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns a model small enough that forward passes take
// milliseconds. The shape properties under test do not depend on scale.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SrcVocabSize = 12
	cfg.DModel = 8
	cfg.NumHeads = 2
	cfg.NumEncoderLayers = 2
	cfg.NumDecoderLayers = 2
	cfg.DimFF = 16
	cfg.MaxSeqLen = 32
	return cfg
}

func assertAllFinite(t *testing.T, x *Tensor) {
	t.Helper()
	for _, v := range x.data {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "non-finite value in tensor %v", x.Shape())
	}
}

func TestConfigValidation(t *testing.T) {
	assert.Panics(t, func() { NewTransformer(Config{}) })

	bad := testConfig()
	bad.NumHeads = 3 // does not divide DModel=8
	assert.Panics(t, func() { NewTransformer(bad) })

	shared := testConfig()
	shared.TgtVocabSize = 20 // differs from source while sharing tables
	shared.ShareEmbeddingsSrcTgt = true
	assert.Panics(t, func() { NewTransformer(shared) })

	zero := testConfig()
	zero.NumEncoderLayers = 0
	assert.Panics(t, func() { NewTransformer(zero) })
}

func TestConfigTargetVocabDefaultsToSource(t *testing.T) {
	m := NewTransformer(testConfig())
	assert.Equal(t, 12, m.Core().Config().TgtVocabSize)
}

func TestEncoderLayerZeroInputStaysFinite(t *testing.T) {
	// A single layer on all-zero input: shape preserved, everything finite.
	// The per-position normalization of a constant row is the sharp edge
	// here; the epsilon keeps it defined.
	cfg := testConfig()
	cfg.DModel = 4
	cfg.NumHeads = 2
	cfg.DimFF = 8
	cfg.NumEncoderLayers = 1

	layer := NewEncoderLayer(cfg)
	out := layer.Forward(NewTensor(3, 4), nil)

	require.Equal(t, []int{3, 4}, out.Shape())
	assertAllFinite(t, out)
}

func TestEncodeShape(t *testing.T) {
	m := NewTransformer(testConfig())

	memory := m.Core().Encode([]int{1, 2, 3, 4, 5}, nil)
	assert.Equal(t, []int{5, 8}, memory.Shape())
	assertAllFinite(t, memory)
}

func TestEncodeValidation(t *testing.T) {
	m := NewTransformer(testConfig())

	assert.Panics(t, func() { m.Core().Encode(nil, nil) })
	assert.Panics(t, func() { m.Core().Encode([]int{1, 99}, nil) }) // out of vocabulary
	assert.Panics(t, func() { m.Core().Encode([]int{1, 2}, []bool{true}) })
}

func TestForwardLogitsShape(t *testing.T) {
	m := NewTransformer(testConfig())

	src := []int{1, 2, 3, 4}
	tgt := []int{5, 6, 7}
	logits := m.Forward(src, tgt, NewCausalMask(3), nil, nil)

	assert.Equal(t, []int{3, 12}, logits.Shape())
	assertAllFinite(t, logits)
}

func TestForwardPreAndPostNorm(t *testing.T) {
	for _, normFirst := range []bool{false, true} {
		cfg := testConfig()
		cfg.NormFirst = normFirst

		m := NewTransformer(cfg)
		logits := m.Forward([]int{1, 2, 3}, []int{4, 5}, NewCausalMask(2), nil, nil)
		assert.Equal(t, []int{2, 12}, logits.Shape())
		assertAllFinite(t, logits)
	}
}

func TestForwardHighwayConnections(t *testing.T) {
	cfg := testConfig()
	cfg.UseHighway = true

	m := NewTransformer(cfg)
	logits := m.Forward([]int{1, 2, 3}, []int{4, 5}, NewCausalMask(2), nil, nil)
	assert.Equal(t, []int{2, 12}, logits.Shape())
	assertAllFinite(t, logits)
}

func TestSharedEmbeddingsAliasOneMatrix(t *testing.T) {
	cfg := testConfig()
	cfg.ShareEmbeddingsSrcTgt = true
	cfg.ShareEmbeddingsTgtOut = true

	m := NewTransformer(cfg)
	core := m.Core()

	// Source and target tables are the same object, and no separate output
	// projection exists.
	assert.Same(t, core.srcEmbedding, core.tgtEmbedding)
	assert.Nil(t, core.outputProjection)

	// Mutating the one table moves the tied projection with it: logits for a
	// fixed hidden state change when the embedding row changes.
	hidden := NewTensorNormal(1.0, 1, 8)
	before := core.ProjectToVocab(hidden).At(0, 5)
	core.tgtEmbedding.Set(core.tgtEmbedding.At(5, 0)+1.0, 5, 0)
	after := core.ProjectToVocab(hidden).At(0, 5)
	assert.NotEqual(t, before, after)
}

func TestIndependentEmbeddings(t *testing.T) {
	cfg := testConfig()
	cfg.TgtVocabSize = 15
	cfg.ShareEmbeddingsSrcTgt = false
	cfg.ShareEmbeddingsTgtOut = false

	m := NewTransformer(cfg)
	core := m.Core()

	assert.NotSame(t, core.srcEmbedding, core.tgtEmbedding)
	require.NotNil(t, core.outputProjection)
	assert.Equal(t, []int{8, 15}, core.outputProjection.Shape())

	logits := m.Forward([]int{1, 2}, []int{3}, NewCausalMask(1), nil, nil)
	assert.Equal(t, []int{1, 15}, logits.Shape())
}

func TestForwardIsDeterministic(t *testing.T) {
	m := NewTransformer(testConfig())

	src, tgt := []int{1, 2, 3}, []int{4, 5}
	a := m.Forward(src, tgt, NewCausalMask(2), nil, nil)
	b := m.Forward(src, tgt, NewCausalMask(2), nil, nil)

	assert.Equal(t, a.data, b.data)
}

func TestGonumBackendMatchesDefaultOnFullModel(t *testing.T) {
	m := NewTransformer(testConfig())

	src, tgt := []int{1, 2, 3, 4}, []int{5, 6}
	want := m.Forward(src, tgt, NewCausalMask(2), nil, nil)

	m.SetBackend(NewGonumBackend())
	got := m.Forward(src, tgt, NewCausalMask(2), nil, nil)

	require.Equal(t, want.Shape(), got.Shape())
	for i := range want.data {
		assert.InDelta(t, want.data[i], got.data[i], 1e-9)
	}
}

func TestSourcePaddingMaskChangesEncoding(t *testing.T) {
	m := NewTransformer(testConfig())

	src := []int{1, 2, 3, 0}
	plain := m.Core().Encode(src, nil)
	masked := m.Core().Encode(src, PadMask(src, 0))

	// Excluding the pad key changes the attention distribution, so at least
	// one value must differ.
	differs := false
	for i := range plain.data {
		if plain.data[i] != masked.data[i] {
			differs = true
			break
		}
	}
	assert.True(t, differs)
}
