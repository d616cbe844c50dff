package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCMLMConfig() Config {
	cfg := testConfig()
	cfg.MaxTargetLength = 6
	return cfg
}

const testMaskID = 3

func TestCMLMForwardShapes(t *testing.T) {
	m := NewCMLM(testCMLMConfig(), testMaskID)

	src := []int{4, 5, 6, 7}
	tgt := []int{testMaskID, testMaskID, testMaskID}
	logits, lengthOut := m.Forward(src, tgt, nil, nil)

	assert.Equal(t, []int{3, 12}, logits.Shape())
	assert.Len(t, lengthOut, 6) // one logit per length class
	assertAllFinite(t, logits)
}

func TestCMLMMaskTokenValidation(t *testing.T) {
	assert.Panics(t, func() { NewCMLM(testCMLMConfig(), -1) })
	assert.Panics(t, func() { NewCMLM(testCMLMConfig(), 12) })
}

func TestNATDecoderUsesNoCausalMask(t *testing.T) {
	// Flipping a late target token must change logits at earlier positions:
	// without causal masking, every position sees every other.
	m := NewCMLM(testCMLMConfig(), testMaskID)
	memory := m.Core().Encode([]int{4, 5, 6}, nil)

	a := m.ForwardWithMemory(memory, []int{7, 8, 9}, nil, nil)
	b := m.ForwardWithMemory(memory, []int{7, 8, 10}, nil, nil)

	differs := false
	for j := 0; j < 12; j++ {
		if a.At(0, j) != b.At(0, j) {
			differs = true
			break
		}
	}
	assert.True(t, differs, "position 0 logits must depend on later positions")
}

func TestNATDecoderIndependentLayersByDefault(t *testing.T) {
	m := NewCMLM(testCMLMConfig(), testMaskID)
	require.Len(t, m.decoder.layers, 2)
	assert.NotSame(t, m.decoder.layers[0], m.decoder.layers[1])
}

func TestNATDecoderSharedLayersWhenConfigured(t *testing.T) {
	cfg := testCMLMConfig()
	cfg.ShareDecoderLayersAcrossDepth = true

	m := NewCMLM(cfg, testMaskID)
	require.Len(t, m.decoder.layers, 2)
	assert.Same(t, m.decoder.layers[0], m.decoder.layers[1])

	// The shared stack still runs.
	logits := m.ForwardWithMemory(m.Core().Encode([]int{4, 5}, nil), []int{testMaskID, testMaskID}, nil, nil)
	assert.Equal(t, []int{2, 12}, logits.Shape())
	assertAllFinite(t, logits)
}

func TestLengthPoolerClassificationRange(t *testing.T) {
	p := NewLengthPooler(8, 6, false)
	memory := NewTensorNormal(1.0, 5, 8)

	out := p.Forward(memory)
	assert.Len(t, out, 6)

	length := p.PredictLength(memory)
	assert.GreaterOrEqual(t, length, 1)
	assert.LessOrEqual(t, length, 6)
}

func TestLengthPoolerRegressionClamps(t *testing.T) {
	p := NewLengthPooler(8, 6, true)
	memory := NewTensorNormal(1.0, 5, 8)

	out := p.Forward(memory)
	assert.Len(t, out, 1)

	// Whatever the raw regression value, the prediction is clamped.
	length := p.PredictLength(memory)
	assert.GreaterOrEqual(t, length, 1)
	assert.LessOrEqual(t, length, 6)

	// Force extreme raw outputs through the projection bias.
	p.projBias.data[0] = 1000
	assert.Equal(t, 6, p.PredictLength(memory))
	p.projBias.data[0] = -1000
	assert.Equal(t, 1, p.PredictLength(memory))
}

func TestLengthPoolerValidation(t *testing.T) {
	assert.Panics(t, func() { NewLengthPooler(0, 6, false) })
	assert.Panics(t, func() { NewLengthPooler(8, 0, false) })

	p := NewLengthPooler(8, 6, false)
	assert.Panics(t, func() { p.Forward(NewTensor(5, 4)) })
}

func TestCMLMMaxTargetLengthDefaultsToMaxSeqLen(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTargetLength = 0

	m := NewCMLM(cfg, testMaskID)
	assert.Equal(t, cfg.MaxSeqLen, m.pooler.maxTargetLength)
}

func TestBERTInitializationPolicy(t *testing.T) {
	m := NewCMLM(testCMLMConfig(), testMaskID)
	pc := collectCMLMParameters(m)

	for _, b := range pc.biases {
		for _, v := range b.data {
			assert.Zero(t, v, "biases must start at zero")
		}
	}
	for _, n := range pc.norms {
		for _, v := range n.gamma.data {
			assert.Equal(t, 1.0, v)
		}
		for _, v := range n.beta.data {
			assert.Zero(t, v)
		}
	}

	// Weight magnitudes are consistent with std 0.02, not Xavier's much
	// wider uniform range.
	for _, w := range pc.weights {
		sum := 0.0
		for _, v := range w.data {
			sum += v * v
		}
		std := sum / float64(len(w.data))
		assert.Less(t, std, 0.01)
	}
}

func TestCollectCMLMParametersDeduplicatesSharing(t *testing.T) {
	cfg := testCMLMConfig()
	cfg.ShareDecoderLayersAcrossDepth = true
	cfg.ShareEmbeddingsSrcTgt = true

	m := NewCMLM(cfg, testMaskID)
	pc := collectCMLMParameters(m)

	assert.Len(t, pc.embeddings, 1)

	seen := map[*Tensor]bool{}
	for _, w := range pc.weights {
		assert.False(t, seen[w], "parameter collected twice")
		seen[w] = true
	}
}

func TestCMLMSetBackendCoversSharedLayers(t *testing.T) {
	cfg := testCMLMConfig()
	cfg.ShareDecoderLayersAcrossDepth = true

	m := NewCMLM(cfg, testMaskID)
	backend := NewGonumBackend()
	m.SetBackend(backend)

	for _, layer := range m.decoder.layers {
		assert.Same(t, backend, layer.selfAttn.backend)
		assert.Same(t, backend, layer.posAttn.backend)
		assert.Same(t, backend, layer.crossAttn.backend)
	}
}
