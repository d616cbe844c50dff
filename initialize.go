package main

// Weight initialization, keyed by parameter role rather than by runtime
// type inspection. Constructors already produce Xavier linear weights and
// d_model^-1/2 embeddings (the autoregressive model's policy); the CMLM
// constructor reapplies BERT-style initialization over the same
// collections: normal(0, 0.02) for linear weights and embeddings, zeros
// for biases, unit gains and zero shifts for normalization.

const bertInitStd = 0.02

// initNormalInPlace overwrites a tensor with normal(0, std) samples.
func initNormalInPlace(t *Tensor, std float64) {
	fresh := NewTensorNormal(std, t.shape...)
	copy(t.data, fresh.data)
}

// initZeroInPlace overwrites a tensor with zeros.
func initZeroInPlace(t *Tensor) {
	for i := range t.data {
		t.data[i] = 0
	}
}

// initFillInPlace overwrites a tensor with a constant.
func initFillInPlace(t *Tensor, v float64) {
	for i := range t.data {
		t.data[i] = v
	}
}

// connectionParams pulls the learnable gate parameters out of a connection
// slice. Residual connections contribute nothing.
func connectionParams(conns []SublayerConnection) (weights, biases []*Tensor) {
	for _, c := range conns {
		if h, ok := c.(*HighwayConnection); ok {
			weights = append(weights, h.weights()...)
			biases = append(biases, h.biases()...)
		}
	}
	return weights, biases
}

// parameterCollections gathers every parameter of a CMLM model, grouped by
// role. Aliased tensors (shared embeddings, depth-shared NAT layers) are
// deduplicated so each owned matrix is initialized exactly once.
type parameterCollections struct {
	embeddings []*Tensor
	weights    []*Tensor
	biases     []*Tensor
	norms      []*LayerNorm
}

func (pc *parameterCollections) addWeights(ts ...*Tensor)  { pc.weights = append(pc.weights, ts...) }
func (pc *parameterCollections) addBiases(ts ...*Tensor)   { pc.biases = append(pc.biases, ts...) }
func (pc *parameterCollections) addNorms(ns ...*LayerNorm) { pc.norms = append(pc.norms, ns...) }

func collectCMLMParameters(m *CMLM) *parameterCollections {
	pc := &parameterCollections{}

	core := m.core
	pc.embeddings = append(pc.embeddings, core.srcEmbedding)
	if core.tgtEmbedding != core.srcEmbedding {
		pc.embeddings = append(pc.embeddings, core.tgtEmbedding)
	}
	if core.outputProjection != nil {
		pc.addWeights(core.outputProjection)
	}

	for _, layer := range core.encoder.layers {
		pc.addWeights(layer.selfAttn.weights()...)
		pc.addWeights(layer.ff.weights()...)
		pc.addBiases(layer.ff.biases()...)
		pc.addNorms(layer.norm1, layer.norm2)

		w, b := connectionParams(layer.conns)
		pc.addWeights(w...)
		pc.addBiases(b...)
	}
	if core.encoder.finalNorm != nil {
		pc.addNorms(core.encoder.finalNorm)
	}

	seen := map[*NATDecoderLayer]bool{}
	for _, layer := range m.decoder.layers {
		if seen[layer] {
			continue
		}
		seen[layer] = true

		pc.addWeights(layer.selfAttn.weights()...)
		pc.addWeights(layer.posAttn.weights()...)
		pc.addWeights(layer.crossAttn.weights()...)
		pc.addWeights(layer.ff.weights()...)
		pc.addBiases(layer.ff.biases()...)
		pc.addNorms(layer.norm1, layer.norm2, layer.norm3, layer.norm4)

		w, b := connectionParams(layer.conns)
		pc.addWeights(w...)
		pc.addBiases(b...)
	}
	if m.decoder.finalNorm != nil {
		pc.addNorms(m.decoder.finalNorm)
	}

	pc.addWeights(m.pooler.weights()...)
	pc.addBiases(m.pooler.biases()...)

	return pc
}

// applyBERTInitialization reinitializes a CMLM model's parameters with the
// BERT policy.
func applyBERTInitialization(m *CMLM) {
	pc := collectCMLMParameters(m)

	for _, t := range pc.embeddings {
		initNormalInPlace(t, bertInitStd)
	}
	for _, t := range pc.weights {
		initNormalInPlace(t, bertInitStd)
	}
	for _, t := range pc.biases {
		initZeroInPlace(t)
	}
	for _, n := range pc.norms {
		initFillInPlace(n.gamma, 1.0)
		initZeroInPlace(n.beta)
	}
}
