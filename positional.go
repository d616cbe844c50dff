package main

import (
	"math"
	"sync"
)

// PositionalEncoding produces the deterministic sinusoidal position signal
// from "Attention is All You Need": even channels carry sin, odd channels
// carry cos, at geometrically spaced frequencies.
//
//	PE(pos, 2i)   = sin(pos / 10000^(2i/d_model))
//	PE(pos, 2i+1) = cos(pos / 10000^(2i/d_model))
//
// The table is precomputed up to a maximum length and recomputed at doubled
// capacity when a longer sequence arrives. It is never silently truncated.
// Growth is guarded by a mutex because decode runs batch elements on
// separate goroutines against a shared model.
type PositionalEncoding struct {
	dModel int

	mu     sync.Mutex
	maxLen int
	pe     *Tensor // (maxLen, dModel)
}

// NewPositionalEncoding precomputes the sinusoidal table.
func NewPositionalEncoding(dModel, maxLen int) *PositionalEncoding {
	if dModel <= 0 || maxLen <= 0 {
		panic("transformer: positional encoding dimensions must be positive")
	}
	return &PositionalEncoding{
		dModel: dModel,
		maxLen: maxLen,
		pe:     buildSinusoidalTable(maxLen, dModel),
	}
}

func buildSinusoidalTable(maxLen, dModel int) *Tensor {
	pe := NewTensor(maxLen, dModel)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dModel; i += 2 {
			freq := math.Pow(10000, -float64(i)/float64(dModel))
			angle := float64(pos) * freq
			pe.Set(math.Sin(angle), pos, i)
			if i+1 < dModel {
				pe.Set(math.Cos(angle), pos, i+1)
			}
		}
	}
	return pe
}

// table returns the encoding table, growing it if minLen exceeds the current
// capacity. The returned tensor is immutable once published.
func (p *PositionalEncoding) table(minLen int) *Tensor {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.maxLen < minLen {
		p.maxLen *= 2
	}
	if p.pe.Shape()[0] < p.maxLen {
		p.pe = buildSinusoidalTable(p.maxLen, p.dModel)
	}
	return p.pe
}

// Forward adds the positional encoding to x, shape (seqLen, dModel).
// The caller is responsible for the sqrt(d_model) embedding scaling; this
// layer only adds the position signal.
func (p *PositionalEncoding) Forward(x *Tensor) *Tensor {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != p.dModel {
		panic("transformer: positional encoding input must be (seqLen, dModel)")
	}

	seqLen := shape[0]
	pe := p.table(seqLen)

	out := NewTensor(seqLen, p.dModel)
	for i := 0; i < seqLen; i++ {
		for j := 0; j < p.dModel; j++ {
			out.Set(x.At(i, j)+pe.At(i, j), i, j)
		}
	}
	return out
}

// Encoding returns the raw encoding rows for positions [0, seqLen) as a
// (seqLen, dModel) tensor. The NAT positional-attention sublayer consumes
// these directly as queries and keys.
func (p *PositionalEncoding) Encoding(seqLen int) *Tensor {
	pe := p.table(seqLen)
	out := NewTensor(seqLen, p.dModel)
	for i := 0; i < seqLen; i++ {
		for j := 0; j < p.dModel; j++ {
			out.Set(pe.At(i, j), i, j)
		}
	}
	return out
}
