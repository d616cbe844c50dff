package main

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionalEncodingValues(t *testing.T) {
	p := NewPositionalEncoding(4, 16)
	enc := p.Encoding(3)
	require.Equal(t, []int{3, 4}, enc.Shape())

	// Position 0: sin(0)=0 on even channels, cos(0)=1 on odd channels.
	assert.Equal(t, 0.0, enc.At(0, 0))
	assert.Equal(t, 1.0, enc.At(0, 1))
	assert.Equal(t, 0.0, enc.At(0, 2))
	assert.Equal(t, 1.0, enc.At(0, 3))

	// Position 1, channel pair 0: frequency 10000^0 = 1.
	assert.InDelta(t, math.Sin(1), enc.At(1, 0), 1e-12)
	assert.InDelta(t, math.Cos(1), enc.At(1, 1), 1e-12)

	// Channel pair 1: frequency 10000^(-2/4).
	freq := math.Pow(10000, -2.0/4.0)
	assert.InDelta(t, math.Sin(2*freq), enc.At(2, 2), 1e-12)
	assert.InDelta(t, math.Cos(2*freq), enc.At(2, 3), 1e-12)
}

func TestPositionalEncodingForwardAdds(t *testing.T) {
	p := NewPositionalEncoding(4, 8)

	x := NewTensor(2, 4)
	x.Set(1.5, 0, 0)
	x.Set(-2.0, 1, 3)

	out := p.Forward(x)
	enc := p.Encoding(2)

	for i := 0; i < 2; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, x.At(i, j)+enc.At(i, j), out.At(i, j), 1e-12)
		}
	}
}

func TestPositionalEncodingGrowsPastCapacity(t *testing.T) {
	p := NewPositionalEncoding(4, 2)

	// Longer than the initial table; must grow, not truncate or panic.
	enc := p.Encoding(9)
	require.Equal(t, []int{9, 4}, enc.Shape())
	assert.InDelta(t, math.Sin(8), enc.At(8, 0), 1e-12)

	// Values for early positions are unchanged after growth.
	assert.Equal(t, 0.0, enc.At(0, 0))
	assert.Equal(t, 1.0, enc.At(0, 1))
}

func TestPositionalEncodingConcurrentGrowth(t *testing.T) {
	p := NewPositionalEncoding(8, 2)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			enc := p.Encoding(3 + n*5)
			assert.Equal(t, 3+n*5, enc.Shape()[0])
		}(g)
	}
	wg.Wait()
}

func TestPositionalEncodingRejectsBadInput(t *testing.T) {
	assert.Panics(t, func() { NewPositionalEncoding(0, 8) })
	assert.Panics(t, func() { NewPositionalEncoding(4, 0) })

	p := NewPositionalEncoding(4, 8)
	assert.Panics(t, func() { p.Forward(NewTensor(2, 6)) })
}
