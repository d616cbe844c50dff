package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTensorShape(t *testing.T) {
	x := NewTensor(2, 3)
	assert.Equal(t, []int{2, 3}, x.Shape())
	assert.Equal(t, 2, x.Dims())
	assert.Equal(t, 6, x.Size())

	// Fresh tensors are zero.
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			assert.Zero(t, x.At(i, j))
		}
	}
}

func TestNewTensorPanicsOnBadShape(t *testing.T) {
	assert.Panics(t, func() { NewTensor() })
	assert.Panics(t, func() { NewTensor(2, 0) })
	assert.Panics(t, func() { NewTensor(-1) })
}

func TestAtSetRoundTrip(t *testing.T) {
	x := NewTensor(3, 4)
	x.Set(2.5, 1, 2)
	assert.Equal(t, 2.5, x.At(1, 2))

	assert.Panics(t, func() { x.At(3, 0) })
	assert.Panics(t, func() { x.At(0) })
}

func TestCloneIsIndependent(t *testing.T) {
	x := NewTensor(2, 2)
	x.Set(1.0, 0, 0)

	y := x.Clone()
	y.Set(9.0, 0, 0)

	assert.Equal(t, 1.0, x.At(0, 0))
	assert.Equal(t, 9.0, y.At(0, 0))
}

func TestRowCopies(t *testing.T) {
	x := NewTensor(2, 3)
	x.Set(7.0, 1, 0)

	row := x.Row(1)
	require.Equal(t, []float64{7, 0, 0}, row)

	row[0] = 99
	assert.Equal(t, 7.0, x.At(1, 0))
}

func TestElementwiseOps(t *testing.T) {
	a := NewTensor(2, 2)
	b := NewTensor(2, 2)
	a.Set(1, 0, 0)
	a.Set(2, 0, 1)
	b.Set(3, 0, 0)
	b.Set(4, 0, 1)

	sum := Add(a, b)
	assert.Equal(t, 4.0, sum.At(0, 0))
	assert.Equal(t, 6.0, sum.At(0, 1))

	prod := Mul(a, b)
	assert.Equal(t, 3.0, prod.At(0, 0))
	assert.Equal(t, 8.0, prod.At(0, 1))

	scaled := Scale(a, 2)
	assert.Equal(t, 2.0, scaled.At(0, 0))
	assert.Equal(t, 4.0, scaled.At(0, 1))

	assert.Panics(t, func() { Add(a, NewTensor(3, 2)) })
	assert.Panics(t, func() { Mul(a, NewTensor(2, 3)) })
}

func TestMatMul(t *testing.T) {
	// [[1,2],[3,4]] @ [[5,6],[7,8]] = [[19,22],[43,50]]
	a := NewTensor(2, 2)
	a.Set(1, 0, 0)
	a.Set(2, 0, 1)
	a.Set(3, 1, 0)
	a.Set(4, 1, 1)

	b := NewTensor(2, 2)
	b.Set(5, 0, 0)
	b.Set(6, 0, 1)
	b.Set(7, 1, 0)
	b.Set(8, 1, 1)

	c := MatMul(a, b)
	assert.Equal(t, 19.0, c.At(0, 0))
	assert.Equal(t, 22.0, c.At(0, 1))
	assert.Equal(t, 43.0, c.At(1, 0))
	assert.Equal(t, 50.0, c.At(1, 1))
}

func TestMatMulPanicsOnMismatch(t *testing.T) {
	assert.Panics(t, func() { MatMul(NewTensor(2, 3), NewTensor(2, 3)) })
	assert.Panics(t, func() { MatMul(NewTensor(2), NewTensor(2, 2)) })
}

func TestTranspose(t *testing.T) {
	a := NewTensor(2, 3)
	a.Set(1, 0, 1)
	a.Set(2, 1, 2)

	at := Transpose(a)
	require.Equal(t, []int{3, 2}, at.Shape())
	assert.Equal(t, 1.0, at.At(1, 0))
	assert.Equal(t, 2.0, at.At(2, 1))
}

func TestActivations(t *testing.T) {
	x := NewTensor(1, 3)
	x.Set(-1, 0, 0)
	x.Set(0, 0, 1)
	x.Set(2, 0, 2)

	r := ReLU(x)
	assert.Equal(t, 0.0, r.At(0, 0))
	assert.Equal(t, 0.0, r.At(0, 1))
	assert.Equal(t, 2.0, r.At(0, 2))

	s := Sigmoid(x)
	assert.InDelta(t, 0.2689, s.At(0, 0), 1e-4)
	assert.Equal(t, 0.5, s.At(0, 1))

	th := Tanh(x)
	assert.InDelta(t, math.Tanh(-1), th.At(0, 0), 1e-12)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := NewTensor(2, 4)
	x.Set(1, 0, 0)
	x.Set(2, 0, 1)
	x.Set(3, 0, 2)
	x.Set(4, 0, 3)
	x.Set(1000, 1, 0) // large values must not overflow
	x.Set(1001, 1, 1)

	s := Softmax(x)
	for i := 0; i < 2; i++ {
		sum := 0.0
		for j := 0; j < 4; j++ {
			v := s.At(i, j)
			assert.False(t, math.IsNaN(v))
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}

	// Larger logit, larger weight.
	assert.Greater(t, s.At(0, 3), s.At(0, 0))
}

func TestSoftmaxFullyMaskedRowIsZero(t *testing.T) {
	x := NewTensor(2, 3)
	for j := 0; j < 3; j++ {
		x.Set(math.Inf(-1), 0, j)
		x.Set(float64(j), 1, j)
	}

	s := Softmax(x)
	for j := 0; j < 3; j++ {
		assert.Zero(t, s.At(0, j), "fully masked row must resolve to zero weights")
	}

	sum := 0.0
	for j := 0; j < 3; j++ {
		sum += s.At(1, j)
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestSoftmaxSlice(t *testing.T) {
	probs := softmaxSlice([]float64{0, math.Log(3)})
	assert.InDelta(t, 0.25, probs[0], 1e-12)
	assert.InDelta(t, 0.75, probs[1], 1e-12)

	zeros := softmaxSlice([]float64{math.Inf(-1), math.Inf(-1)})
	assert.Equal(t, []float64{0, 0}, zeros)
}

func TestLogSoftmaxSlice(t *testing.T) {
	logits := []float64{1, 2, 3}
	lp := logSoftmaxSlice(logits)
	probs := softmaxSlice(logits)

	sum := 0.0
	for i := range lp {
		assert.InDelta(t, math.Log(probs[i]), lp[i], 1e-12)
		sum += math.Exp(lp[i])
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestArgmaxBreaksTiesLow(t *testing.T) {
	assert.Equal(t, 2, argmax([]float64{1, 2, 5, 3}))
	assert.Equal(t, 0, argmax([]float64{4, 4, 4}))
	assert.Equal(t, 1, argmax([]float64{0, 7, 7}))
}

func TestNewTensorNormalStatistics(t *testing.T) {
	x := NewTensorNormal(0.5, 100, 100)

	mean := 0.0
	for _, v := range x.data {
		mean += v
	}
	mean /= float64(len(x.data))

	variance := 0.0
	for _, v := range x.data {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(x.data))

	assert.InDelta(t, 0.0, mean, 0.02)
	assert.InDelta(t, 0.25, variance, 0.02)
}

func TestNewTensorXavierBounds(t *testing.T) {
	fanIn, fanOut := 16, 24
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))

	x := NewTensorXavier(fanIn, fanOut)
	require.Equal(t, []int{fanIn, fanOut}, x.Shape())
	for _, v := range x.data {
		assert.LessOrEqual(t, math.Abs(v), bound)
	}
}
