package main

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file defines the pluggable matmul backend seam. The model layers call
// their matmul helper, which consults an optional backend before falling
// back to the built-in implementation in compute.go.
//
// INTENTION:
// Keep hardware and library acceleration out of the model code. Attention
// and feed-forward layers should express the math; whether a multiplication
// runs on the naive loops, the parallel row-block path, or gonum's BLAS-
// backed Dense type is decided once, at setup, through SetBackend.
//
// The gonum backend exists because float64 matmul is exactly the thing a
// mature linear algebra library does better than hand-rolled loops. The
// pure-Go path stays the default so the repo remains dependency-light at
// runtime and byte-for-byte deterministic across platforms.
// ===========================================================================

// MatMulBackend computes C = A @ B, possibly using accelerated storage or
// scheduling. Implementations must not mutate their inputs. A backend error
// makes the caller fall back to the built-in matmul.
type MatMulBackend interface {
	MatMul(a, b *Tensor) (*Tensor, error)
}

// GonumBackend implements MatMulBackend on top of gonum's mat.Dense.
type GonumBackend struct{}

// NewGonumBackend returns a backend backed by gonum/mat.
func NewGonumBackend() *GonumBackend {
	return &GonumBackend{}
}

// MatMul multiplies two 2D tensors using mat.Dense.
func (g *GonumBackend) MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Dims() != 2 || b.Dims() != 2 {
		return nil, fmt.Errorf("gonum backend: expected 2D tensors, got %dD @ %dD", a.Dims(), b.Dims())
	}

	as, bs := a.Shape(), b.Shape()
	if as[1] != bs[0] {
		return nil, fmt.Errorf("gonum backend: incompatible shapes %v @ %v", as, bs)
	}

	// Tensor data is row-major, which is exactly mat.Dense's layout. The
	// wrappers alias the tensor buffers; Mul writes only to the output.
	ad := mat.NewDense(as[0], as[1], a.data)
	bd := mat.NewDense(bs[0], bs[1], b.data)

	out := NewTensor(as[0], bs[1])
	od := mat.NewDense(as[0], bs[1], out.data)
	od.Mul(ad, bd)

	return out, nil
}

// NewBackend constructs a named backend for the CLI. The empty string and
// "naive" select the built-in implementation (nil backend).
func NewBackend(name string) (MatMulBackend, error) {
	switch name {
	case "", "naive", "parallel":
		return nil, nil
	case "gonum":
		return NewGonumBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want naive, parallel, or gonum)", name)
	}
}
