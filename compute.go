package main

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements parallel execution of matrix multiplication using
// goroutines. The model's correctness contract is purely sequential; how the
// arithmetic is scheduled across cores is an execution concern that lives
// here and nowhere else.
//
// INTENTION:
// Expose CPU parallelism as a configurable option. Let the user choose
// between single-threaded (deterministic ordering, easier debugging) and
// parallel (faster) modes at runtime. Small matrices stay single-threaded:
// goroutine overhead dominates below roughly 64 rows.
//
// The fan-out uses errgroup rather than raw WaitGroups. Row-block matmul
// workers cannot fail, but keeping the same coordination primitive across
// the codebase (batch decoding uses errgroup too, see decode.go) is worth
// the trivially larger dependency.
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU(). Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel specifies the minimum matrix dimension before
	// parallelization is used. Small matrices don't benefit from
	// parallelization due to goroutine overhead.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if an operation should use parallelization
// based on the problem size.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

// Global compute configuration (can be overridden per operation)
var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// MatMulWithConfig performs matrix multiplication with the given compute
// configuration, splitting output rows across workers when the problem is
// large enough.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k1 := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]

	if k1 != k2 {
		panic(fmt.Sprintf("tensor: incompatible dimensions for matmul: %v @ %v", a.shape, b.shape))
	}
	k := k1

	out := NewTensor(m, n)

	if !cfg.shouldParallelize(m) {
		return matmulSingleThreaded(a, b, out, m, n, k)
	}

	// Divide output rows among workers. Each worker owns a contiguous block
	// of rows, which keeps writes on separate cache lines.
	numWorkers := cfg.numWorkers()
	rowsPerWorker := (m + numWorkers - 1) / numWorkers

	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := min(startRow+rowsPerWorker, m)
		if startRow >= m {
			break
		}

		g.Go(func() error {
			matmulRows(a, b, out, startRow, endRow, n, k)
			return nil
		})
	}

	// Workers never return errors; Wait is pure synchronization here.
	_ = g.Wait()
	return out
}

// matmulRows computes output rows [startRow, endRow).
func matmulRows(a, b, out *Tensor, startRow, endRow, n, k int) {
	for i := startRow; i < endRow; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			// Dot product of row i from A with column j from B.
			for kk := 0; kk < k; kk++ {
				sum += a.At(i, kk) * b.At(kk, j)
			}
			out.Set(sum, i, j)
		}
	}
}

// matmulSingleThreaded performs single-threaded matrix multiplication.
func matmulSingleThreaded(a, b, out *Tensor, m, n, k int) *Tensor {
	matmulRows(a, b, out, 0, m, n, k)
	return out
}
