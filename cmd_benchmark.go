package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// The benchmark command times the hot paths of the model: raw matmul across
// backends, a full encoder pass, and one decoding step per variant. It is a
// smoke-level benchmark for comparing backend and configuration choices, not
// a statistically rigorous harness; use go test -bench for that.

type benchmarkOptions struct {
	dModel    int
	numHeads  int
	layers    int
	seqLen    int
	vocabSize int
	repeats   int
	backends  []string
}

func newBenchmarkCommand() *cobra.Command {
	opts := benchmarkOptions{}

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Time matmul backends and model forward passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(opts)
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&opts.dModel, "dmodel", 256, "Embedding dimension")
	fs.IntVar(&opts.numHeads, "heads", 4, "Attention heads")
	fs.IntVar(&opts.layers, "layers", 2, "Encoder and decoder depth")
	fs.IntVar(&opts.seqLen, "seq-len", 64, "Sequence length")
	fs.IntVar(&opts.vocabSize, "vocab", 1000, "Vocabulary size")
	fs.IntVar(&opts.repeats, "repeats", 3, "Timed repetitions per measurement")
	fs.StringSliceVar(&opts.backends, "backends", []string{"naive", "parallel", "gonum"}, "Backends to compare")

	return cmd
}

func runBenchmark(opts benchmarkOptions) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	// Raw matmul: square matrices at a few sizes per backend.
	for _, name := range opts.backends {
		backend, err := NewBackend(name)
		if err != nil {
			return err
		}

		for _, size := range []int{64, 128, 256} {
			a := NewTensorNormal(1.0, size, size)
			b := NewTensorNormal(1.0, size, size)

			elapsed, err := timeMatMul(backend, a, b, opts.repeats)
			if err != nil {
				return fmt.Errorf("backend %s: %w", name, err)
			}

			logger.Info("matmul",
				zap.String("backend", name),
				zap.Int("size", size),
				zap.Duration("perCall", elapsed),
			)
		}
	}

	cfg := DefaultConfig()
	cfg.SrcVocabSize = opts.vocabSize
	cfg.DModel = opts.dModel
	cfg.NumHeads = opts.numHeads
	cfg.NumEncoderLayers = opts.layers
	cfg.NumDecoderLayers = opts.layers
	cfg.DimFF = 4 * opts.dModel
	cfg.MaxSeqLen = opts.seqLen * 2

	src := make([]int, opts.seqLen)
	for i := range src {
		src[i] = 4 + i%(opts.vocabSize-4)
	}

	for _, name := range opts.backends {
		backend, err := NewBackend(name)
		if err != nil {
			return err
		}

		ar := NewTransformer(cfg)
		ar.SetBackend(backend)

		// Encoder pass.
		start := time.Now()
		for r := 0; r < opts.repeats; r++ {
			ar.Core().Encode(src, nil)
		}
		logger.Info("encode",
			zap.String("backend", name),
			zap.Int("seqLen", opts.seqLen),
			zap.Duration("perCall", time.Since(start)/time.Duration(opts.repeats)),
		)

		// One autoregressive step over a half-length prefix.
		memory := ar.Core().Encode(src, nil)
		prefix := make([]int, opts.seqLen/2)
		for i := range prefix {
			prefix[i] = 4 + i%(opts.vocabSize-4)
		}
		causal := NewCausalMask(len(prefix))

		start = time.Now()
		for r := 0; r < opts.repeats; r++ {
			ar.ForwardWithMemory(memory, prefix, causal, nil, nil)
		}
		logger.Info("decoder step (autoregressive)",
			zap.String("backend", name),
			zap.Int("prefixLen", len(prefix)),
			zap.Duration("perCall", time.Since(start)/time.Duration(opts.repeats)),
		)

		// One NAT refinement pass over a fully masked buffer.
		nat := NewCMLM(cfg, demoMaskID)
		nat.SetBackend(backend)
		natMemory := nat.Core().Encode(src, nil)
		buffer := make([]int, opts.seqLen/2)
		for i := range buffer {
			buffer[i] = demoMaskID
		}

		start = time.Now()
		for r := 0; r < opts.repeats; r++ {
			nat.ForwardWithMemory(natMemory, buffer, nil, nil)
		}
		logger.Info("decoder pass (mask-predict)",
			zap.String("backend", name),
			zap.Int("targetLen", len(buffer)),
			zap.Duration("perCall", time.Since(start)/time.Duration(opts.repeats)),
		)
	}

	return nil
}

// timeMatMul averages the wall time of repeated multiplications. A nil
// backend times the built-in path.
func timeMatMul(backend MatMulBackend, a, b *Tensor, repeats int) (time.Duration, error) {
	start := time.Now()
	for r := 0; r < repeats; r++ {
		if backend == nil {
			MatMul(a, b)
			continue
		}
		if _, err := backend.MatMul(a, b); err != nil {
			return 0, err
		}
	}
	return time.Since(start) / time.Duration(repeats), nil
}
