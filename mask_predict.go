package main

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Mask-predict: iterative non-autoregressive decoding for the CMLM model
// (Ghazvininejad et al. 2019, https://arxiv.org/pdf/1904.09324.pdf).
//
// Autoregressive decoding pays one decoder pass per output token. Mask-
// predict pays a fixed number T of passes regardless of output length:
//
//   1. Encode the source once; predict the target length L from pooled
//      encoder state.
//   2. Start from a buffer of L mask tokens.
//   3. Each iteration, predict every position in parallel, fill the masked
//      positions with their argmax tokens, then re-mask the least confident
//      positions so the next iteration can reconsider them with more
//      context.
//
// The re-masking schedule is linear: n_mask(t) = round(L * (T - t) / T).
// It is non-increasing in t and reaches zero at t = T, so uncertainty
// exposure shrinks monotonically and the final buffer holds no mask ids.
// Low-confidence selection breaks ties toward the leftmost position, which
// keeps the whole procedure deterministic.
//
// The buffer is owned by one decoding run, mutated in place across
// iterations, and discarded at termination.
// ===========================================================================

// MaskPredictConfig controls mask-predict decoding.
type MaskPredictConfig struct {
	// Iterations is T, the fixed refinement pass count. Zero selects the
	// default of 10.
	Iterations int

	// PadTokenID right-aligns batch output to a common length.
	PadTokenID int
}

// DefaultMaskPredictConfig returns the standard ten-iteration schedule.
func DefaultMaskPredictConfig() MaskPredictConfig {
	return MaskPredictConfig{Iterations: 10}
}

// remaskCount computes n_mask(t) for iteration t of T over length l.
func remaskCount(l, t, iterations int) int {
	return int(math.Round(float64(l) * float64(iterations-t) / float64(iterations)))
}

// Generate decodes a batch of source sequences with iterative mask-predict
// refinement. Batch elements decode independently and concurrently; results
// are right-padded with the pad token to a common length.
func (m *CMLM) Generate(srcBatch [][]int, srcPadMasks [][]bool, cfg MaskPredictConfig) [][]int {
	if cfg.Iterations < 0 {
		panic(fmt.Sprintf("transformer: mask-predict iterations must be non-negative, got %d", cfg.Iterations))
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = DefaultMaskPredictConfig().Iterations
	}
	if srcPadMasks != nil && len(srcPadMasks) != len(srcBatch) {
		panic(fmt.Sprintf("transformer: %d padding masks for %d sequences", len(srcPadMasks), len(srcBatch)))
	}

	out := make([][]int, len(srcBatch))

	var g errgroup.Group
	for i := range srcBatch {
		i := i
		g.Go(func() error {
			var padMask []bool
			if srcPadMasks != nil {
				padMask = srcPadMasks[i]
			}
			out[i] = m.maskPredict(srcBatch[i], padMask, cfg.Iterations)
			return nil
		})
	}
	_ = g.Wait() // decode goroutines never return errors

	return padRight(out, cfg.PadTokenID)
}

// maskPredict runs the refinement loop for one sequence.
func (m *CMLM) maskPredict(srcIDs []int, srcPadMask []bool, iterations int) []int {
	memory := m.core.Encode(srcIDs, srcPadMask)
	length := m.pooler.PredictLength(memory)

	// The buffer starts fully masked.
	buffer := make([]int, length)
	for i := range buffer {
		buffer[i] = m.maskTokenID
	}

	confidence := make([]float64, length)

	for t := 1; t <= iterations; t++ {
		logits := m.ForwardWithMemory(memory, buffer, srcPadMask, nil)

		// Predict every position in parallel; fill currently masked
		// positions with their argmax token. The mask id itself is never a
		// candidate: the buffer must be mask-free after the last iteration.
		for i := 0; i < length; i++ {
			probs := softmaxSlice(logits.Row(i))

			best, bestProb := -1, math.Inf(-1)
			for tok, p := range probs {
				if tok == m.maskTokenID {
					continue
				}
				if p > bestProb {
					best, bestProb = tok, p
				}
			}

			confidence[i] = bestProb
			if buffer[i] == m.maskTokenID {
				buffer[i] = best
			}
		}

		nMask := remaskCount(length, t, iterations)
		if nMask == 0 {
			continue
		}

		// Re-mask the n_mask least confident positions, leftmost first on
		// ties, so the next pass reconsiders them.
		order := make([]int, length)
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			if confidence[order[a]] != confidence[order[b]] {
				return confidence[order[a]] < confidence[order[b]]
			}
			return order[a] < order[b]
		})
		for _, pos := range order[:nMask] {
			buffer[pos] = m.maskTokenID
		}
	}

	return buffer
}
