package main

import (
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Autoregressive decoding: deterministic greedy search and beam search.
//
// Both strategies run the same loop shape: encode the source once, then
// repeatedly run the decoder over the accumulated target prefix and extend
// it. The differences are in what gets extended:
//
//   GREEDY: one prefix, extended by the argmax token each step. Ties break
//   toward the lowest token id, so two runs with identical weights and
//   inputs produce byte-identical output.
//
//   BEAM: beam_size scored hypotheses per sequence. Each step expands every
//   unfinished hypothesis into beam_size × vocab_size candidates, then
//   keeps the top beam_size by cumulative log-probability. A hypothesis
//   that emits the end token is frozen: its score stops moving, it is
//   excluded from expansion, but it stays in the pool and competes for the
//   final answer. Candidate ordering is stable (earliest-generated wins
//   ties), which is what makes beam_size=1 reduce to greedy exactly rather
//   than approximately.
//
// Iterations are inherently sequential (step t+1 needs the prefix from
// step t), but batch elements are independent, so the batch fans out
// across goroutines.
// ===========================================================================

// GenerateConfig controls autoregressive decoding.
type GenerateConfig struct {
	StartTokenID int
	EndTokenID   int
	PadTokenID   int

	// MaxNewTokens caps the number of generated tokens. Zero means "do not
	// invoke the decoder at all": the output is the initial start-token
	// sequence unchanged.
	MaxNewTokens int

	// BeamSize selects the strategy: 1 is greedy, >1 is beam search.
	BeamSize int
}

// DefaultGenerateConfig mirrors the model's historical defaults.
func DefaultGenerateConfig() GenerateConfig {
	return GenerateConfig{MaxNewTokens: 10, BeamSize: 4}
}

func (c GenerateConfig) validate() {
	if c.MaxNewTokens < 0 {
		panic(fmt.Sprintf("transformer: MaxNewTokens must be non-negative, got %d", c.MaxNewTokens))
	}
	if c.BeamSize < 1 {
		panic(fmt.Sprintf("transformer: BeamSize must be at least 1, got %d", c.BeamSize))
	}
}

// Hypothesis is one beam-search candidate: an owned token sequence, its
// cumulative log-probability, and whether it has emitted the end token.
// A finished hypothesis is immutable except for final padding.
type Hypothesis struct {
	Tokens   []int
	Score    float64
	Finished bool
}

// extend returns a new hypothesis with one more token. The token slice is
// copied; hypotheses never share backing arrays.
func (h *Hypothesis) extend(token int, logProb float64, endTokenID int) *Hypothesis {
	tokens := make([]int, len(h.Tokens)+1)
	copy(tokens, h.Tokens)
	tokens[len(h.Tokens)] = token

	return &Hypothesis{
		Tokens:   tokens,
		Score:    h.Score + logProb,
		Finished: token == endTokenID,
	}
}

// Generate decodes a batch of source sequences. Each batch element is
// decoded independently (and concurrently); the results are right-padded
// with the pad token to a common length.
//
// srcPadMasks may be nil when no source position is padding.
func (m *Transformer) Generate(srcBatch [][]int, srcPadMasks [][]bool, cfg GenerateConfig) [][]int {
	cfg.validate()
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
			if cfg.BeamSize == 1 {
				out[i] = m.greedyDecode(srcBatch[i], padMask, cfg)
			} else {
				out[i] = m.beamDecode(srcBatch[i], padMask, cfg)
			}
			return nil
		})
	}
	_ = g.Wait() // decode goroutines never return errors

	return padRight(out, cfg.PadTokenID)
}

// greedyDecode extends a single prefix with the argmax token until the end
// token appears or MaxNewTokens is exhausted.
func (m *Transformer) greedyDecode(srcIDs []int, srcPadMask []bool, cfg GenerateConfig) []int {
	tokens := []int{cfg.StartTokenID}
	if cfg.MaxNewTokens == 0 {
		return tokens
	}

	memory := m.core.Encode(srcIDs, srcPadMask)

	for step := 0; step < cfg.MaxNewTokens; step++ {
		causal := NewCausalMask(len(tokens))
		logits := m.ForwardWithMemory(memory, tokens, causal, srcPadMask, nil)

		next := argmax(logits.Row(len(tokens) - 1))
		tokens = append(tokens, next)

		if next == cfg.EndTokenID {
			break
		}
	}
	return tokens
}

// beamDecode maintains cfg.BeamSize scored hypotheses and returns the best
// finished one (or the best unfinished one if nothing finished in time).
func (m *Transformer) beamDecode(srcIDs []int, srcPadMask []bool, cfg GenerateConfig) []int {
	if cfg.MaxNewTokens == 0 {
		return []int{cfg.StartTokenID}
	}

	memory := m.core.Encode(srcIDs, srcPadMask)
	beams := []*Hypothesis{{Tokens: []int{cfg.StartTokenID}}}

	for step := 0; step < cfg.MaxNewTokens; step++ {
		allFinished := true
		for _, h := range beams {
			if !h.Finished {
				allFinished = false
				break
			}
		}
		if allFinished {
			break
		}

		// Finished hypotheses carry over unchanged; unfinished ones fan out
		// into one candidate per vocabulary token. Enumeration order (beam
		// order, then ascending token id) plus the stable sort below gives
		// the tie-breaking the strategy promises.
		var candidates []*Hypothesis
		for _, h := range beams {
			if h.Finished {
				candidates = append(candidates, h)
				continue
			}

			causal := NewCausalMask(len(h.Tokens))
			logits := m.ForwardWithMemory(memory, h.Tokens, causal, srcPadMask, nil)
			logProbs := logSoftmaxSlice(logits.Row(len(h.Tokens) - 1))

			for token, lp := range logProbs {
				candidates = append(candidates, h.extend(token, lp, cfg.EndTokenID))
			}
		}

		sort.SliceStable(candidates, func(a, b int) bool {
			return candidates[a].Score > candidates[b].Score
		})

		keep := min(cfg.BeamSize, len(candidates))
		beams = candidates[:keep]
	}

	// Highest-scoring finished hypothesis wins; beams are already sorted by
	// score, so the first finished entry is it.
	for _, h := range beams {
		if h.Finished {
			return h.Tokens
		}
	}
	return beams[0].Tokens
}

// padRight pads every sequence with the pad token to the length of the
// longest one.
func padRight(batch [][]int, padTokenID int) [][]int {
	maxLen := 0
	for _, seq := range batch {
		maxLen = max(maxLen, len(seq))
	}

	out := make([][]int, len(batch))
	for i, seq := range batch {
		padded := make([]int, maxLen)
		copy(padded, seq)
		for j := len(seq); j < maxLen; j++ {
			padded[j] = padTokenID
		}
		out[i] = padded
	}
	return out
}
