package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "translate-model",
		Short: "Sequence-to-sequence transformer core with AR and NAT decoding",
		Long: `translate-model is the computational core of an encoder-decoder
translation model: a layered attention/feed-forward stack with
configurable normalization placement and connection policies, an
autoregressive decoder with greedy and beam search, and a
non-autoregressive CMLM decoder with mask-predict refinement.

Tokenization, datasets, and training live outside this binary; the
commands here exercise the forward and decoding paths on synthetic
token ids.`,
		SilenceUsage: true,
	}

	root.AddCommand(newGenerateCommand())
	root.AddCommand(newBenchmarkCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
