package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mygpt",
		Short:        "Train a byte-level GPT on a text file and sample from it",
		SilenceUsage: true,
	}
	root.AddCommand(newTrainCmd(), newSampleCmd())
	return root
}
