// oxide-infer is the local inference orchestration daemon: it loads
// and evicts llama-server runners on demand, fronts them with an
// OpenAI-compatible HTTP surface, and optionally enriches chat
// requests with web/local retrieval and a tool-call agent loop.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := newRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "oxide-infer: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "oxide-infer",
		Short: "Local llama.cpp inference orchestration daemon",
		Long: `oxide-infer manages a pool of llama-server subprocesses on a single
machine, loading models on demand, evicting them under VRAM or idle
pressure, and exposing an OpenAI-compatible HTTP API over whichever
model is currently warm.`,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an explicit config file (otherwise searched in ., $HOME/.oxide-infer, /etc/oxide-infer)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newDoctorCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("oxide-infer (dev build)")
		},
	}
}
