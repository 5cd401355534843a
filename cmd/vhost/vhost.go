package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vhost",
	Short: "Virtual host running a reliable byte-stream transport over virtual IP",
	Long: `vhost runs a host of the virtual IP network with its TCP stack.

  vhost repl --config hostA.yaml     # join a virtual network over UDP and drive sockets from a REPL
  vhost sim --loss 0.1 --size 100000 # run an in-memory two-host transfer on a virtual clock`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(replCmd)
	rootCmd.AddCommand(simCmd)
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
