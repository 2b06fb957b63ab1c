package main

import (
	"fmt"
	"os"

	"github.com/danmuck/kernelroute/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kernelhost: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var level string
	root := &cobra.Command{
		Use:           "kernelhost",
		Short:         "Run a kernel host and manage its configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if level != "" && !logging.SetLevel(level) {
				return fmt.Errorf("unknown log level %q", level)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "", "override the log level (trace|debug|info|warn|error)")
	root.AddCommand(newServeCmd(), newConfigCmd())
	return root
}
