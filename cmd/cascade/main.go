// Command cascade runs the cascade HTTP surface over a shared store and
// queue, and inspects runs through it.
//
//	cascade serve --backend redis --redis-addr localhost:6379 --config cascade.yaml
//	cascade start orders --input '{"id":1}'
//	cascade runs orders --server http://localhost:8080
//	cascade tail orders run_01h... --server http://localhost:8080
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cascade",
		Short:         "Event-driven flow orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "cascade HTTP endpoint")

	rootCmd.AddCommand(
		serveCmd(),
		runsCmd(),
		startCmd(),
		triggerCmd(),
		tailCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
