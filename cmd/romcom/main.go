// Command romcom calibrates cross-validated GP surrogates of a dataset and
// runs their global sensitivity analysis and basis reduction.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "romcom:", err)
		os.Exit(1)
	}
}
