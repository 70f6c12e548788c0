package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "paysyncctl",
		Short:   "Operator tooling for the paysync webhook service",
		Version: Version,
	}

	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(deadLettersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
