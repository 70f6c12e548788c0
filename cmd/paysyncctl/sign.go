package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"paysync/internal/verifier"
)

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign [payload-file]",
		Short: "Print a signature header for a webhook payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = os.Getenv("PAYSYNC_WEBHOOK_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("secret is required (--secret or PAYSYNC_WEBHOOK_SECRET)")
			}
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), verifier.Sign(body, secret, time.Now()))
			return nil
		},
	}

	cmd.Flags().StringP("secret", "s", "", "Webhook signing secret")

	return cmd
}
