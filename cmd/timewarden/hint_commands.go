package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/timewarden/pkg/client"
)

// newHintCommand nudges a running node out-of-band, the operator's escape
// hatch for "I just inserted a row behind this node's back, wake it up now"
// instead of waiting for the node's next wakeup.
func newHintCommand() *cobra.Command {
	var target string
	var at string

	cmd := &cobra.Command{
		Use:   "hint",
		Short: "Send a refresh or set-next-expiry hint to a running node",
	}
	cmd.PersistentFlags().StringVar(&target, "target", "http://localhost:8080", "base URL of the node's cluster hint endpoint")

	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Ask the node to re-query its earliest due timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(client.Config{BaseURL: target})
			return c.Refresh(context.Background())
		},
	}

	setNextExpiry := &cobra.Command{
		Use:   "set-next-expiry",
		Short: "Ask the node to arm against a specific instant (RFC3339)",
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at timestamp: %w", err)
			}
			c := client.New(client.Config{BaseURL: target})
			return c.SetNextExpiry(context.Background(), when)
		},
	}
	setNextExpiry.Flags().StringVar(&at, "at", "", "absolute RFC3339 instant (required)")
	_ = setNextExpiry.MarkFlagRequired("at")

	cmd.AddCommand(refresh, setNextExpiry)
	return cmd
}
