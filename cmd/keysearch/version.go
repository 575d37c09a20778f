package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "keysearch %s (protocol %d)\n", keysearch.Version, keysearch.ProtocolVersion)
			return err
		},
	}
}
