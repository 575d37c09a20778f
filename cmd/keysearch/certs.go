package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coinbase/cb-keysearch-go/internal/clusterconfig"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/tlsnet"
)

func newGenCertsCmd() *cobra.Command {
	var (
		output    string
		names     string
		addresses string
		clusterTo string
		keyBits   int
		days      int
		localhost bool
	)
	cmd := &cobra.Command{
		Use:   "gen-certs",
		Short: "Generate a demo CA and per-party certificates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parties := splitList(names)
			opts := tlsnet.CertOptions{KeyBits: keyBits, ValidityDays: days, IncludeLocalhost: localhost}
			if err := tlsnet.GenerateCertificates(parties, output, opts); err != nil {
				return fmt.Errorf("generate certificates: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote certificates for %d parties to %s\n", len(parties), output)
			if clusterTo == "" {
				return nil
			}
			cfg, err := clusterconfig.Template(output, parties, splitList(addresses))
			if err != nil {
				return err
			}
			if err := clusterconfig.Validate(cfg); err != nil {
				return err
			}
			if err := cfg.Save(clusterTo); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote cluster config to %s\n", clusterTo)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&output, "output", "certs", "directory to write certificates")
	fs.StringVar(&names, "names", "orchestrator,worker1,worker2", "comma-separated party names; the first is the orchestrator")
	fs.StringVar(&addresses, "addresses", "127.0.0.1:7400,127.0.0.1:7401,127.0.0.1:7402", "comma-separated party addresses for --cluster-config")
	fs.StringVar(&clusterTo, "cluster-config", "", "also write a cluster topology file here")
	fs.IntVar(&keyBits, "key-bits", 3072, "RSA key size for CA and party certs")
	fs.IntVar(&days, "days", 365, "certificate validity in days")
	fs.BoolVar(&localhost, "localhost", true, "include localhost SANs for local demos")
	return cmd
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
