package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/cluster"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/report"
)

func newLocalCmd(root *rootOptions) *cobra.Command {
	var (
		search  searchFlags
		out     outputFlags
		workers int
		units   int
	)
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run the orchestrator and workers in this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := root.logger(cmd)
			if err != nil {
				return err
			}
			cfg, err := search.config()
			if err != nil {
				return err
			}
			p, err := search.problem(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			started := time.Now()
			rep, err := cluster.Search(ctx, p, cluster.Options{
				Config:  cfg,
				Workers: workers,
				Units:   units,
				Verify:  search.verify,
				Logger:  log,
			})
			if err != nil {
				return err
			}
			return out.publish(ctx, cmd, log, report.FromCluster("", started, rep))
		},
	}
	search.bind(cmd)
	out.bind(cmd)
	cmd.Flags().IntVar(&workers, "workers", 4, "number of worker agents")
	cmd.Flags().IntVar(&units, "units", 1, "scan units per worker")
	return cmd
}
