package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinbase/cb-keysearch-go/internal/clusterconfig"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/cluster"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/keytest"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/logging"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/orchestrator"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/report"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/tlsnet"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/worker"
)

type clusterFlags struct {
	config         string
	party          string
	connectTimeout time.Duration
}

func (f *clusterFlags) bind(cmd *cobra.Command, partyUsage string) {
	fs := cmd.Flags()
	fs.StringVar(&f.config, "config", "cluster.json", "cluster topology file")
	fs.StringVar(&f.party, "party", "", partyUsage)
	fs.DurationVar(&f.connectTimeout, "connect-timeout", 30*time.Second, "how long to wait for the star to form")
}

// connect loads the topology and joins it as the named party. An empty name
// selects the orchestrator. The party must hold the orchestrator role exactly
// when asOrchestrator is set.
func (f *clusterFlags) connect(ctx context.Context, log logging.Logger, asOrchestrator bool) (*clusterconfig.ClusterConfig, int, *tlsnet.Transport, error) {
	cfg, err := clusterconfig.Load(f.config)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("load cluster config: %w", err)
	}
	idx := 0
	if f.party != "" {
		if idx, err = cfg.Index(f.party); err != nil {
			return nil, 0, nil, err
		}
	}
	if isOrch := idx == int(keysearch.OrchestratorRole); isOrch != asOrchestrator {
		if isOrch {
			return nil, 0, nil, fmt.Errorf("party %q is the orchestrator", cfg.Parties[idx].Name)
		}
		return nil, 0, nil, fmt.Errorf("party %q is not the orchestrator", cfg.Parties[idx].Name)
	}
	self := cfg.Parties[idx]
	pool, err := clusterconfig.LoadCertPool(cfg.CACert)
	if err != nil {
		return nil, 0, nil, err
	}
	cert, err := clusterconfig.LoadKeyPair(self.Cert, self.Key)
	if err != nil {
		return nil, 0, nil, err
	}
	log.Info(ctx, "joining cluster", "party", self.Name, "index", idx, "parties", len(cfg.Parties))
	tr, err := tlsnet.New(tlsnet.Config{
		Self:           idx,
		Names:          cfg.Names(),
		Addresses:      cfg.Addresses(),
		Certificate:    cert,
		RootCAs:        pool,
		ConnectTimeout: f.connectTimeout,
		Logger:         log,
	})
	if err != nil {
		return nil, 0, nil, err
	}
	return cfg, idx, tr, nil
}

func newOrchestratorCmd(root *rootOptions) *cobra.Command {
	var (
		search searchFlags
		out    outputFlags
		topo   clusterFlags
	)
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Coordinate workers of a TLS cluster",
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
			topology, _, tr, err := topo.connect(ctx, log, true)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			ids := make([]keysearch.RoleID, topology.Workers())
			for i := range ids {
				if ids[i], err = keysearch.RoleFromIndex(i + 1); err != nil {
					return err
				}
			}
			ocfg, err := orchestrator.ConfigFrom(cfg, ids)
			if err != nil {
				return err
			}
			ocfg.Logger = log
			if search.verify {
				ocfg.Verify = keytest.ForProblem(p)
			}
			orch, err := orchestrator.New(tr, ocfg)
			if err != nil {
				return err
			}

			started := time.Now()
			res, err := orch.Run(ctx, p)
			if err != nil {
				return err
			}
			rep := cluster.Summarize(p, res, nil, res.Elapsed)
			return out.publish(ctx, cmd, log, report.FromCluster("", started, rep))
		},
	}
	search.bind(cmd)
	out.bind(cmd)
	topo.bind(cmd, "orchestrator party name (defaults to the first party)")
	return cmd
}

func newWorkerCmd(root *rootOptions) *cobra.Command {
	var (
		topo  clusterFlags
		units int
		poll  uint64
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Join a TLS cluster as a worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if topo.party == "" {
				return errors.New("--party is required")
			}
			log, err := root.logger(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			_, idx, tr, err := topo.connect(ctx, log, false)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()
			self, err := keysearch.RoleFromIndex(idx)
			if err != nil {
				return err
			}
			agent, err := worker.New(tr, worker.Config{
				Self:         self,
				Orchestrator: keysearch.OrchestratorRole,
				Units:        units,
				PollInterval: poll,
				Logger:       log,
			})
			if err != nil {
				return err
			}
			stats, err := agent.Run(ctx)
			if err != nil {
				return err
			}
			ending := stats.Notice.String()
			if stats.Found {
				ending = "reported key"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "worker %d: tested %d keys in %d blocks (%s)\n",
				stats.Worker, stats.Tested, stats.Blocks, ending)
			return err
		},
	}
	topo.bind(cmd, "this worker's party name")
	cmd.Flags().IntVar(&units, "units", 1, "scan units")
	cmd.Flags().Uint64Var(&poll, "poll", keysearch.DefaultPollInterval, "keys tested between checks of the stop flag")
	return cmd
}
