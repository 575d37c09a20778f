// Command keysearch runs an adaptive distributed DES key search, either in a
// single process or across machines connected by mutually authenticated TLS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/logging"
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "keysearch",
		Short:         "Adaptive master-worker DES key search",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	root.AddCommand(
		newLocalCmd(opts),
		newOrchestratorCmd(opts),
		newWorkerCmd(opts),
		newGenCertsCmd(),
		newVersionCmd(),
	)
	return root
}

// logger builds the command logger. Logs go to stderr so stdout carries only
// the result.
func (o *rootOptions) logger(cmd *cobra.Command) (logging.Logger, error) {
	h, err := logging.NewHandler(cmd.ErrOrStderr(), o.logFormat, o.logLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(slog.New(h)), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keysearch: %v\n", err)
		os.Exit(1)
	}
}
