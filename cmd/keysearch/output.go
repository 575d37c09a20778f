package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/logging"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/report"
)

type outputFlags struct {
	reportDir string
	s3Bucket  string
	s3Prefix  string
	compress  bool
	signKey   string
}

func (f *outputFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.reportDir, "report-dir", "", "write the JSON report into this directory")
	fs.StringVar(&f.s3Bucket, "s3-bucket", "", "upload the JSON report to this S3 bucket")
	fs.StringVar(&f.s3Prefix, "s3-prefix", "keysearch/", "object key prefix for --s3-bucket")
	fs.BoolVar(&f.compress, "compress", false, "zstd-compress stored reports")
	fs.StringVar(&f.signKey, "sign-key", "", "hex secp256k1 key; stored reports are Schnorr-signed")
}

func (f *outputFlags) sinks(ctx context.Context) ([]report.Sink, error) {
	var sinks []report.Sink
	if f.reportDir != "" {
		sinks = append(sinks, report.FileSink{Dir: f.reportDir})
	}
	if f.s3Bucket != "" {
		s, err := report.NewS3Sink(ctx, f.s3Bucket, f.s3Prefix)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func (f *outputFlags) encode(r report.Report) ([]byte, error) {
	if f.signKey == "" {
		return report.Encode(r, f.compress)
	}
	priv, err := report.SigningKeyFromHex(f.signKey)
	if err != nil {
		return nil, err
	}
	signed, err := report.Sign(r, priv)
	if err != nil {
		return nil, err
	}
	return report.EncodeSigned(signed, f.compress)
}

// publish prints r and stores it in every configured sink.
func (f *outputFlags) publish(ctx context.Context, cmd *cobra.Command, log logging.Logger, r report.Report) error {
	if err := report.WriteText(cmd.OutOrStdout(), r); err != nil {
		return err
	}
	sinks, err := f.sinks(ctx)
	if err != nil || len(sinks) == 0 {
		return err
	}
	data, err := f.encode(r)
	if err != nil {
		return err
	}
	name := report.ObjectName(r.RunID, f.compress)
	for _, s := range sinks {
		if err := s.Put(ctx, name, data); err != nil {
			return fmt.Errorf("store report: %w", err)
		}
	}
	log.Info(ctx, "report stored", "name", name, "sinks", len(sinks), "signed", f.signKey != "")
	return nil
}
