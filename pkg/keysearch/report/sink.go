package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink stores an encoded report under a name.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// ObjectName returns the conventional object name for a run.
func ObjectName(runID string, compressed bool) string {
	if compressed {
		return runID + ".json.zst"
	}
	return runID + ".json"
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("report: invalid object name %q", name)
	}
	return nil
}

// FileSink writes reports into a local directory.
type FileSink struct {
	Dir string
}

// Put writes data to Dir/name, creating Dir if needed.
func (f FileSink) Put(_ context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if f.Dir == "" {
		return errors.New("report: file sink without directory")
	}
	if err := os.MkdirAll(f.Dir, 0o750); err != nil {
		return fmt.Errorf("report: create %s: %w", f.Dir, err)
	}
	p := filepath.Join(f.Dir, name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return fmt.Errorf("report: write %s: %w", p, err)
	}
	return nil
}

// PutObjectAPI is the subset of the S3 client used by S3Sink.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads reports to a bucket.
type S3Sink struct {
	Client PutObjectAPI
	Bucket string
	Prefix string
}

// NewS3Sink builds a sink from the default AWS configuration chain.
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	if bucket == "" {
		return nil, errors.New("report: s3 sink without bucket")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("report: load aws config: %w", err)
	}
	return &S3Sink{Client: s3.NewFromConfig(cfg), Bucket: bucket, Prefix: prefix}, nil
}

// Put uploads data as Prefix/name.
func (s *S3Sink) Put(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	key := name
	if s.Prefix != "" {
		key = path.Join(s.Prefix, name)
	}
	contentType := "application/json"
	if strings.HasSuffix(name, ".zst") {
		contentType = "application/zstd"
	}
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("report: put s3://%s/%s: %w", s.Bucket, key, err)
	}
	return nil
}

var (
	_ Sink = FileSink{}
	_ Sink = (*S3Sink)(nil)
)
