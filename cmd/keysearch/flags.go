package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/keytest"
)

// searchFlags holds the knobs shared by local and orchestrator runs. Numbers
// stay strings until parse so malformed input is reported before anything
// starts.
type searchFlags struct {
	start     string
	rangeSpec string
	secret    string
	initial   uint64
	min       uint64
	poll      uint64
	divisor   uint64
	factor    float64
	timeout   time.Duration

	msgPath string
	text    string
	hint    string
	verify  bool
}

func (f *searchFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.start, "start", "0", "first key of the search range")
	fs.StringVar(&f.rangeSpec, "range", "56", "range size: a bit count up to 63, otherwise an absolute key count")
	fs.StringVar(&f.secret, "secret", "", "key used to encrypt the message (defaults to --start)")
	fs.Uint64Var(&f.initial, "initial", keysearch.DefaultInitialChunk, "initial block size")
	fs.Uint64Var(&f.min, "min", keysearch.DefaultMinChunk, "minimum block size")
	fs.Uint64Var(&f.poll, "poll", keysearch.DefaultPollInterval, "keys tested between checks of the stop flag")
	fs.Uint64Var(&f.divisor, "divisor", keysearch.DefaultGrowthDivisor, "growth stops at remaining/(workers*divisor)")
	fs.Float64Var(&f.factor, "factor", keysearch.DefaultFactor, "block growth factor; 1 disables growth")
	fs.DurationVar(&f.timeout, "timeout", 0, "wall-clock limit; 0 means none")
	fs.StringVar(&f.msgPath, "msg", "msg.txt", "file whose first line is the plaintext")
	fs.StringVar(&f.text, "text", "", "plaintext given inline instead of --msg")
	fs.StringVar(&f.hint, "hint", "", "keyword the plaintext contains; empty selects the English detector")
	fs.BoolVar(&f.verify, "verify", false, "re-confirm reported keys on the orchestrator")
}

func (f *searchFlags) config() (keysearch.Config, error) {
	cfg := keysearch.DefaultConfig()
	start, err := keysearch.ParseKey(f.start)
	if err != nil {
		return cfg, fmt.Errorf("--start: %w", err)
	}
	size, err := keysearch.ParseRange(f.rangeSpec)
	if err != nil {
		return cfg, fmt.Errorf("--range: %w", err)
	}
	cfg.StartKey = start
	cfg.RangeCount = size
	cfg.InitialChunk = f.initial
	cfg.MinChunk = f.min
	cfg.PollInterval = f.poll
	cfg.GrowthDivisor = f.divisor
	cfg.Factor = f.factor
	cfg.Timeout = f.timeout
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg.Normalize(), nil
}

// problem encrypts the message under --secret, or under the start key when no
// secret is given.
func (f *searchFlags) problem(cfg keysearch.Config) (keysearch.Problem, error) {
	secret := cfg.StartKey
	if f.secret != "" {
		v, err := keysearch.ParseKey(f.secret)
		if err != nil {
			return keysearch.Problem{}, fmt.Errorf("--secret: %w", err)
		}
		secret = v
	}
	text := []byte(f.text)
	if f.text == "" {
		var err error
		if text, err = readMessage(f.msgPath); err != nil {
			return keysearch.Problem{}, err
		}
	}
	var hint []byte
	if f.hint != "" {
		hint = []byte(f.hint)
	}
	return keytest.NewProblem(text, secret, hint)
}

// readMessage returns the first line of path without its line terminator.
func readMessage(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied input file
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	return bytes.TrimSuffix(data, []byte("\r")), nil
}
