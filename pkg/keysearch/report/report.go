// Package report turns the result of a search into a portable record that
// can be printed, encoded, signed and stored.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/cluster"
)

// Worker is the per-worker section of a report.
type Worker struct {
	ID             uint32 `json:"id"`
	Tested         uint64 `json:"tested"`
	Blocks         uint64 `json:"blocks"`
	FalsePositives uint64 `json:"false_positives"`
	Found          bool   `json:"found,omitempty"`
}

// Report is the serializable summary of one run.
type Report struct {
	RunID     string    `json:"run_id"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`

	Outcome  string  `json:"outcome"`
	Key      *uint64 `json:"key,omitempty"`
	Reporter uint32  `json:"reporter,omitempty"`

	RangeLower uint64 `json:"range_lower"`
	RangeUpper uint64 `json:"range_upper"`

	Tested        uint64  `json:"tested"`
	ElapsedNanos  int64   `json:"elapsed_ns"`
	KeysPerSecond float64 `json:"keys_per_second"`

	Blocks          int      `json:"blocks"`
	CompletedBlocks uint64   `json:"completed_blocks"`
	CompletedKeys   uint64   `json:"completed_keys"`
	Outstanding     int      `json:"outstanding"`
	Requeued        int      `json:"requeued,omitempty"`
	Rejected        int      `json:"rejected,omitempty"`
	LateCandidates  int      `json:"late_candidates,omitempty"`
	Lost            []uint32 `json:"lost,omitempty"`

	Recovered string   `json:"recovered,omitempty"`
	Workers   []Worker `json:"workers"`
}

// NewRunID returns a fresh random run identifier.
func NewRunID() string { return uuid.NewString() }

// FromCluster builds a report for a local run. An empty runID gets a fresh
// one.
func FromCluster(runID string, started time.Time, rep cluster.Report) Report {
	if runID == "" {
		runID = NewRunID()
	}
	o := rep.Orchestrator
	r := Report{
		RunID:          runID,
		Version:        keysearch.Version,
		StartedAt:      started.UTC(),
		Outcome:        rep.Outcome.Kind.String(),
		RangeLower:     rep.Range.Lower,
		RangeUpper:     rep.Range.Upper,
		Tested:         rep.Tested,
		ElapsedNanos:   rep.Elapsed.Nanoseconds(),
		KeysPerSecond:  rep.KeysPerSecond,
		Blocks:         len(o.Assignments),
		CompletedKeys:  o.CompletedKeys,
		Outstanding:    len(o.Outstanding),
		Requeued:       o.Requeued,
		Rejected:       o.Rejected,
		LateCandidates: o.LateCandidates,
		Recovered:      string(rep.Recovered),
	}
	if o.Completed != nil {
		r.CompletedBlocks = o.Completed.GetCardinality()
	}
	if rep.Outcome.Kind == keysearch.Found {
		key := rep.Outcome.Key
		r.Key = &key
		r.Reporter = uint32(rep.Outcome.Reporter)
	}
	for _, id := range o.Lost {
		r.Lost = append(r.Lost, uint32(id))
	}
	for _, s := range rep.Workers {
		r.Workers = append(r.Workers, Worker{
			ID:             uint32(s.Worker),
			Tested:         s.Tested,
			Blocks:         s.Blocks,
			FalsePositives: s.FalsePositives,
			Found:          s.Found,
		})
	}
	return r
}

// Elapsed returns the run duration.
func (r Report) Elapsed() time.Duration { return time.Duration(r.ElapsedNanos) }

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Encode serializes r as JSON, zstd-compressed when compress is set.
func Encode(r Report, compress bool) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("report: marshal: %w", err)
	}
	return pack(raw, compress)
}

// EncodeSigned serializes s like Encode.
func EncodeSigned(s SignedReport, compress bool) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("report: marshal: %w", err)
	}
	return pack(raw, compress)
}

func pack(raw []byte, compress bool) ([]byte, error) {
	if !compress {
		return raw, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("report: zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// Decode parses the output of Encode, compressed or not.
func Decode(b []byte) (Report, error) {
	var r Report
	err := unpack(b, &r)
	return r, err
}

// DecodeSigned parses the output of EncodeSigned. It does not verify the
// signature.
func DecodeSigned(b []byte) (SignedReport, error) {
	var s SignedReport
	err := unpack(b, &s)
	return s, err
}

func unpack(b []byte, v any) error {
	if bytes.HasPrefix(b, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return fmt.Errorf("report: zstd decoder: %w", err)
		}
		defer dec.Close()
		if b, err = dec.DecodeAll(b, nil); err != nil {
			return fmt.Errorf("report: decompress: %w", err)
		}
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("report: unmarshal: %w", err)
	}
	return nil
}

// WriteText prints the metrics summary the command-line tools show at the end
// of a run.
func WriteText(w io.Writer, r Report) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "run %s (%s)\n", r.RunID, r.Version)
	switch {
	case r.Key != nil:
		fmt.Fprintf(&buf, "key found: %d (0x%016x) by worker %d\n", *r.Key, *r.Key, r.Reporter)
		if r.Recovered != "" {
			fmt.Fprintf(&buf, "decrypted: %q\n", r.Recovered)
		}
	case r.Outcome == keysearch.TimedOut.String():
		buf.WriteString("TIMEOUT: key not found before the deadline\n")
	default:
		fmt.Fprintf(&buf, "key not found (%s)\n", r.Outcome)
	}
	fmt.Fprintf(&buf, "range [%d, %d): tested %d keys in %s (%.0f keys/s)\n",
		r.RangeLower, r.RangeUpper, r.Tested, r.Elapsed().Round(time.Millisecond), r.KeysPerSecond)
	fmt.Fprintf(&buf, "blocks: %d dispatched, %d completed, %d outstanding, %d requeued\n",
		r.Blocks, r.CompletedBlocks, r.Outstanding, r.Requeued)
	if r.Rejected > 0 || r.LateCandidates > 0 || len(r.Lost) > 0 {
		fmt.Fprintf(&buf, "rejected: %d, late: %d, lost workers: %v\n", r.Rejected, r.LateCandidates, r.Lost)
	}
	if len(r.Workers) > 0 {
		tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WORKER\tTESTED\tBLOCKS\tFALSE POS\tFOUND")
		for _, wk := range r.Workers {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%t\n", wk.ID, wk.Tested, wk.Blocks, wk.FalsePositives, wk.Found)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}
