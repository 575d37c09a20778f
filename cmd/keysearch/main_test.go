package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coinbase/cb-keysearch-go/internal/clusterconfig"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/keytest"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/report"
)

// lockedBuffer collects log output written from transport goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func execute(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&lockedBuffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

var plantedSearch = []string{
	"--text", "attack at dawn, planted",
	"--hint", "planted",
	"--secret", "777",
	"--range", "4096",
	"--initial", "64",
	"--min", "64",
	"--factor", "1",
	"--poll", "16",
	"--verify",
	"--log-level", "error",
}

func TestLocalFindsPlantedKey(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dir := t.TempDir()

	args := append([]string{"local", "--workers", "4", "--report-dir", dir, "--compress", "--sign-key", strings.Repeat("11", 32)}, plantedSearch...)
	out, err := execute(ctx, args...)
	require.NoError(t, err)
	require.Contains(t, out, "key found: ")
	require.Contains(t, out, `decrypted: "attack at dawn, planted"`)

	files, err := filepath.Glob(filepath.Join(dir, "*.json.zst"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	signed, err := report.DecodeSigned(data)
	require.NoError(t, err)
	require.NoError(t, signed.Verify())
	require.NotNil(t, signed.Report.Key)
	require.True(t, keytest.Equivalent(777, *signed.Report.Key))
	require.Len(t, signed.Report.Workers, 4)
}

func TestLocalExhaustsWithoutKey(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := execute(ctx, "local", "--text", "nothing to see", "--hint", "absent",
		"--range", "2000", "--initial", "100", "--min", "50", "--workers", "2", "--log-level", "error")
	require.NoError(t, err)
	require.Contains(t, out, "key not found (exhausted)")
	require.Contains(t, out, "tested 2000 keys")
}

func TestBadInputFailsBeforeSearching(t *testing.T) {
	ctx := context.Background()
	_, err := execute(ctx, "local", "--text", "x", "--start", "abc")
	require.ErrorIs(t, err, keysearch.ErrInvalidNumber)

	_, err = execute(ctx, "local", "--text", "x", "--range", "0")
	require.ErrorIs(t, err, keysearch.ErrZeroRange)

	_, err = execute(ctx, "local", "--text", "x", "--factor", "0.5")
	require.ErrorIs(t, err, keysearch.ErrInvalidFactor)

	_, err = execute(ctx, "local", "--text", strings.Repeat("a", keysearch.MaxMessageLen+1))
	require.ErrorIs(t, err, keysearch.ErrMessageTooLong)

	_, err = execute(ctx, "local", "--msg", filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)

	_, err = execute(ctx, "local", "--log-format", "xml", "--text", "x")
	require.Error(t, err)

	_, err = execute(ctx, "worker")
	require.ErrorContains(t, err, "--party")
}

func TestReadMessageTakesFirstLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "msg.txt")
	require.NoError(t, os.WriteFile(path, []byte("the first line\r\nsecond line\n"), 0o600))
	got, err := readMessage(path)
	require.NoError(t, err)
	require.Equal(t, []byte("the first line"), got)

	require.NoError(t, os.WriteFile(path, []byte("no newline"), 0o600))
	got, err = readMessage(path)
	require.NoError(t, err)
	require.Equal(t, []byte("no newline"), got)
}

func TestSecretDefaultsToStartKey(t *testing.T) {
	f := searchFlags{start: "4242", rangeSpec: "10", text: "hello", poll: 1, factor: 1}
	cfg, err := f.config()
	require.NoError(t, err)
	p, err := f.problem(cfg)
	require.NoError(t, err)
	want, err := keytest.NewProblem([]byte("hello"), 4242, nil)
	require.NoError(t, err)
	require.Equal(t, want, p)
}

func TestVersion(t *testing.T) {
	out, err := execute(context.Background(), "version")
	require.NoError(t, err)
	require.Contains(t, out, keysearch.Version)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestGenCertsWritesLoadableCluster(t *testing.T) {
	t.Chdir(t.TempDir())
	out, err := execute(context.Background(), "gen-certs", "--names", "orchestrator, w1", "--addresses", "127.0.0.1:7000,127.0.0.1:7001",
		"--key-bits", "2048", "--cluster-config", "cluster.json")
	require.NoError(t, err)
	require.Contains(t, out, "wrote cluster config to cluster.json")

	cfg, err := clusterconfig.Load("cluster.json")
	require.NoError(t, err)
	require.Equal(t, []string{"orchestrator", "w1"}, cfg.Names())
	_, err = clusterconfig.LoadKeyPair(cfg.Parties[1].Cert, cfg.Parties[1].Key)
	require.NoError(t, err)
}

func TestDistributedSearchOverTLS(t *testing.T) {
	t.Chdir(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, err := execute(ctx, "gen-certs", "--names", "orchestrator,w1,w2", "--key-bits", "2048",
		"--addresses", freeAddr(t)+",127.0.0.1:1,127.0.0.1:2", "--cluster-config", "cluster.json")
	require.NoError(t, err)

	type result struct {
		out string
		err error
	}
	orch := make(chan result, 1)
	go func() {
		out, err := execute(ctx, append([]string{"orchestrator", "--config", "cluster.json"}, plantedSearch...)...)
		orch <- result{out, err}
	}()
	workers := make(chan result, 2)
	for _, name := range []string{"w1", "w2"} {
		go func() {
			out, err := execute(ctx, "worker", "--config", "cluster.json", "--party", name, "--poll", "16", "--log-level", "error")
			workers <- result{out, err}
		}()
	}

	r := <-orch
	require.NoError(t, r.err)
	require.Contains(t, r.out, "key found: ")
	require.Contains(t, r.out, `decrypted: "attack at dawn, planted"`)
	for range 2 {
		w := <-workers
		require.NoError(t, w.err)
		require.Contains(t, w.out, "worker ")
	}
}

func TestPartyRoleIsChecked(t *testing.T) {
	t.Chdir(t.TempDir())
	ctx := context.Background()
	_, err := execute(ctx, "gen-certs", "--names", "orchestrator,w1", "--key-bits", "2048",
		"--addresses", "127.0.0.1:7000,127.0.0.1:7001", "--cluster-config", "cluster.json")
	require.NoError(t, err)

	_, err = execute(ctx, "worker", "--config", "cluster.json", "--party", "orchestrator")
	require.ErrorContains(t, err, "is the orchestrator")
	_, err = execute(ctx, append([]string{"orchestrator", "--config", "cluster.json", "--party", "w1"}, plantedSearch...)...)
	require.ErrorContains(t, err, "is not the orchestrator")
	_, err = execute(ctx, "worker", "--config", "cluster.json", "--party", "nobody")
	require.ErrorContains(t, err, "not in cluster")
}
