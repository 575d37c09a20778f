package tlsnet

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
)

var (
	materialOnce sync.Once
	material     *Material
	materialErr  error
)

// testMaterial covers the star names plus an impostor signed by the same CA.
func testMaterial(t *testing.T) *Material {
	t.Helper()
	materialOnce.Do(func() {
		material, materialErr = NewMaterial([]string{"orchestrator", "w1", "w2", "impostor"}, CertOptions{KeyBits: 2048, IncludeLocalhost: true})
	})
	require.NoError(t, materialErr)
	return material
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func partyConfig(t *testing.T, m *Material, names, addrs []string, self, certIdx int) Config {
	t.Helper()
	pool, err := m.CertPool()
	require.NoError(t, err)
	cert, err := m.KeyPair(certIdx)
	require.NoError(t, err)
	return Config{
		Self:           self,
		Names:          names,
		Addresses:      addrs,
		Certificate:    cert,
		RootCAs:        pool,
		ConnectTimeout: 10 * time.Second,
	}
}

// star brings up an orchestrator and two workers on loopback.
func star(t *testing.T) (*Transport, []*Transport) {
	t.Helper()
	m := testMaterial(t)
	names := []string{"orchestrator", "w1", "w2"}
	addrs := []string{freeAddr(t), "127.0.0.1:1", "127.0.0.1:2"}

	type res struct {
		tr  *Transport
		err error
	}
	results := make([]chan res, len(names))
	for i := range names {
		results[i] = make(chan res, 1)
		cfg := partyConfig(t, m, names, addrs, i, i)
		go func(i int) {
			tr, err := New(cfg)
			results[i] <- res{tr, err}
		}(i)
	}
	out := make([]*Transport, len(names))
	for i := range names {
		r := <-results[i]
		require.NoError(t, r.err, "party %d", i)
		out[i] = r.tr
		t.Cleanup(func() { _ = r.tr.Close() })
	}
	return out[0], out[1:]
}

func recv(t *testing.T, tr *Transport) keysearch.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := tr.Receive(ctx)
	require.NoError(t, err)
	return env
}

func TestStarExchangesFrames(t *testing.T) {
	orch, workers := star(t)
	ctx := context.Background()

	for i, w := range workers {
		require.NoError(t, orch.Send(ctx, keysearch.RoleID(i+1), []byte{byte(i + 1)}))
		env := recv(t, w)
		require.Equal(t, keysearch.OrchestratorRole, env.From)
		require.Equal(t, []byte{byte(i + 1)}, env.Payload)
	}

	for _, w := range workers {
		require.NoError(t, w.Send(ctx, keysearch.OrchestratorRole, []byte("idle")))
	}
	from := map[keysearch.RoleID]bool{}
	for range workers {
		env := recv(t, orch)
		require.Equal(t, []byte("idle"), env.Payload)
		from[env.From] = true
	}
	require.Equal(t, map[keysearch.RoleID]bool{1: true, 2: true}, from)
}

func TestProtocolMessagesRoundTrip(t *testing.T) {
	orch, workers := star(t)
	ctx := context.Background()

	want := keysearch.WorkBlockMessage(keysearch.KeyRange{Lower: 100, Upper: 200})
	require.NoError(t, keysearch.SendMessage(ctx, orch, 2, want))
	env := recv(t, workers[1])
	got, err := keysearch.ParseMessage(env.Payload)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSendErrors(t *testing.T) {
	orch, workers := star(t)
	ctx := context.Background()

	require.Error(t, orch.Send(ctx, keysearch.OrchestratorRole, []byte("x")), "send to self")
	require.ErrorContains(t, orch.Send(ctx, 7, []byte("x")), "unknown peer")
	// Workers only know the orchestrator.
	require.ErrorContains(t, workers[0].Send(ctx, 2, []byte("x")), "unknown peer")

	require.ErrorContains(t, orch.Send(ctx, 1, make([]byte, MaxFrame+1)), "too large")
	// The connection survives an oversized frame.
	require.NoError(t, orch.Send(ctx, 1, []byte("still here")))
	require.Equal(t, []byte("still here"), recv(t, workers[0]).Payload)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, orch.Send(cancelled, 1, []byte("x")), context.Canceled)
}

func TestReceiveReturnsQueuedFrameAfterCancel(t *testing.T) {
	orch, workers := star(t)
	require.NoError(t, orch.Send(context.Background(), 1, []byte("queued")))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.Eventually(t, func() bool {
		env, err := workers[0].Receive(cancelled)
		return err == nil && string(env.Payload) == "queued"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerSeesOrchestratorLoss(t *testing.T) {
	orch, workers := star(t)
	require.NoError(t, orch.Send(context.Background(), 1, []byte("last words")))
	// Wait until the frame is on the worker before the connection drops.
	require.Equal(t, []byte("last words"), recv(t, workers[0]).Payload)
	require.NoError(t, orch.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := workers[0].Receive(ctx)
	require.ErrorContains(t, err, "orchestrator connection lost")
	require.NoError(t, ctx.Err())

	require.ErrorIs(t, orch.Send(context.Background(), 1, []byte("x")), ErrClosed)
}

func TestClosedTransport(t *testing.T) {
	_, workers := star(t)
	w := workers[0]
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err := w.Receive(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, w.Send(context.Background(), keysearch.OrchestratorRole, []byte("x")), ErrClosed)
}

func TestListenerRejectsMismatchedCertificate(t *testing.T) {
	m := testMaterial(t)
	names := []string{"orchestrator", "w1"}
	addrs := []string{freeAddr(t), "127.0.0.1:1"}

	orchCfg := partyConfig(t, m, names, addrs, 0, 0)
	orchCfg.ConnectTimeout = time.Second
	done := make(chan error, 1)
	go func() {
		tr, err := New(orchCfg)
		if tr != nil {
			_ = tr.Close()
		}
		done <- err
	}()

	// Role 1 presents the impostor's certificate.
	cfg := partyConfig(t, m, names, addrs, 1, 3)
	cfg.ConnectTimeout = time.Second
	go func() {
		if tr, err := New(cfg); err == nil {
			_ = tr.Close()
		}
	}()

	select {
	case err := <-done:
		require.ErrorContains(t, err, "timeout")
	case <-time.After(10 * time.Second):
		t.Fatal("orchestrator did not give up")
	}
}

func TestNewValidation(t *testing.T) {
	m := testMaterial(t)
	names := []string{"orchestrator", "w1"}
	addrs := []string{"127.0.0.1:1", "127.0.0.1:2"}
	base := partyConfig(t, m, names, addrs, 1, 1)

	cases := map[string]func(*Config){
		"no roots":  func(c *Config) { c.RootCAs = nil },
		"mismatch":  func(c *Config) { c.Addresses = c.Addresses[:1] },
		"one party": func(c *Config) { c.Names, c.Addresses = c.Names[:1], c.Addresses[:1]; c.Self = 0 },
		"bad self":  func(c *Config) { c.Self = 2 },
		"negative":  func(c *Config) { c.Self = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
		})
	}
}
