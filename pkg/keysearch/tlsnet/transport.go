// Package tlsnet implements keysearch.Transport over mutually authenticated
// TLS connections in a star topology: party 0 (the orchestrator) listens and
// every worker dials it. Workers never talk to each other.
//
// Each connection starts with the dialer's 4-byte big-endian party index,
// followed by length-prefixed frames in both directions. The listener checks
// that the client certificate is valid for the name of the announced index.
package tlsnet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
	"github.com/coinbase/cb-keysearch-go/pkg/keysearch/logging"
)

// MaxFrame bounds a single frame. Protocol messages are far smaller.
const MaxFrame = 1 << 12

const (
	defaultConnectTimeout = 10 * time.Second
	redialDelay           = 200 * time.Millisecond
	inboxSize             = 256
)

// ErrClosed is returned once the transport was closed.
var ErrClosed = errors.New("tlsnet: transport closed")

// Config configures the TLS-backed transport between parties.
type Config struct {
	// Self is this party's index; 0 is the orchestrator.
	Self      int
	Names     []string
	Addresses []string

	Certificate tls.Certificate
	RootCAs     *x509.CertPool

	// ConnectTimeout bounds how long New waits for the star to form. Zero
	// selects 10s.
	ConnectTimeout time.Duration

	Logger logging.Logger
}

// Transport implements keysearch.Transport.
type Transport struct {
	self keysearch.RoleID
	log  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	peers map[keysearch.RoleID]*peerConn

	inbox     chan keysearch.Envelope
	listener  net.Listener
	closeOnce sync.Once
}

type peerConn struct {
	id   keysearch.RoleID
	conn net.Conn

	wmu     sync.Mutex
	errOnce sync.Once
	err     error
	dead    chan struct{}
}

// New establishes the star and returns a ready transport. The orchestrator
// waits until every worker has connected; a worker returns once its
// connection to the orchestrator is up.
func New(cfg Config) (*Transport, error) {
	if cfg.RootCAs == nil {
		return nil, errors.New("tlsnet: root CA pool required")
	}
	if len(cfg.Names) != len(cfg.Addresses) {
		return nil, errors.New("tlsnet: names/addresses length mismatch")
	}
	if len(cfg.Names) < 2 {
		return nil, errors.New("tlsnet: at least two parties required")
	}
	if uint64(len(cfg.Names)) > math.MaxUint32 {
		return nil, fmt.Errorf("tlsnet: too many parties (%d) for 32-bit role IDs", len(cfg.Names))
	}
	if cfg.Self < 0 || cfg.Self >= len(cfg.Names) {
		return nil, fmt.Errorf("tlsnet: invalid self index %d", cfg.Self)
	}
	self, err := keysearch.RoleFromIndex(cfg.Self)
	if err != nil {
		return nil, err
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		self:   self,
		log:    logging.OrDiscard(cfg.Logger).With("party", cfg.Self),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[keysearch.RoleID]*peerConn),
		inbox:  make(chan keysearch.Envelope, inboxSize),
	}

	var (
		connected <-chan struct{}
		errCh     = make(chan error, len(cfg.Names))
	)
	if self == keysearch.OrchestratorRole {
		connected, err = t.listen(cfg, errCh)
	} else {
		connected = t.dial(cfg, errCh)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	select {
	case <-connected:
		t.log.Debug(ctx, "tlsnet ready", "peers", t.peerCount())
		return t, nil
	case err := <-errCh:
		_ = t.Close()
		return nil, err
	case <-time.After(timeout):
		_ = t.Close()
		return nil, errors.New("tlsnet: timeout waiting for peer connections")
	}
}

func (t *Transport) listen(cfg Config, errCh chan<- error) (<-chan struct{}, error) {
	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{cfg.Certificate},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    cfg.RootCAs,
		MinVersion:   tls.VersionTLS12,
	}
	ln, err := tls.Listen("tcp", cfg.Addresses[0], serverTLS)
	if err != nil {
		return nil, fmt.Errorf("tlsnet: listen: %w", err)
	}
	t.listener = ln

	var ready sync.WaitGroup
	ready.Add(len(cfg.Names) - 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if t.ctx.Err() == nil {
					errCh <- fmt.Errorf("tlsnet: accept: %w", err)
				}
				return
			}
			// A misbehaving client must not stall the accept loop.
			go func() {
				id, tlsConn, err := t.acceptPeer(conn, cfg.Names)
				if err != nil {
					t.log.Warn(t.ctx, "rejected connection", "remote", conn.RemoteAddr().String(), "error", err)
					_ = conn.Close()
					return
				}
				if err := t.register(id, tlsConn); err != nil {
					t.log.Warn(t.ctx, "rejected connection", "peer", id, "error", err)
					_ = tlsConn.Close()
					return
				}
				ready.Done()
			}()
		}
	}()

	done := make(chan struct{})
	go func() {
		ready.Wait()
		close(done)
	}()
	return done, nil
}

func (t *Transport) acceptPeer(conn net.Conn, names []string) (keysearch.RoleID, *tls.Conn, error) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return 0, nil, errors.New("tlsnet: non-TLS connection accepted")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(defaultConnectTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return 0, nil, fmt.Errorf("tlsnet: handshake: %w", err)
	}
	raw, err := readPeerID(tlsConn)
	if err != nil {
		return 0, nil, fmt.Errorf("tlsnet: read peer id: %w", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})
	if raw == 0 || uint64(raw) >= uint64(len(names)) {
		return 0, nil, fmt.Errorf("tlsnet: unexpected peer id %d", raw)
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return 0, nil, errors.New("tlsnet: no client certificate")
	}
	if err := certs[0].VerifyHostname(names[raw]); err != nil {
		return 0, nil, fmt.Errorf("tlsnet: peer %d certificate: %w", raw, err)
	}
	return keysearch.RoleID(raw), tlsConn, nil
}

func (t *Transport) dial(cfg Config, errCh chan<- error) <-chan struct{} {
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cfg.Certificate},
		RootCAs:      cfg.RootCAs,
		ServerName:   cfg.Names[0],
		MinVersion:   tls.VersionTLS12,
	}
	done := make(chan struct{})
	go func() {
		dialer := &net.Dialer{Timeout: defaultConnectTimeout}
		for {
			if t.ctx.Err() != nil {
				return
			}
			conn, err := tls.DialWithDialer(dialer, "tcp", cfg.Addresses[0], tlsCfg)
			if err != nil {
				t.log.Debug(t.ctx, "dial failed, retrying", "address", cfg.Addresses[0], "error", err)
				time.Sleep(redialDelay)
				continue
			}
			if err := writePeerID(conn, uint32(t.self)); err != nil {
				_ = conn.Close()
				time.Sleep(redialDelay)
				continue
			}
			if err := t.register(keysearch.OrchestratorRole, conn); err != nil {
				errCh <- closeWithContextErr(conn, err)
				return
			}
			close(done)
			return
		}
	}()
	return done
}

func (t *Transport) register(id keysearch.RoleID, conn net.Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	if _, exists := t.peers[id]; exists {
		return fmt.Errorf("tlsnet: duplicate connection from peer %d", id)
	}
	pc := &peerConn{id: id, conn: conn, dead: make(chan struct{})}
	t.peers[id] = pc
	go t.reader(pc)
	return nil
}

// Send writes one frame to peer to. An error means the frame was not handed
// to the connection; the peer is considered dead afterwards.
func (t *Transport) Send(ctx context.Context, to keysearch.RoleID, msg []byte) error {
	if to == t.self {
		return errors.New("tlsnet: send to self")
	}
	if len(msg) > MaxFrame {
		return fmt.Errorf("tlsnet: frame too large (%d bytes)", len(msg))
	}
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	pc, err := t.getPeer(to)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-pc.dead:
		return fmt.Errorf("tlsnet: peer %d: %w", to, pc.err)
	default:
	}

	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = pc.conn.SetWriteDeadline(deadline)
	if err := writeFrame(pc.conn, msg); err != nil {
		pc.fail(err)
		return fmt.Errorf("tlsnet: send to %d: %w", to, err)
	}
	return nil
}

// Receive returns the next frame from any peer. A frame that is already
// queued is returned even if ctx is done. On a worker, Receive fails once the
// orchestrator connection is gone and its queued frames were consumed.
func (t *Transport) Receive(ctx context.Context) (keysearch.Envelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	default:
	}
	if t.ctx.Err() != nil {
		return keysearch.Envelope{}, ErrClosed
	}
	var upstream *peerConn
	var dead <-chan struct{}
	if t.self != keysearch.OrchestratorRole {
		if pc, err := t.getPeer(keysearch.OrchestratorRole); err == nil {
			upstream, dead = pc, pc.dead
		}
	}
	select {
	case env := <-t.inbox:
		return env, nil
	case <-ctx.Done():
		return keysearch.Envelope{}, ctx.Err()
	case <-t.ctx.Done():
		return keysearch.Envelope{}, ErrClosed
	case <-dead:
		// The reader queues every frame before it marks the peer dead.
		select {
		case env := <-t.inbox:
			return env, nil
		default:
		}
		return keysearch.Envelope{}, fmt.Errorf("tlsnet: orchestrator connection lost: %w", upstream.err)
	}
}

// Close terminates the transport and underlying connections.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		if t.listener != nil {
			_ = t.listener.Close()
		}
		t.mu.Lock()
		for _, pc := range t.peers {
			pc.fail(io.EOF)
		}
		t.mu.Unlock()
	})
	return nil
}

func (t *Transport) getPeer(id keysearch.RoleID) (*peerConn, error) {
	t.mu.RLock()
	pc, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tlsnet: unknown peer %d", id)
	}
	return pc, nil
}

func (t *Transport) peerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *Transport) reader(pc *peerConn) {
	for {
		msg, err := readFrame(pc.conn)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Debug(t.ctx, "peer connection ended", "peer", pc.id, "error", err)
			}
			pc.fail(err)
			return
		}
		select {
		case t.inbox <- keysearch.Envelope{From: pc.id, Payload: msg}:
		case <-t.ctx.Done():
			return
		}
	}
}

func (pc *peerConn) fail(err error) {
	pc.errOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		pc.err = err
		_ = pc.conn.Close()
		close(pc.dead)
	})
}

func writeFrame(conn net.Conn, payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("tlsnet: frame too large (%d bytes)", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := conn.Write(buf)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrame {
		return nil, fmt.Errorf("tlsnet: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writePeerID(conn net.Conn, id uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	_, err := conn.Write(buf[:])
	return err
}

func readPeerID(conn net.Conn) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func closeWithContextErr(c io.Closer, base error) error {
	if closeErr := c.Close(); closeErr != nil {
		return fmt.Errorf("%w; close error: %v", base, closeErr)
	}
	return base
}

var _ keysearch.Transport = (*Transport)(nil)
