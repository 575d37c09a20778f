package mocknet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coinbase/cb-keysearch-go/pkg/keysearch"
)

var (
	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("mocknet: endpoint closed")
	// ErrPeerClosed is returned when the destination endpoint was closed.
	ErrPeerClosed = errors.New("mocknet: peer closed")
	// ErrUnknownPeer is returned when no endpoint exists for the destination.
	ErrUnknownPeer = errors.New("mocknet: unknown peer")
)

// DefaultInboxSize is the per-endpoint queue capacity.
const DefaultInboxSize = 1024

type Net struct {
	mu        sync.Mutex
	inboxSize int
	eps       map[keysearch.RoleID]*Endpoint
}

// New returns an empty network using DefaultInboxSize.
func New() *Net { return NewWithInbox(DefaultInboxSize) }

// NewWithInbox returns an empty network whose endpoints queue up to size
// messages before Send blocks.
func NewWithInbox(size int) *Net {
	if size < 1 {
		size = 1
	}
	return &Net{inboxSize: size, eps: make(map[keysearch.RoleID]*Endpoint)}
}

// Endpoint returns the endpoint for self, creating it on first use.
func (n *Net) Endpoint(self keysearch.RoleID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep := n.eps[self]; ep != nil {
		return ep
	}
	ep := &Endpoint{
		net:   n,
		self:  self,
		inbox: make(chan keysearch.Envelope, n.inboxSize),
		done:  make(chan struct{}),
	}
	n.eps[self] = ep
	return ep
}

// Star creates the orchestrator endpoint and one endpoint per worker role.
func (n *Net) Star(workers []keysearch.RoleID) (*Endpoint, []*Endpoint) {
	orch := n.Endpoint(keysearch.OrchestratorRole)
	eps := make([]*Endpoint, len(workers))
	for i, w := range workers {
		eps[i] = n.Endpoint(w)
	}
	return orch, eps
}

func (n *Net) lookup(id keysearch.RoleID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eps[id]
}

// Endpoint is one party's view of the network. It is safe for concurrent use.
type Endpoint struct {
	net   *Net
	self  keysearch.RoleID
	inbox chan keysearch.Envelope
	done  chan struct{}
	once  sync.Once
}

// Self returns the role this endpoint was created for.
func (e *Endpoint) Self() keysearch.RoleID { return e.self }

// Send copies msg into the inbox of to.
func (e *Endpoint) Send(ctx context.Context, to keysearch.RoleID, msg []byte) error {
	if e.closed() {
		return ErrClosed
	}
	if to == e.self {
		return errors.New("mocknet: send to self")
	}
	peer := e.net.lookup(to)
	if peer == nil {
		return fmt.Errorf("%w %d", ErrUnknownPeer, to)
	}
	if peer.closed() {
		return fmt.Errorf("%w: %d", ErrPeerClosed, to)
	}
	env := keysearch.Envelope{From: e.self, Payload: append([]byte(nil), msg...)}
	select {
	case peer.inbox <- env:
		return nil
	case <-peer.done:
		return fmt.Errorf("%w: %d", ErrPeerClosed, to)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next queued message. A message that is already queued
// is returned even if ctx is done.
func (e *Endpoint) Receive(ctx context.Context) (keysearch.Envelope, error) {
	select {
	case env := <-e.inbox:
		return env, nil
	default:
	}
	select {
	case env := <-e.inbox:
		return env, nil
	case <-e.done:
		return keysearch.Envelope{}, ErrClosed
	case <-ctx.Done():
		return keysearch.Envelope{}, ctx.Err()
	}
}

// Pending returns the number of queued messages.
func (e *Endpoint) Pending() int { return len(e.inbox) }

// Close marks the endpoint dead. It is idempotent.
func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func (e *Endpoint) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

var _ keysearch.Transport = (*Endpoint)(nil)
