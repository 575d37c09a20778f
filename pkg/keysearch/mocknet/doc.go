// Package mocknet provides an in-memory keysearch.Transport for tests and
// local runs.
//
// Every endpoint owns one buffered inbox. Messages from a single sender
// arrive in the order they were sent; messages from different senders are
// interleaved in arrival order. Payloads are copied on send, so callers may
// reuse their buffers.
//
// Usage:
//
//	net := mocknet.New()
//	orch := net.Endpoint(keysearch.OrchestratorRole)
//	w1 := net.Endpoint(1)
//
// Closing an endpoint simulates a crashed party: sends addressed to it fail
// with ErrPeerClosed, and its own Receive returns ErrClosed once the inbox
// is drained.
//
// Mocknet is designed for testing and examples only. It has no latency
// simulation and no authentication.
package mocknet
