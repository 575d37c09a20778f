// Package keysearch distributes an exhaustive search over a numeric key space
// across a set of cooperating workers and stops as soon as one of them finds a
// key that passes an exact verification check.
//
// The package holds the vocabulary shared by every participant: key ranges,
// worker states, the authoritative search outcome, the wire messages, the
// Transport contract and the search configuration. The moving parts live in
// subpackages:
//
//   - partition: turns the key range into contiguous blocks of adaptively
//     growing size.
//   - orchestrator: single-goroutine event loop that hands out blocks, owns the
//     outcome and decides global termination.
//   - worker: requests blocks, scans them and reports a confirmed key.
//   - scan: fans one block out over local goroutines sharing a stop flag.
//   - keytest: DES key schedule, plaintext detectors and exact confirmation.
//   - mocknet, tlsnet: in-memory and mTLS Transport implementations.
//   - cluster: runs an orchestrator and N workers in one process.
//   - report: signed, optionally compressed run reports.
//
// # Roles
//
// Every participant is addressed by a RoleID. The orchestrator is always
// OrchestratorRole (0); workers use 1..N:
//
//	net := mocknet.New()
//	orch := net.Endpoint(keysearch.OrchestratorRole)
//	w1 := net.Endpoint(1)
//
// # Termination
//
// A search ends in exactly one of Found, Exhausted or TimedOut. The
// orchestrator accepts the first FoundCandidate it observes; later reports are
// drained and never replace the recorded key.
package keysearch
