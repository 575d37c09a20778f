// Package internalcheck holds source-level policy tests for the keysearch
// packages.
//
// The checks load the packages with golang.org/x/tools/go/packages and walk
// their syntax trees. They enforce properties that ordinary unit tests cannot
// observe:
//
//   - the orchestrator owns all coordination state on one goroutine and so
//     never imports sync;
//   - only keytest touches crypto/des;
//   - candidate plaintexts are never compared with == on byte slices;
//   - key material never reaches a hex format verb outside the report
//     renderer.
//
// # Internal Use Only
//
// This package exports nothing and exists only for its tests.
package internalcheck
