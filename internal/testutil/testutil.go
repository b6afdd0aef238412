// Package testutil provides test helpers shared across packages:
//   - dBase III payload encoding for fetch and decode tests (dbf.go)
//   - canned raw record fixtures shaped like DATASUS extracts (fixtures.go)
//
// Helpers here never touch the network; all fixtures are synthesized
// in-process.
package testutil
