// Package shared holds helpers used across the node-lock packages that do not
// belong to any single domain layer.
//
// The testutil subpackage provides a buffered slog handler for asserting on
// log output and a small set of machine identity fixtures. It may depend on
// pkg/contracts/domain but on no other internal package, so that any
// package's tests can import it without creating a cycle.
package shared
