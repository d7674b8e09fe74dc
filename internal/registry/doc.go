// Package registry implements the registration and query protocol against the
// machine allow-list.
//
// Every implementation satisfies Registry: Register is an idempotent
// insert-or-ignore keyed on the (cpu_serial, mac_address) pair, and Exists
// reports whether the pair is on the list. Failures are wrapped with
// apperrors.ErrTransportFailure when the registry could not be reached and
// apperrors.ErrQueryFailure when it was reached but the operation failed.
//
// Implementations:
//
//	SQLRegistry    Postgres (pgx, TLS verify-full) or SQLite (local/dev)
//	SheetsRegistry a Google Sheets worksheet
//	RemoteRegistry the registry-server's /api/attest endpoint over HTTPS
//	MemoryRegistry an in-process list ("memory" driver) for dry runs and tests
//
// SQL and remote registries open one connection per call and release it
// before returning, on success, error and cancellation alike.
package registry
