// Package attestation decides whether this machine may run.
//
// A Client takes a machine identity and either registers it (insert-or-ignore)
// or checks it against the allow-list held by a registry.Registry. Every
// outcome is folded into a domain.AttestationResult:
//
//	Authorized     the identity is on the list (or was just registered)
//	Denied         the registry answered and the identity is absent
//	Indeterminate  the check could not be completed; Reason says why
//
// Attest never returns an error and never panics. Transport failures, query
// failures, unreadable identities and cancellation all become Indeterminate.
// What to do with an Indeterminate result is the caller's policy; the attest
// CLI maps it to its own exit code and can retry.
package attestation
