// Package services holds the business logic behind the registry-server's
// HTTP API.
//
// MachineService administers the allow-list: list, add, delete and export
// records, and attest identities sent by thin clients. Every successful add
// or delete is published to an EventBroadcaster (the websocket hub).
//
// HealthService answers liveness and readiness probes; readiness pings the
// registry.
package services
