// Package websocket pushes allow-list changes to connected subscribers.
//
// The admin service calls Hub.BroadcastEvent after every successful add or
// delete; each connected client receives the domain.RegistryEvent as a JSON
// text frame. Clients are read-only apart from heartbeats.
package websocket
