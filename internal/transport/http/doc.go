// Package http implements the registry-server's HTTP handlers.
//
// Handlers stay thin: they decode and validate the request, call the service
// layer, and render the result with go-chi/render. Every failure goes through
// errors.ErrorHandler so clients always receive RFC 7807 problem details.
//
// Routes:
//
//	GET    /api/machines            list the allow-list, newest first
//	POST   /api/machines            add a machine (409 on duplicate MAC)
//	DELETE /api/machines/{id}       remove a machine
//	GET    /api/machines/export     download as xlsx or csv
//	POST   /api/attest              attest an identity sent by a thin client
//	GET    /api/health[/live|/ready]
package http
