// Package app wires the registry server: configuration, logging,
// OpenTelemetry, the SQL-backed allow-list, the websocket event hub and the
// chi router.
//
// # Initialization Flow
//
//	1. Load configuration (defaults, YAML file, NODELOCK_* environment)
//	2. Initialize logging and observability
//	3. Open the registry store
//	4. Build services and the API key authenticator
//	5. Mount handlers behind the middleware chain
//
// # Usage
//
//	app, err := app.NewApplication()
//	if err != nil {
//	    return err
//	}
//	return app.Run(ctx)
//
// Run creates the registry table if it is missing, then serves until ctx is
// cancelled. Shutdown drains HTTP requests, closes websocket clients and
// flushes telemetry. The package never calls os.Exit.
package app
