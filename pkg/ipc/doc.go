// Package ipc implements the blip message broker.
//
// The broker accepts WebSocket connections from named services and provides:
//
//   - An authentication gate: every connection must send connection/identify
//     first, optionally proving a pre-shared key and a previously issued token
//   - A registry mapping each identified service name to exactly one connection
//   - Point-to-point IPC routing by name with opaque nonces for correlation
//   - Service discovery and a per-service metrics snapshot collector
//
// Each connection is served by one goroutine that reads frames and hands them
// to the Dispatcher, which looks up the intent in a static action table and
// runs the action's guards before its handler. A handler error is fatal: the
// connection receives a debug/error frame with goodbye set and is closed.
//
// Example usage:
//
//	store, _ := tokens.Open(ctx, cfg.Server.Tokens, log)
//	broker, err := ipc.New(cfg, store, log)
//	if err != nil {
//	    log.Error("failed to create broker", "error", err)
//	}
//	server := ipc.NewServer(cfg, broker, log)
//	err = server.ListenAndServe(ctx)
package ipc
