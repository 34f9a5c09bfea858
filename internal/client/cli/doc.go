// Package cli provides the interactive apptsync device console.
//
// It wires configuration, the local store, the sync transport, the
// orchestrator, a background connectivity watcher and the change-feed
// listener, then runs a REPL for front-desk operations that works the same
// online and offline.
//
// Key features:
//   - Add records and events, reschedule or remove events
//   - Show any entity (cache-first, optional refresh)
//   - Assign a record number to a walk-in record (reconciliation)
//   - Delete entities and force a sync
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
// See App and runREPL for details.
package cli
