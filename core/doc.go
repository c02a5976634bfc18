// Package core holds the pairing session model, its state machine and the
// orchestrator that drives one session from request to cleanup. Adapters
// (filesystem, HTTP, storage, queues) depend on this package; core only
// depends on their contracts.
package core
