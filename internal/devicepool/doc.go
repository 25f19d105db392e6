// Package devicepool maintains long-lived authenticated sessions to tenant routers and
// dispatches commands against them.
//
// The central type is Pool. It keeps one entry per (tenant, host, port) triple. Each entry
// owns at most one Session, a bounded FIFO of pending commands, connect backoff state, a DNS
// cache for the router's host name and the named polls registered against it.
//
// Commands for one entry run strictly one at a time in submission order: SendCommand
// enqueues a request and a single drain goroutine per entry executes the queue, connecting
// on demand, retrying transient failures and spacing consecutive commands so low-powered
// routers are not flooded. Different entries proceed in parallel.
//
// Connects are deduplicated per entry: concurrent callers that find the entry disconnected
// share a single dial/login attempt. Failed connects double the entry's backoff up to a cap;
// any success resets it.
//
// Two background loops run independently of command traffic. The health monitor probes every
// connected entry with a lightweight command (bounded concurrency, never through the queue)
// and the eviction sweep removes entries that have been idle beyond a threshold with nothing
// queued, nothing running and no polls.
//
// The pool never terminates the process. Errors are reported to an optional ErrorObserver;
// the watchdog package uses that hook to escalate protocol desynchronization into an orderly
// restart.
package devicepool
