/*
Package rpc implements the manager-facing command channel of the agent.

Commands arrive msgpack-encoded on a ZeroMQ ROUTER socket, one request per
message, and are answered on the same socket. The manager assigns every
command a unique ID and may redeliver a command it has not seen answered;
the dispatcher deduplicates by that ID so redelivery is always safe.

# Command Set

	create_kernel         start a new kernel from an image and slot request
	destroy_kernel        tear a kernel down
	restart_kernel        replace a kernel's container, keeping its state
	execute               run a command inside a running kernel
	refresh_idle_timeout  reset a kernel's idle clock
	query_capacity        report total, allocated, and available slots
	ping                  liveness probe
	reset                 destroy every kernel on the node

# Concurrency

The server handles each command in its own goroutine. Two mechanisms bound
the resulting concurrency:

Deduplication: finished responses are held in an LRU cache keyed by command
ID. A redelivered command replays the cached response; a duplicate that
races the original waits for the original to finish and then replays it.
The same command therefore never executes twice.

Per-kernel gate: at most one command per kernel is in flight at a time.
Commands for different kernels proceed in parallel. When a second command
arrives for a busy kernel the configured policy decides: queue blocks it
until the gate frees, reject answers kernel-busy immediately.

# Failures

Errors cross the wire as typed failure codes (invalid-argument,
kernel-not-found, kernel-not-running, insufficient-resources, kernel-busy,
internal) so the manager can branch without parsing messages.
*/
package rpc
