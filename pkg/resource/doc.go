/*
Package resource implements the agent's resource slot registry.

A slot is a quantized unit of one resource kind: a CPU core, a byte of
memory, or one accelerator unit. The registry tracks two slot sets per node:

	capacity   discovered at startup, immutable afterwards
	allocated  the sum of every live kernel's reservation

Quantities are decimal.Decimal values rather than floats, so arbitrarily many
reserve/release cycles leave the allocated totals exact.

# Reservations

Reserve is all-or-nothing: either every requested kind fits within the
remaining capacity and the allocated totals grow by exactly the request, or
nothing changes and the caller gets an *InsufficientResourcesError naming the
exhausted kind. Reserve and Release serialize on the registry mutex, so two
concurrent reservations can never both succeed against the same remaining
capacity.

Release is idempotent. The kernel lifecycle manager releases a reservation
exactly once on the way to a terminal state, but crash-recovery replays may
call Release again; the second call is a no-op.

Restore exists for agent restarts: containers that survived the previous
process still hold real resources, so their recorded reservations are
re-established before the agent accepts new commands. A Restore that would
exceed capacity is an invariant violation (ErrCapacityExceeded) surfaced to
the watcher, never silently clamped.
*/
package resource
