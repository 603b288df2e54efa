/*
Package events implements the heartbeat/event pipeline between the agent and
the manager, plus an in-process broker for component fanout.

Two things flow outward:

  - lifecycle events, emitted once per kernel state transition and for
    runtime observations (unexpected exits, OOM kills). Events for the same
    kernel are delivered in publish order and carry a per-kernel sequence
    number; no ordering holds across kernels.
  - heartbeat snapshots, built fresh on every tick and summarizing node
    capacity, allocated slots, and live kernels. Heartbeats are the
    manager's eventual-consistency resync point.

Delivery never blocks kernel lifecycle progress. The pipeline owns a bounded
queue; when the manager is slow and the queue saturates, superseded
non-terminal events for a kernel are coalesced away (the manager still
converges through the kernel's latest state and the heartbeat). Terminal
events are never dropped. Transmission failures are logged and retried: the
next tick for heartbeats, a delay-then-retry for events.

The wire side is a ZeroMQ DEALER socket to the manager's event endpoint with
msgpack-encoded envelopes.
*/
package events
