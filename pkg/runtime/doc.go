/*
Package runtime wraps the container runtime collaborator behind the
ContainerRuntime interface.

The production implementation talks to containerd over its socket within a
dedicated namespace, so kernel containers never collide with other workloads
on the node. The kernel lifecycle manager consumes only the interface; tests
use the in-package FakeRuntime with scripted failures and injected exits.

Responsibilities kept here:

  - image pulls (with unpack)
  - container creation with the reservation's CPU/memory limits and the
    accelerator plugin's device nodes injected into the OCI spec
  - graceful stop: SIGTERM, then SIGKILL after the timeout
  - exit observation via task wait (one ExitEvent per container run)
  - in-container process execution with captured output
  - namespace-scoped listing with labels, used by restart reconciliation to
    re-identify kernels the previous agent process left running

Everything above this package speaks kernel IDs and slot sets; everything
below is containerd's own API.
*/
package runtime
