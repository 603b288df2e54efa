/*
Package accelerator provides pluggable drivers for non-CPU resource kinds.

Each accelerator family (CUDA today) implements the Plugin interface:
discovery of available units at startup, exclusive per-kernel device
assignment, and rendering of assigned devices as OCI device entries that the
container runtime injects into kernel containers.

Plugins are loaded once during agent startup by Registry.DiscoverAll. A
plugin that fails to initialize or discover is logged and excluded; the
corresponding slot kind is simply unavailable for the session. It never
aborts the other plugins or the agent. After discovery the registry is
read-only and safe for concurrent use; assignment state inside a plugin is
guarded by that plugin's own lock.
*/
package accelerator
