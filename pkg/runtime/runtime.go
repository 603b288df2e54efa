package runtime

import (
	"context"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ContainerID is the runtime's opaque handle for a created container.
type ContainerID string

// KernelContainerSpec carries everything the runtime needs to instantiate a
// kernel container: the image, the startup command, and the resource limits
// derived from the kernel's reservation.
type KernelContainerSpec struct {
	KernelID string
	Image    string
	Command  []string
	Env      []string

	// CPUQuota is the number of cores (possibly fractional) the container
	// may use, applied as a CFS quota. Zero means unlimited.
	CPUQuota float64
	// MemoryLimitBytes caps container memory. Zero means unlimited.
	MemoryLimitBytes int64
	// Devices are accelerator device nodes injected into the container.
	Devices []specs.LinuxDevice

	// Mounts bind host paths (the kernel scratch directory) into the
	// container.
	Mounts []specs.Mount

	// Labels are attached to the container so the agent can re-identify its
	// own containers after a process restart.
	Labels map[string]string
}

// ExitEvent describes a container's termination as observed by the runtime.
type ExitEvent struct {
	ContainerID ContainerID
	ExitCode    uint32
	OOMKilled   bool
	At          time.Time
}

// Status is the runtime's coarse view of a container.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// ExecResult is the outcome of a process executed inside a running
// container.
type ExecResult struct {
	ExitCode uint32
	Stdout   string
	Stderr   string
}

// ContainerInfo describes an existing container during restart
// reconciliation.
type ContainerInfo struct {
	ID     ContainerID
	Labels map[string]string
	Status Status
}

// ContainerRuntime is the container runtime collaborator consumed by the
// kernel lifecycle manager. Implementations must be safe for concurrent use.
type ContainerRuntime interface {
	// PullImage ensures the image is present locally, pulling if absent.
	PullImage(ctx context.Context, imageRef string) error

	// CreateContainer instantiates (but does not start) a kernel container.
	CreateContainer(ctx context.Context, spec KernelContainerSpec) (ContainerID, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, id ContainerID) error

	// WaitContainer returns a channel that delivers exactly one ExitEvent
	// when the container's task exits. Must be called on a running
	// container.
	WaitContainer(ctx context.Context, id ContainerID) (<-chan ExitEvent, error)

	// ExecProcess runs a command inside a running container and returns its
	// captured output. The context bounds the execution.
	ExecProcess(ctx context.Context, id ContainerID, cmd []string) (*ExecResult, error)

	// StopContainer stops a running container, SIGTERM first, SIGKILL after
	// the timeout.
	StopContainer(ctx context.Context, id ContainerID, timeout time.Duration) error

	// RemoveContainer deletes the container and its snapshot. Removing an
	// already-removed container is not an error.
	RemoveContainer(ctx context.Context, id ContainerID) error

	// ContainerStatus reports the container's current state.
	ContainerStatus(ctx context.Context, id ContainerID) (Status, error)

	// ListContainers enumerates the containers in the agent's namespace,
	// with labels, for restart reconciliation.
	ListContainers(ctx context.Context) ([]ContainerInfo, error)

	// Close releases the runtime connection.
	Close() error
}
