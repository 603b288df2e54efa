package runtime

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"

	"github.com/nokchalatte/backend.ai-agent/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace for agent kernels
	DefaultNamespace = "backend-ai"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements ContainerRuntime using containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls a container image from a registry
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	return nil
}

// CreateContainer creates a kernel container with the reserved resource
// limits and accelerator devices injected into its OCI spec.
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec KernelContainerSpec) (ContainerID, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.MemoryLimitBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimitBytes)))
	}
	if spec.CPUQuota > 0 {
		// CFS quota over a 100ms period.
		const period = uint64(100000)
		quota := int64(spec.CPUQuota * float64(period))
		opts = append(opts, oci.WithCPUCFS(quota, period))
	}
	for _, dev := range spec.Devices {
		opts = append(opts, oci.WithLinuxDevice(dev.Path, "rwm"))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}

	containerID := spec.KernelID
	container, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return ContainerID(container.ID()), nil
}

// StartContainer starts a created container's task
func (r *ContainerdRuntime) StartContainer(ctx context.Context, id ContainerID) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, string(id))
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// WaitContainer subscribes to the container task's exit. The returned channel
// delivers exactly one ExitEvent. OOM kills surface as SIGKILL exits (137);
// the kernel manager classifies them using the container's memory limit.
func (r *ContainerdRuntime) WaitContainer(ctx context.Context, id ContainerID) (<-chan ExitEvent, error) {
	nsctx := namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(nsctx, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", id, err)
	}
	task, err := container.Task(nsctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get task for %s: %w", id, err)
	}
	statusC, err := task.Wait(nsctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait on task for %s: %w", id, err)
	}

	out := make(chan ExitEvent, 1)
	go func() {
		defer close(out)
		select {
		case status := <-statusC:
			code := status.ExitCode()
			out <- ExitEvent{
				ContainerID: id,
				ExitCode:    code,
				OOMKilled:   code == 137, // SIGKILL, typically the OOM killer under a memory limit
				At:          status.ExitTime(),
			}
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// ExecProcess runs a command inside a running container and captures its
// output
func (r *ContainerdRuntime) ExecProcess(ctx context.Context, id ContainerID, cmd []string) (*ExecResult, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", id, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get task for %s: %w", id, err)
	}

	ociSpec, err := container.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read container spec: %w", err)
	}
	pspec := ociSpec.Process
	pspec.Args = cmd
	pspec.Terminal = false

	execID := "exec-" + uuid.NewString()[:8]
	var stdout, stderr bytes.Buffer
	process, err := task.Exec(ctx, execID, pspec,
		cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return nil, fmt.Errorf("failed to exec in container %s: %w", id, err)
	}
	defer func() {
		if _, derr := process.Delete(namespaces.WithNamespace(context.Background(), r.namespace)); derr != nil {
			logger := log.WithComponent("runtime")
			logger.Warn().Err(derr).Str("exec_id", execID).Msg("failed to delete exec process")
		}
	}()

	statusC, err := process.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait on exec process: %w", err)
	}
	if err := process.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start exec process: %w", err)
	}

	select {
	case status := <-statusC:
		return &ExecResult{
			ExitCode: status.ExitCode(),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}, nil
	case <-ctx.Done():
		// Best effort: reap the runaway process before reporting timeout.
		_ = process.Kill(namespaces.WithNamespace(context.Background(), r.namespace), syscall.SIGKILL)
		return nil, ctx.Err()
	}
}

// StopContainer stops a running container, trying SIGTERM before SIGKILL
func (r *ContainerdRuntime) StopContainer(ctx context.Context, id ContainerID, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, string(id))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
		// Task exited.
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// RemoveContainer removes a container and its snapshot
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, id ContainerID) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, string(id))
	if err != nil {
		// Already gone.
		return nil
	}

	if err := r.StopContainer(ctx, id, 10*time.Second); err != nil {
		logger := log.WithComponent("runtime")
		logger.Warn().Err(err).Str("container_id", string(id)).
			Msg("failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// ContainerStatus returns the coarse status of a container
func (r *ContainerdRuntime) ContainerStatus(ctx context.Context, id ContainerID) (Status, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, string(id))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusUnknown, nil
		}
		return StatusUnknown, fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return StatusCreated, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return StatusUnknown, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return StatusRunning, nil
	case containerd.Stopped:
		return StatusStopped, nil
	case containerd.Created:
		return StatusCreated, nil
	default:
		return StatusUnknown, nil
	}
}

// ListContainers returns the agent's containers with their labels, used to
// re-identify kernels after a process restart
func (r *ContainerdRuntime) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read labels for %s: %w", c.ID(), err)
		}
		status, err := r.ContainerStatus(ctx, ContainerID(c.ID()))
		if err != nil {
			return nil, err
		}
		infos = append(infos, ContainerInfo{
			ID:     ContainerID(c.ID()),
			Labels: labels,
			Status: status,
		})
	}

	return infos, nil
}
