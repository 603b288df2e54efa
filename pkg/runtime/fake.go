package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeRuntime is an in-memory ContainerRuntime for tests. Failures are
// scripted per call site; container exits are injected with InjectExit.
type FakeRuntime struct {
	mu sync.Mutex

	// Scripted failures. Each entry fails one call, consumed in order.
	PullErrs   []error
	CreateErrs []error
	StartErrs  []error

	// ExecResults are returned by ExecProcess in order; when exhausted a
	// zero-exit result is returned.
	ExecResults []*ExecResult

	// ExecDelay makes ExecProcess block, honoring context cancellation, to
	// simulate long-running kernel code.
	ExecDelay time.Duration

	containers map[ContainerID]*fakeContainer
	nextSerial int

	// Call log for assertions.
	Pulled  []string
	Stopped []ContainerID
	Removed []ContainerID
}

type fakeContainer struct {
	spec    KernelContainerSpec
	status  Status
	waiters []chan ExitEvent
}

// NewFakeRuntime returns an empty fake.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{containers: make(map[ContainerID]*fakeContainer)}
}

func (f *FakeRuntime) popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *FakeRuntime) PullImage(ctx context.Context, imageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(&f.PullErrs); err != nil {
		return err
	}
	f.Pulled = append(f.Pulled, imageRef)
	return nil
}

func (f *FakeRuntime) CreateContainer(ctx context.Context, spec KernelContainerSpec) (ContainerID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(&f.CreateErrs); err != nil {
		return "", err
	}
	f.nextSerial++
	id := ContainerID(fmt.Sprintf("%s-c%d", spec.KernelID, f.nextSerial))
	f.containers[id] = &fakeContainer{spec: spec, status: StatusCreated}
	return id, nil
}

func (f *FakeRuntime) StartContainer(ctx context.Context, id ContainerID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(&f.StartErrs); err != nil {
		return err
	}
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.status = StatusRunning
	return nil
}

func (f *FakeRuntime) WaitContainer(ctx context.Context, id ContainerID) (<-chan ExitEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s", id)
	}
	ch := make(chan ExitEvent, 1)
	c.waiters = append(c.waiters, ch)
	return ch, nil
}

// InjectExit simulates the container's process exiting on its own.
func (f *FakeRuntime) InjectExit(id ContainerID, exitCode uint32, oom bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return
	}
	c.status = StatusStopped
	ev := ExitEvent{ContainerID: id, ExitCode: exitCode, OOMKilled: oom, At: time.Now()}
	for _, ch := range c.waiters {
		ch <- ev
		close(ch)
	}
	c.waiters = nil
}

func (f *FakeRuntime) ExecProcess(ctx context.Context, id ContainerID, cmd []string) (*ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	delay := f.ExecDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s", id)
	}
	if c.status != StatusRunning {
		return nil, fmt.Errorf("container %s is not running", id)
	}
	if len(f.ExecResults) > 0 {
		res := f.ExecResults[0]
		f.ExecResults = f.ExecResults[1:]
		return res, nil
	}
	return &ExecResult{ExitCode: 0}, nil
}

func (f *FakeRuntime) StopContainer(ctx context.Context, id ContainerID, timeout time.Duration) error {
	f.mu.Lock()
	c, ok := f.containers[id]
	if !ok {
		f.mu.Unlock()
		return nil
	}
	c.status = StatusStopped
	f.Stopped = append(f.Stopped, id)
	waiters := c.waiters
	c.waiters = nil
	f.mu.Unlock()

	ev := ExitEvent{ContainerID: id, ExitCode: 0, At: time.Now()}
	for _, ch := range waiters {
		ch <- ev
		close(ch)
	}
	return nil
}

func (f *FakeRuntime) RemoveContainer(ctx context.Context, id ContainerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.Removed = append(f.Removed, id)
	return nil
}

func (f *FakeRuntime) ContainerStatus(ctx context.Context, id ContainerID) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return StatusUnknown, nil
	}
	return c.status, nil
}

func (f *FakeRuntime) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]ContainerInfo, 0, len(f.containers))
	for id, c := range f.containers {
		infos = append(infos, ContainerInfo{ID: id, Labels: c.spec.Labels, Status: c.status})
	}
	return infos, nil
}

// AddExisting seeds a container as if it survived a previous agent process.
func (f *FakeRuntime) AddExisting(id ContainerID, labels map[string]string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &fakeContainer{
		spec:   KernelContainerSpec{Labels: labels},
		status: status,
	}
}

func (f *FakeRuntime) Close() error { return nil }
