package kernel

import (
	"context"
	"fmt"

	"github.com/nokchalatte/backend.ai-agent/pkg/accelerator"
	"github.com/nokchalatte/backend.ai-agent/pkg/resource"
	"github.com/nokchalatte/backend.ai-agent/pkg/runtime"
)

// Reconcile rebuilds the manager's in-memory state after an agent process
// restart. Persisted kernel records are matched against the containers the
// runtime still knows about: kernels whose container is still running are
// adopted (slots re-reserved, devices re-bound, exit monitor re-attached);
// everything else is torn down and reported as terminated. Must be called
// before the RPC server starts accepting commands.
func (m *Manager) Reconcile(ctx context.Context) error {
	recs, err := m.store.List()
	if err != nil {
		return fmt.Errorf("failed to load kernel records: %w", err)
	}
	containers, err := m.rt.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	byKernel := make(map[string]runtime.ContainerInfo)
	for _, c := range containers {
		if id := c.Labels[KernelIDLabel]; id != "" {
			byKernel[id] = c
		}
	}

	for _, rec := range recs {
		info, found := byKernel[rec.ID]
		delete(byKernel, rec.ID)

		alive := found &&
			string(info.ID) == rec.ContainerID &&
			info.Status == runtime.StatusRunning &&
			rec.State == StateRunning.String()

		if alive {
			if err := m.adopt(ctx, rec); err != nil {
				m.logger.Warn().Err(err).Str("kernel_id", rec.ID).
					Msg("could not adopt surviving kernel, tearing it down")
				m.teardownStale(ctx, rec.ID, info.ID)
			}
			continue
		}

		// The kernel was mid-lifecycle or its container is gone. Clean up
		// whatever is left and report the loss.
		m.logger.Info().Str("kernel_id", rec.ID).Str("recorded_state", rec.State).
			Msg("cleaning up kernel that did not survive agent restart")
		if found {
			m.teardownStale(ctx, rec.ID, info.ID)
		} else {
			if err := m.store.Delete(rec.ID); err != nil {
				m.logger.Error().Err(err).Str("kernel_id", rec.ID).Msg("failed to delete stale kernel record")
			}
		}
		// Kernels whose record is already terminal were reported before the
		// restart; a second terminal event would contradict the first.
		if rec.State != StateTerminated.String() && rec.State != StateError.String() {
			m.emitLost(rec.ID)
		}
	}

	// Containers carrying our label but unknown to the store are orphans
	// from a crash between container creation and record persistence.
	for id, info := range byKernel {
		m.logger.Warn().Str("kernel_id", id).Str("container_id", string(info.ID)).
			Msg("removing orphaned kernel container")
		m.removeContainer(ctx, info.ID)
	}

	m.logger.Info().Int("adopted", len(m.kernels)).Msg("kernel reconciliation complete")
	return nil
}

// adopt re-registers one surviving kernel: reservation, accelerator devices,
// exit monitor.
func (m *Manager) adopt(ctx context.Context, rec *Record) error {
	slots, err := resource.SlotSetFromStringMap(rec.Occupied)
	if err != nil {
		return fmt.Errorf("corrupt occupied slots: %w", err)
	}
	res, err := m.registry.Restore(slots)
	if err != nil {
		return err
	}

	devices, err := m.restoreDevices(ctx, rec)
	if err != nil {
		m.registry.Release(res)
		return err
	}

	cid := runtime.ContainerID(rec.ContainerID)
	exitCh, err := m.rt.WaitContainer(context.Background(), cid)
	if err != nil {
		for slot := range devices {
			if p, ok := m.plugins.Get(slot); ok {
				p.Release(rec.ID)
			}
		}
		m.registry.Release(res)
		return fmt.Errorf("failed to watch adopted container: %w", err)
	}

	now := m.cfg.Clock.Now()
	k := &Kernel{
		ID: rec.ID,
		Request: Request{
			KernelID:  rec.ID,
			Image:     rec.Image,
			Command:   rec.Command,
			Env:       rec.Env,
			Resources: slots,
		},
		State:        StateRunning,
		ContainerID:  cid,
		reservation:  res,
		devices:      devices,
		CreatedAt:    rec.CreatedAt,
		LastActivity: now,
		containerGen: 1,
	}

	m.mu.Lock()
	m.kernels[rec.ID] = k
	m.mu.Unlock()

	m.wg.Add(1)
	go m.monitor(rec.ID, 1, exitCh)

	m.logger.Info().Str("kernel_id", rec.ID).Str("container_id", rec.ContainerID).
		Msg("adopted surviving kernel")
	return nil
}

func (m *Manager) restoreDevices(ctx context.Context, rec *Record) (map[resource.SlotName][]accelerator.DeviceID, error) {
	if len(rec.Devices) == 0 {
		return nil, nil
	}
	devices := make(map[resource.SlotName][]accelerator.DeviceID, len(rec.Devices))
	var restored []resource.SlotName

	for slotName, idStrs := range rec.Devices {
		slot := resource.SlotName(slotName)
		p, ok := m.plugins.Get(slot)
		if !ok {
			m.rollbackDevices(rec.ID, restored)
			return nil, fmt.Errorf("no plugin for recorded slot %q", slotName)
		}
		ids := make([]accelerator.DeviceID, len(idStrs))
		for i, s := range idStrs {
			ids[i] = accelerator.DeviceID(s)
		}
		if err := p.Restore(rec.ID, ids); err != nil {
			m.rollbackDevices(rec.ID, restored)
			return nil, fmt.Errorf("failed to restore %s devices: %w", slotName, err)
		}
		devices[slot] = ids
		restored = append(restored, slot)
	}
	return devices, nil
}

func (m *Manager) rollbackDevices(kernelID string, slots []resource.SlotName) {
	for _, slot := range slots {
		if p, ok := m.plugins.Get(slot); ok {
			p.Release(kernelID)
		}
	}
}

// teardownStale removes a container and record for a kernel that cannot be
// adopted.
func (m *Manager) teardownStale(ctx context.Context, kernelID string, cid runtime.ContainerID) {
	m.removeContainer(ctx, cid)
	if err := m.store.Delete(kernelID); err != nil {
		m.logger.Error().Err(err).Str("kernel_id", kernelID).Msg("failed to delete stale kernel record")
	}
}

func (m *Manager) removeContainer(ctx context.Context, cid runtime.ContainerID) {
	callCtx, cancel := m.runtimeCtx(ctx)
	if err := m.rt.StopContainer(callCtx, cid, stopTimeout); err != nil {
		m.logger.Warn().Err(err).Str("container_id", string(cid)).Msg("stop failed during reconciliation")
	}
	cancel()
	callCtx, cancel = m.runtimeCtx(ctx)
	if err := m.rt.RemoveContainer(callCtx, cid); err != nil {
		m.logger.Warn().Err(err).Str("container_id", string(cid)).Msg("removal failed during reconciliation")
	}
	cancel()
}

// emitLost reports a kernel that died while the agent was down.
func (m *Manager) emitLost(kernelID string) {
	k := &Kernel{ID: kernelID}
	m.mu.Lock()
	m.emitLocked(k, eventFor(StateTerminated), "agent-restart", true, nil)
	m.mu.Unlock()
}
