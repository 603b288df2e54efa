package accelerator

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/shopspring/decimal"

	"github.com/nokchalatte/backend.ai-agent/pkg/resource"
)

// SlotCUDA is the slot kind provided by the CUDA plugin.
const SlotCUDA resource.SlotName = "cuda.device"

var nvidiaDevPattern = regexp.MustCompile(`nvidia(\d+)$`)

// CUDAPlugin exposes NVIDIA GPUs as whole-device slots by enumerating the
// /dev/nvidia* character devices. Assignment picks the lowest-numbered free
// devices first.
type CUDAPlugin struct {
	devRoot string

	mu       sync.Mutex
	devices  []DeviceID
	assigned map[string][]DeviceID // kernel id -> devices
	inUse    map[DeviceID]string   // device -> kernel id
}

// NewCUDAPlugin creates the plugin. devRoot overrides /dev for tests.
func NewCUDAPlugin(devRoot string) *CUDAPlugin {
	if devRoot == "" {
		devRoot = "/dev"
	}
	return &CUDAPlugin{
		devRoot:  devRoot,
		assigned: make(map[string][]DeviceID),
		inUse:    make(map[DeviceID]string),
	}
}

func (p *CUDAPlugin) Name() resource.SlotName {
	return SlotCUDA
}

func (p *CUDAPlugin) Discover(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	matches, err := filepath.Glob(filepath.Join(p.devRoot, "nvidia*"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to scan %s: %w", p.devRoot, err)
	}

	var devices []DeviceID
	for _, path := range matches {
		m := nvidiaDevPattern.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			// nvidiactl, nvidia-uvm and friends are not compute devices.
			continue
		}
		devices = append(devices, DeviceID(m[1]))
	}
	sort.Slice(devices, func(i, j int) bool {
		a, _ := strconv.Atoi(string(devices[i]))
		b, _ := strconv.Atoi(string(devices[j]))
		return a < b
	})

	p.mu.Lock()
	p.devices = devices
	p.mu.Unlock()

	return decimal.NewFromInt(int64(len(devices))), nil
}

func (p *CUDAPlugin) Assign(ctx context.Context, kernelID string, count decimal.Decimal) ([]DeviceID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !count.IsInteger() || count.IsNegative() {
		return nil, fmt.Errorf("cuda devices must be requested in whole units, got %s", count)
	}
	want := int(count.IntPart())

	p.mu.Lock()
	defer p.mu.Unlock()

	var picked []DeviceID
	for _, dev := range p.devices {
		if len(picked) == want {
			break
		}
		if _, busy := p.inUse[dev]; busy {
			continue
		}
		picked = append(picked, dev)
	}
	if len(picked) < want {
		return nil, fmt.Errorf("requested %d cuda devices, only %d free", want, len(picked))
	}

	for _, dev := range picked {
		p.inUse[dev] = kernelID
	}
	p.assigned[kernelID] = picked
	return picked, nil
}

func (p *CUDAPlugin) Restore(kernelID string, ids []DeviceID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, dev := range ids {
		if owner, busy := p.inUse[dev]; busy && owner != kernelID {
			return fmt.Errorf("cuda device %s already held by kernel %s", dev, owner)
		}
	}
	for _, dev := range ids {
		p.inUse[dev] = kernelID
	}
	p.assigned[kernelID] = ids
	return nil
}

func (p *CUDAPlugin) Release(kernelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, dev := range p.assigned[kernelID] {
		delete(p.inUse, dev)
	}
	delete(p.assigned, kernelID)
}

func (p *CUDAPlugin) DeviceSpecs(ids []DeviceID) []specs.LinuxDevice {
	out := make([]specs.LinuxDevice, 0, len(ids)+2)
	for _, id := range ids {
		out = append(out, specs.LinuxDevice{
			Path: filepath.Join(p.devRoot, "nvidia"+string(id)),
			Type: "c",
		})
	}
	if len(ids) > 0 {
		// Control devices required alongside any compute device.
		out = append(out,
			specs.LinuxDevice{Path: filepath.Join(p.devRoot, "nvidiactl"), Type: "c"},
			specs.LinuxDevice{Path: filepath.Join(p.devRoot, "nvidia-uvm"), Type: "c"},
		)
	}
	return out
}
