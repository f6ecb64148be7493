package inventory

import (
	"context"
	"time"

	"github.com/AccessibleAI/gpu-sentry/pkg/nvmlutils"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

var MB uint64 = 1024 * 1024

// ProcessEntry is a single GPU compute process as observed by the device
// subsystem. Entries are produced fresh on every snapshot and are never
// cached across cycles.
type ProcessEntry struct {
	Pid         int32
	DeviceIndex int
	DeviceUUID  string
	MemoryBytes uint64
	ObservedAt  time.Time
}

// Device describes one GPU unit, used by the status surface only.
type Device struct {
	Index       int
	UUID        string
	MemoryTotal uint64
	MemoryUsed  uint64
}

// Reader returns the current set of GPU compute processes. Any failure
// means the whole cycle must be aborted: acting on a partial inventory
// risks terminating legitimate work.
type Reader interface {
	Snapshot(ctx context.Context) ([]ProcessEntry, error)
	Devices(ctx context.Context) ([]Device, error)
}

type NvmlReader struct{}

func NewNvmlReader() (*NvmlReader, error) {
	if err := nvmlutils.Init(); err != nil {
		return nil, err
	}
	return &NvmlReader{}, nil
}

func (r *NvmlReader) Close() {
	nvmlutils.Shutdown()
}

func (r *NvmlReader) Snapshot(ctx context.Context) ([]ProcessEntry, error) {
	count, ret := nvml.DeviceGetCount()
	if err := nvmlutils.Check(ret); err != nil {
		return nil, err
	}
	now := time.Now()
	var entries []ProcessEntry
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if err := nvmlutils.Check(ret); err != nil {
			return nil, err
		}
		uuid, ret := device.GetUUID()
		if err := nvmlutils.Check(ret); err != nil {
			return nil, err
		}
		processes, ret := device.GetComputeRunningProcesses()
		if err := nvmlutils.Check(ret); err != nil {
			return nil, err
		}
		for _, p := range processes {
			entries = append(entries, ProcessEntry{
				Pid:         int32(p.Pid),
				DeviceIndex: i,
				DeviceUUID:  uuid,
				MemoryBytes: p.UsedGpuMemory,
				ObservedAt:  now,
			})
		}
	}
	return entries, nil
}

func (r *NvmlReader) Devices(ctx context.Context) ([]Device, error) {
	count, ret := nvml.DeviceGetCount()
	if err := nvmlutils.Check(ret); err != nil {
		return nil, err
	}
	var devices []Device
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if err := nvmlutils.Check(ret); err != nil {
			return nil, err
		}
		uuid, ret := device.GetUUID()
		if err := nvmlutils.Check(ret); err != nil {
			return nil, err
		}
		memory, ret := device.GetMemoryInfo()
		if err := nvmlutils.Check(ret); err != nil {
			return nil, err
		}
		devices = append(devices, Device{
			Index:       i,
			UUID:        uuid,
			MemoryTotal: memory.Total,
			MemoryUsed:  memory.Used,
		})
	}
	return devices, nil
}
