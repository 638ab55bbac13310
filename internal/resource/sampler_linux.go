//go:build linux

package resource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ProcSampler reads CPU, memory, and disk usage from /proc and statfs.
// CPU usage is a delta between consecutive samples, so the first sample
// reports zero CPU.
type ProcSampler struct {
	includeRemovable bool

	mu       sync.Mutex
	prevIdle uint64
	prevBusy uint64
}

// NewSampler creates a sampler for the local host.
func NewSampler(includeRemovable bool) *ProcSampler {
	return &ProcSampler{includeRemovable: includeRemovable}
}

// Sample takes one snapshot of host usage.
func (s *ProcSampler) Sample(ctx context.Context) (*Sample, error) {
	smp := &Sample{At: time.Now()}

	cpu, err := s.sampleCPU()
	if err != nil {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}
	smp.CPUPercent = cpu

	mem, err := sampleMemory()
	if err != nil {
		return nil, fmt.Errorf("sample memory: %w", err)
	}
	smp.MemPercent = mem

	mounts, err := s.sampleMounts()
	if err != nil {
		return nil, fmt.Errorf("sample mounts: %w", err)
	}
	smp.Mounts = mounts

	return smp, nil
}

// sampleCPU computes busy time share since the previous call from the
// aggregate cpu line of /proc/stat.
func (s *ProcSampler) sampleCPU() (float64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat format")
	}

	var idle, busy uint64
	for i, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse /proc/stat field %d: %w", i, err)
		}
		// idle + iowait count as idle time
		if i == 3 || i == 4 {
			idle += v
		} else {
			busy += v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dIdle := idle - s.prevIdle
	dBusy := busy - s.prevBusy
	first := s.prevIdle == 0 && s.prevBusy == 0
	s.prevIdle, s.prevBusy = idle, busy

	if first || dIdle+dBusy == 0 {
		return 0, nil
	}
	return 100 * float64(dBusy) / float64(dBusy+dIdle), nil
}

func sampleMemory() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("MemTotal missing from /proc/meminfo")
	}
	return 100 * float64(total-available) / float64(total), nil
}

// sampleMounts walks /proc/mounts and statfs's each real filesystem.
func (s *ProcSampler) sampleMounts() ([]MountUsage, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]bool)
	var out []MountUsage

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		device, mountPoint, fsType := fields[0], fields[1], fields[2]

		if !strings.HasPrefix(device, "/dev/") {
			continue
		}
		if seen[device] {
			continue
		}
		seen[device] = true

		removable := isRemovable(device, mountPoint)
		if removable && !s.includeRemovable {
			continue
		}

		var st syscall.Statfs_t
		if err := syscall.Statfs(mountPoint, &st); err != nil {
			continue
		}
		total := st.Blocks * uint64(st.Bsize)
		if total == 0 {
			continue
		}
		free := st.Bavail * uint64(st.Bsize)

		out = append(out, MountUsage{
			Path:        mountPoint,
			Device:      device,
			FSType:      fsType,
			TotalBytes:  total,
			FreeBytes:   free,
			UsedPercent: 100 * float64(total-free) / float64(total),
			Removable:   removable,
		})
	}
	return out, scanner.Err()
}

// isRemovable applies device and mount-point heuristics for USB sticks and
// other hot-plug volumes.
func isRemovable(device, mountPoint string) bool {
	for _, prefix := range []string{"/media/", "/run/media/", "/mnt/usb"} {
		if strings.HasPrefix(mountPoint, prefix) {
			return true
		}
	}
	// /sys/block/<dev>/removable is "1" for removable block devices
	base := strings.TrimPrefix(device, "/dev/")
	base = strings.TrimRightFunc(base, func(r rune) bool { return r >= '0' && r <= '9' })
	if data, err := os.ReadFile("/sys/block/" + base + "/removable"); err == nil {
		return strings.TrimSpace(string(data)) == "1"
	}
	return false
}
