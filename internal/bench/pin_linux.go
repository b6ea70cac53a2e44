//go:build linux

package bench

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"unsafe"

	linuxproc "github.com/c9s/goprocinfo/linux"
	"golang.org/x/sys/unix"
)

// elevatedNice is the nice value given to the worker thread.
const elevatedNice = -10

// maxCores is the number of processors a unix.CPUSet can address.
var maxCores = int(unsafe.Sizeof(unix.CPUSet{})) * 8

// linuxPinner pins with sched_setaffinity and raises priority with
// setpriority. The worker thread is identified by diffing the set of
// elevated threads in /proc/self/task around the priority change.
type linuxPinner struct {
	logger  *slog.Logger
	taskDir string
	cpuinfo string
}

// NewPinner returns the Linux pinner.
func NewPinner(logger *slog.Logger) Pinner {
	return &linuxPinner{
		logger:  logger,
		taskDir: "/proc/self/task",
		cpuinfo: "/proc/cpuinfo",
	}
}

// DefaultCore returns the last logical processor listed in /proc/cpuinfo.
func (p *linuxPinner) DefaultCore() int {
	info, err := linuxproc.ReadCPUInfo(p.cpuinfo)
	if err != nil || len(info.Processors) == 0 {
		return runtime.NumCPU() - 1
	}
	return int(info.Processors[len(info.Processors)-1].Id)
}

func (p *linuxPinner) Pin(core int) (func(), error) {
	if core < 0 || core >= maxCores {
		return nil, fmt.Errorf("core %d out of range", core)
	}
	self := unix.Gettid()

	before, err := p.elevated()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	prevNice, err := p.nice(self)
	if err != nil {
		return nil, fmt.Errorf("read thread priority: %w", err)
	}

	target := self
	raised := false
	if err := unix.Setpriority(unix.PRIO_PROCESS, self, elevatedNice); err != nil {
		// Raising priority needs CAP_SYS_NICE; pin anyway.
		p.logger.Debug("could not raise worker priority", "tid", self, "error", err)
	} else {
		raised = true
		after, err := p.elevated()
		if err != nil {
			return nil, fmt.Errorf("list threads: %w", err)
		}
		var fresh []int
		for tid := range after {
			if !before[tid] {
				fresh = append(fresh, tid)
			}
		}
		switch {
		case len(fresh) > 1:
			_ = unix.Setpriority(unix.PRIO_PROCESS, self, prevNice)
			return nil, fmt.Errorf("%w: %d new elevated threads", ErrAmbiguousWorker, len(fresh))
		case len(fresh) == 1:
			target = fresh[0]
		}
	}

	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(target, &prev); err != nil {
		return nil, fmt.Errorf("get affinity: %w", err)
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(target, &set); err != nil {
		if raised {
			_ = unix.Setpriority(unix.PRIO_PROCESS, self, prevNice)
		}
		return nil, fmt.Errorf("set affinity to core %d: %w", core, err)
	}

	return func() {
		if err := unix.SchedSetaffinity(target, &prev); err != nil {
			p.logger.Warn("failed to restore affinity", "tid", target, "error", err)
		}
		if raised {
			if err := unix.Setpriority(unix.PRIO_PROCESS, self, prevNice); err != nil && !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EACCES) {
				p.logger.Warn("failed to restore priority", "tid", self, "error", err)
			}
		}
	}, nil
}

// elevated returns the IDs of threads in this process with a negative nice
// value.
func (p *linuxPinner) elevated() (map[int]bool, error) {
	entries, err := os.ReadDir(p.taskDir)
	if err != nil {
		return nil, err
	}
	out := make(map[int]bool)
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		stat, err := linuxproc.ReadProcessStat(filepath.Join(p.taskDir, e.Name(), "stat"))
		if err != nil {
			// Threads can exit between ReadDir and the read.
			continue
		}
		if stat.Nice < 0 {
			out[tid] = true
		}
	}
	return out, nil
}

func (p *linuxPinner) nice(tid int) (int, error) {
	stat, err := linuxproc.ReadProcessStat(filepath.Join(p.taskDir, strconv.Itoa(tid), "stat"))
	if err != nil {
		return 0, err
	}
	return int(stat.Nice), nil
}
