//go:build linux

package bench

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

const cpuinfoFixture = `processor	: 0
vendor_id	: GenuineIntel
model name	: Test CPU
core id		: 0

processor	: 1
vendor_id	: GenuineIntel
model name	: Test CPU
core id		: 1

processor	: 2
vendor_id	: GenuineIntel
model name	: Test CPU
core id		: 2

`

func TestDefaultCoreIsLastProcessor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpuinfo")
	if err := os.WriteFile(path, []byte(cpuinfoFixture), 0o644); err != nil {
		t.Fatalf("write cpuinfo: %v", err)
	}
	p := &linuxPinner{logger: slog.New(slog.DiscardHandler), cpuinfo: path}
	if got := p.DefaultCore(); got != 2 {
		t.Errorf("DefaultCore = %d, want 2", got)
	}
}

func TestDefaultCoreFallsBackToNumCPU(t *testing.T) {
	p := &linuxPinner{logger: slog.New(slog.DiscardHandler), cpuinfo: filepath.Join(t.TempDir(), "missing")}
	if got := p.DefaultCore(); got != runtime.NumCPU()-1 {
		t.Errorf("DefaultCore = %d, want %d", got, runtime.NumCPU()-1)
	}
}

func TestPinRejectsOutOfRangeCore(t *testing.T) {
	p := NewPinner(slog.New(slog.DiscardHandler))
	for _, core := range []int{-1, maxCores} {
		if _, err := p.Pin(core); err == nil {
			t.Errorf("Pin(%d) should fail", core)
		}
	}
	if maxCores < 64 {
		t.Errorf("maxCores = %d, want at least 64", maxCores)
	}
}

func TestElevatedListsOwnThreads(t *testing.T) {
	p := NewPinner(slog.New(slog.DiscardHandler)).(*linuxPinner)
	if _, err := p.elevated(); err != nil {
		t.Fatalf("elevated: %v", err)
	}
}
