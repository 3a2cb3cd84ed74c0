package memory

import (
	"testing"

	"github.com/example/gpushare-scheduler/pkg/config"
)

func TestLimitReportsUsedAndLimit(t *testing.T) {
	rt := config.NewRuntime(100)
	limits := &config.Limits{MemLimit: 1000}
	rt.TryAllocate(400, limits.MemLimit)

	used, limit := Limit(rt, limits)
	if used != 400 || limit != 1000 {
		t.Errorf("Limit() = (%d, %d), want (400, 1000)", used, limit)
	}
}

func TestUpdateAllocateWithinLimit(t *testing.T) {
	rt := config.NewRuntime(100)
	limits := &config.Limits{MemLimit: 1000}

	if !Update(rt, limits, 600, true) {
		t.Fatalf("allocate within limit should succeed")
	}
	if rt.MemUsedSnapshot() != 600 {
		t.Errorf("MemUsedSnapshot() = %d, want 600", rt.MemUsedSnapshot())
	}
}

func TestUpdateAllocateExceedingLimitDenied(t *testing.T) {
	rt := config.NewRuntime(100)
	limits := &config.Limits{MemLimit: 1000}
	rt.TryAllocate(800, limits.MemLimit)

	if Update(rt, limits, 300, true) {
		t.Fatalf("allocate exceeding limit should be denied")
	}
	if rt.MemUsedSnapshot() != 800 {
		t.Errorf("MemUsedSnapshot() = %d, want 800 (unchanged after denial)", rt.MemUsedSnapshot())
	}
}

func TestUpdateAllocateExactlyAtLimitAllowed(t *testing.T) {
	rt := config.NewRuntime(100)
	limits := &config.Limits{MemLimit: 1000}

	if !Update(rt, limits, 1000, true) {
		t.Fatalf("allocate exactly at limit should succeed")
	}
}

func TestUpdateFreeWithSufficientBalance(t *testing.T) {
	rt := config.NewRuntime(100)
	limits := &config.Limits{MemLimit: 1000}
	rt.TryAllocate(500, limits.MemLimit)

	if !Update(rt, limits, 200, false) {
		t.Fatalf("free within balance should succeed")
	}
	if rt.MemUsedSnapshot() != 300 {
		t.Errorf("MemUsedSnapshot() = %d, want 300", rt.MemUsedSnapshot())
	}
}

func TestUpdateFreeMoreThanUsedDenied(t *testing.T) {
	rt := config.NewRuntime(100)
	limits := &config.Limits{MemLimit: 1000}
	rt.TryAllocate(100, limits.MemLimit)

	if Update(rt, limits, 200, false) {
		t.Fatalf("free exceeding mem_used should be denied")
	}
	if rt.MemUsedSnapshot() != 100 {
		t.Errorf("MemUsedSnapshot() = %d, want 100 (unchanged after denial)", rt.MemUsedSnapshot())
	}
}
