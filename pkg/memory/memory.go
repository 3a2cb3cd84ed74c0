// Package memory implements per-client byte-counter bookkeeping with
// limit enforcement, layered on top of the config registry's Runtime
// state.
//
// Grounded on GPUInfo.Mem/GPUInfo.Usage accounting in gpupool.go,
// which checks a proposed delta against a cap before
// committing it — the same admit-or-reject-before-commit shape applied
// here to a per-client byte counter instead of a per-GPU one.
package memory

import "github.com/example/gpushare-scheduler/pkg/config"

// Limit returns (mem_used, mem_limit) for a memory-limit query.
func Limit(rt *config.Runtime, limits *config.Limits) (used, limit uint64) {
	return rt.MemUsedSnapshot(), limits.MemLimit
}

// Update applies a memory-update request:
//
//	free (isAllocate == false): if mem_used >= bytes, subtract; else deny.
//	allocate (isAllocate == true): if mem_used+bytes <= mem_limit, add; else deny.
//
// It returns the verdict the caller replies to the client with.
func Update(rt *config.Runtime, limits *config.Limits, bytes uint64, isAllocate bool) (ok bool) {
	if isAllocate {
		return rt.TryAllocate(bytes, limits.MemLimit)
	}
	return rt.TryFree(bytes)
}
