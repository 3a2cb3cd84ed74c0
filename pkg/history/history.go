// Package history implements the usage history sliding window: a log
// of granted (client, start, end) intervals, pruned lazily against the
// window and aggregated per client on demand.
//
// Grounded on GPUInfo.PodList (container/list.List guarded by a mutex,
// linear scan for find/remove); here the list holds Entry values
// ordered by start time instead of PodRequest values.
package history

import (
	"container/list"
	"sync"
)

// Entry is a granted lease interval.
type Entry struct {
	Client string
	Start  int64
	End    int64
}

// History is the usage history component. All methods are safe for
// concurrent use, but callers that need selection and issuance to be
// atomic must hold their own outer lock around a sequence of calls,
// since History's own lock is only held per-method.
type History struct {
	mu      sync.Mutex
	entries *list.List // of *Entry, ordered by Start ascending
}

// New returns an empty History.
func New() *History {
	return &History{entries: list.New()}
}

// Record appends a new entry, created at the moment a token is issued,
// with its nominal end.
func (h *History) Record(client string, start, end int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries.PushBack(&Entry{Client: client, Start: start, End: end})
}

// Prune discards entries whose End is before windowStart.
func (h *History) Prune(windowStart int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(windowStart)
}

func (h *History) pruneLocked(windowStart int64) {
	for e := h.entries.Front(); e != nil; {
		next := e.Next()
		if e.Value.(*Entry).End < windowStart {
			h.entries.Remove(e)
		}
		e = next
	}
}

// AmendLast corrects the most recently recorded entry for client so
// that End := min(now, End + overuse). overuse may be negative (the
// client returned its lease early). If no entry exists for client, this
// is a no-op — the client sent an unexpected early REQ_QUOTA with no
// matching grant, which the caller should already have logged.
func (h *History) AmendLast(client string, overuse float64, now int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for e := h.entries.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(*Entry)
		if entry.Client == client {
			adjusted := entry.End + int64(overuse)
			if adjusted > now {
				adjusted = now
			}
			entry.End = adjusted
			return
		}
	}
}

// UsageInWindow sums, per client, entry.End - max(entry.Start,
// windowStart) over entries with End >= windowStart (entries with End
// before windowStart are discarded). windowEnd is accepted for the
// caller's symmetry with Prune/Record but does not otherwise bound the
// sum: callers only ever pass the current clock value as windowEnd,
// and entries are only ever recorded with Start at or before that same
// value, so no entry can start past it.
func (h *History) UsageInWindow(windowStart, windowEnd int64) map[string]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	usage := make(map[string]float64)
	for e := h.entries.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*Entry)
		if entry.End < windowStart {
			continue
		}
		start := entry.Start
		if start < windowStart {
			start = windowStart
		}
		if entry.End > start {
			usage[entry.Client] += float64(entry.End - start)
		}
	}
	return usage
}

// OldestEnd returns the End of the earliest still-relevant entry (the
// one a full prune at windowStart would remove next), and whether any
// entry exists. Used to compute a sleep duration equal to the time
// until the oldest relevant history entry falls out of the window.
func (h *History) OldestEnd() (end int64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	front := h.entries.Front()
	if front == nil {
		return 0, false
	}
	oldest := front.Value.(*Entry)
	for e := front.Next(); e != nil; e = e.Next() {
		if entry := e.Value.(*Entry); entry.End < oldest.End {
			oldest = entry
		}
	}
	return oldest.End, true
}

// Len reports the number of entries currently retained, for tests and metrics.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries.Len()
}
