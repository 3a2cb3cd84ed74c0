// Package tokens implements the token table: the set of live leases,
// with a running sum of occupied SM partitions maintained alongside it
// so admission checks never need to re-sum the table.
//
// Grounded on GPUInfo.Usage's counter (gpupool.go), which is
// incremented/decremented in lockstep with a PodList of active holders —
// the same "occupancy counter beside a list of active holders" shape,
// here tracking a percent-sum instead of a fractional GPU-request sum.
package tokens

import (
	"container/list"
	"sync"
)

// Socket is the minimal interface the token table needs from a
// connection: just enough to send the initial quota reply.
type Socket interface {
	Send(quotaMs float64) error
}

// Token is an issued, unexpired lease.
type Token struct {
	Socket      Socket
	Client      string
	ReqID       uint64
	SMPartition int
	IssuedMs    int64
	ExpiresMs   int64
}

// Table is the token table. Every method takes the table's own mutex,
// so single calls are safe for concurrent use (metrics collection reads
// Occupied/Len from another goroutine). A sequence of calls is not
// atomic; in the running daemon only the scheduling loop's goroutine
// mutates the table.
type Table struct {
	mu       sync.Mutex
	byClient map[string]*list.Element
	order    *list.List // of *Token, insertion order
	occupied int
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		byClient: make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Insert adds a live Token and adds its SMPartition to the occupied
// total. The caller must already have verified the client isn't
// already present and that capacity headroom exists before calling.
func (t *Table) Insert(tok *Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el := t.order.PushBack(tok)
	t.byClient[tok.Client] = el
	t.occupied += tok.SMPartition
}

// Has reports whether client currently holds a live lease.
func (t *Table) Has(client string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byClient[client]
	return ok
}

// RemoveIfPresent removes client's token, if any, subtracting its
// partition from the occupied total, and returns it. Used for
// early-return detection: a fresh request from a client that still
// holds a token means that lease ended.
func (t *Table) RemoveIfPresent(client string) (*Token, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.byClient[client]
	if !ok {
		return nil, false
	}
	tok := el.Value.(*Token)
	t.order.Remove(el)
	delete(t.byClient, client)
	t.occupied -= tok.SMPartition
	return tok, true
}

// SweepExpired removes every token with ExpiresMs <= now, subtracts
// their partitions, and returns them.
func (t *Table) SweepExpired(now int64) []*Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*Token
	for e := t.order.Front(); e != nil; {
		next := e.Next()
		tok := e.Value.(*Token)
		if tok.ExpiresMs <= now {
			t.order.Remove(e)
			delete(t.byClient, tok.Client)
			t.occupied -= tok.SMPartition
			expired = append(expired, tok)
		}
		e = next
	}
	return expired
}

// NextExpiry returns the token with the minimum ExpiresMs, if any.
func (t *Table) NextExpiry() (*Token, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.order.Len() == 0 {
		return nil, false
	}
	min := t.order.Front().Value.(*Token)
	for e := t.order.Front().Next(); e != nil; e = e.Next() {
		if tok := e.Value.(*Token); tok.ExpiresMs < min.ExpiresMs {
			min = tok
		}
	}
	return min, true
}

// Occupied returns the sum of SM partitions currently held live.
func (t *Table) Occupied() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.occupied
}

// Len returns the number of live tokens, for metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
