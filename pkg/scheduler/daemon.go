// Package scheduler implements the scheduling daemon: the
// single-threaded loop that selects candidates, issues quota tokens,
// and sleeps until the next interesting event. This is the central
// algorithm of the whole system.
//
// Grounded on Controller.Run's single-goroutine work-queue loop
// (devicemanager/controller.go's "for c.processNextWorkItem() {}"
// driven by a Kubernetes workqueue), generalized from a workqueue to
// this package's own request queue, and on pkg/scheduler/score.go's
// style of small, pure comparison/scoring functions for the priority
// order.
package scheduler

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/gpushare-scheduler/pkg/clock"
	"github.com/example/gpushare-scheduler/pkg/config"
	"github.com/example/gpushare-scheduler/pkg/history"
	"github.com/example/gpushare-scheduler/pkg/lib/set"
	"github.com/example/gpushare-scheduler/pkg/protocol"
	"github.com/example/gpushare-scheduler/pkg/queue"
	"github.com/example/gpushare-scheduler/pkg/quota"
	"github.com/example/gpushare-scheduler/pkg/tokens"
)

const (
	// SMGlobalLimit is the cap on summed live SM partitions.
	SMGlobalLimit = 100

	// MaxWaitHintMs caps how long candidate selection sleeps when no
	// candidate is currently valid.
	MaxWaitHintMs = 2000

	// SendRetryAttempts is the bounded retry count for a quota reply
	// send failure: retry this many times, then drop.
	SendRetryAttempts = 5

	// SendRetryPause is the spacing between retry attempts.
	SendRetryPause = 10 * time.Millisecond
)

// Daemon is the scheduling daemon. It owns no sockets — Insert only
// keeps a Socket reference long enough to send the initial quota reply
// — and all of its state is reached through the shared component
// handles passed to New, a single owned value rather than package-level
// state.
type Daemon struct {
	log     *logrus.Logger
	clock   clock.Clock
	cfg     *config.Registry
	hist    *history.History
	queue   *queue.Queue
	tokens  *tokens.Table
	windowMillis float64
}

// New constructs a Daemon over the given shared components. windowMillis
// is the configured sliding window size.
func New(log *logrus.Logger, clk clock.Clock, cfg *config.Registry, hist *history.History, q *queue.Queue, tt *tokens.Table, windowMillis float64) *Daemon {
	return &Daemon{log: log, clock: clk, cfg: cfg, hist: hist, queue: q, tokens: tt, windowMillis: windowMillis}
}

// Run executes the scheduling loop until ctx is cancelled. It never
// returns nil; ctx.Err() is returned on clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	for {
		now := d.clock.NowMillis()
		d.tokens.SweepExpired(now) // step 2

		admitted, err := d.selectAndAdmit(ctx) // step 3
		if err != nil {
			return err
		}

		d.issue(admitted) // step 4

		d.tokens.SweepExpired(d.clock.NowMillis()) // step 5: explicit second sweep after issuance

		if err := d.waitForNextEvent(ctx); err != nil { // step 6
			return err
		}
	}
}

// admission is a candidate that survived selection, still carrying its
// queue.Request id and reply function so issue() can remove it from
// the queue and answer it.
type admission struct {
	candidate
	reply queue.ReplyFunc
	orig  queue.Request
}

// selectAndAdmit runs candidate selection to completion, including its
// two internal "restart selection" sleep loops (no valid candidate; SM
// saturated). It only returns once it has at least one admitted
// candidate, having already removed those candidates from the request
// queue.
func (d *Daemon) selectAndAdmit(ctx context.Context) ([]admission, error) {
	for {
		now := d.clock.NowMillis()
		windowStart := now - int64(d.windowMillis)
		if windowStart < 0 {
			windowStart = 0 // process just started: effective window shrinks to now
		}
		d.hist.Prune(windowStart)
		usage := d.hist.UsageInWindow(windowStart, now)

		pending := d.queue.Snapshot()
		valid := make([]candidate, 0, len(pending))
		byReqID := make(map[uint64]queue.Request, len(pending))
		waitHint := math.Inf(1)

		for _, r := range pending {
			// A request from a client still holding a token is that
			// client's early return: free the lease now so this same
			// pass can consider the client for its next grant.
			if tok, ok := d.tokens.RemoveIfPresent(r.Client); ok {
				d.log.Debugf("scheduler: early return from %q, freeing sm_partition=%d", r.Client, tok.SMPartition)
			}

			limits, _, ok := d.cfg.Get(r.Client)
			if !ok {
				d.log.Warnf("scheduler: dropping request from unregistered client %q", r.Client)
				d.queue.RemoveByID(r.ID)
				continue
			}
			u := usage[r.Client]
			limit := limits.MaxFrac * d.windowMillis
			require := limits.MinFrac * d.windowMillis
			remaining := limit - u
			missing := require - u

			if remaining > 0 {
				byReqID[r.ID] = r
				valid = append(valid, candidate{
					reqID:       r.ID,
					client:      r.Client,
					arrivedMs:   r.ArrivedMs,
					smPartition: limits.SMPartition,
					usage:       u,
					remaining:   remaining,
					missing:     missing,
				})
			} else if -remaining < waitHint {
				waitHint = -remaining
			}
		}

		if len(valid) == 0 {
			if err := d.sleep(ctx, waitDuration(waitHint)); err != nil {
				return nil, err
			}
			continue
		}

		sort.Slice(valid, func(i, j int) bool { return less(valid[i], valid[j]) })

		occupied := d.tokens.Occupied()
		admittedClients := set.New()
		admitted := make([]admission, 0, len(valid))
		for _, c := range valid {
			// A client can have more than one pending request queued
			// (a retry racing its original send); admitting both in the
			// same pass would double-issue a token for that client and
			// violate the one-live-lease-per-client invariant.
			if admittedClients.Contains(c.client) {
				continue
			}
			if occupied+c.smPartition > SMGlobalLimit {
				continue
			}
			occupied += c.smPartition
			admittedClients.Add(c.client)
			r := byReqID[c.reqID]
			admitted = append(admitted, admission{candidate: c, reply: r.Reply, orig: r})
		}

		if len(admitted) == 0 {
			// SM saturated: sleep until the oldest history entry falls
			// out of the window, or a new request arrives.
			wait := time.Duration(MaxWaitHintMs) * time.Millisecond
			if end, ok := d.hist.OldestEnd(); ok {
				if d := end - windowStart; d > 0 {
					wait = time.Duration(d) * time.Millisecond
				} else {
					wait = 0
				}
			}
			if err := d.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		for _, a := range admitted {
			d.queue.RemoveByID(a.reqID)
		}
		return admitted, nil
	}
}

func waitDuration(hintMs float64) time.Duration {
	if math.IsInf(hintMs, 1) || hintMs > MaxWaitHintMs {
		hintMs = MaxWaitHintMs
	}
	if hintMs < 0 {
		hintMs = 0
	}
	return time.Duration(hintMs) * time.Millisecond
}

// sleep blocks until dur elapses, the queue is modified/notified, or
// ctx is cancelled — the Go equivalent of a timed condition-variable
// wait: select composes a timeout with the queue's wake channel
// without polling.
func (d *Daemon) sleep(ctx context.Context, dur time.Duration) error {
	if dur < 0 {
		dur = 0
	}
	wake := d.queue.WakeChan()
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-wake:
		return nil
	}
}

// issue processes each admitted candidate, in priority order: compute
// its quota, record a provisional history entry, reply, and insert a
// token.
func (d *Daemon) issue(admitted []admission) {
	now := d.clock.NowMillis()
	for _, a := range admitted {
		limits, rt, ok := d.cfg.Get(a.client)
		if !ok {
			// Registry changed underneath us between selection and
			// issuance (a concurrent reload dropped this client).
			// Leave it dropped; it will re-request and be treated as
			// an unknown client on the next pass.
			d.log.Warnf("scheduler: client %q vanished from registry before issuance", a.client)
			continue
		}

		q := quota.Next(rt.Burst(), rt.Quota(), limits.BaseQuota, limits.MinQuota, limits.MaxQuota)
		rt.SetQuota(q)

		expires := now + int64(q)
		d.hist.Record(a.client, now, expires)

		if a.reply != nil {
			err := protocol.MultipleAttempt(SendRetryAttempts, SendRetryPause, func() error {
				return a.reply(q)
			})
			if err != nil {
				// Give up, leave state consistent. The token is still
				// inserted below — the client will time out and
				// reconnect, and the stale token expires on its own.
				d.log.Warnf("scheduler: giving up replying to %q after %d attempts: %v", a.client, SendRetryAttempts, err)
			}
		}

		d.tokens.Insert(&tokens.Token{
			Socket:      socketAdapter{a.reply},
			Client:      a.client,
			ReqID:       a.orig.ReqID,
			SMPartition: a.smPartition,
			IssuedMs:    now,
			ExpiresMs:   expires,
		})
	}
}

// socketAdapter satisfies tokens.Socket in terms of the same ReplyFunc
// the request queue carries, so the token table never needs to know
// about net.Conn.
type socketAdapter struct {
	reply queue.ReplyFunc
}

func (s socketAdapter) Send(quotaMs float64) error {
	if s.reply == nil {
		return nil
	}
	return s.reply(quotaMs)
}

// waitForNextEvent waits until the earlier of the next token's expiry
// or a new request queue arrival that either is an early return for a
// client already in the token table, or fits within remaining SM
// headroom right now. Any other wake (spurious, or a request that
// still doesn't fit) re-waits until the same expiry.
func (d *Daemon) waitForNextEvent(ctx context.Context) error {
	for {
		now := d.clock.NowMillis()
		next, ok := d.tokens.NextExpiry()

		var timer *time.Timer
		var timerC <-chan time.Time
		if ok {
			remain := time.Duration(next.ExpiresMs-now) * time.Millisecond
			if remain < 0 {
				remain = 0
			}
			timer = time.NewTimer(remain)
			timerC = timer.C
		}

		wake := d.queue.WakeChan()
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-timerC:
			return nil // expiry reached; caller's next sweep reclaims it
		case <-wake:
			if timer != nil {
				timer.Stop()
			}
			if d.fittingRequestPending() {
				return nil
			}
			// spurious wakeup or a request that still doesn't fit:
			// loop and re-wait until the same (or updated) expiry.
		}
	}
}

// fittingRequestPending reports whether any currently pending request
// is either an early return (its client already holds a Token) or has
// SM headroom to be admitted immediately.
func (d *Daemon) fittingRequestPending() bool {
	occupied := d.tokens.Occupied()
	for _, r := range d.queue.Snapshot() {
		if d.tokens.Has(r.Client) {
			return true
		}
		if limits, _, ok := d.cfg.Get(r.Client); ok && occupied+limits.SMPartition <= SMGlobalLimit {
			return true
		}
	}
	return false
}
