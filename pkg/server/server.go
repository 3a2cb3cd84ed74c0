// Package server implements the connection handler pool: one task per
// accepted client socket, translating wire requests into calls on the
// config registry, usage history, memory ledger, and request queue,
// and writing responses back.
//
// Grounded on configclient.Run/recvRequest's loop (a
// bufio.Reader driving a read-dispatch-loop over a single persistent
// connection) and its writeStringToConn/sendHeartbeat pattern for
// writes, generalized from one long-lived client connection to a pool
// of them, one goroutine per accepted socket, dispatching on the
// binary frame's message type instead of a string prefix.
package server

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/gpushare-scheduler/pkg/clock"
	"github.com/example/gpushare-scheduler/pkg/config"
	"github.com/example/gpushare-scheduler/pkg/history"
	"github.com/example/gpushare-scheduler/pkg/memory"
	"github.com/example/gpushare-scheduler/pkg/protocol"
	"github.com/example/gpushare-scheduler/pkg/queue"
)

// IdleTimeoutFactor controls when a silent connection is reclaimed: a
// handler is closed once it has gone IdleTimeoutFactor * windowMillis
// without a successful read.
const IdleTimeoutFactor = 3

// Pool accepts client connections and runs one handler goroutine per
// socket. It never touches the scheduling daemon's state directly
// beyond what the request queue, config registry, and history expose.
type Pool struct {
	log   *logrus.Logger
	clock clock.Clock
	cfg   *config.Registry
	hist  *history.History
	queue *queue.Queue

	windowMillis float64

	mu       sync.Mutex
	handlers map[*handler]struct{}
}

// New constructs a Pool over the shared component handles. clk must be
// the same Clock the scheduling daemon uses, so that ArrivedMs and
// lastSeenMs stay comparable with the values the daemon and ReapIdle
// compute.
func New(log *logrus.Logger, clk clock.Clock, cfg *config.Registry, hist *history.History, q *queue.Queue, windowMillis float64) *Pool {
	return &Pool{
		log:          log,
		clock:        clk,
		cfg:          cfg,
		hist:         hist,
		queue:        q,
		windowMillis: windowMillis,
		handlers:     make(map[*handler]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled. It does not
// close ln; the caller owns the listener's lifetime.
func (p *Pool) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		h := &handler{pool: p, conn: conn}
		p.track(h)
		go h.run(ctx)
	}
}

func (p *Pool) track(h *handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[h] = struct{}{}
}

func (p *Pool) untrack(h *handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, h)
}

// ReapIdle closes every handler that has gone idle longer than
// IdleTimeoutFactor * windowMillis. main.go calls it every 5s from its
// own ticker loop.
func (p *Pool) ReapIdle(now int64) {
	threshold := int64(IdleTimeoutFactor * p.windowMillis)

	p.mu.Lock()
	stale := make([]*handler, 0)
	for h := range p.handlers {
		if now-h.lastActivity() > threshold {
			stale = append(stale, h)
		}
	}
	p.mu.Unlock()

	for _, h := range stale {
		p.log.Warnf("server: closing idle connection from %s (silent for >%dms)", h.conn.RemoteAddr(), threshold)
		h.conn.Close()
	}
}

// handler is the connection handler: one goroutine per socket.
type handler struct {
	pool *Pool
	conn net.Conn

	mu         sync.Mutex
	lastSeenMs int64
}

func (h *handler) lastActivity() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeenMs
}

func (h *handler) touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSeenMs = h.pool.clock.NowMillis()
}

func (h *handler) run(ctx context.Context) {
	defer h.pool.untrack(h)
	defer h.conn.Close()
	h.touch()

	for {
		frame, err := protocol.ReadFull(h.conn)
		if err != nil {
			if err != io.EOF {
				h.pool.log.Debugf("server: read from %s ended: %v", h.conn.RemoteAddr(), err)
			}
			return
		}
		h.touch()

		req, err := protocol.ParseRequest(frame)
		if err != nil {
			h.pool.log.Warnf("server: malformed request from %s: %v", h.conn.RemoteAddr(), err)
			continue
		}

		if _, _, ok := h.pool.cfg.Get(req.Client); !ok {
			h.pool.log.Warnf("server: request from unregistered client %q, ignoring", req.Client)
			continue
		}

		switch req.Type {
		case protocol.MsgQuota:
			h.handleQuota(req)
		case protocol.MsgMemLimit:
			h.handleMemLimit(req)
		case protocol.MsgMemUpdate:
			h.handleMemUpdate(req)
		default:
			h.pool.log.Warnf("server: unknown request type %d from %s, ignoring", req.Type, h.conn.RemoteAddr())
		}
	}
}

// handleQuota implements the no-immediate-reply half of a quota
// request: it amends the client's last history entry for any reported
// overuse, records the freshly reported burst, and enqueues a pending
// request whose Reply callback the daemon invokes once it has selected
// and issued a quota.
func (h *handler) handleQuota(req protocol.Request) {
	now := h.pool.clock.NowMillis()

	h.pool.hist.AmendLast(req.Client, req.Overuse, now)

	if _, rt, ok := h.pool.cfg.Get(req.Client); ok {
		rt.SetBurst(req.Burst)
		rt.RecordOveruse(req.Overuse, req.Burst)
	}

	reqID := req.ReqID
	h.pool.queue.Enqueue(queue.Request{
		Client:    req.Client,
		ReqID:     reqID,
		ArrivedMs: now,
		Reply: func(quotaMs float64) error {
			resp := protocol.PrepareResponse(protocol.Response{
				Type:  protocol.MsgQuota,
				ReqID: reqID,
				Quota: quotaMs,
			})
			return protocol.MultipleAttempt(5, 10*time.Millisecond, func() error {
				_, err := h.conn.Write(resp)
				return err
			})
		},
	})
}

func (h *handler) handleMemLimit(req protocol.Request) {
	limits, rt, ok := h.pool.cfg.Get(req.Client)
	if !ok {
		return
	}
	used, limit := memory.Limit(rt, limits)

	resp := protocol.PrepareResponse(protocol.Response{
		Type:     protocol.MsgMemLimit,
		ReqID:    req.ReqID,
		Used:     used,
		MemLimit: limit,
	})
	h.reply(resp)
}

func (h *handler) handleMemUpdate(req protocol.Request) {
	limits, rt, ok := h.pool.cfg.Get(req.Client)
	if !ok {
		return
	}
	verdict := memory.Update(rt, limits, req.Bytes, req.IsAllocate)

	resp := protocol.PrepareResponse(protocol.Response{
		Type:    protocol.MsgMemUpdate,
		ReqID:   req.ReqID,
		Verdict: verdict,
	})
	h.reply(resp)
}

func (h *handler) reply(resp []byte) {
	err := protocol.MultipleAttempt(5, 10*time.Millisecond, func() error {
		_, err := h.conn.Write(resp)
		return err
	})
	if err != nil {
		h.pool.log.Warnf("server: giving up replying to %s: %v", h.conn.RemoteAddr(), err)
	}
}
