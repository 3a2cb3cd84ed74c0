package server

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/gpushare-scheduler/pkg/clock"
	"github.com/example/gpushare-scheduler/pkg/config"
	"github.com/example/gpushare-scheduler/pkg/history"
	"github.com/example/gpushare-scheduler/pkg/protocol"
	"github.com/example/gpushare-scheduler/pkg/queue"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRegistry(t *testing.T, records string) *config.Registry {
	t.Helper()
	reg := config.New(testLogger(), 100, 10, 1000, config.FormatText)
	path := filepath.Join(t.TempDir(), "limits.txt")
	if err := os.WriteFile(path, []byte(records), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := reg.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return reg
}

// newConnectedPool wires a Pool around one end of an in-memory pipe and
// runs its handler goroutine directly, without a real listener, mirroring
// how Serve would dispatch a freshly accepted connection.
func newConnectedPool(t *testing.T, reg *config.Registry, hist *history.History, q *queue.Queue) (client net.Conn, cancel func()) {
	t.Helper()
	p, h, clientConn := newTrackedHandler(t, reg, hist, q, clock.NewManual(0))
	ctx, cancelFn := context.WithCancel(context.Background())
	p.track(h)
	go h.run(ctx)

	return clientConn, func() {
		cancelFn()
		clientConn.Close()
	}
}

func newTrackedHandler(t *testing.T, reg *config.Registry, hist *history.History, q *queue.Queue, clk clock.Clock) (*Pool, *handler, net.Conn) {
	t.Helper()
	server, clientConn := net.Pipe()
	p := New(testLogger(), clk, reg, hist, q, 1000)
	h := &handler{pool: p}
	h.conn = server
	return p, h, clientConn
}

func TestHandleQuotaEnqueuesRequestAndRepliesOnIssue(t *testing.T) {
	reg := testRegistry(t, "1\npodA 0.1 0.5 30 1000\n")
	hist := history.New()
	q := queue.New()

	client, cancel := newConnectedPool(t, reg, hist, q)
	defer cancel()

	req := protocol.Request{Type: protocol.MsgQuota, Client: "podA", ReqID: 7, Overuse: 0, Burst: 50}
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	done := make(chan error, 1)
	go func() { _, err := client.Write(frame); done <- err }()
	if err := <-done; err != nil {
		t.Fatalf("client write: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if q.Len() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("quota request never reached the request queue")
		case <-time.After(time.Millisecond):
		}
	}

	pending := q.Snapshot()[0]
	if pending.Client != "podA" || pending.ReqID != 7 {
		t.Fatalf("queued request = %+v, want client=podA reqid=7", pending)
	}

	respCh := make(chan protocol.Response, 1)
	go func() {
		buf := make([]byte, protocol.RespMsgLen)
		if _, err := io.ReadFull(client, buf); err != nil {
			return
		}
		resp, _ := protocol.DecodeResponse(buf)
		respCh <- resp
	}()

	if err := pending.Reply(123.5); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	select {
	case resp := <-respCh:
		if resp.Quota != 123.5 || resp.ReqID != 7 {
			t.Errorf("response = %+v, want quota=123.5 reqid=7", resp)
		}
	case <-time.After(time.Second):
		t.Fatalf("never received the quota response")
	}
}

func TestHandleMemLimitRepliesImmediately(t *testing.T) {
	reg := testRegistry(t, "1\npodA 0.1 0.5 30 2000\n")
	hist := history.New()
	q := queue.New()

	client, cancel := newConnectedPool(t, reg, hist, q)
	defer cancel()

	req := protocol.Request{Type: protocol.MsgMemLimit, Client: "podA", ReqID: 3}
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("client write: %v", err)
	}

	buf := make([]byte, protocol.RespMsgLen)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp, err := protocol.DecodeResponse(buf)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.Type != protocol.MsgMemLimit || resp.MemLimit != 2000 || resp.Used != 0 {
		t.Errorf("response = %+v, want MemLimit=2000 Used=0", resp)
	}
}

func TestReapIdleClosesStaleConnection(t *testing.T) {
	reg := testRegistry(t, "1\npodA 0.1 0.5 30 1000\n")
	hist := history.New()
	q := queue.New()
	clk := clock.NewManual(0)

	p, h, clientConn := newTrackedHandler(t, reg, hist, q, clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.track(h)
	go h.run(ctx)
	defer clientConn.Close()

	// windowMillis is 1000 and IdleTimeoutFactor is 3, so a connection
	// silent past 3000ms on the same clock frame is reclaimed.
	clk.Advance(3001)
	p.ReapIdle(clk.NowMillis())

	buf := make([]byte, 1)
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := clientConn.Read(buf); err == nil {
		t.Fatalf("expected ReapIdle to close the stale connection")
	}
}

func TestHandleQuotaAmendsHistoryOnInjectedClockFrame(t *testing.T) {
	reg := testRegistry(t, "1\npodA 0.1 0.5 30 1000\n")
	hist := history.New()
	q := queue.New()
	clk := clock.NewManual(500)
	hist.Record("podA", 0, 200)

	client, cancel := func() (net.Conn, func()) {
		p, h, clientConn := newTrackedHandler(t, reg, hist, q, clk)
		ctx, cancelFn := context.WithCancel(context.Background())
		p.track(h)
		go h.run(ctx)
		return clientConn, func() { cancelFn(); clientConn.Close() }
	}()
	defer cancel()

	req := protocol.Request{Type: protocol.MsgQuota, Client: "podA", ReqID: 1, Overuse: 1000, Burst: 0}
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("client write: %v", err)
	}

	deadline := time.After(time.Second)
	for q.Len() != 1 {
		select {
		case <-deadline:
			t.Fatalf("quota request never reached the request queue")
		case <-time.After(time.Millisecond):
		}
	}

	usage := hist.UsageInWindow(0, clk.NowMillis())
	// End was 200, overuse pushed it to 1200, but AmendLast must clamp
	// it to the clock's current value (500) rather than letting the
	// client's reported overuse run past "now".
	if got := usage["podA"]; got != 500 {
		t.Errorf("usage = %v, want 500 (End clamped to the injected clock's now)", got)
	}
}

func TestUnregisteredClientRequestIsIgnored(t *testing.T) {
	reg := testRegistry(t, "1\npodA 0.1 0.5 30 2000\n")
	hist := history.New()
	q := queue.New()

	client, cancel := newConnectedPool(t, reg, hist, q)
	defer cancel()

	req := protocol.Request{Type: protocol.MsgMemLimit, Client: "stranger", ReqID: 1}
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("client write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, protocol.RespMsgLen)
	if _, err := io.ReadFull(client, buf); err == nil {
		t.Fatalf("expected no response for an unregistered client, got one")
	}
}
