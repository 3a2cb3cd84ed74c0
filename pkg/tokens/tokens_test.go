package tokens

import "testing"

type fakeSocket struct {
	sent []float64
}

func (f *fakeSocket) Send(quotaMs float64) error {
	f.sent = append(f.sent, quotaMs)
	return nil
}

func TestInsertAndOccupied(t *testing.T) {
	tt := New()
	tt.Insert(&Token{Client: "podA", SMPartition: 30, ExpiresMs: 100})
	tt.Insert(&Token{Client: "podB", SMPartition: 40, ExpiresMs: 200})

	if got, want := tt.Occupied(), 70; got != want {
		t.Errorf("Occupied() = %d, want %d", got, want)
	}
	if got, want := tt.Len(), 2; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
	if !tt.Has("podA") {
		t.Errorf("Has(%q) = false, want true", "podA")
	}
	if tt.Has("podC") {
		t.Errorf("Has(%q) = true, want false", "podC")
	}
}

func TestRemoveIfPresent(t *testing.T) {
	tt := New()
	tt.Insert(&Token{Client: "podA", SMPartition: 30, ExpiresMs: 100})

	tok, ok := tt.RemoveIfPresent("podA")
	if !ok || tok.Client != "podA" {
		t.Fatalf("RemoveIfPresent = (%+v, %v), want the podA token", tok, ok)
	}
	if tt.Occupied() != 0 {
		t.Errorf("Occupied() = %d, want 0 after removal", tt.Occupied())
	}
	if _, ok := tt.RemoveIfPresent("podA"); ok {
		t.Errorf("RemoveIfPresent on an absent client should report ok=false")
	}
}

func TestSweepExpiredRemovesOnlyExpired(t *testing.T) {
	tt := New()
	tt.Insert(&Token{Client: "podA", SMPartition: 10, ExpiresMs: 100})
	tt.Insert(&Token{Client: "podB", SMPartition: 20, ExpiresMs: 500})

	expired := tt.SweepExpired(200)
	if len(expired) != 1 || expired[0].Client != "podA" {
		t.Fatalf("SweepExpired(200) = %+v, want only podA", expired)
	}
	if tt.Has("podA") {
		t.Errorf("podA should have been removed by SweepExpired")
	}
	if !tt.Has("podB") {
		t.Errorf("podB should still be live")
	}
	if got, want := tt.Occupied(), 20; got != want {
		t.Errorf("Occupied() = %d, want %d", got, want)
	}
}

func TestSweepExpiredBoundaryIsInclusive(t *testing.T) {
	tt := New()
	tt.Insert(&Token{Client: "podA", SMPartition: 10, ExpiresMs: 100})

	expired := tt.SweepExpired(100)
	if len(expired) != 1 {
		t.Fatalf("SweepExpired(100) with ExpiresMs=100 should expire, got %+v", expired)
	}
}

func TestNextExpiryReturnsMinimum(t *testing.T) {
	tt := New()
	if _, ok := tt.NextExpiry(); ok {
		t.Fatalf("NextExpiry() on an empty table should report ok=false")
	}

	tt.Insert(&Token{Client: "podA", SMPartition: 10, ExpiresMs: 500})
	tt.Insert(&Token{Client: "podB", SMPartition: 10, ExpiresMs: 100})
	tt.Insert(&Token{Client: "podC", SMPartition: 10, ExpiresMs: 300})

	min, ok := tt.NextExpiry()
	if !ok || min.Client != "podB" {
		t.Errorf("NextExpiry() = %+v, want podB (ExpiresMs=100)", min)
	}
}

func TestSocketSendRoutedThroughToken(t *testing.T) {
	sock := &fakeSocket{}
	tok := &Token{Client: "podA", Socket: sock}
	if err := tok.Socket.Send(42); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if len(sock.sent) != 1 || sock.sent[0] != 42 {
		t.Errorf("sock.sent = %v, want [42]", sock.sent)
	}
}
