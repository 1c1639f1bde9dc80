package omni

import (
	"testing"
	"time"
)

func TestRegistrySupersede(t *testing.T) {
	reg := NewRegistry()
	first := NewSession(newFakeConn("10.0.0.1:1"), time.Second)
	second := NewSession(newFakeConn("10.0.0.1:2"), time.Second)
	first.bind("dev-1")
	second.bind("dev-1")

	if prev := reg.Register("dev-1", first); prev != nil {
		t.Errorf("Register(first) superseded %v, want nil", prev)
	}
	if prev := reg.Register("dev-1", first); prev != nil {
		t.Errorf("Register(first) again superseded %v, want nil", prev)
	}
	if prev := reg.Register("dev-1", second); prev != first {
		t.Errorf("Register(second) superseded %v, want first", prev)
	}

	got, ok := reg.Lookup("dev-1")
	if !ok || got != second {
		t.Fatalf("Lookup() = %v, %v, want second session", got, ok)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
}

func TestRegistryUnregisterIsIdentityGuarded(t *testing.T) {
	reg := NewRegistry()
	stale := NewSession(newFakeConn("10.0.0.1:1"), time.Second)
	live := NewSession(newFakeConn("10.0.0.1:2"), time.Second)
	stale.bind("dev-1")
	live.bind("dev-1")

	reg.Register("dev-1", stale)
	reg.Register("dev-1", live)

	// The stale connection closing must not evict the live one.
	if reg.Unregister(stale) {
		t.Error("Unregister(stale) = true, want false")
	}
	if got, _ := reg.Lookup("dev-1"); got != live {
		t.Errorf("Lookup() = %v, want live session", got)
	}

	if !reg.Unregister(live) {
		t.Error("Unregister(live) = false, want true")
	}
	if _, ok := reg.Lookup("dev-1"); ok {
		t.Error("Lookup() found a session after Unregister")
	}
}

func TestRegistryUnregisterUnbound(t *testing.T) {
	reg := NewRegistry()
	s := NewSession(newFakeConn("10.0.0.1:1"), time.Second)

	if reg.Unregister(s) {
		t.Error("Unregister(unbound) = true, want false")
	}
	if reg.Unregister(nil) {
		t.Error("Unregister(nil) = true, want false")
	}
}

func TestRegistryRelease(t *testing.T) {
	tests := []struct {
		name  string
		setup func(reg *Registry, s *Session)
		want  bool
	}{
		{"live session", func(reg *Registry, s *Session) { reg.Register("dev-1", s) }, true},
		{"evicted session", func(reg *Registry, s *Session) {
			reg.Register("dev-1", s)
			reg.Unregister(s)
		}, true},
		{"superseded session", func(reg *Registry, s *Session) {
			reg.Register("dev-1", s)
			newer := NewSession(newFakeConn("10.0.0.1:9"), time.Second)
			newer.bind("dev-1")
			reg.Register("dev-1", newer)
		}, false},
		{"evicted then replaced", func(reg *Registry, s *Session) {
			reg.Register("dev-1", s)
			reg.Unregister(s)
			newer := NewSession(newFakeConn("10.0.0.1:9"), time.Second)
			newer.bind("dev-1")
			reg.Register("dev-1", newer)
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			s := NewSession(newFakeConn("10.0.0.1:1"), time.Second)
			s.bind("dev-1")
			tt.setup(reg, s)

			if got := reg.Release(s); got != tt.want {
				t.Errorf("Release() = %v, want %v", got, tt.want)
			}
			if cur, ok := reg.Lookup("dev-1"); ok && cur == s {
				t.Error("released session still registered")
			}
		})
	}

	if reg := NewRegistry(); reg.Release(NewSession(newFakeConn("10.0.0.1:1"), time.Second)) || reg.Release(nil) {
		t.Error("Release() of an unbound session = true, want false")
	}
}

func TestRegistrySnapshotSorted(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		bindSession(t, reg, id)
	}

	snap := reg.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() len = %d, want 3", len(snap))
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap[i].DeviceID != want {
			t.Errorf("Snapshot()[%d].DeviceID = %q, want %q", i, snap[i].DeviceID, want)
		}
		if snap[i].SessionID == "" {
			t.Errorf("Snapshot()[%d].SessionID is empty", i)
		}
	}
}

func TestSessionBindOnce(t *testing.T) {
	s := NewSession(newFakeConn("10.0.0.1:1"), time.Second)
	if !s.bind("dev-1") {
		t.Fatal("first bind() = false, want true")
	}
	if s.bind("dev-2") {
		t.Error("second bind() = true, want false")
	}
	if s.DeviceID() != "dev-1" {
		t.Errorf("DeviceID() = %q, want dev-1", s.DeviceID())
	}
}

func TestSessionWriteAfterClose(t *testing.T) {
	conn := newFakeConn("10.0.0.1:1")
	s := NewSession(conn, time.Second)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if !s.IsClosed() || !conn.isClosed() {
		t.Error("session or connection not closed")
	}
	if err := s.Write([]byte("x")); err != ErrSessionClosed {
		t.Errorf("Write() error = %v, want ErrSessionClosed", err)
	}
}
