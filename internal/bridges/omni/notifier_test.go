package omni

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memoryStateSink struct {
	mu     sync.Mutex
	states map[string]map[string]any
	calls  int
	err    error
}

func (m *memoryStateSink) UpsertState(_ context.Context, deviceID string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	if m.states == nil {
		m.states = make(map[string]map[string]any)
	}
	st := m.states[deviceID]
	if st == nil {
		st = make(map[string]any)
		m.states[deviceID] = st
	}
	for k, v := range patch {
		st[k] = v
	}
	return nil
}

func (m *memoryStateSink) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type memoryEventSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	panics bool
}

func (m *memoryEventSink) PublishEvent(_ context.Context, ev Event) error {
	if m.block != nil {
		<-m.block
	}
	if m.panics {
		panic("sink exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryEventSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestNotifierDeliversToEverySink(t *testing.T) {
	state := &memoryStateSink{}
	events := &memoryEventSink{}
	n := NewNotifier(NotifierOptions{
		StateSinks: []NamedStateSink{{Name: "db", Sink: state}},
		EventSinks: []NamedEventSink{{Name: "bus", Sink: events}},
	})

	n.SyncState("dev-1", map[string]any{StateLocked: true})
	n.SyncState("dev-1", map[string]any{StateBattery: 80})
	n.FanOut(Event{DeviceID: "dev-1", Type: EventAlarm})
	n.Close()

	if got := state.states["dev-1"]; got[StateLocked] != true || got[StateBattery] != 80 {
		t.Errorf("state = %+v, want merged patches", got)
	}
	if events.count() != 1 {
		t.Fatalf("events = %d, want 1", events.count())
	}
	if events.events[0].Timestamp.IsZero() {
		t.Error("event timestamp not defaulted")
	}
}

func TestNotifierSinkFailureIsolated(t *testing.T) {
	broken := &memoryStateSink{err: errors.New("disk full")}
	healthy := &memoryStateSink{}
	n := NewNotifier(NotifierOptions{
		StateSinks: []NamedStateSink{{Name: "broken", Sink: broken}, {Name: "healthy", Sink: healthy}},
		Workers:    1,
	})

	for i := 0; i < breakerFailureThreshold+3; i++ {
		n.SyncState("dev-1", map[string]any{StateSignal: i})
	}
	n.Close()

	if healthy.callCount() != breakerFailureThreshold+3 {
		t.Errorf("healthy calls = %d, want %d", healthy.callCount(), breakerFailureThreshold+3)
	}
	// The breaker opens after the threshold and short-circuits the rest.
	if broken.callCount() != breakerFailureThreshold {
		t.Errorf("broken calls = %d, want %d", broken.callCount(), breakerFailureThreshold)
	}

	stats := n.Stats()
	if stats.Failed != uint64(breakerFailureThreshold+3) {
		t.Errorf("Failed = %d, want %d", stats.Failed, breakerFailureThreshold+3)
	}
	if stats.Breakers["state:broken"] != "open" || stats.Breakers["state:healthy"] != "closed" {
		t.Errorf("Breakers = %v", stats.Breakers)
	}
}

func TestNotifierPanickingSinkDoesNotStopOthers(t *testing.T) {
	bad := &memoryEventSink{panics: true}
	good := &memoryEventSink{}
	n := NewNotifier(NotifierOptions{
		EventSinks: []NamedEventSink{{Name: "bad", Sink: bad}, {Name: "good", Sink: good}},
	})

	n.FanOut(Event{DeviceID: "dev-1", Type: EventAlarm})
	n.Close()

	if good.count() != 1 {
		t.Errorf("good sink events = %d, want 1", good.count())
	}
	if n.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", n.Stats().Failed)
	}
}

func TestNotifierDropsWhenQueueFull(t *testing.T) {
	sink := &memoryEventSink{block: make(chan struct{})}
	n := NewNotifier(NotifierOptions{
		EventSinks: []NamedEventSink{{Name: "slow", Sink: sink}},
		QueueSize:  1,
		Workers:    1,
	})

	// The first event occupies the worker; the second fills the queue.
	n.FanOut(Event{DeviceID: "dev-1", Type: "a"})
	deadline := time.Now().Add(2 * time.Second)
	for len(n.queues[0]) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up the first event")
		}
		time.Sleep(time.Millisecond)
	}
	n.FanOut(Event{DeviceID: "dev-1", Type: "b"})

	start := time.Now()
	n.FanOut(Event{DeviceID: "dev-1", Type: "c"})
	if time.Since(start) > time.Second {
		t.Error("FanOut() blocked on a full queue")
	}

	close(sink.block)
	n.Close()

	stats := n.Stats()
	if stats.Dropped != 1 || stats.Queued != 2 {
		t.Errorf("Stats() = %+v, want 2 queued and 1 dropped", stats)
	}
	if sink.count() != 2 {
		t.Errorf("delivered = %d, want 2", sink.count())
	}
}

func TestNotifierIgnoresWorkAfterClose(t *testing.T) {
	sink := &memoryStateSink{}
	n := NewNotifier(NotifierOptions{StateSinks: []NamedStateSink{{Name: "db", Sink: sink}}})
	n.Close()
	n.Close()

	n.SyncState("dev-1", map[string]any{StateLocked: true})
	if n.Stats().Queued != 0 {
		t.Errorf("Queued = %d, want 0", n.Stats().Queued)
	}
}

type orderingSink struct {
	mu   sync.Mutex
	seen map[string][]int
}

func (o *orderingSink) UpsertState(_ context.Context, deviceID string, patch map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seen == nil {
		o.seen = make(map[string][]int)
	}
	o.seen[deviceID] = append(o.seen[deviceID], patch[StateSignal].(int))
	return nil
}

func TestNotifierPreservesPerDeviceOrder(t *testing.T) {
	sink := &orderingSink{}
	n := NewNotifier(NotifierOptions{
		StateSinks: []NamedStateSink{{Name: "ordered", Sink: sink}},
		QueueSize:  4096,
		Workers:    4,
	})

	devices := []string{"dev-1", "dev-2", "dev-3", "dev-4", "dev-5"}
	const perDevice = 100
	for i := 0; i < perDevice; i++ {
		for _, id := range devices {
			n.SyncState(id, map[string]any{StateSignal: i})
		}
	}
	n.Close()

	if n.Stats().Dropped != 0 {
		t.Fatalf("Dropped = %d, want 0", n.Stats().Dropped)
	}
	for _, id := range devices {
		got := sink.seen[id]
		if len(got) != perDevice {
			t.Fatalf("%s received %d patches, want %d", id, len(got), perDevice)
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("%s patch %d = %d, out of order", id, i, v)
			}
		}
	}
}
