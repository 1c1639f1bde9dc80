package omni

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/nerrad567/lockgate/internal/metrics"
)

// Notifier defaults.
const (
	// defaultNotifyQueueSize is the buffer size for pending notifications.
	defaultNotifyQueueSize = 256

	// defaultNotifyWorkers is the number of concurrent notification workers.
	defaultNotifyWorkers = 4

	// sinkCallTimeout bounds a single sink call.
	sinkCallTimeout = 5 * time.Second

	// breakerFailureThreshold opens a sink's breaker after this many consecutive failures.
	breakerFailureThreshold = 5

	// breakerOpenTimeout is how long an open breaker rejects calls before probing.
	breakerOpenTimeout = 30 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Event is a fan-out notification about a lock.
type Event struct {
	DeviceID  string    `json:"device_id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StateSink persists partial state patches keyed by device identity.
type StateSink interface {
	UpsertState(ctx context.Context, deviceID string, patch map[string]any) error
}

// EventSink publishes events to external observers.
type EventSink interface {
	PublishEvent(ctx context.Context, ev Event) error
}

// NamedStateSink pairs a state sink with a name for logs and breaker state.
type NamedStateSink struct {
	Name string
	Sink StateSink
}

// NamedEventSink pairs an event sink with a name for logs and breaker state.
type NamedEventSink struct {
	Name string
	Sink EventSink
}

// NotifierOptions configures a Notifier.
type NotifierOptions struct {
	StateSinks []NamedStateSink
	EventSinks []NamedEventSink

	// QueueSize is the pending notification buffer, split evenly across
	// workers. Default: 256.
	QueueSize int

	// Workers is the number of delivery goroutines. Default: 4.
	Workers int

	Logger Logger
}

// NotifierStats holds delivery counters.
type NotifierStats struct {
	Queued   uint64            `json:"queued"`
	Dropped  uint64            `json:"dropped"`
	Failed   uint64            `json:"failed"`
	Breakers map[string]string `json:"breakers"`
}

type notification struct {
	deviceID string
	patch    map[string]any
	event    *Event
}

type breakerSink struct {
	name    string
	breaker *gobreaker.CircuitBreaker[struct{}]
	state   StateSink
	event   EventSink
}

// Notifier delivers state patches and events off the session read path.
//
// Work is queued to a bounded worker pool sharded by device identity, so
// patches for one device are applied in the order they were produced. When a
// shard's queue is full the notification is dropped and counted. Each sink sits behind its own
// circuit breaker so a dead broker or database cannot stall delivery to the
// others. Sink failures are logged only.
//
// Thread Safety: All methods are safe for concurrent use.
type Notifier struct {
	stateSinks []*breakerSink
	eventSinks []*breakerSink

	queues []chan notification
	done   *closeOnce
	wg     sync.WaitGroup

	queued  atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewNotifier creates a Notifier and starts its workers.
func NewNotifier(opts NotifierOptions) *Notifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultNotifyQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultNotifyWorkers
	}

	n := &Notifier{
		queues: make([]chan notification, opts.Workers),
		done:   newCloseOnce(),
		logger: opts.Logger,
	}
	perShard := max(1, opts.QueueSize/opts.Workers)
	for i := range n.queues {
		n.queues[i] = make(chan notification, perShard)
	}
	for _, s := range opts.StateSinks {
		n.stateSinks = append(n.stateSinks, &breakerSink{name: s.Name, state: s.Sink, breaker: n.newBreaker("state:" + s.Name)})
	}
	for _, s := range opts.EventSinks {
		n.eventSinks = append(n.eventSinks, &breakerSink{name: s.Name, event: s.Sink, breaker: n.newBreaker("event:" + s.Name)})
	}

	for _, q := range n.queues {
		n.wg.Add(1)
		go n.worker(q)
	}
	return n
}

func (n *Notifier) newBreaker(name string) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    name,
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logWarn("sink circuit breaker state changed", "sink", name, "from", from.String(), "to", to.String())
			metrics.SinkBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// SyncState queues a state patch for deviceID. Never blocks.
func (n *Notifier) SyncState(deviceID string, patch map[string]any) {
	if len(patch) == 0 || len(n.stateSinks) == 0 {
		return
	}
	n.enqueue(notification{deviceID: deviceID, patch: patch})
}

// FanOut queues an event. Never blocks.
func (n *Notifier) FanOut(ev Event) {
	if len(n.eventSinks) == 0 {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	n.enqueue(notification{deviceID: ev.DeviceID, event: &ev})
}

func (n *Notifier) enqueue(item notification) {
	select {
	case <-n.done.Done():
		return
	default:
	}

	select {
	case n.shard(item.deviceID) <- item:
		n.queued.Add(1)
	default:
		n.dropped.Add(1)
		metrics.NotificationsDropped.Inc()
		n.logWarn("notification queue full, dropping", "device_id", item.deviceID)
	}
}

func (n *Notifier) shard(deviceID string) chan notification {
	if len(n.queues) == 1 {
		return n.queues[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID)) //nolint:errcheck // hash writes never fail
	return n.queues[h.Sum32()%uint32(len(n.queues))] //nolint:gosec // worker count is small
}

// worker delivers queued notifications from one shard.
func (n *Notifier) worker(queue chan notification) {
	defer n.wg.Done()

	for {
		select {
		case <-n.done.Done():
			n.drain(queue)
			return
		case item := <-queue:
			n.deliver(item)
		}
	}
}

// drain delivers whatever is still buffered at shutdown (best-effort).
func (n *Notifier) drain(queue chan notification) {
	for {
		select {
		case item := <-queue:
			n.deliver(item)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(item notification) {
	if item.patch != nil {
		for _, s := range n.stateSinks {
			err := n.call(s, func(ctx context.Context) error {
				return s.state.UpsertState(ctx, item.deviceID, item.patch)
			})
			if err != nil {
				n.recordFailure(s.name, fmt.Errorf("%w: %w", ErrStateSync, err), item.deviceID)
			}
		}
	}

	if item.event != nil {
		for _, s := range n.eventSinks {
			ev := *item.event
			err := n.call(s, func(ctx context.Context) error {
				return s.event.PublishEvent(ctx, ev)
			})
			if err != nil {
				n.recordFailure(s.name, fmt.Errorf("%w: %w", ErrFanOut, err), item.deviceID)
			}
		}
	}
}

// call runs fn through the sink's breaker. A panicking sink counts as a failure.
func (n *Notifier) call(s *breakerSink, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()

	_, err = s.breaker.Execute(func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), sinkCallTimeout)
		defer cancel()
		return struct{}{}, fn(ctx)
	})
	return err
}

func (n *Notifier) recordFailure(sink string, err error, deviceID string) {
	n.failed.Add(1)
	metrics.NotificationFailures.WithLabelValues(sink).Inc()

	// Open-breaker rejections are expected while a sink is down; keep them quiet.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		n.logDebug("sink unavailable", "sink", sink, "device_id", deviceID)
		return
	}
	n.logError("notification delivery failed", err, "sink", sink, "device_id", deviceID)
}

// Stats returns delivery counters and breaker states.
func (n *Notifier) Stats() NotifierStats {
	breakers := make(map[string]string, len(n.stateSinks)+len(n.eventSinks))
	for _, s := range n.stateSinks {
		breakers[s.breaker.Name()] = s.breaker.State().String()
	}
	for _, s := range n.eventSinks {
		breakers[s.breaker.Name()] = s.breaker.State().String()
	}
	return NotifierStats{
		Queued:   n.queued.Load(),
		Dropped:  n.dropped.Load(),
		Failed:   n.failed.Load(),
		Breakers: breakers,
	}
}

// Close stops the workers after draining the queue. Safe to call multiple times.
func (n *Notifier) Close() {
	n.done.Close()
	n.wg.Wait()
}

// SetLogger sets the logger for the notifier.
func (n *Notifier) SetLogger(logger Logger) {
	n.loggerMu.Lock()
	n.logger = logger
	n.loggerMu.Unlock()
}

func (n *Notifier) getLogger() Logger {
	n.loggerMu.RLock()
	defer n.loggerMu.RUnlock()
	return n.logger
}

func (n *Notifier) logWarn(msg string, keysAndValues ...any) {
	if logger := n.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (n *Notifier) logDebug(msg string, keysAndValues ...any) {
	if logger := n.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (n *Notifier) logError(msg string, err error, keysAndValues ...any) {
	if logger := n.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
