package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/lockgate/internal/audit"
	"github.com/nerrad567/lockgate/internal/bridges/omni"
	"github.com/nerrad567/lockgate/internal/infrastructure/mqtt"
)

const (
	// commandTimeout bounds a relayed command, including the reply wait.
	commandTimeout = 15 * time.Second

	// defaultMaxInFlight caps concurrently executing relayed commands.
	defaultMaxInFlight = 32
)

// ErrOverloaded is returned when too many relayed commands are in flight.
var ErrOverloaded = errors.New("relay: too many commands in flight")

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// BrokerClient is the MQTT surface the command relay needs.
// Satisfied by *mqtt.Client.
type BrokerClient interface {
	Publisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Executor runs a command against a lock. Satisfied by *omni.Controller.
type Executor interface {
	Execute(ctx context.Context, deviceID string, kind omni.Kind, fields ...string) (omni.Result, error)
	OfferUpgrade(ctx context.Context, deviceID, deviceType string) (omni.FirmwareImage, error)
}

// CommandAuditor records relayed commands. Satisfied by *audit.Recorder.
type CommandAuditor interface {
	RecordCommand(ctx context.Context, source, userID, deviceID, command, outcome string)
}

// CommandRelayOptions configures a CommandRelay.
type CommandRelayOptions struct {
	Client   BrokerClient
	Executor Executor

	// Auditor is optional.
	Auditor CommandAuditor

	// QoS for the subscription and responses.
	QoS byte

	// MaxInFlight caps concurrent commands. Default: 32.
	MaxInFlight int

	Logger Logger
}

// CommandRelay executes lock commands received over MQTT.
//
// Each message is handled on its own goroutine so a command waiting for a
// lock reply never stalls the client's message router. Commands beyond
// MaxInFlight are answered with OVERLOADED.
type CommandRelay struct {
	client   BrokerClient
	executor Executor
	auditor  CommandAuditor
	qos      byte
	slots    chan struct{}
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// NewCommandRelay creates a CommandRelay. Call Start to subscribe.
func NewCommandRelay(opts CommandRelayOptions) (*CommandRelay, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("relay: broker client is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("relay: executor is required")
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	return &CommandRelay{
		client:   opts.Client,
		executor: opts.Executor,
		auditor:  opts.Auditor,
		qos:      opts.QoS,
		slots:    make(chan struct{}, opts.MaxInFlight),
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Start subscribes to every lock's command topic. Commands run until ctx is
// cancelled or Stop is called.
func (r *CommandRelay) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	if err := r.client.Subscribe(mqtt.Topics{}.AllLockCommands(), r.qos, r.handleMessage); err != nil {
		r.cancel()
		return fmt.Errorf("subscribing to lock commands: %w", err)
	}
	r.getLogger().Info("mqtt command relay started", "topic", mqtt.Topics{}.AllLockCommands())
	return nil
}

// Stop unsubscribes, cancels in-flight commands and waits for them.
func (r *CommandRelay) Stop() {
	if r.cancel == nil {
		return
	}
	if err := r.client.Unsubscribe(mqtt.Topics{}.AllLockCommands()); err != nil {
		r.getLogger().Warn("unsubscribing from lock commands failed", "error", err)
	}
	r.cancel()
	r.wg.Wait()
}

// handleMessage validates a command message and schedules its execution.
func (r *CommandRelay) handleMessage(topic string, payload []byte) error {
	deviceID, ok := mqtt.Topics{}.CommandDevice(topic)
	if !ok {
		return fmt.Errorf("unexpected command topic %q", topic)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("parsing command for %s: %w", deviceID, err)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	if cmd.Command == "" {
		r.respondError(deviceID, cmd, ErrCodeInvalidMessage, "command is required")
		return nil
	}

	kind, ok := omni.CallerKind(cmd.Command)
	if !ok {
		r.respondError(deviceID, cmd, ErrCodeInvalidCommand, fmt.Sprintf("unknown command %q", cmd.Command))
		return nil
	}
	if kind == omni.KindUpgradeOffer && cmd.DeviceType == "" {
		r.respondError(deviceID, cmd, ErrCodeInvalidMessage, "device_type is required")
		return nil
	}
	for _, field := range append([]string{cmd.DeviceType}, cmd.Fields...) {
		if err := omni.ValidateField(field); err != nil {
			r.respondError(deviceID, cmd, ErrCodeInvalidMessage, err.Error())
			return nil
		}
	}

	select {
	case r.slots <- struct{}{}:
	default:
		r.respondError(deviceID, cmd, ErrCodeOverloaded, ErrOverloaded.Error())
		return nil
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		r.execute(deviceID, kind, cmd)
	}()
	return nil
}

func (r *CommandRelay) execute(deviceID string, kind omni.Kind, cmd CommandMessage) {
	ctx, cancel := context.WithTimeout(r.ctx, commandTimeout)
	defer cancel()

	r.getLogger().Debug("relaying command", "device_id", deviceID, "command", kind.Name(), "request_id", cmd.ID)

	var result omni.Payload
	var err error
	if kind == omni.KindUpgradeOffer {
		var img omni.FirmwareImage
		img, err = r.executor.OfferUpgrade(ctx, deviceID, cmd.DeviceType)
		result = img
	} else {
		var res omni.Result
		res, err = r.executor.Execute(ctx, deviceID, kind, cmd.Fields...)
		result = res.Payload
	}
	if r.auditor != nil {
		r.auditor.RecordCommand(ctx, audit.SourceMQTT, cmd.UserID, deviceID, kind.Name(), omni.Outcome(err))
	}
	if err != nil {
		r.getLogger().Warn("relayed command failed", "device_id", deviceID, "command", kind.Name(), "error", err)
		r.respondError(deviceID, cmd, errorCode(err), err.Error())
		return
	}

	r.respond(ResponseMessage{
		RequestID: cmd.ID,
		DeviceID:  deviceID,
		Command:   kind.Name(),
		Status:    StatusOK,
		Timestamp: r.now().UTC(),
		Result:    result,
	})
}

func (r *CommandRelay) respondError(deviceID string, cmd CommandMessage, code, message string) {
	r.respond(ResponseMessage{
		RequestID: cmd.ID,
		DeviceID:  deviceID,
		Command:   cmd.Command,
		Status:    StatusFailed,
		Timestamp: r.now().UTC(),
		Error:     &ResponseError{Code: code, Message: message},
	})
}

func (r *CommandRelay) respond(msg ResponseMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.getLogger().Error("marshalling command response failed", "error", err)
		return
	}
	topic := mqtt.Topics{}.LockResponse(msg.DeviceID, msg.RequestID)
	if err := r.client.Publish(topic, payload, r.qos, false); err != nil {
		r.getLogger().Warn("publishing command response failed", "topic", topic, "error", err)
	}
}

// SetLogger sets the logger.
func (r *CommandRelay) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	defer r.loggerMu.Unlock()
	r.logger = logger
}

func (r *CommandRelay) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}
