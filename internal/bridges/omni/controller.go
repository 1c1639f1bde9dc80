package omni

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Controller is the caller-facing control surface: one method per command
// kind. Exclusive commands block until the correlated reply, the deadline,
// or ctx cancellation.
type Controller struct {
	gateway  *Gateway
	firmware FirmwareStore
	now      func() time.Time
}

// NewController creates a Controller. firmware may be nil, in which case
// OfferUpgrade fails.
func NewController(gateway *Gateway, firmware FirmwareStore) *Controller {
	return &Controller{gateway: gateway, firmware: firmware, now: time.Now}
}

// Gateway returns the underlying gateway.
func (c *Controller) Gateway() *Gateway {
	return c.gateway
}

// Unlock opens the lock on behalf of userID.
func (c *Controller) Unlock(ctx context.Context, deviceID, userID string) (UnlockResult, error) {
	return await[UnlockResult](ctx, c.gateway, deviceID, KindUnlock, UnlockFields(userID, c.now())...)
}

// Locate requests a GPS fix.
func (c *Controller) Locate(ctx context.Context, deviceID string) (Position, error) {
	return await[Position](ctx, c.gateway, deviceID, KindPosition)
}

// SetTrackingInterval sets the position upload interval in seconds.
// Zero disables tracking.
func (c *Controller) SetTrackingInterval(ctx context.Context, deviceID string, seconds int) (TrackingInterval, error) {
	if seconds < 0 {
		return TrackingInterval{}, fmt.Errorf("tracking interval must not be negative")
	}
	return await[TrackingInterval](ctx, c.gateway, deviceID, KindTrackingInterval, strconv.Itoa(seconds))
}

// Info requests voltage, signal, satellites and lock status.
func (c *Controller) Info(ctx context.Context, deviceID string) (LockInfo, error) {
	return await[LockInfo](ctx, c.gateway, deviceID, KindLockInfo)
}

// Search rings the lock's buzzer rings times.
func (c *Controller) Search(ctx context.Context, deviceID string, rings int) (SearchResult, error) {
	if rings <= 0 {
		rings = 1
	}
	return await[SearchResult](ctx, c.gateway, deviceID, KindSearch, strconv.Itoa(rings), "0")
}

// FirmwareInfo requests the lock firmware version.
func (c *Controller) FirmwareInfo(ctx context.Context, deviceID string) (FirmwareInfo, error) {
	return await[FirmwareInfo](ctx, c.gateway, deviceID, KindFirmwareInfo)
}

// CableLockFirmware requests the attached cable lock's firmware version.
func (c *Controller) CableLockFirmware(ctx context.Context, deviceID string) (CableLockFirmware, error) {
	return await[CableLockFirmware](ctx, c.gateway, deviceID, KindCableLockFirmware)
}

// SetBLEKey sets the 8-character Bluetooth communication key.
func (c *Controller) SetBLEKey(ctx context.Context, deviceID, key string) (BLEKey, error) {
	if len(key) != 8 {
		return BLEKey{}, fmt.Errorf("BLE key must be 8 characters, got %d", len(key))
	}
	return await[BLEKey](ctx, c.gateway, deviceID, KindBLEKey, key)
}

// GetBLEKey reads the current Bluetooth communication key.
func (c *Controller) GetBLEKey(ctx context.Context, deviceID string) (BLEKey, error) {
	return await[BLEKey](ctx, c.gateway, deviceID, KindBLEKey)
}

// SIMIdentity reads the SIM ICCID.
func (c *Controller) SIMIdentity(ctx context.Context, deviceID string) (SIMIdentity, error) {
	return await[SIMIdentity](ctx, c.gateway, deviceID, KindSIMIdentity)
}

// RadioIdentity reads the Bluetooth MAC address.
func (c *Controller) RadioIdentity(ctx context.Context, deviceID string) (RadioIdentity, error) {
	return await[RadioIdentity](ctx, c.gateway, deviceID, KindRadioIdentity)
}

// ExternalControl sends an operation to an attached external device.
func (c *Controller) ExternalControl(ctx context.Context, deviceID, operation string) (ExternalControl, error) {
	return await[ExternalControl](ctx, c.gateway, deviceID, KindExternalControl, operation)
}

// ManageCards adds ("1"), removes ("2") or clears ("3") RFID cards stored on the lock.
func (c *Controller) ManageCards(ctx context.Context, deviceID, operation string, cards []string) (CardManagement, error) {
	fields := append([]string{operation}, cards...)
	return await[CardManagement](ctx, c.gateway, deviceID, KindCardManagement, fields...)
}

// Shutdown powers the lock off. Not correlated.
func (c *Controller) Shutdown(ctx context.Context, deviceID string) error {
	_, err := c.gateway.Execute(ctx, deviceID, KindShutdown)
	return err
}

// Reboot restarts the lock. Not correlated.
func (c *Controller) Reboot(ctx context.Context, deviceID string) error {
	_, err := c.gateway.Execute(ctx, deviceID, KindReboot)
	return err
}

// OfferUpgrade announces the stored firmware image for deviceType. The lock
// then pulls packets with U1 requests. Not correlated.
func (c *Controller) OfferUpgrade(ctx context.Context, deviceID, deviceType string) (FirmwareImage, error) {
	if c.firmware == nil {
		return FirmwareImage{}, fmt.Errorf("%w: no firmware store configured", ErrFirmwareNotFound)
	}
	img, err := c.firmware.Image(ctx, deviceType)
	if err != nil {
		return FirmwareImage{}, err
	}
	_, err = c.gateway.Execute(ctx, deviceID, KindUpgradeOffer,
		strconv.Itoa(img.Packets),
		fmt.Sprintf("%04X", img.CRC),
		img.DeviceType,
		strings.TrimPrefix(img.Version, "V"),
	)
	if err != nil {
		return FirmwareImage{}, err
	}
	return img, nil
}

// Execute runs a caller-issuable command by kind with raw payload fields.
// Used by the HTTP and MQTT ingress paths. Upgrade offers go through
// OfferUpgrade so the announced image always exists.
func (c *Controller) Execute(ctx context.Context, deviceID string, kind Kind, fields ...string) (Result, error) {
	d, ok := Describe(kind)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCommand, kind)
	}
	if !d.CallerIssuable || kind == KindUpgradeOffer {
		return Result{}, fmt.Errorf("%w: %s", ErrNotCallerCommand, d.Name)
	}
	return c.gateway.Execute(ctx, deviceID, kind, fields...)
}

// await executes an exclusive command and type-asserts its reply.
func await[T Payload](ctx context.Context, g *Gateway, deviceID string, kind Kind, fields ...string) (T, error) {
	var zero T
	res, err := g.Execute(ctx, deviceID, kind, fields...)
	if err != nil {
		return zero, err
	}
	p, ok := res.Payload.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected reply payload %T for %s", res.Payload, kind.Name())
	}
	return p, nil
}
