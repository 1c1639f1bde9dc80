package omni

// Kind is a two-character command code.
type Kind string

// Protocol command vocabulary.
const (
	KindCheckIn           Kind = "Q0"
	KindHeartbeat         Kind = "H0"
	KindUnlock            Kind = "L0"
	KindLock              Kind = "L1"
	KindPosition          Kind = "D0"
	KindTrackingInterval  Kind = "D1"
	KindLockInfo          Kind = "S5"
	KindSearch            Kind = "S8"
	KindFirmwareInfo      Kind = "G0"
	KindAlarm             Kind = "W0"
	KindUpgradeOffer      Kind = "U0"
	KindUpgradeChunk      Kind = "U1"
	KindUpgradeResult     Kind = "U2"
	KindBLEKey            Kind = "K0"
	KindSIMIdentity       Kind = "I0"
	KindRadioIdentity     Kind = "M0"
	KindShutdown          Kind = "S0"
	KindReboot            Kind = "S1"
	KindExternalControl   Kind = "L5"
	KindCableLockFirmware Kind = "G1"
	KindBeacon            Kind = "B0"
	KindCardUnlock        Kind = "C0"
	KindCardManagement    Kind = "C1"
	KindWiFiPosition      Kind = "D2"

	// KindAck is the server acknowledgement; its first field echoes the
	// acknowledged command code.
	KindAck Kind = "Re"
)

// CommandDescriptor describes how an inbound command is validated and handled.
type CommandDescriptor struct {
	// Kind is the command code.
	Kind Kind

	// Name is a human-readable label used in logs, events and the API.
	Name string

	// MinFields is the minimum number of inbound payload fields.
	MinFields int

	// RequiresAck means the server answers the inbound frame with "Re,<code>".
	RequiresAck bool

	// Exclusive means at most one caller request of this kind may be
	// outstanding per device; the reply is correlated back to the caller.
	Exclusive bool

	// CallerIssuable means API and broker callers may send this command to a
	// lock. The rest of the vocabulary is lock-initiated.
	CallerIssuable bool
}

var descriptors = map[Kind]CommandDescriptor{
	KindCheckIn:           {Kind: KindCheckIn, Name: "check_in", MinFields: 1},
	KindHeartbeat:         {Kind: KindHeartbeat, Name: "heartbeat", MinFields: 3},
	KindUnlock:            {Kind: KindUnlock, Name: "unlock", MinFields: 3, RequiresAck: true, Exclusive: true, CallerIssuable: true},
	KindLock:              {Kind: KindLock, Name: "lock", MinFields: 3, RequiresAck: true},
	KindPosition:          {Kind: KindPosition, Name: "position", MinFields: 7, RequiresAck: true, Exclusive: true, CallerIssuable: true},
	KindTrackingInterval:  {Kind: KindTrackingInterval, Name: "tracking_interval", MinFields: 1, Exclusive: true, CallerIssuable: true},
	KindLockInfo:          {Kind: KindLockInfo, Name: "info", MinFields: 4, Exclusive: true, CallerIssuable: true},
	KindSearch:            {Kind: KindSearch, Name: "search", MinFields: 1, Exclusive: true, CallerIssuable: true},
	KindFirmwareInfo:      {Kind: KindFirmwareInfo, Name: "firmware", MinFields: 1, Exclusive: true, CallerIssuable: true},
	KindAlarm:             {Kind: KindAlarm, Name: "alarm", MinFields: 1, RequiresAck: true},
	KindUpgradeOffer:      {Kind: KindUpgradeOffer, Name: "upgrade_offer", MinFields: 1, CallerIssuable: true},
	KindUpgradeChunk:      {Kind: KindUpgradeChunk, Name: "upgrade_chunk", MinFields: 2},
	KindUpgradeResult:     {Kind: KindUpgradeResult, Name: "upgrade_result", MinFields: 2, RequiresAck: true},
	KindBLEKey:            {Kind: KindBLEKey, Name: "ble_key", MinFields: 1, Exclusive: true, CallerIssuable: true},
	KindSIMIdentity:       {Kind: KindSIMIdentity, Name: "iccid", MinFields: 1, Exclusive: true, CallerIssuable: true},
	KindRadioIdentity:     {Kind: KindRadioIdentity, Name: "mac", MinFields: 1, Exclusive: true, CallerIssuable: true},
	KindShutdown:          {Kind: KindShutdown, Name: "shutdown", CallerIssuable: true},
	KindReboot:            {Kind: KindReboot, Name: "reboot", CallerIssuable: true},
	KindExternalControl:   {Kind: KindExternalControl, Name: "external_control", MinFields: 1, Exclusive: true, CallerIssuable: true},
	KindCableLockFirmware: {Kind: KindCableLockFirmware, Name: "cable_lock_firmware", MinFields: 1, Exclusive: true, CallerIssuable: true},
	KindBeacon:            {Kind: KindBeacon, Name: "beacon", MinFields: 1, RequiresAck: true},
	KindCardUnlock:        {Kind: KindCardUnlock, Name: "card_unlock", MinFields: 2, RequiresAck: true},
	KindCardManagement:    {Kind: KindCardManagement, Name: "card_management", MinFields: 1, Exclusive: true, CallerIssuable: true},
	KindWiFiPosition:      {Kind: KindWiFiPosition, Name: "wifi_position", MinFields: 1, RequiresAck: true},
}

// Describe returns the descriptor for a command code.
func Describe(k Kind) (CommandDescriptor, bool) {
	d, ok := descriptors[k]
	return d, ok
}

// KindByName resolves a descriptor name ("unlock", "info", ...) to its code.
func KindByName(name string) (Kind, bool) {
	for k, d := range descriptors {
		if d.Name == name {
			return k, true
		}
	}
	return "", false
}

// CallerKind resolves a command name ("unlock") or raw code ("L0") to a kind
// that callers may issue.
func CallerKind(command string) (Kind, bool) {
	k, ok := KindByName(command)
	if !ok {
		k = Kind(command)
	}
	return k, descriptors[k].CallerIssuable
}

// IsExclusive reports whether caller requests of kind k are correlated.
func IsExclusive(k Kind) bool {
	return descriptors[k].Exclusive
}

// Name returns the descriptor name for k, or the raw code when unknown.
func (k Kind) Name() string {
	if d, ok := descriptors[k]; ok {
		return d.Name
	}
	return string(k)
}
