package storage

import "time"

// Device statuses
const (
	DeviceStatusActive  = "active"
	DeviceStatusRetired = "retired"
)

// EventTTL is how long event rows live before the purge pass drops them.
const EventTTL = 90 * 24 * time.Hour

// Device is a registry row, keyed by the SC-XXXXXXXX short ID.
type Device struct {
	ShortID    string // SC-XXXXXXXX
	WirelessID string // Transport UUID
	NetworkID  string
	Status     string
	OwnerName  string
	OwnerEmail string
	AppVersion int // Latest reported app build
	LastSeen   time.Time
	CreatedAt  time.Time
}

// Timestamp sources for event rows
const (
	TimeSourceDevice       = "device"
	TimeSourceCloudPresync = "cloud_presync"
)

// Event is an append-only log row. TimestampMT is the sort key, a
// Mountain-Time string YYYY-MM-DD HH:MM:SS.mmm derived from the device
// epoch when present, else from cloud receive time.
type Event struct {
	DeviceID    string
	TimestampMT string
	EventType   string
	TimeSource  string
	DeviceEpoch int64  // SideCharge epoch seconds, 0 when cloud sourced
	ReceivedMS  int64  // Cloud receive time, Unix ms
	Data        string // JSON payload
	ExpiresAt   int64  // Unix seconds, TTL purge boundary
}

// Event types written by the pipeline
const (
	EventTelemetry        = "evse_telemetry"
	EventDiagnostics      = "device_diagnostics"
	EventOTAStart         = "ota_start"
	EventOTAComplete      = "ota_complete"
	EventOTAUplink        = "ota_uplink"
	EventOTAAborted       = "ota_aborted"
	EventSchedulerCommand = "charge_scheduler_command"
	EventInterlock        = "interlock_transition"
	EventTimeSync         = "time_sync_state"
	EventDivergence       = "charge_divergence"
	EventUnknownUplink    = "unknown_uplink"
)

// Scheduler commands recorded in device state
const (
	CmdAllow           = "allow"
	CmdOffPeak         = "off_peak"
	CmdDelayWindow     = "delay_window"
	CmdChargeNowOptout = "charge_now_optout"
)

// DeviceState is the mutable per-device snapshot. All timestamps are Unix
// seconds unless suffixed otherwise; zero means unset.
type DeviceState struct {
	DeviceID string

	// Latest telemetry
	PilotState     string
	PilotMV        int
	CurrentMA      int
	ChargeAllowed  bool
	ChargeNow      bool
	FaultMask      int // Bits 0..3: sensor, clamp, interlock, selftest
	AppBuild       int
	PlatformBuild  int
	LastUplinkUnix int64

	// Scheduler intent
	LastCommand   string
	Reason        string
	MoerPercent   int // -1 when no signal
	TouPeak       bool
	WindowStartSC int64
	WindowEndSC   int64
	SentUnix      int64
	OverrideUntil int64 // Charge-now opt-out expiry

	// Time sync
	LastSyncUnix  int64
	LastSyncEpoch int64

	// Divergence tracker
	DivergenceRetries    int
	DivergenceLastUnix   int64
	DivergenceSchedCmd   string
	DivergenceDevAllowed bool
}

// OTA session statuses
const (
	OTAStarting   = "starting"
	OTASending    = "sending"
	OTARetrying   = "retrying"
	OTAValidating = "validating"
	OTARestarting = "restarting"
)

// OTASession is the durable per-device transfer state. At most one per
// device; deleted on COMPLETE or abort.
type OTASession struct {
	DeviceID string

	Bucket      string
	Key         string
	FwSize      int64
	FwCRC32     uint32
	TotalChunks int
	ChunkSize   int
	Version     int
	Signed      bool

	NextChunk    int
	HighestAcked int
	Retries      int
	Restarts     int
	Status       string

	// Delta mode: absolute indices of changed chunks, nil in full mode.
	// An image identical to the baseline carries an empty non-nil list.
	DeltaChunks   []int
	DeltaCursor   int
	BaselineCRC32 uint32
	BaselineSize  int64

	StartedAt int64
	UpdatedAt int64
}

// DeltaMode reports whether the session transfers only changed chunks.
func (s *OTASession) DeltaMode() bool {
	return s.BaselineSize > 0
}

// DailyAggregate is a per-device per-day roll-up derived from the event log.
type DailyAggregate struct {
	DeviceID string
	Date     string // YYYY-MM-DD, Mountain Time

	UplinkCount     int
	ExpectedUplinks int
	AvailabilityPct float64
	ChargingSeconds int64
	EnergyWh        float64
	FaultSensor     int
	FaultClamp      int
	FaultInterlock  int
	FaultSelftest   int
	PeakCurrentMA   int
	ExpiresAt       int64
}
