// Package protocol defines the SideCharge wire formats: versioned EVSE
// telemetry, device diagnostics, OTA transfer frames, and the downlink
// command builders. All multi-byte integers are little-endian.
package protocol

// Frame magic bytes and command types
const (
	// Device -> Cloud frames
	MagicTelemetry   uint8 = 0xE5 // Versioned EVSE telemetry
	MagicDiagnostics uint8 = 0xE6 // Device diagnostics report

	// Bidirectional command types
	CmdChargeControl uint8 = 0x10 // Charge allow / delay window
	CmdOTA           uint8 = 0x20 // OTA transfer (sub-typed)
	CmdTimeSync      uint8 = 0x30 // Epoch + watermark push
	CmdDiagRequest   uint8 = 0x40 // Request a diagnostics report
)

// Telemetry versions. Versions below 0x07 use the original 8-byte
// layout; each later version appends fields.
const (
	TelemetryV6  uint8 = 0x06 // 8 B: state, pilot mV, current mA, flags
	TelemetryV7  uint8 = 0x07 // 12 B: + device epoch
	TelemetryV8  uint8 = 0x08 // 12 B: flags bit 0 reclaimed as reserved
	TelemetryV9  uint8 = 0x09 // 13 B: + transition reason
	TelemetryV10 uint8 = 0x0A // 15 B: + app/platform build versions
)

// Telemetry flags byte
const (
	FlagThermHeat      uint8 = 0x01 // v<=0x07 only; reserved from v0x08
	FlagThermCool      uint8 = 0x02
	FlagChargeAllowed  uint8 = 0x04 // v>=0x07
	FlagChargeNow      uint8 = 0x08 // v>=0x07
	FlagFaultSensor    uint8 = 0x10
	FlagFaultClamp     uint8 = 0x20
	FlagFaultInterlock uint8 = 0x40
	FlagFaultSelftest  uint8 = 0x80
)

// Charge control subtypes
const (
	ChargeSubDeny   uint8 = 0x00
	ChargeSubAllow  uint8 = 0x01
	ChargeSubWindow uint8 = 0x02
)

// OTA subtypes, downlink
const (
	OTASubStart uint8 = 0x01
	OTASubChunk uint8 = 0x02
	OTASubAbort uint8 = 0x03
)

// OTA subtypes, uplink
const (
	OTASubAck      uint8 = 0x80
	OTASubComplete uint8 = 0x81
	OTASubStatus   uint8 = 0x82
)

// OTA status codes reported by the device
const (
	OTAStatusOK        int8 = 0
	OTAStatusCRCErr    int8 = 1
	OTAStatusFlashErr  int8 = 2
	OTAStatusNoSession int8 = 3
	OTAStatusSizeErr   int8 = 4
)

// OTA START flags byte
const (
	OTAFlagSigned uint8 = 0x01 // Image carries a trailing ED25519 signature
)

// Diagnostics state flags
const (
	StateFlagSidewalkReady uint8 = 0x01
	StateFlagChargeAllowed uint8 = 0x02
	StateFlagChargeNow     uint8 = 0x04
	StateFlagInterlock     uint8 = 0x08
	StateFlagSelftestPass  uint8 = 0x10
	StateFlagOTAInProgress uint8 = 0x20
	StateFlagTimeSynced    uint8 = 0x40
)

// EpochOffset is the SideCharge epoch: Unix seconds of 2026-01-01T00:00:00Z.
// On-wire timestamps ("_sc" values) are 32-bit seconds past this offset.
const EpochOffset int64 = 1767225600

// MaxDownlinkSize is the radio MTU. Every downlink, including the optional
// command-auth tag, must fit.
const MaxDownlinkSize = 19

// Field sanity bounds. A frame whose values exceed these is reported as
// Unknown rather than clamped.
const (
	MaxPilotMV   = 15000
	MaxCurrentMA = 100000
	MaxJ1772Code = 6
)

// ToSC converts Unix seconds to SideCharge epoch seconds. On the wire
// these are truncated to 32 bits by the downlink builders.
func ToSC(unix int64) int64 {
	if unix < EpochOffset {
		return 0
	}
	return unix - EpochOffset
}

// FromSC converts SideCharge epoch seconds back to Unix seconds.
func FromSC(sc int64) int64 {
	return sc + EpochOffset
}

// Uplink is a decoded device-to-cloud frame. Exactly one of the concrete
// types below: Telemetry, Diagnostics, OTAAck, OTAComplete, OTAStatus,
// LegacyTelemetry, or Unknown.
type Uplink interface {
	uplink()
}

// Unknown is returned when a frame cannot be decoded. The raw bytes are
// preserved so the event log keeps them for forensics.
type Unknown struct {
	Raw    []byte
	Reason string
}

func (Unknown) uplink() {}

// Decode parses an uplink frame. It never fails: anything unparseable
// comes back as Unknown with the raw bytes attached.
func Decode(data []byte) Uplink {
	if len(data) == 0 {
		return Unknown{Raw: data, Reason: "empty frame"}
	}

	switch data[0] {
	case MagicTelemetry:
		return decodeTelemetry(data)
	case MagicDiagnostics:
		return decodeDiagnostics(data)
	case CmdOTA:
		return decodeOTAUplink(data)
	default:
		return decodeLegacy(data)
	}
}
