package protocol

import (
	"encoding/binary"
	"fmt"
)

// Device error codes carried in diagnostics frames
const (
	ErrCodeNone      uint8 = 0
	ErrCodeSensor    uint8 = 1
	ErrCodeClamp     uint8 = 2
	ErrCodeInterlock uint8 = 3
	ErrCodeSelftest  uint8 = 4
)

// diagnosticsFrameSize is the fixed 0xE6 frame length.
const diagnosticsFrameSize = 15

// Diagnostics is a decoded 0xE6 device report.
type Diagnostics struct {
	DiagVersion   uint8
	AppVersion    uint16
	UptimeS       uint32
	BootCount     uint16
	LastErrorCode uint8
	StateFlags    uint8

	SidewalkReady bool
	ChargeAllowed bool
	ChargeNow     bool
	Interlock     bool
	SelftestPass  bool
	OTAInProgress bool
	TimeSynced    bool

	EventBufferPending uint8
	AppBuild           uint8
	PlatformBuild      uint8
}

func (Diagnostics) uplink() {}

// LastError names the device error code.
func (d Diagnostics) LastError() string {
	return ErrorCodeString(d.LastErrorCode)
}

// ErrorCodeString names a device error code.
func ErrorCodeString(code uint8) string {
	switch code {
	case ErrCodeNone:
		return "none"
	case ErrCodeSensor:
		return "sensor"
	case ErrCodeClamp:
		return "clamp"
	case ErrCodeInterlock:
		return "interlock"
	case ErrCodeSelftest:
		return "selftest"
	default:
		return fmt.Sprintf("unknown_%d", code)
	}
}

func decodeDiagnostics(data []byte) Uplink {
	if len(data) < diagnosticsFrameSize {
		return Unknown{Raw: data, Reason: fmt.Sprintf("diagnostics frame too short: %d bytes", len(data))}
	}

	d := Diagnostics{
		DiagVersion:        data[1],
		AppVersion:         binary.LittleEndian.Uint16(data[2:4]),
		UptimeS:            binary.LittleEndian.Uint32(data[4:8]),
		BootCount:          binary.LittleEndian.Uint16(data[8:10]),
		LastErrorCode:      data[10],
		StateFlags:         data[11],
		EventBufferPending: data[12],
		AppBuild:           data[13],
		PlatformBuild:      data[14],
	}

	d.SidewalkReady = d.StateFlags&StateFlagSidewalkReady != 0
	d.ChargeAllowed = d.StateFlags&StateFlagChargeAllowed != 0
	d.ChargeNow = d.StateFlags&StateFlagChargeNow != 0
	d.Interlock = d.StateFlags&StateFlagInterlock != 0
	d.SelftestPass = d.StateFlags&StateFlagSelftestPass != 0
	d.OTAInProgress = d.StateFlags&StateFlagOTAInProgress != 0
	d.TimeSynced = d.StateFlags&StateFlagTimeSynced != 0

	return d
}
