package protocol

import (
	"encoding/binary"
	"fmt"
)

// J1772 pilot states
const (
	J1772Unknown uint8 = 0 // Pilot not measured yet
	J1772StateA  uint8 = 1 // No vehicle (12 V)
	J1772StateB  uint8 = 2 // Vehicle connected, not ready (9 V)
	J1772StateC  uint8 = 3 // Vehicle ready, charging (6 V)
	J1772StateD  uint8 = 4 // Vehicle ready, ventilation required (3 V)
	J1772StateE  uint8 = 5 // Error, short circuit
	J1772StateF  uint8 = 6 // Error, no pilot
)

// Transition reason codes (v0x09+)
const (
	TransitionNone        uint8 = 0
	TransitionCloudCmd    uint8 = 1
	TransitionDelayWindow uint8 = 2
	TransitionChargeNow   uint8 = 3
	TransitionAutoResume  uint8 = 4
	TransitionManual      uint8 = 5
)

// Telemetry is a decoded 0xE5 frame. Fields past the common block are
// zero-valued when the frame version does not carry them.
type Telemetry struct {
	Version   uint8
	StateCode uint8
	PilotMV   uint16
	CurrentMA uint16
	Flags     uint8

	ThermHeat bool // v<=0x07
	ThermCool bool

	ChargeAllowed bool // v>=0x07
	ChargeNow     bool

	FaultSensor    bool
	FaultClamp     bool
	FaultInterlock bool
	FaultSelftest  bool

	DeviceEpoch    uint32 // v>=0x07; SideCharge epoch seconds, 0 = unsynced
	TransitionCode uint8  // v>=0x09
	AppBuild       uint8  // v>=0x0A
	PlatformBuild  uint8  // v>=0x0A
}

func (Telemetry) uplink() {}

// State returns the J1772 letter for the pilot state code.
func (t Telemetry) State() string {
	return J1772StateString(t.StateCode)
}

// TransitionReason names the transition code, preserving unrecognized
// codes as "unknown_N".
func (t Telemetry) TransitionReason() string {
	return TransitionReasonString(t.TransitionCode)
}

// HasFault reports whether any of the four fault flags is set.
func (t Telemetry) HasFault() bool {
	return t.FaultSensor || t.FaultClamp || t.FaultInterlock || t.FaultSelftest
}

// J1772StateString maps a pilot state code to its letter.
func J1772StateString(code uint8) string {
	switch code {
	case J1772StateA:
		return "A"
	case J1772StateB:
		return "B"
	case J1772StateC:
		return "C"
	case J1772StateD:
		return "D"
	case J1772StateE:
		return "E"
	case J1772StateF:
		return "F"
	default:
		return "UNKNOWN"
	}
}

// TransitionReasonString names a transition reason code.
func TransitionReasonString(code uint8) string {
	switch code {
	case TransitionNone:
		return "none"
	case TransitionCloudCmd:
		return "cloud_cmd"
	case TransitionDelayWindow:
		return "delay_window"
	case TransitionChargeNow:
		return "charge_now"
	case TransitionAutoResume:
		return "auto_resume"
	case TransitionManual:
		return "manual"
	default:
		return fmt.Sprintf("unknown_%d", code)
	}
}

// telemetryFrameSize returns the expected frame length for a version,
// or 0 for versions past the known set.
func telemetryFrameSize(version uint8) int {
	switch {
	case version < TelemetryV7:
		return 8
	case version == TelemetryV7 || version == TelemetryV8:
		return 12
	case version == TelemetryV9:
		return 13
	case version == TelemetryV10:
		return 15
	default:
		return 0
	}
}

// decodeTelemetry parses a 0xE5 frame. Out-of-range fields make the whole
// frame Unknown; values are never clamped.
func decodeTelemetry(data []byte) Uplink {
	if len(data) < 8 {
		return Unknown{Raw: data, Reason: fmt.Sprintf("telemetry frame too short: %d bytes", len(data))}
	}

	version := data[1]
	want := telemetryFrameSize(version)
	if want == 0 {
		return Unknown{Raw: data, Reason: fmt.Sprintf("unrecognized telemetry version 0x%02X", version)}
	}
	if len(data) < want {
		return Unknown{Raw: data, Reason: fmt.Sprintf("telemetry v0x%02X frame too short: %d bytes", version, len(data))}
	}

	t := Telemetry{
		Version:   version,
		StateCode: data[2],
		PilotMV:   binary.LittleEndian.Uint16(data[3:5]),
		CurrentMA: binary.LittleEndian.Uint16(data[5:7]),
		Flags:     data[7],
	}

	if t.StateCode > MaxJ1772Code {
		return Unknown{Raw: data, Reason: fmt.Sprintf("J1772 state code out of range: %d", t.StateCode)}
	}
	if t.PilotMV > MaxPilotMV {
		return Unknown{Raw: data, Reason: fmt.Sprintf("pilot voltage out of range: %d mV", t.PilotMV)}
	}

	if version <= TelemetryV7 {
		t.ThermHeat = t.Flags&FlagThermHeat != 0
	}
	t.ThermCool = t.Flags&FlagThermCool != 0
	if version >= TelemetryV7 {
		t.ChargeAllowed = t.Flags&FlagChargeAllowed != 0
		t.ChargeNow = t.Flags&FlagChargeNow != 0
	}
	t.FaultSensor = t.Flags&FlagFaultSensor != 0
	t.FaultClamp = t.Flags&FlagFaultClamp != 0
	t.FaultInterlock = t.Flags&FlagFaultInterlock != 0
	t.FaultSelftest = t.Flags&FlagFaultSelftest != 0

	if version >= TelemetryV7 {
		t.DeviceEpoch = binary.LittleEndian.Uint32(data[8:12])
	}
	if version >= TelemetryV9 {
		t.TransitionCode = data[12]
	}
	if version >= TelemetryV10 {
		t.AppBuild = data[13]
		t.PlatformBuild = data[14]
	}

	return t
}

// EncodeTelemetry builds a canonical v0x0A telemetry frame. Used by tests
// and simulators; devices are the normal producers.
func EncodeTelemetry(t Telemetry) []byte {
	buf := make([]byte, 15)
	buf[0] = MagicTelemetry
	buf[1] = TelemetryV10
	buf[2] = t.StateCode
	binary.LittleEndian.PutUint16(buf[3:5], t.PilotMV)
	binary.LittleEndian.PutUint16(buf[5:7], t.CurrentMA)

	var flags uint8
	if t.ThermCool {
		flags |= FlagThermCool
	}
	if t.ChargeAllowed {
		flags |= FlagChargeAllowed
	}
	if t.ChargeNow {
		flags |= FlagChargeNow
	}
	if t.FaultSensor {
		flags |= FlagFaultSensor
	}
	if t.FaultClamp {
		flags |= FlagFaultClamp
	}
	if t.FaultInterlock {
		flags |= FlagFaultInterlock
	}
	if t.FaultSelftest {
		flags |= FlagFaultSelftest
	}
	buf[7] = flags

	binary.LittleEndian.PutUint32(buf[8:12], t.DeviceEpoch)
	buf[12] = t.TransitionCode
	buf[13] = t.AppBuild
	buf[14] = t.PlatformBuild
	return buf
}
