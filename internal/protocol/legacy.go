package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// legacyTypeEVSE is the payload type byte of the pre-versioned envelope.
const legacyTypeEVSE uint8 = 0x01

// LegacyTelemetry is a frame recovered from the original variable-offset
// demo envelope: the 0x01 type byte is found by scanning and the seven
// bytes after it parsed as the old telemetry layout.
type LegacyTelemetry struct {
	StateCode      uint8
	PilotMV        uint16
	CurrentMA      uint16
	ThermostatBits uint8
	Offset         int // Envelope offset where the payload was found
}

func (LegacyTelemetry) uplink() {}

// State returns the J1772 letter for the pilot state code.
func (l LegacyTelemetry) State() string {
	return J1772StateString(l.StateCode)
}

// decodeLegacy attempts the legacy envelope fallbacks: an ASCII-hex
// wrapping first, then a scan for a plausible 0x01 payload. Both are
// best-effort; failure yields Unknown, never an error.
func decodeLegacy(data []byte) Uplink {
	if unwrapped, ok := unwrapASCIIHex(data); ok {
		if lt, found := scanLegacyEnvelope(unwrapped); found {
			return lt
		}
	}
	if lt, found := scanLegacyEnvelope(data); found {
		return lt
	}
	return Unknown{Raw: data, Reason: fmt.Sprintf("unrecognized frame: first byte 0x%02X", data[0])}
}

// unwrapASCIIHex detects a payload that is itself hex text (some gateways
// double-encode) and decodes it.
func unwrapASCIIHex(data []byte) ([]byte, bool) {
	if len(data) < 4 || len(data)%2 != 0 {
		return nil, false
	}
	for _, b := range data {
		if !isHexChar(b) {
			return nil, false
		}
	}
	decoded, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, false
	}
	return decoded, true
}

func isHexChar(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'f' || b >= 'A' && b <= 'F'
}

// scanLegacyEnvelope searches for a 0x01 type byte followed by a sane
// seven-byte telemetry layout. The envelope header length varies, so every
// offset is tried.
func scanLegacyEnvelope(data []byte) (LegacyTelemetry, bool) {
	if len(data) < 7 {
		return LegacyTelemetry{}, false
	}

	for offset := 0; offset <= len(data)-6; offset++ {
		if data[offset] != legacyTypeEVSE {
			continue
		}
		state := data[offset+1]
		if state > MaxJ1772Code {
			continue
		}
		mv := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		ma := binary.LittleEndian.Uint16(data[offset+4 : offset+6])
		if int(mv) > MaxPilotMV || int(ma) > MaxCurrentMA {
			continue
		}

		var therm uint8
		if offset+6 < len(data) {
			therm = data[offset+6]
		}
		return LegacyTelemetry{
			StateCode:      state,
			PilotMV:        mv,
			CurrentMA:      ma,
			ThermostatBits: therm,
			Offset:         offset,
		}, true
	}
	return LegacyTelemetry{}, false
}
