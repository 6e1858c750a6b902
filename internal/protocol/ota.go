package protocol

import (
	"encoding/binary"
	"fmt"
)

// OTAAck is the device's per-chunk acknowledgment (subtype 0x80).
// NextChunk and ChunksReceived are sequence counters: in delta mode the
// cloud maps them to absolute chunk indices, the device never sees those.
type OTAAck struct {
	Status         int8
	NextChunk      uint16
	ChunksReceived uint16
}

func (OTAAck) uplink() {}

// OTAComplete is the device's end-of-transfer report (subtype 0x81).
type OTAComplete struct {
	Result    int8
	CRC32Calc uint32
}

func (OTAComplete) uplink() {}

// OTAStatus is an unsolicited transfer progress report (subtype 0x82).
type OTAStatus struct {
	Phase          uint8
	ChunksReceived uint16
	TotalChunks    uint16
	AppVersion     uint32
}

func (OTAStatus) uplink() {}

// OTAStatusString names a device OTA status code.
func OTAStatusString(status int8) string {
	switch status {
	case OTAStatusOK:
		return "ok"
	case OTAStatusCRCErr:
		return "crc_err"
	case OTAStatusFlashErr:
		return "flash_err"
	case OTAStatusNoSession:
		return "no_session"
	case OTAStatusSizeErr:
		return "size_err"
	default:
		return fmt.Sprintf("unknown_%d", status)
	}
}

func decodeOTAUplink(data []byte) Uplink {
	if len(data) < 2 {
		return Unknown{Raw: data, Reason: "OTA frame too short"}
	}

	switch data[1] {
	case OTASubAck:
		if len(data) < 7 {
			return Unknown{Raw: data, Reason: fmt.Sprintf("OTA ACK too short: %d bytes", len(data))}
		}
		return OTAAck{
			Status:         int8(data[2]),
			NextChunk:      binary.LittleEndian.Uint16(data[3:5]),
			ChunksReceived: binary.LittleEndian.Uint16(data[5:7]),
		}

	case OTASubComplete:
		if len(data) < 7 {
			return Unknown{Raw: data, Reason: fmt.Sprintf("OTA COMPLETE too short: %d bytes", len(data))}
		}
		return OTAComplete{
			Result:    int8(data[2]),
			CRC32Calc: binary.LittleEndian.Uint32(data[3:7]),
		}

	case OTASubStatus:
		if len(data) < 11 {
			return Unknown{Raw: data, Reason: fmt.Sprintf("OTA STATUS too short: %d bytes", len(data))}
		}
		return OTAStatus{
			Phase:          data[2],
			ChunksReceived: binary.LittleEndian.Uint16(data[3:5]),
			TotalChunks:    binary.LittleEndian.Uint16(data[5:7]),
			AppVersion:     binary.LittleEndian.Uint32(data[7:11]),
		}

	default:
		return Unknown{Raw: data, Reason: fmt.Sprintf("unrecognized OTA subtype 0x%02X", data[1])}
	}
}

// BuildOTAStart builds the 19-byte OTA START downlink. The flags byte
// announces delivery options to the device (signed image verification).
func BuildOTAStart(totalSize uint32, totalChunks, chunkSize uint16, crc uint32, version uint32, flags uint8) []byte {
	buf := make([]byte, 19)
	buf[0] = CmdOTA
	buf[1] = OTASubStart
	binary.LittleEndian.PutUint32(buf[2:6], totalSize)
	binary.LittleEndian.PutUint16(buf[6:8], totalChunks)
	binary.LittleEndian.PutUint16(buf[8:10], chunkSize)
	binary.LittleEndian.PutUint32(buf[10:14], crc)
	binary.LittleEndian.PutUint32(buf[14:18], version)
	buf[18] = flags
	return buf
}

// BuildOTAChunk builds a chunk downlink: 4-byte header plus up to 15 bytes
// of image data. No per-chunk CRC; the final image CRC32 validates the
// whole transfer.
func BuildOTAChunk(chunkIdx uint16, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	buf[0] = CmdOTA
	buf[1] = OTASubChunk
	binary.LittleEndian.PutUint16(buf[2:4], chunkIdx)
	copy(buf[4:], data)
	return buf
}

// BuildOTAAbort builds the 2-byte abort downlink.
func BuildOTAAbort() []byte {
	return []byte{CmdOTA, OTASubAbort}
}
