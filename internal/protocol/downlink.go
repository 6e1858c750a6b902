package protocol

import "encoding/binary"

// BuildChargeControl builds the legacy 4-byte charge control downlink:
// [0x10, allow, 0x00, 0x00].
func BuildChargeControl(allow bool) []byte {
	sub := ChargeSubDeny
	if allow {
		sub = ChargeSubAllow
	}
	return []byte{CmdChargeControl, sub, 0x00, 0x00}
}

// BuildDelayWindow builds the 10-byte delay window downlink:
// [0x10, 0x02, start_sc LE32, end_sc LE32]. The device pauses while
// start <= now <= end and resumes on its own when the window expires.
func BuildDelayWindow(startSC, endSC uint32) []byte {
	buf := make([]byte, 10)
	buf[0] = CmdChargeControl
	buf[1] = ChargeSubWindow
	binary.LittleEndian.PutUint32(buf[2:6], startSC)
	binary.LittleEndian.PutUint32(buf[6:10], endSC)
	return buf
}

// BuildTimeSync builds the 9-byte time sync downlink:
// [0x30, epoch_sc LE32, watermark_sc LE32]. The watermark tells the
// device which buffered events the cloud has already seen.
func BuildTimeSync(epochSC, watermarkSC uint32) []byte {
	buf := make([]byte, 9)
	buf[0] = CmdTimeSync
	binary.LittleEndian.PutUint32(buf[1:5], epochSC)
	binary.LittleEndian.PutUint32(buf[5:9], watermarkSC)
	return buf
}

// BuildDiagRequest builds the 1-byte diagnostics request downlink.
func BuildDiagRequest() []byte {
	return []byte{CmdDiagRequest}
}
