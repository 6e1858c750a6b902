package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuildChargeControl(t *testing.T) {
	allow := BuildChargeControl(true)
	if !bytes.Equal(allow, []byte{0x10, 0x01, 0x00, 0x00}) {
		t.Errorf("allow: got %x", allow)
	}

	deny := BuildChargeControl(false)
	if !bytes.Equal(deny, []byte{0x10, 0x00, 0x00, 0x00}) {
		t.Errorf("deny: got %x", deny)
	}
}

func TestBuildDelayWindow(t *testing.T) {
	payload := BuildDelayWindow(1000, 15400)

	if len(payload) != 10 {
		t.Fatalf("length: got %d, want 10", len(payload))
	}
	if payload[0] != CmdChargeControl || payload[1] != ChargeSubWindow {
		t.Errorf("header: got %x", payload[:2])
	}
	if got := binary.LittleEndian.Uint32(payload[2:6]); got != 1000 {
		t.Errorf("start: got %d, want 1000", got)
	}
	if got := binary.LittleEndian.Uint32(payload[6:10]); got != 15400 {
		t.Errorf("end: got %d, want 15400", got)
	}
}

func TestBuildTimeSync(t *testing.T) {
	payload := BuildTimeSync(5000000, 5000000)

	if len(payload) != 9 {
		t.Fatalf("length: got %d, want 9", len(payload))
	}
	if payload[0] != CmdTimeSync {
		t.Errorf("cmd byte: got 0x%02X", payload[0])
	}
	if got := binary.LittleEndian.Uint32(payload[1:5]); got != 5000000 {
		t.Errorf("epoch: got %d", got)
	}
	if got := binary.LittleEndian.Uint32(payload[5:9]); got != 5000000 {
		t.Errorf("watermark: got %d", got)
	}
}

func TestBuildOTAStart(t *testing.T) {
	payload := BuildOTAStart(61440, 4096, 15, 0xDEADBEEF, 3, OTAFlagSigned)

	if len(payload) != 19 {
		t.Fatalf("length: got %d, want 19", len(payload))
	}
	if payload[0] != CmdOTA || payload[1] != OTASubStart {
		t.Errorf("header: got %x", payload[:2])
	}
	if got := binary.LittleEndian.Uint32(payload[2:6]); got != 61440 {
		t.Errorf("size: got %d", got)
	}
	if got := binary.LittleEndian.Uint16(payload[6:8]); got != 4096 {
		t.Errorf("total chunks: got %d", got)
	}
	if got := binary.LittleEndian.Uint16(payload[8:10]); got != 15 {
		t.Errorf("chunk size: got %d", got)
	}
	if got := binary.LittleEndian.Uint32(payload[10:14]); got != 0xDEADBEEF {
		t.Errorf("crc: got 0x%08X", got)
	}
	if got := binary.LittleEndian.Uint32(payload[14:18]); got != 3 {
		t.Errorf("version: got %d", got)
	}
	if payload[18] != OTAFlagSigned {
		t.Errorf("flags: got 0x%02X", payload[18])
	}
}

func TestBuildOTAChunk(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC}
	payload := BuildOTAChunk(0x0102, data)

	if len(payload) != 4+len(data) {
		t.Fatalf("length: got %d, want %d", len(payload), 4+len(data))
	}
	want := []byte{0x20, 0x02, 0x02, 0x01}
	if !bytes.Equal(payload[:4], want) {
		t.Errorf("header: got %x, want %x", payload[:4], want)
	}
	if !bytes.Equal(payload[4:], data) {
		t.Errorf("data: got %x", payload[4:])
	}
}

// TestDownlinksFitMTU enforces the 19-byte radio budget on every builder.
func TestDownlinksFitMTU(t *testing.T) {
	full := make([]byte, 15)
	builders := map[string][]byte{
		"charge allow": BuildChargeControl(true),
		"delay window": BuildDelayWindow(0, 0xFFFFFFFF),
		"ota start":    BuildOTAStart(256*1024, 65535, 15, 0xFFFFFFFF, 0xFFFFFFFF, 0xFF),
		"ota chunk":    BuildOTAChunk(65535, full),
		"ota abort":    BuildOTAAbort(),
		"time sync":    BuildTimeSync(0xFFFFFFFF, 0xFFFFFFFF),
		"diag request": BuildDiagRequest(),
	}

	for name, payload := range builders {
		if len(payload) > MaxDownlinkSize {
			t.Errorf("%s: %d bytes exceeds %d byte MTU", name, len(payload), MaxDownlinkSize)
		}
	}
}

func TestDecodeOTAUplinks(t *testing.T) {
	t.Run("ack", func(t *testing.T) {
		data := []byte{0x20, 0x80, 0x00, 0x05, 0x00, 0x05, 0x00}
		ack, ok := Decode(data).(OTAAck)
		if !ok {
			t.Fatalf("got %T, want OTAAck", Decode(data))
		}
		if ack.Status != OTAStatusOK || ack.NextChunk != 5 || ack.ChunksReceived != 5 {
			t.Errorf("ack: %+v", ack)
		}
	})

	t.Run("ack no_session", func(t *testing.T) {
		data := []byte{0x20, 0x80, 0x03, 0x02, 0x00, 0x02, 0x00}
		ack, ok := Decode(data).(OTAAck)
		if !ok {
			t.Fatalf("got %T, want OTAAck", Decode(data))
		}
		if ack.Status != OTAStatusNoSession {
			t.Errorf("status: got %d, want %d", ack.Status, OTAStatusNoSession)
		}
	})

	t.Run("complete", func(t *testing.T) {
		data := []byte{0x20, 0x81, 0x00, 0xEF, 0xBE, 0xAD, 0xDE}
		comp, ok := Decode(data).(OTAComplete)
		if !ok {
			t.Fatalf("got %T, want OTAComplete", Decode(data))
		}
		if comp.Result != OTAStatusOK || comp.CRC32Calc != 0xDEADBEEF {
			t.Errorf("complete: %+v", comp)
		}
	})

	t.Run("status", func(t *testing.T) {
		data := []byte{0x20, 0x82, 0x02, 0x80, 0x00, 0x00, 0x10, 0x03, 0x00, 0x00, 0x00}
		st, ok := Decode(data).(OTAStatus)
		if !ok {
			t.Fatalf("got %T, want OTAStatus", Decode(data))
		}
		if st.Phase != 2 || st.ChunksReceived != 128 || st.TotalChunks != 4096 || st.AppVersion != 3 {
			t.Errorf("status: %+v", st)
		}
	})

	t.Run("short ack", func(t *testing.T) {
		data := []byte{0x20, 0x80, 0x00}
		if _, ok := Decode(data).(Unknown); !ok {
			t.Errorf("short ACK should be Unknown, got %T", Decode(data))
		}
	})

	t.Run("unknown subtype", func(t *testing.T) {
		data := []byte{0x20, 0x99, 0x00, 0x00, 0x00, 0x00, 0x00}
		if _, ok := Decode(data).(Unknown); !ok {
			t.Errorf("unknown subtype should be Unknown, got %T", Decode(data))
		}
	})
}

func TestAppendAuthTag(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, AuthKeySize)

	tagged, err := AppendAuthTag(key, BuildChargeControl(true))
	if err != nil {
		t.Fatalf("AppendAuthTag failed: %v", err)
	}
	if len(tagged) != 12 {
		t.Errorf("tagged legacy command: got %d bytes, want 12", len(tagged))
	}

	payload, ok := VerifyAuthTag(key, tagged)
	if !ok {
		t.Fatal("VerifyAuthTag rejected a valid tag")
	}
	if !bytes.Equal(payload, BuildChargeControl(true)) {
		t.Errorf("verified payload: got %x", payload)
	}

	// Flipping any payload byte must fail verification.
	corrupt := append([]byte{}, tagged...)
	corrupt[1] ^= 0x01
	if _, ok := VerifyAuthTag(key, corrupt); ok {
		t.Error("VerifyAuthTag accepted a corrupted payload")
	}

	// Delay window + tag stays within the MTU.
	taggedWindow, err := AppendAuthTag(key, BuildDelayWindow(0, 1800))
	if err != nil {
		t.Fatalf("AppendAuthTag(window) failed: %v", err)
	}
	if len(taggedWindow) != 18 {
		t.Errorf("tagged window: got %d bytes, want 18", len(taggedWindow))
	}

	// A full-size chunk cannot carry a tag.
	if _, err := AppendAuthTag(key, BuildOTAChunk(0, make([]byte, 15))); err == nil {
		t.Error("expected MTU error for tagged full chunk")
	}
}

func TestParseAuthKey(t *testing.T) {
	if _, err := ParseAuthKey("zz"); err == nil {
		t.Error("expected error for bad hex")
	}
	if _, err := ParseAuthKey("abcd"); err == nil {
		t.Error("expected error for short key")
	}
	key, err := ParseAuthKey("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	if err != nil {
		t.Fatalf("ParseAuthKey failed: %v", err)
	}
	if len(key) != AuthKeySize {
		t.Errorf("key length: got %d", len(key))
	}
}

func TestEpochConversion(t *testing.T) {
	if got := ToSC(EpochOffset); got != 0 {
		t.Errorf("ToSC(offset): got %d, want 0", got)
	}
	if got := ToSC(EpochOffset + 3600); got != 3600 {
		t.Errorf("ToSC(+1h): got %d, want 3600", got)
	}
	if got := ToSC(100); got != 0 {
		t.Errorf("ToSC(pre-epoch): got %d, want 0", got)
	}
	if got := FromSC(3600); got != EpochOffset+3600 {
		t.Errorf("FromSC: got %d", got)
	}
}
