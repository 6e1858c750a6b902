package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// AuthTagSize is the truncated HMAC length appended to authenticated
// downlinks. Fixed at 8 bytes to preserve the 19-byte MTU: legacy charge
// control grows to 12 B, delay window to 18 B.
const AuthTagSize = 8

// AuthKeySize is the required pre-shared key length.
const AuthKeySize = 32

// ParseAuthKey decodes a hex-encoded 32-byte command-auth key.
func ParseAuthKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid auth key hex: %w", err)
	}
	if len(key) != AuthKeySize {
		return nil, fmt.Errorf("auth key must be %d bytes, got %d", AuthKeySize, len(key))
	}
	return key, nil
}

// AppendAuthTag appends the truncated HMAC-SHA256 tag of payload to
// payload. The result must still fit the radio MTU.
func AppendAuthTag(key, payload []byte) ([]byte, error) {
	if len(key) != AuthKeySize {
		return nil, fmt.Errorf("auth key must be %d bytes, got %d", AuthKeySize, len(key))
	}
	if len(payload)+AuthTagSize > MaxDownlinkSize {
		return nil, fmt.Errorf("authenticated payload %d bytes exceeds %d byte MTU",
			len(payload)+AuthTagSize, MaxDownlinkSize)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	tag := mac.Sum(nil)[:AuthTagSize]
	return append(append([]byte{}, payload...), tag...), nil
}

// VerifyAuthTag checks a tagged payload and returns the plaintext part.
func VerifyAuthTag(key, tagged []byte) ([]byte, bool) {
	if len(key) != AuthKeySize || len(tagged) <= AuthTagSize {
		return nil, false
	}
	payload := tagged[:len(tagged)-AuthTagSize]
	tag := tagged[len(tagged)-AuthTagSize:]

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	want := mac.Sum(nil)[:AuthTagSize]
	if !hmac.Equal(tag, want) {
		return nil, false
	}
	return payload, true
}
