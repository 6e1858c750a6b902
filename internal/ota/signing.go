package ota

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SignatureSize is the ed25519 signature appended to signed images
const SignatureSize = ed25519.SignatureSize

// GenerateSigningKeys creates a new ed25519 keypair for image signing
func GenerateSigningKeys() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate signing keys: %w", err)
	}
	return pub, priv, nil
}

// SignImage appends the detached ed25519 signature to an image. The
// device verifies it after reassembly, before swapping slots.
func SignImage(priv ed25519.PrivateKey, image []byte) []byte {
	sig := ed25519.Sign(priv, image)
	return append(append([]byte{}, image...), sig...)
}

// VerifyImage checks a signed image and returns the bare image
func VerifyImage(pub ed25519.PublicKey, signed []byte) ([]byte, bool) {
	if len(signed) <= SignatureSize {
		return nil, false
	}
	image := signed[:len(signed)-SignatureSize]
	sig := signed[len(signed)-SignatureSize:]
	if !ed25519.Verify(pub, image, sig) {
		return nil, false
	}
	return image, true
}

// DefaultKeyDir returns the operator key directory
func DefaultKeyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sidecharge"
	}
	return filepath.Join(home, ".sidecharge")
}

// WriteKeyPair stores a keypair hex-encoded under dir as signing.key
// and signing.pub. The private key file is owner-readable only.
func WriteKeyPair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "signing.key"), []byte(hex.EncodeToString(priv)+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "signing.pub"), []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

// LoadPrivateKey reads a hex-encoded private key file
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// ParsePublicKey decodes a hex-encoded public key
func ParsePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// LoadPublicKey reads a hex-encoded public key file
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return ParsePublicKey(string(data))
}
