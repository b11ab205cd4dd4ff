// Package keystore resolves the node's long-lived key material: an AEAD
// key for private MemoryStore values and an Ed25519 signing key for
// Federation DIDs. Both follow the same read-or-generate-and-persist shape,
// adapted from the teacher's token-secret file provider.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	aeadKeyFileName   = "memory_aead.key"
	signingFileName   = "node_signing.key"
	dirPerm           = 0o700
	filePerm          = 0o600
	aeadKeyByteLength = chacha20poly1305.KeySize // 32 bytes
)

// KeyPair is the node's resolved key material.
type KeyPair struct {
	// AEADKey encrypts private MemoryStore records for this node.
	AEADKey [aeadKeyByteLength]byte
	// Signing is the node's Ed25519 identity used to sign DID challenges.
	Signing ed25519.PrivateKey
}

// PublicKeyHex returns the node's Ed25519 public key as lowercase hex, the
// form embedded in a DID suffix.
func (k KeyPair) PublicKeyHex() string {
	pub := k.Signing.Public().(ed25519.PublicKey)
	return hex.EncodeToString(pub)
}

// Resolve reads the node's keys from dir, generating and persisting any
// that are missing. Safe to call concurrently from multiple first-boot
// processes: the write race is resolved by exclusive create, matching the
// teacher's token-secret provider.
func Resolve(dir string) (KeyPair, error) {
	var kp KeyPair

	aead, err := resolveSecret(filepath.Join(dir, aeadKeyFileName), aeadKeyByteLength)
	if err != nil {
		return kp, fmt.Errorf("failed to resolve memory AEAD key: %w", err)
	}
	copy(kp.AEADKey[:], aead)

	seed, err := resolveSecret(filepath.Join(dir, signingFileName), ed25519.SeedSize)
	if err != nil {
		return kp, fmt.Errorf("failed to resolve node signing key: %w", err)
	}
	kp.Signing = ed25519.NewKeyFromSeed(seed)

	return kp, nil
}

// resolveSecret reads n raw bytes from path, or generates and persists n
// random bytes if the file is missing or empty.
func resolveSecret(path string, n int) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a trusted config directory
	if err == nil && len(data) == n {
		return data, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	if err == nil && len(data) == 0 {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove empty key file %s: %w", path, rmErr)
		}
	}

	secret := make([]byte, n)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create key directory %s: %w", dir, err)
	}

	if err := writeExclusive(path, secret, filePerm); err != nil {
		if errors.Is(err, os.ErrExist) {
			winner, readErr := os.ReadFile(path) //nolint:gosec // path is derived from a trusted config directory
			if readErr != nil {
				return nil, fmt.Errorf("failed to read key file after race: %w", readErr)
			}
			return winner, nil
		}
		return nil, fmt.Errorf("failed to write key file %s: %w", path, err)
	}

	return secret, nil
}

// writeExclusive atomically creates path with data, failing with
// os.ErrExist if another process already created it. Writes to a temp
// file then hard-links into place so a reader never observes a partial
// file, matching the teacher's token-secret write path.
func writeExclusive(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".keystore.*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return os.ErrExist
		}
		return err
	}
	return nil
}
