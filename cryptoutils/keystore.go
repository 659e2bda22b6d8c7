package cryptoutils

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

// KeyFileName is the default location of the node's X25519 private key.
const KeyFileName = "key_x25519"

var ErrInvalidKeyFile = errors.New("invalid x25519 key file")

// KeyStore holds the node's long-term X25519 identity. It is created once at
// startup and never mutated, so it is safe to share between requests.
type KeyStore struct {
	privateKey [32]byte
	publicKey  [32]byte
}

// NewKeyStore builds a key store from a raw 32-byte X25519 private key.
func NewKeyStore(privateKey []byte) (*KeyStore, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: expected %d bytes, not %d bytes", ErrInvalidKeyFile, curve25519.ScalarSize, len(privateKey))
	}

	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("could not derive public key: %w", err)
	}

	ks := &KeyStore{}
	copy(ks.privateKey[:], privateKey)
	copy(ks.publicKey[:], pub)
	return ks, nil
}

// GenerateKeyStore creates a key store with a fresh random private key.
func GenerateKeyStore() (*KeyStore, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKeyStore(priv[:])
}

// LoadOrCreateKeyStore reads the raw private key at path, generating and
// persisting a new one (mode 0600) when the file does not exist.
func LoadOrCreateKeyStore(path string, log *slog.Logger) (*KeyStore, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		ks, err := NewKeyStore(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		log.Info("Loaded x25519 key", "path", path, "pubkey", ks.PublicKeyHex())
		return ks, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("could not read key file: %w", err)
	}

	ks, err := GenerateKeyStore()
	if err != nil {
		return nil, err
	}

	if err := writeFileAtomic(path, ks.privateKey[:], 0600); err != nil {
		return nil, fmt.Errorf("could not persist key file: %w", err)
	}

	log.Warn("Generated new x25519 key", "path", path, "pubkey", ks.PublicKeyHex())
	return ks, nil
}

func (ks *KeyStore) PublicKey() [32]byte {
	return ks.publicKey
}

func (ks *KeyStore) PublicKeyHex() string {
	return hex.EncodeToString(ks.publicKey[:])
}

// ServerSession derives the symmetric session for an onion request sent with
// the given ephemeral public key.
func (ks *KeyStore) ServerSession(cipher Cipher, ephemeralPub []byte) (*Session, error) {
	shared, err := sharedSecret(ks.privateKey[:], ephemeralPub)
	if err != nil {
		return nil, err
	}
	return newSession(cipher, shared, ephemeralPub, ks.publicKey[:])
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
