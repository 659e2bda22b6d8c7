package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Cipher names the symmetric scheme an onion request was encrypted with.
type Cipher string

const (
	CipherAESGCM    Cipher = "aes-gcm"
	CipherXChaCha20 Cipher = "xchacha20"
)

var (
	ErrProtocol      = errors.New("malformed onion request")
	ErrUnknownCipher = fmt.Errorf("%w: unknown encryption type", ErrProtocol)
	ErrLowOrderKey   = fmt.Errorf("%w: ephemeral key yields an all-zero shared secret", ErrProtocol)
	ErrDecrypt       = fmt.Errorf("%w: decryption failed", ErrProtocol)
)

// ParseCipher maps an enc_type tag to a Cipher. An empty tag means aes-gcm.
func ParseCipher(tag string) (Cipher, error) {
	switch tag {
	case "", "aes-gcm", "gcm":
		return CipherAESGCM, nil
	case "xchacha20", "xchacha20-poly1305":
		return CipherXChaCha20, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCipher, tag)
	}
}

// Session is the symmetric half of an onion exchange. The same session
// decrypts the request and encrypts the reply; every Encrypt draws a fresh
// nonce.
type Session struct {
	cipher Cipher
	aead   cipher.AEAD
}

func (s *Session) Cipher() Cipher {
	return s.cipher
}

// Encrypt returns nonce || ciphertext || tag.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt expects nonce || ciphertext || tag and authenticates it.
func (s *Session) Decrypt(data []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// ClientSession creates a fresh ephemeral key pair and derives the session a
// client uses to talk to serverPub. It returns the ephemeral public key that
// must accompany the request.
func ClientSession(c Cipher, serverPub []byte) (*Session, []byte, error) {
	var ephemeralPriv [32]byte
	if _, err := rand.Read(ephemeralPriv[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	ephemeralPub, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}

	shared, err := sharedSecret(ephemeralPriv[:], serverPub)
	if err != nil {
		return nil, nil, err
	}

	s, err := newSession(c, shared, ephemeralPub, serverPub)
	if err != nil {
		return nil, nil, err
	}
	return s, ephemeralPub, nil
}

func sharedSecret(priv, pub []byte) ([]byte, error) {
	if len(pub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: ephemeral key must be %d bytes", ErrProtocol, curve25519.PointSize)
	}

	// X25519 rejects low-order points by returning an error for an all-zero output.
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, ErrLowOrderKey
	}
	return shared, nil
}

func newSession(c Cipher, shared, ephemeralPub, serverPub []byte) (*Session, error) {
	switch c {
	case CipherXChaCha20:
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, err
		}
		h.Write(shared)
		h.Write(ephemeralPub)
		h.Write(serverPub)

		aead, err := chacha20poly1305.NewX(h.Sum(nil))
		if err != nil {
			return nil, err
		}
		return &Session{cipher: c, aead: aead}, nil

	case CipherAESGCM:
		block, err := aes.NewCipher(shared)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return &Session{cipher: c, aead: aead}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, string(c))
	}
}

// EnvelopeMetadata is the cleartext JSON trailing an onion request. Only the
// key and cipher fields are used; the routing fields are informational.
type EnvelopeMetadata struct {
	EphemeralKey string `json:"ephemeral_key"`
	EncType      string `json:"enc_type,omitempty"`
	Host         string `json:"host,omitempty"`
	Port         any    `json:"port,omitempty"`
	Protocol     string `json:"protocol,omitempty"`
	Target       string `json:"target,omitempty"`
}

// Envelope is a parsed onion request:
//
//	[ciphertext length (uint32 LE)][ciphertext][metadata JSON]
type Envelope struct {
	Ciphertext   []byte
	EphemeralKey []byte
	Cipher       Cipher
	Metadata     EnvelopeMetadata
}

// ParseEnvelope splits an onion request body into ciphertext and metadata.
func ParseEnvelope(body []byte) (*Envelope, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: request too short", ErrProtocol)
	}

	ctLen := binary.LittleEndian.Uint32(body[:4])
	if uint64(ctLen) > uint64(len(body)-4) {
		return nil, fmt.Errorf("%w: ciphertext length %d exceeds request size", ErrProtocol, ctLen)
	}

	ciphertext := body[4 : 4+ctLen]
	junk := body[4+ctLen:]

	var meta EnvelopeMetadata
	if err := json.Unmarshal(junk, &meta); err != nil {
		return nil, fmt.Errorf("%w: invalid metadata: %v", ErrProtocol, err)
	}

	ephemeralKey, err := hex.DecodeString(meta.EphemeralKey)
	if err != nil || len(ephemeralKey) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: invalid ephemeral_key", ErrProtocol)
	}

	c, err := ParseCipher(meta.EncType)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Ciphertext:   ciphertext,
		EphemeralKey: ephemeralKey,
		Cipher:       c,
		Metadata:     meta,
	}, nil
}

// Marshal encodes the envelope into the onion request wire format.
func (e *Envelope) Marshal() ([]byte, error) {
	meta := e.Metadata
	meta.EphemeralKey = hex.EncodeToString(e.EphemeralKey)
	if meta.EncType == "" {
		meta.EncType = string(e.Cipher)
	}

	junk, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4, 4+len(e.Ciphertext)+len(junk))
	binary.LittleEndian.PutUint32(out, uint32(len(e.Ciphertext)))
	out = append(out, e.Ciphertext...)
	return append(out, junk...), nil
}
