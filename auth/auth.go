package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"filippo.io/edwards25519"
	"github.com/benbjohnson/clock"
	"github.com/ruteri/session-file-server/common"
	"golang.org/x/crypto/blake2b"
)

const (
	HeaderPubkey    = "X-FS-Pubkey"
	HeaderTimestamp = "X-FS-Timestamp"
	HeaderSignature = "X-FS-Signature"

	// BlindedKeyPrefix marks a 33-byte blinded Ed25519 public key.
	BlindedKeyPrefix byte = 0x07

	// MaxClockSkew bounds how far a request timestamp may be from now.
	MaxClockSkew = 24 * time.Hour
)

var (
	ErrBadRequest   = errors.New("invalid authentication headers")
	ErrStale        = errors.New("request timestamp too far from current time")
	ErrUnauthorized = errors.New("invalid request signature")
)

// Identity is the verified public key header value. The zero value means the
// request was not signed.
type Identity string

// Request is the part of an HTTP request covered by the signature.
type Request struct {
	Header   http.Header
	Method   string
	Path     string
	RawQuery string
	Body     []byte
}

// Authenticator verifies X-FS-* request signatures. It holds no per-request
// state.
type Authenticator struct {
	clock clock.Clock
}

func NewAuthenticator(clk clock.Clock) *Authenticator {
	if clk == nil {
		clk = clock.New()
	}
	return &Authenticator{clock: clk}
}

// Authenticate checks the signature headers of req. When any header is
// missing the request is unauthenticated, which is an error only if required
// is set.
func (a *Authenticator) Authenticate(req *Request, required bool) (Identity, error) {
	pubkeyHeader := req.Header.Get(HeaderPubkey)
	tsHeader := req.Header.Get(HeaderTimestamp)
	sigHeader := req.Header.Get(HeaderSignature)

	if pubkeyHeader == "" || tsHeader == "" || sigHeader == "" {
		if required {
			return "", fmt.Errorf("%w: missing signature headers", ErrBadRequest)
		}
		return "", nil
	}

	pubkey, err := decodeFixed(pubkeyHeader, 33)
	if err != nil {
		return "", fmt.Errorf("%w: pubkey: %v", ErrBadRequest, err)
	}
	if pubkey[0] != BlindedKeyPrefix {
		return "", fmt.Errorf("%w: pubkey must start with 0x%02x", ErrBadRequest, BlindedKeyPrefix)
	}
	if _, err := new(edwards25519.Point).SetBytes(pubkey[1:]); err != nil {
		return "", fmt.Errorf("%w: pubkey is not a valid Ed25519 point", ErrBadRequest)
	}

	sig, err := decodeFixed(sigHeader, ed25519.SignatureSize)
	if err != nil {
		return "", fmt.Errorf("%w: signature: %v", ErrBadRequest, err)
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: timestamp: %v", ErrBadRequest, err)
	}

	skew := a.clock.Now().Sub(time.Unix(ts, 0))
	if skew > MaxClockSkew || skew < -MaxClockSkew {
		return "", fmt.Errorf("%w: skew %s", ErrStale, skew)
	}

	msg := SignatureMessage(tsHeader, req.Method, req.Path, req.RawQuery, req.Body)
	if !ed25519.Verify(ed25519.PublicKey(pubkey[1:]), msg, sig) {
		return "", ErrUnauthorized
	}

	return Identity(pubkeyHeader), nil
}

// SignatureMessage builds ts || METHOD || path [|| "?" || query] [|| BLAKE2b-512(body)].
func SignatureMessage(ts, method, path, rawQuery string, body []byte) []byte {
	msg := make([]byte, 0, len(ts)+len(method)+len(path)+len(rawQuery)+1+blake2b.Size)
	msg = append(msg, ts...)
	msg = append(msg, method...)
	msg = append(msg, path...)
	if rawQuery != "" {
		msg = append(msg, '?')
		msg = append(msg, rawQuery...)
	}
	if len(body) > 0 {
		digest := blake2b.Sum512(body)
		msg = append(msg, digest[:]...)
	}
	return msg
}

// Sign returns the headers authenticating a request with key. The public key
// is sent with the blinded-key prefix.
func Sign(key ed25519.PrivateKey, ts time.Time, method, path, rawQuery string, body []byte) http.Header {
	tsStr := strconv.FormatInt(ts.Unix(), 10)
	sig := ed25519.Sign(key, SignatureMessage(tsStr, method, path, rawQuery, body))

	pub := key.Public().(ed25519.PublicKey)
	prefixed := append([]byte{BlindedKeyPrefix}, pub...)

	h := http.Header{}
	h.Set(HeaderPubkey, hex.EncodeToString(prefixed))
	h.Set(HeaderTimestamp, tsStr)
	h.Set(HeaderSignature, hex.EncodeToString(sig))
	return h
}

// StatusCode maps an Authenticate error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrStale):
		return http.StatusTooEarly
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeFixed decodes hex or base64 (padded or not), picking the encoding by
// the length expected for n bytes.
func decodeFixed(s string, n int) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	switch len(s) {
	case 2 * n:
		b, err = hex.DecodeString(s)
	case (n + 2) / 3 * 4, (4*n + 2) / 3:
		b, err = common.DecodeBase64(s)
	default:
		return nil, fmt.Errorf("unexpected length %d", len(s))
	}
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("decoded to %d bytes, expected %d", len(b), n)
	}
	return b, nil
}
