package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

var testSeed, _ = hex.DecodeString("9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60")

func setupAuthenticator(t *testing.T) (*Authenticator, *clock.Mock, ed25519.PrivateKey) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	return NewAuthenticator(clk), clk, ed25519.NewKeyFromSeed(testSeed)
}

func signedRequest(key ed25519.PrivateKey, ts time.Time, method, path, query string, body []byte) *Request {
	return &Request{
		Header:   Sign(key, ts, method, path, query, body),
		Method:   method,
		Path:     path,
		RawQuery: query,
		Body:     body,
	}
}

func TestSignatureMessage(t *testing.T) {
	require.Equal(t, []byte("1700000000GET/file/1"), SignatureMessage("1700000000", "GET", "/file/1", "", nil))
	require.Equal(t, []byte("1700000000GET/session_version?platform=ios"), SignatureMessage("1700000000", "GET", "/session_version", "platform=ios", nil))

	digest := blake2b.Sum512([]byte("data"))
	expected := append([]byte("1700000000POST/file"), digest[:]...)
	require.Equal(t, expected, SignatureMessage("1700000000", "POST", "/file", "", []byte("data")))
}

func TestAuthenticate_Valid(t *testing.T) {
	a, clk, key := setupAuthenticator(t)
	body := []byte("some file contents")

	req := signedRequest(key, clk.Now(), "POST", "/file", "", body)
	id, err := a.Authenticate(req, true)
	require.NoError(t, err)
	require.Equal(t, "07d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a", string(id))

	req = signedRequest(key, clk.Now(), "GET", "/session_version", "platform=desktop", nil)
	id, err = a.Authenticate(req, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestAuthenticate_Base64Encodings(t *testing.T) {
	a, clk, key := setupAuthenticator(t)
	req := signedRequest(key, clk.Now(), "GET", "/file/5", "", nil)

	pub, err := hex.DecodeString(req.Header.Get(HeaderPubkey))
	require.NoError(t, err)
	sig, err := hex.DecodeString(req.Header.Get(HeaderSignature))
	require.NoError(t, err)

	testCases := []struct {
		name   string
		pubkey string
		sig    string
	}{
		{name: "padded", pubkey: base64.StdEncoding.EncodeToString(pub), sig: base64.StdEncoding.EncodeToString(sig)},
		{name: "unpadded signature", pubkey: base64.StdEncoding.EncodeToString(pub), sig: base64.RawStdEncoding.EncodeToString(sig)},
		{name: "mixed", pubkey: hex.EncodeToString(pub), sig: base64.StdEncoding.EncodeToString(sig)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req.Header.Set(HeaderPubkey, tc.pubkey)
			req.Header.Set(HeaderSignature, tc.sig)
			id, err := a.Authenticate(req, true)
			require.NoError(t, err)
			require.Equal(t, Identity(tc.pubkey), id)
		})
	}
}

func TestAuthenticate_Missing(t *testing.T) {
	a, clk, key := setupAuthenticator(t)

	for _, header := range []string{HeaderPubkey, HeaderTimestamp, HeaderSignature} {
		t.Run(header, func(t *testing.T) {
			req := signedRequest(key, clk.Now(), "GET", "/file/1", "", nil)
			req.Header.Del(header)

			id, err := a.Authenticate(req, false)
			require.NoError(t, err)
			require.Empty(t, id)

			_, err = a.Authenticate(req, true)
			require.ErrorIs(t, err, ErrBadRequest)
			require.Equal(t, http.StatusBadRequest, StatusCode(err))
		})
	}
}

func TestAuthenticate_Malformed(t *testing.T) {
	a, clk, key := setupAuthenticator(t)

	notOnCurve := make([]byte, 33)
	notOnCurve[0] = BlindedKeyPrefix
	notOnCurve[1] = 2

	testCases := []struct {
		name   string
		header string
		value  string
	}{
		{name: "short pubkey", header: HeaderPubkey, value: "07d75a98"},
		{name: "non-hex pubkey", header: HeaderPubkey, value: "zz" + hex.EncodeToString(make([]byte, 32))},
		{name: "wrong prefix", header: HeaderPubkey, value: "05d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"},
		{name: "not a curve point", header: HeaderPubkey, value: hex.EncodeToString(notOnCurve)},
		{name: "short signature", header: HeaderSignature, value: "abcd"},
		{name: "bad base64 signature", header: HeaderSignature, value: string(make([]byte, 88))},
		{name: "non-numeric timestamp", header: HeaderTimestamp, value: "yesterday"},
		{name: "fractional timestamp", header: HeaderTimestamp, value: "1700000000.5"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := signedRequest(key, clk.Now(), "GET", "/file/1", "", nil)
			req.Header.Set(tc.header, tc.value)
			_, err := a.Authenticate(req, false)
			require.ErrorIs(t, err, ErrBadRequest)
			require.Equal(t, http.StatusBadRequest, StatusCode(err))
		})
	}
}

func TestAuthenticate_Tampered(t *testing.T) {
	a, clk, key := setupAuthenticator(t)
	body := []byte("payload")

	testCases := []struct {
		name   string
		mutate func(r *Request)
	}{
		{name: "method", mutate: func(r *Request) { r.Method = "PUT" }},
		{name: "path", mutate: func(r *Request) { r.Path = "/file/2" }},
		{name: "query", mutate: func(r *Request) { r.RawQuery = "a=2" }},
		{name: "query dropped", mutate: func(r *Request) { r.RawQuery = "" }},
		{name: "body bit", mutate: func(r *Request) { r.Body = []byte("paylobd") }},
		{name: "body dropped", mutate: func(r *Request) { r.Body = nil }},
		{name: "timestamp", mutate: func(r *Request) {
			r.Header.Set(HeaderTimestamp, strconv.FormatInt(clk.Now().Unix()+1, 10))
		}},
		{name: "signature bit", mutate: func(r *Request) {
			sig, _ := hex.DecodeString(r.Header.Get(HeaderSignature))
			sig[10] ^= 0x01
			r.Header.Set(HeaderSignature, hex.EncodeToString(sig))
		}},
		{name: "other key", mutate: func(r *Request) {
			other := Sign(ed25519.NewKeyFromSeed(make([]byte, 32)), clk.Now(), r.Method, r.Path, r.RawQuery, r.Body)
			r.Header.Set(HeaderPubkey, other.Get(HeaderPubkey))
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := signedRequest(key, clk.Now(), "POST", "/file/1", "a=1", body)
			tc.mutate(req)
			_, err := a.Authenticate(req, false)
			require.ErrorIs(t, err, ErrUnauthorized)
			require.Equal(t, http.StatusUnauthorized, StatusCode(err))
		})
	}
}

func TestAuthenticate_ClockSkew(t *testing.T) {
	a, clk, key := setupAuthenticator(t)

	testCases := []struct {
		offset time.Duration
		stale  bool
	}{
		{offset: -25 * time.Hour, stale: true},
		{offset: 25 * time.Hour, stale: true},
		{offset: -23 * time.Hour},
		{offset: 23 * time.Hour},
		{offset: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.offset.String(), func(t *testing.T) {
			req := signedRequest(key, clk.Now().Add(tc.offset), "GET", "/file/1", "", nil)
			_, err := a.Authenticate(req, true)
			if tc.stale {
				require.ErrorIs(t, err, ErrStale)
				require.Equal(t, http.StatusTooEarly, StatusCode(err))
				return
			}
			require.NoError(t, err)
		})
	}
}
