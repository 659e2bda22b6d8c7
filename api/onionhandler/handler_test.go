package onionhandler

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/session-file-server/api"
	"github.com/ruteri/session-file-server/api/filehandler"
	"github.com/ruteri/session-file-server/auth"
	"github.com/ruteri/session-file-server/cryptoutils"
	"github.com/ruteri/session-file-server/releases"
	"github.com/ruteri/session-file-server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow = time.Unix(1_700_000_000, 0)
	ciphers = []cryptoutils.Cipher{cryptoutils.CipherAESGCM, cryptoutils.CipherXChaCha20}
)

type testNode struct {
	server *httptest.Server
	keys   *cryptoutils.KeyStore
	clock  *clock.Mock
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock()
	clk.Set(testNow)

	name := uuid.NewString()
	primary, err := storage.OpenSQLBackend(context.Background(), storage.SQLite,
		"file:"+name+"?mode=memory&cache=shared", "", false, "sqlite://"+name, logger)
	require.NoError(t, err)
	t.Cleanup(func() { primary.Close() })

	files, err := storage.NewFileStore(&storage.Stores{Primary: primary}, storage.FileStoreConfig{}, clk, logger)
	require.NoError(t, err)

	keys, err := cryptoutils.GenerateKeyStore()
	require.NoError(t, err)

	r := chi.NewRouter()
	filehandler.NewHandler(files, releases.NewMemoryStore(), auth.NewAuthenticator(clk), clk, logger).RegisterRoutes(r)
	r.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })
	NewHandler(keys, 1<<20, logger).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testNode{server: srv, keys: keys, clock: clk}
}

func (n *testNode) client(c cryptoutils.Cipher) *Client {
	pub := n.keys.PublicKey()
	cl := NewClient(n.server.URL, pub[:])
	cl.Cipher = c
	cl.Now = n.clock.Now
	return cl
}

func (n *testNode) get(t *testing.T, path string) []byte {
	t.Helper()

	resp, err := http.Get(n.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

func TestOnionMatchesDirect(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	data := []byte("hello through the onion")
	id := storage.ContentID(data)

	for _, c := range ciphers {
		t.Run(string(c), func(t *testing.T) {
			cl := n.client(c)

			reply, err := cl.V3(ctx, &Request{Method: http.MethodPost, Endpoint: "file", Body: data})
			require.NoError(t, err)
			assert.JSONEq(t, `{"id":"`+id+`"}`, string(reply))

			resp, err := cl.V4(ctx, &Request{Method: http.MethodGet, Endpoint: "/file/" + id})
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, data, resp.Body)
			assert.Equal(t, n.get(t, "/file/"+id), resp.Body)
			assert.Equal(t, "application/octet-stream", resp.Headers["content-type"])
			assert.NotContains(t, resp.Headers, "content-length")

			reply, err = cl.V3(ctx, &Request{Method: http.MethodGet, Endpoint: "/file/" + id + "/info"})
			require.NoError(t, err)
			assert.Equal(t, n.get(t, "/file/"+id+"/info"), reply)

			resp, err = cl.V4(ctx, &Request{Method: http.MethodPost, Endpoint: "/file", Body: []byte{0, 1, 2, 0xff}})
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.JSONEq(t, `{"id":"`+storage.ContentID([]byte{0, 1, 2, 0xff})+`"}`, string(resp.Body))
		})
	}
}

func TestOnionInnerErrors(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	for _, c := range ciphers {
		t.Run(string(c), func(t *testing.T) {
			cl := n.client(c)

			reply, err := cl.V3(ctx, &Request{Method: http.MethodGet, Endpoint: "/file/missing"})
			require.NoError(t, err)
			assert.JSONEq(t, `{"status_code":404}`, string(reply))

			resp, err := cl.V4(ctx, &Request{Method: http.MethodGet, Endpoint: "/file/missing"})
			require.NoError(t, err)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.JSONEq(t, `{"status_code":404}`, string(resp.Body))

			reply, err = cl.V3(ctx, &Request{Method: http.MethodGet, Endpoint: "/panic"})
			require.NoError(t, err)
			assert.JSONEq(t, `{"status_code":502}`, string(reply))

			resp, err = cl.V4(ctx, &Request{Method: http.MethodGet, Endpoint: "/panic"})
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
			assert.Empty(t, resp.Body)
		})
	}
}

func TestOnionSignedRequests(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	cl := n.client(cryptoutils.CipherXChaCha20)
	cl.Key = ed25519.NewKeyFromSeed(bytes.Repeat([]byte{3}, ed25519.SeedSize))

	resp, err := cl.V4(ctx, &Request{Method: http.MethodPost, Endpoint: "/file", Body: []byte("signed")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(resp.Body))

	cl.Now = func() time.Time { return testNow.Add(-25 * time.Hour) }
	resp, err = cl.V4(ctx, &Request{Method: http.MethodPost, Endpoint: "/file", Body: []byte("signed")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooEarly, resp.StatusCode)
}

func TestV3Parsing(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	cl := n.client(cryptoutils.CipherAESGCM)

	tests := []struct {
		name      string
		path      string
		plaintext string
		expected  string
	}{
		{"not json", PathOxenV3, `l5:helloe`, `{"status_code":400}`},
		{"bad json", PathOxenV3, `{"method":`, `{"status_code":400}`},
		{"body on get", PathOxenV3, `{"method":"GET","endpoint":"file/x","body":"data"}`, `{"status_code":400}`},
		{"null body on get", PathOxenV3, `{"method":"GET","endpoint":"file/x","body":"null"}`, `{"status_code":404}`},
		{"missing method", PathOxenV3, `{"endpoint":"file/x"}`, `{"status_code":400}`},
		{"missing endpoint", PathOxenV3, `{"method":"GET"}`, `{"status_code":400}`},
		{"empty endpoint", PathOxenV3, `{"method":"GET","endpoint":""}`, `{"status_code":400}`},
		{"loki alias", PathLokiV3, `{"method":"GET","endpoint":"/file/x"}`, `{"status_code":404}`},
		{"post with body", PathLokiV3, `{"method":"POST","endpoint":"file","body":"abc"}`, `{"id":"` + storage.ContentID([]byte("abc")) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := cl.send(ctx, tt.path, []byte(tt.plaintext))
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(reply))
		})
	}
}

func TestV4Parsing(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	cl := n.client(cryptoutils.CipherXChaCha20)

	get := []byte(`{"method":"GET","endpoint":"/file/x"}`)
	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"not bencoded", get},
		{"empty list", []byte("le")},
		{"three parts", encodeList([]byte(`{"method":"POST","endpoint":"/file"}`), []byte("a"), []byte("b"))},
		{"body part on get", encodeList(get, []byte("data"))},
		{"body field on get", encodeList([]byte(`{"method":"GET","endpoint":"/file/x","body":"data"}`))},
		{"relative endpoint", encodeList([]byte(`{"method":"GET","endpoint":"file/x"}`))},
		{"missing endpoint", encodeList([]byte(`{"method":"GET"}`))},
		{"bad json", encodeList([]byte(`{"method"`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := cl.send(ctx, PathOxenV4, tt.plaintext)
			require.NoError(t, err)

			resp, err := parseV4Reply(reply)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "text/plain; charset=utf-8", resp.Headers["content-type"])
			assert.Equal(t, "Invalid v4 onion request", string(resp.Body))
		})
	}

	t.Run("body from json field", func(t *testing.T) {
		reply, err := cl.send(ctx, PathOxenV4, encodeList([]byte(`{"method":"POST","endpoint":"/file","body":"xyz"}`)))
		require.NoError(t, err)

		resp, err := parseV4Reply(reply)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"id":"`+storage.ContentID([]byte("xyz"))+`"}`, string(resp.Body))
	})
}

func TestOpaqueEnvelopeFailures(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	other, err := cryptoutils.GenerateKeyStore()
	require.NoError(t, err)
	otherPub := other.PublicKey()

	wrongKey := NewClient(n.server.URL, otherPub[:])
	_, err = wrongKey.V4(ctx, &Request{Method: http.MethodGet, Endpoint: "/file/x"})
	var reqErr *api.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)

	unknownCipher, err := (&cryptoutils.Envelope{
		Ciphertext:   make([]byte, 64),
		EphemeralKey: otherPub[:],
		Metadata:     cryptoutils.EnvelopeMetadata{EncType: "aes-cbc"},
	}).Marshal()
	require.NoError(t, err)

	lowOrder, err := (&cryptoutils.Envelope{
		Ciphertext:   make([]byte, 64),
		EphemeralKey: make([]byte, 32),
		Cipher:       cryptoutils.CipherXChaCha20,
	}).Marshal()
	require.NoError(t, err)

	bodies := map[string][]byte{
		"empty":          nil,
		"short":          {1, 0},
		"length overrun": {0xff, 0, 0, 0, '{', '}'},
		"bad junk":       {0, 0, 0, 0, 'x'},
		"unknown cipher": unknownCipher,
		"low order key":  lowOrder,
	}

	for name, body := range bodies {
		for _, path := range []string{PathLokiV3, PathOxenV3, PathOxenV4} {
			resp, err := http.Post(n.server.URL+path, "application/octet-stream", bytes.NewReader(body))
			require.NoError(t, err)
			respBody, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			require.NoError(t, err)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
			assert.JSONEq(t, `{"status_code":400}`, string(respBody), name)
		}
	}
}

func TestBencode(t *testing.T) {
	assert.Equal(t, []byte("l3:abc0:e"), encodeList([]byte("abc"), nil))
	assert.Equal(t, []byte("le"), encodeList())

	meta, _ := json.Marshal(v4Meta{Code: 200, Headers: map[string]string{}})
	parts, err := decodeList(encodeList(meta, []byte("l1:xe")))
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, meta, parts[0])
	assert.Equal(t, []byte("l1:xe"), parts[1])

	for _, in := range []string{"", "l", "x", "l3:abe", "l3:abcee", "l03:abce", "li1ee", "l-1:e", "l3abce", "l:e"} {
		_, err := decodeList([]byte(in))
		assert.ErrorIs(t, err, errBencode, in)
	}
}
