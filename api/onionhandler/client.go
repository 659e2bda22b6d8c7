package onionhandler

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/session-file-server/api"
	"github.com/ruteri/session-file-server/auth"
	"github.com/ruteri/session-file-server/cryptoutils"
)

// Request is an inner request sent through the gateway.
type Request struct {
	Method   string
	Endpoint string
	Headers  map[string]string
	Body     []byte
}

// Response is a decoded v4 reply.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Client sends onion requests to a node. When Key is set inner requests are
// signed with it.
type Client struct {
	BaseURL      string
	HTTPClient   *http.Client
	ServerPubkey []byte
	Cipher       cryptoutils.Cipher
	Key          ed25519.PrivateKey
	Now          func() time.Time
}

// NewClient creates a client for the node at baseURL whose X25519 public key
// is serverPubkey.
func NewClient(baseURL string, serverPubkey []byte) *Client {
	return &Client{
		BaseURL:      baseURL,
		HTTPClient:   http.DefaultClient,
		ServerPubkey: serverPubkey,
		Cipher:       cryptoutils.CipherXChaCha20,
		Now:          time.Now,
	}
}

// V3 sends req as a v3 request and returns the decrypted reply: the response
// body on success, {"status_code": N} otherwise.
func (c *Client) V3(ctx context.Context, req *Request) ([]byte, error) {
	payload := subRequest{
		Method:   req.Method,
		Endpoint: req.Endpoint,
		Headers:  c.headers(req),
	}
	if len(req.Body) > 0 {
		body := string(req.Body)
		payload.Body = &body
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not encode request: %w", err)
	}
	return c.send(ctx, PathOxenV3, plaintext)
}

// V4 sends req as a v4 request.
func (c *Client) V4(ctx context.Context, req *Request) (*Response, error) {
	meta, err := json.Marshal(subRequest{
		Method:   req.Method,
		Endpoint: req.Endpoint,
		Headers:  c.headers(req),
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode request: %w", err)
	}

	parts := [][]byte{meta}
	if len(req.Body) > 0 {
		parts = append(parts, req.Body)
	}

	reply, err := c.send(ctx, PathOxenV4, encodeList(parts...))
	if err != nil {
		return nil, err
	}
	return parseV4Reply(reply)
}

func (c *Client) headers(req *Request) map[string]string {
	if c.Key == nil {
		return req.Headers
	}

	path, rawQuery, _ := strings.Cut(req.Endpoint, "?")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	headers := make(map[string]string, len(req.Headers)+3)
	for k, v := range req.Headers {
		headers[k] = v
	}
	signed := auth.Sign(c.Key, c.Now(), strings.ToUpper(req.Method), path, rawQuery, req.Body)
	for k := range signed {
		headers[k] = signed.Get(k)
	}
	return headers
}

// send encrypts plaintext for the server, posts it to path and returns the
// decrypted reply.
func (c *Client) send(ctx context.Context, path string, plaintext []byte) ([]byte, error) {
	session, ephemeralPub, err := cryptoutils.ClientSession(c.Cipher, c.ServerPubkey)
	if err != nil {
		return nil, fmt.Errorf("could not create onion session: %w", err)
	}

	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("could not encrypt request: %w", err)
	}

	env := &cryptoutils.Envelope{
		Ciphertext:   ciphertext,
		EphemeralKey: ephemeralPub,
		Cipher:       c.Cipher,
	}
	body, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("could not encode envelope: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("could not execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &api.RequestError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("onion request rejected: %s", bytes.TrimSpace(respBody)),
		}
	}

	if path != PathOxenV4 {
		respBody, err = base64.StdEncoding.DecodeString(string(respBody))
		if err != nil {
			return nil, fmt.Errorf("could not decode reply: %w", err)
		}
	}

	reply, err := session.Decrypt(respBody)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt reply: %w", err)
	}
	return reply, nil
}

func parseV4Reply(reply []byte) (*Response, error) {
	parts, err := decodeList(reply)
	if err != nil {
		return nil, fmt.Errorf("could not parse reply: %w", err)
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("could not parse reply: expected 2 parts, got %d", len(parts))
	}

	var meta v4Meta
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return nil, fmt.Errorf("could not parse reply metadata: %w", err)
	}

	return &Response{
		StatusCode: meta.Code,
		Headers:    meta.Headers,
		Body:       parts[1],
	}, nil
}
