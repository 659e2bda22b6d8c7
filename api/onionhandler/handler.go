package onionhandler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/session-file-server/api"
	"github.com/ruteri/session-file-server/cryptoutils"
	"github.com/ruteri/session-file-server/metrics"
)

const (
	PathLokiV3 = "/loki/v3/lsrpc"
	PathOxenV3 = "/oxen/v3/lsrpc"
	PathOxenV4 = "/oxen/v4/lsrpc"

	v4InvalidRequest = "Invalid v4 onion request"
)

var errInvalidRequest = errors.New("invalid onion sub-request")

// subRequest is the JSON request object carried inside both framings.
type subRequest struct {
	Method   string            `json:"method"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     *string           `json:"body,omitempty"`
}

// v4Meta is the first element of a v4 reply.
type v4Meta struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
}

// Handler serves the onion endpoints.
type Handler struct {
	keys       *cryptoutils.KeyStore
	dispatcher http.Handler
	maxBody    int64
	log        *slog.Logger
}

// NewHandler creates an onion gateway decrypting with keys. Envelopes larger
// than maxBody are rejected.
func NewHandler(keys *cryptoutils.KeyStore, maxBody int64, log *slog.Logger) *Handler {
	return &Handler{
		keys:    keys,
		maxBody: maxBody,
		log:     log,
	}
}

// RegisterRoutes configures the onion endpoints on r. Unwrapped requests are
// served by r, so they see the same routes as direct ones.
func (h *Handler) RegisterRoutes(r chi.Router) {
	h.dispatcher = r

	r.Post(PathLokiV3, h.HandleV3)
	r.Post(PathOxenV3, h.HandleV3)
	r.Post(PathOxenV4, h.HandleV4)
}

// HandleV3 serves a JSON-framed onion request. The reply plaintext is the
// inner body on 200 and {"status_code": N} otherwise.
func (h *Handler) HandleV3(w http.ResponseWriter, r *http.Request) {
	session, plaintext, ok := h.open(w, r, "v3")
	if !ok {
		return
	}

	var reply []byte
	sub, err := parseV3(r.Context(), plaintext)
	if err != nil {
		h.log.Debug("Invalid v3 onion request", "err", err)
		metrics.OnionRequests.WithLabelValues("v3", "invalid").Inc()
		reply = statusBody(http.StatusBadRequest)
	} else {
		res := h.dispatch(sub, r)
		if res.statusCode() == http.StatusOK {
			reply = res.body.Bytes()
		} else {
			reply = statusBody(res.statusCode())
		}
	}

	ciphertext, err := session.Encrypt(reply)
	if err != nil {
		h.log.Error("Failed to encrypt onion reply", "err", err)
		api.WriteStatus(w, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, base64.StdEncoding.EncodeToString(ciphertext))
}

// HandleV4 serves a bencoded onion request.
func (h *Handler) HandleV4(w http.ResponseWriter, r *http.Request) {
	session, plaintext, ok := h.open(w, r, "v4")
	if !ok {
		return
	}

	var reply []byte
	sub, err := parseV4(r.Context(), plaintext)
	if err != nil {
		h.log.Debug(v4InvalidRequest, "err", err)
		metrics.OnionRequests.WithLabelValues("v4", "invalid").Inc()
		reply = v4Reply(http.StatusBadRequest,
			map[string]string{"content-type": "text/plain; charset=utf-8"},
			[]byte(v4InvalidRequest))
	} else {
		res := h.dispatch(sub, r)
		reply = v4Reply(res.statusCode(), res.flatHeaders(), res.body.Bytes())
	}

	ciphertext, err := session.Encrypt(reply)
	if err != nil {
		h.log.Error("Failed to encrypt onion reply", "err", err)
		api.WriteStatus(w, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(ciphertext)
}

// open reads, parses and decrypts the envelope. On failure the opaque 400 has
// been written and ok is false.
func (h *Handler) open(w http.ResponseWriter, r *http.Request, version string) (*cryptoutils.Session, []byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		metrics.OnionRequests.WithLabelValues(version, "rejected").Inc()
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.WriteStatus(w, http.StatusRequestEntityTooLarge)
			return nil, nil, false
		}
		api.WriteStatus(w, http.StatusBadRequest)
		return nil, nil, false
	}

	env, err := cryptoutils.ParseEnvelope(body)
	var session *cryptoutils.Session
	if err == nil {
		session, err = h.keys.ServerSession(env.Cipher, env.EphemeralKey)
	}
	var plaintext []byte
	if err == nil {
		plaintext, err = session.Decrypt(env.Ciphertext)
	}
	if err != nil {
		h.log.Debug("Rejected onion request", slog.String("version", version), "err", err)
		metrics.OnionRequests.WithLabelValues(version, "rejected").Inc()
		api.WriteStatus(w, http.StatusBadRequest)
		return nil, nil, false
	}

	h.log.Debug("Onion request",
		slog.String("version", version),
		slog.String("cipher", string(env.Cipher)),
		slog.String("host", env.Metadata.Host),
		slog.String("target", env.Metadata.Target))
	return session, plaintext, true
}

// dispatch serves sub through the dispatcher. A panic becomes a 502.
func (h *Handler) dispatch(sub *http.Request, outer *http.Request) (res *responseCapture) {
	version := "v3"
	if outer.URL.Path == PathOxenV4 {
		version = "v4"
	}

	sub.RemoteAddr = outer.RemoteAddr
	sub.Host = outer.Host

	res = newResponseCapture()
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("Onion sub-request panicked",
				slog.String("method", sub.Method),
				slog.String("path", sub.URL.Path),
				"panic", p)
			metrics.OnionRequests.WithLabelValues(version, "panic").Inc()
			res = newResponseCapture()
			res.WriteHeader(http.StatusBadGateway)
		}
	}()

	h.dispatcher.ServeHTTP(res, sub)

	metrics.OnionRequests.WithLabelValues(version, "ok").Inc()
	h.log.Debug("Served onion sub-request",
		slog.String("method", sub.Method),
		slog.String("path", sub.URL.Path),
		slog.Int("status", res.statusCode()))
	return res
}

func parseV3(ctx context.Context, plaintext []byte) (*http.Request, error) {
	if len(plaintext) == 0 || plaintext[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", errInvalidRequest)
	}

	var req subRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}

	endpoint := req.Endpoint
	if endpoint == "" {
		return nil, fmt.Errorf("%w: missing endpoint", errInvalidRequest)
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	method := strings.ToUpper(req.Method)

	var body []byte
	if req.Body != nil {
		switch {
		case allowsBody(method):
			body = []byte(*req.Body)
		case *req.Body == "" || *req.Body == "null":
			// Some clients send a "null" body with GET.
		default:
			return nil, fmt.Errorf("%w: body not allowed for %s", errInvalidRequest, method)
		}
	}

	sub, err := newSubRequest(ctx, method, endpoint, req.Headers, body)
	if err != nil {
		return nil, err
	}
	if allowsBody(method) && sub.Header.Get("Content-Type") == "" {
		sub.Header.Set("Content-Type", "application/json")
	}
	return sub, nil
}

func parseV4(ctx context.Context, plaintext []byte) (*http.Request, error) {
	parts, err := decodeList(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if len(parts) == 0 || len(parts) > 2 {
		return nil, fmt.Errorf("%w: expected 1 or 2 parts, got %d", errInvalidRequest, len(parts))
	}

	var req subRequest
	if err := json.Unmarshal(parts[0], &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if !strings.HasPrefix(req.Endpoint, "/") {
		return nil, fmt.Errorf("%w: endpoint must start with /", errInvalidRequest)
	}
	method := strings.ToUpper(req.Method)

	var body []byte
	switch {
	case !allowsBody(method):
		if req.Body != nil || len(parts) == 2 {
			return nil, fmt.Errorf("%w: body not allowed for %s", errInvalidRequest, method)
		}
	case len(parts) == 2:
		body = parts[1]
	case req.Body != nil:
		body = []byte(*req.Body)
	}

	return newSubRequest(ctx, method, req.Endpoint, req.Headers, body)
}

func newSubRequest(ctx context.Context, method, endpoint string, headers map[string]string, body []byte) (*http.Request, error) {
	if method == "" {
		return nil, fmt.Errorf("%w: missing method", errInvalidRequest)
	}

	// Route from scratch instead of inside the outer request's route context.
	ctx = context.WithValue(ctx, chi.RouteCtxKey, nil)

	sub, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	for k, v := range headers {
		sub.Header.Set(k, v)
	}
	sub.RequestURI = endpoint
	return sub, nil
}

func allowsBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func statusBody(status int) []byte {
	b, _ := json.Marshal(api.StatusResponse{StatusCode: status})
	return b
}

func v4Reply(code int, headers map[string]string, body []byte) []byte {
	meta, _ := json.Marshal(v4Meta{Code: code, Headers: headers})
	return encodeList(meta, body)
}
