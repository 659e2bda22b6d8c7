package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ruteri/session-file-server/api"
	"github.com/ruteri/session-file-server/metrics"
)

type contextKey struct{}

// IdentityFromContext returns the identity stored by Middleware, or the zero
// Identity for unsigned requests.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(contextKey{}).(Identity)
	return id
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// Middleware authenticates requests before they reach next. The body is read
// (at most maxBody bytes) to verify the signature and handed on unchanged.
func Middleware(a *Authenticator, required bool, maxBody int64, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					api.WriteStatus(w, http.StatusRequestEntityTooLarge)
					return
				}
				api.WriteStatus(w, http.StatusBadRequest)
				return
			}

			id, err := a.Authenticate(&Request{
				Header:   r.Header,
				Method:   r.Method,
				Path:     r.URL.Path,
				RawQuery: r.URL.RawQuery,
				Body:     body,
			}, required)
			if err != nil {
				status := StatusCode(err)
				metrics.AuthFailures.WithLabelValues(strconv.Itoa(status)).Inc()
				log.Debug("Request authentication failed", "path", r.URL.Path, "status", status, "err", err)
				api.WriteStatus(w, status)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			if id != "" {
				r = r.WithContext(WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}
