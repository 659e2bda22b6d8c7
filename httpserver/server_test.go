package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/session-file-server/api"
	"github.com/ruteri/session-file-server/api/filehandler"
	"github.com/ruteri/session-file-server/api/onionhandler"
	"github.com/ruteri/session-file-server/auth"
	"github.com/ruteri/session-file-server/cryptoutils"
	"github.com/ruteri/session-file-server/releases"
	"github.com/ruteri/session-file-server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *cryptoutils.KeyStore) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))

	name := uuid.NewString()
	primary, err := storage.OpenSQLBackend(context.Background(), storage.SQLite,
		"file:"+name+"?mode=memory&cache=shared", "", false, "sqlite://"+name, logger)
	require.NoError(t, err)
	t.Cleanup(func() { primary.Close() })

	files, err := storage.NewFileStore(&storage.Stores{Primary: primary}, storage.FileStoreConfig{}, clk, logger)
	require.NoError(t, err)

	keys, err := cryptoutils.GenerateKeyStore()
	require.NoError(t, err)

	srv, err := New(&api.HTTPServerConfig{
		Log:         logger,
		EnablePprof: true,
	},
		filehandler.NewHandler(files, releases.NewMemoryStore(), auth.NewAuthenticator(clk), clk, logger),
		onionhandler.NewHandler(keys, 1<<20, logger),
	)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, keys
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	steps := []struct {
		path   string
		status int
		body   string
	}{
		{"/livez", http.StatusOK, `{"status":"alive"}`},
		{"/readyz", http.StatusOK, `{"status":"ready"}`},
		{"/drain", http.StatusOK, `{"status":"draining"}`},
		{"/drain", http.StatusOK, `{"status":"already draining"}`},
		{"/readyz", http.StatusServiceUnavailable, `{"status":"not ready"}`},
		{"/livez", http.StatusOK, `{"status":"alive"}`},
		{"/undrain", http.StatusOK, `{"status":"ready"}`},
		{"/undrain", http.StatusOK, `{"status":"already ready"}`},
		{"/readyz", http.StatusOK, `{"status":"ready"}`},
	}

	for _, step := range steps {
		status, body := get(t, ts.URL+step.path)
		assert.Equal(t, step.status, status, step.path)
		assert.JSONEq(t, step.body, body, step.path)
	}
}

func TestPprofMounted(t *testing.T) {
	ts, _ := newTestServer(t)

	status, _ := get(t, ts.URL+"/debug/pprof/")
	assert.Equal(t, http.StatusOK, status)
}

func TestOnionDispatchThroughServer(t *testing.T) {
	ts, keys := newTestServer(t)
	ctx := context.Background()

	pub := keys.PublicKey()
	client := onionhandler.NewClient(ts.URL, pub[:])

	resp, err := client.V4(ctx, &onionhandler.Request{Method: http.MethodPost, Endpoint: "/file", Body: []byte("routed")})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"`+storage.ContentID([]byte("routed"))+`"}`, string(resp.Body))

	status, body := get(t, ts.URL+"/file/"+storage.ContentID([]byte("routed")))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "routed", body)

	// Health routes are reachable from inside the onion as well.
	reply, err := client.V3(ctx, &onionhandler.Request{Method: http.MethodGet, Endpoint: "livez"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"alive"}`, string(reply))
}

func TestReadinessFollowsPrimaryStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	name := uuid.NewString()
	primary, err := storage.OpenSQLBackend(context.Background(), storage.SQLite,
		"file:"+name+"?mode=memory&cache=shared", "", false, "sqlite://"+name, logger)
	require.NoError(t, err)

	srv, err := New(&api.HTTPServerConfig{
		Log:            logger,
		ReadinessCheck: primary.Available,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	status, body := get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ready"}`, body)

	require.NoError(t, primary.Close())

	status, body = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.JSONEq(t, `{"status":"storage unavailable"}`, body)

	status, _ = get(t, ts.URL+"/livez")
	assert.Equal(t, http.StatusOK, status)
}
