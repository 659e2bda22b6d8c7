/*
Package httpserver runs the file server's HTTP listener and its metrics
listener.

The API handlers are registered on an inner chi router. The outer router adds
access logging and, when enabled, pprof under /debug. The onion gateway
dispatches unwrapped requests into the inner router, so inner requests are
routed exactly like direct ones but do not appear in the access log.

# Endpoints

  - POST /file, POST /files, GET /file/{id}, GET /files/{id},
    GET /file/{id}/info, GET /session_version - see package filehandler
  - POST /loki/v3/lsrpc, POST /oxen/v3/lsrpc, POST /oxen/v4/lsrpc - see
    package onionhandler
  - GET /livez - Liveness check
  - GET /readyz - Readiness check, 503 while draining
  - GET /drain - Mark server as not ready
  - GET /undrain - Mark server as ready

# Example Usage

	cfg := flags.ConfigureServer(cCtx, logger)
	srv, err := httpserver.New(cfg, fileHandler, onionHandler)
	if err != nil {
		return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
