package onionhandler

import (
	"bytes"
	"net/http"
	"strings"
)

// responseCapture is an in-memory http.ResponseWriter for sub-requests.
type responseCapture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseCapture() *responseCapture {
	return &responseCapture{header: http.Header{}}
}

func (c *responseCapture) Header() http.Header {
	return c.header
}

func (c *responseCapture) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *responseCapture) Write(p []byte) (int, error) {
	c.WriteHeader(http.StatusOK)
	return c.body.Write(p)
}

func (c *responseCapture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// flatHeaders lower-cases header names and joins repeated values. The
// content length is left out since the reply is re-framed.
func (c *responseCapture) flatHeaders() map[string]string {
	out := make(map[string]string, len(c.header))
	for k, v := range c.header {
		k = strings.ToLower(k)
		if k == "content-length" {
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}
