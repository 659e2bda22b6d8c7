package filehandler

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ruteri/session-file-server/api"
	"github.com/ruteri/session-file-server/auth"
)

// Client talks to the file API of a node. When Key is set every request is
// signed with it.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Key        ed25519.PrivateKey
	Now        func() time.Time
}

// NewClient creates an unsigned client for the node at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: http.DefaultClient,
		Now:        time.Now,
	}
}

// Upload stores data and returns its id.
func (c *Client) Upload(ctx context.Context, data []byte) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/file", data)
	if err != nil {
		return "", err
	}

	var resp api.UploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("could not parse upload response: %w", err)
	}
	return resp.ID, nil
}

// Download returns the bytes of file id.
func (c *Client) Download(ctx context.Context, id string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/file/"+id, nil)
}

// Info returns the size and timestamps of file id.
func (c *Client) Info(ctx context.Context, id string) (*api.FileInfoResponse, error) {
	body, err := c.do(ctx, http.MethodGet, "/file/"+id+"/info", nil)
	if err != nil {
		return nil, err
	}

	var info api.FileInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("could not parse info response: %w", err)
	}
	return &info, nil
}

func (c *Client) do(ctx context.Context, method, path string, data []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	if c.Key != nil {
		for k, v := range auth.Sign(c.Key, c.Now(), method, req.URL.Path, req.URL.RawQuery, data) {
			req.Header[k] = v
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &api.RequestError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s %s: %s", method, path, bytes.TrimSpace(body)),
		}
	}
	return body, nil
}
