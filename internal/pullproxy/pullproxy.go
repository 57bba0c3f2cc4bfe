// Package pullproxy uploads remuxed inputs to the localhost S3 pull proxy
// and hands back the pre-signed GET URL a remote worker pulls from.
package pullproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

// UploadResponse is the proxy's answer to a PUT /upload/<id>.mkv.
type UploadResponse struct {
	URL string `json:"url"`
}

// Client talks to the pull proxy. The proxy only listens on localhost; the
// pre-signed URL it returns is what actually crosses the network.
type Client struct {
	BaseURL string
	PullDir string
	http    *httpclient.Set
}

// NewClient creates a pull proxy client.
func NewClient(baseURL, pullDir string, set *httpclient.Set) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		PullDir: pullDir,
		http:    set,
	}
}

// ObjectName returns the proxy object key for an upload id.
func ObjectName(id string) string {
	return id + ".mkv"
}

// Upload streams body to PUT /upload/<id>.mkv and returns the pre-signed GET
// URL for the worker's pull.
func (c *Client) Upload(ctx context.Context, id string, body io.Reader) (string, error) {
	u := c.BaseURL + "/upload/" + ObjectName(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, body)
	if err != nil {
		return "", fmt.Errorf("creating pull proxy upload: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Upload.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading %s to pull proxy: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("pull proxy upload %s: status %d", id, resp.StatusCode)
	}

	var ur UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", fmt.Errorf("decoding pull proxy response: %w", err)
	}
	if ur.URL == "" {
		return "", fmt.Errorf("pull proxy returned no url for %s", id)
	}
	return ur.URL, nil
}

// Delete removes an uploaded object, best effort.
func (c *Client) Delete(ctx context.Context, id string) error {
	u := c.BaseURL + "/upload/" + ObjectName(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("creating pull proxy delete: %w", err)
	}
	resp, err := c.http.Submit.Do(req)
	if err != nil {
		return fmt.Errorf("deleting %s from pull proxy: %w", id, err)
	}
	resp.Body.Close()
	return nil
}

// CleanSession removes every staged file under the pull dir belonging to the
// given session id.
func (c *Client) CleanSession(sessionID string) error {
	if c.PullDir == "" {
		return nil
	}
	entries, err := os.ReadDir(c.PullDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading pull dir: %w", err)
	}

	var firstErr error
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), sessionID) {
			continue
		}
		if err := os.Remove(filepath.Join(c.PullDir, e.Name())); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("removing staged %s: %w", e.Name(), err)
		}
	}
	return firstErr
}
