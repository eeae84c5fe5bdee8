package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Buckets used by the orchestrator on the image-store gateway.
const (
	BucketSource  = "src"
	BucketOutput  = "out"
	BucketPreview = "preview"
)

// Client talks to the image-store gateway, a narrow REST facade over the
// object store: store bytes, mint a time-limited retrieval URL, delete.
type Client struct {
	base string
	http *http.Client
}

// NewClient constructs a gateway client for the given base URL.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

type storeResponse struct {
	Data struct {
		ImageKey string `json:"imageKey"`
	} `json:"data"`
}

type urlResponse struct {
	URL string `json:"url"`
}

// Store uploads content under (user, project, bucket) and returns the
// storage key assigned by the gateway.
func (c *Client) Store(ctx context.Context, userID, projectID, bucket, fileName string, content io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("copy upload content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(userID, projectID, bucket, ""), &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("store blob: gateway returned %d", resp.StatusCode)
	}

	var decoded storeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode store response: %w", err)
	}
	key := decoded.Data.ImageKey
	if key == "" {
		return "", fmt.Errorf("store blob: gateway returned no key")
	}
	// The gateway returns a full object path; only the final segment is kept.
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		key = key[idx+1:]
	}
	return key, nil
}

// URL returns a time-limited retrieval URL for a stored blob.
func (c *Client) URL(ctx context.Context, userID, projectID, bucket, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(userID, projectID, bucket, key)+"/url", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("blob url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("blob url: gateway returned %d", resp.StatusCode)
	}
	var decoded urlResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode url response: %w", err)
	}
	if decoded.URL == "" {
		return "", fmt.Errorf("blob url: gateway returned no url")
	}
	return decoded.URL, nil
}

// Delete removes a stored blob. Missing blobs are not an error.
func (c *Client) Delete(ctx context.Context, userID, projectID, bucket, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(userID, projectID, bucket, key), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete blob: gateway returned %d", resp.StatusCode)
	}
	return nil
}

// Fetch downloads content from a retrieval URL minted by the gateway.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch blob: %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) objectURL(userID, projectID, bucket, key string) string {
	u := fmt.Sprintf("%s/%s/%s/%s", c.base, userID, projectID, bucket)
	if key != "" {
		u += "/" + key
	}
	return u
}
