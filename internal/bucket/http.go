package bucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// HTTPClient talks to the store's JSON API:
//
//	GET  /v1/buckets                      -> {"buckets":[{"id","name"}]}
//	POST /v1/buckets/{id}/tokens          {"permission"} -> {"token"}
//	PUT  /v1/buckets/{id}/files?name=...  body = file, Bearer token -> File
//
// Account credentials are sent as HTTP basic auth on the first two calls.
type HTTPClient struct {
	baseURL string
	creds   Credentials
	http    *http.Client
}

// NewHTTPClient creates a client for the store at baseURL. A nil hc uses a
// client without a global timeout; callers bound each call with its context.
func NewHTTPClient(baseURL string, creds Credentials, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    hc,
	}
}

// StatusError is a non-2xx response from the store.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

// ListBuckets returns the buckets visible to the account.
func (c *HTTPClient) ListBuckets(ctx context.Context) ([]Bucket, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/buckets", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.creds.AccountID, c.creds.Key)

	var out struct {
		Buckets []Bucket `json:"buckets"`
	}
	if err := c.do(req, "list buckets", &out); err != nil {
		return nil, err
	}
	return out.Buckets, nil
}

// CreateToken issues a token for bucketID with the given permission.
func (c *HTTPClient) CreateToken(ctx context.Context, bucketID string, perm Permission) (string, error) {
	body, _ := json.Marshal(map[string]string{"permission": string(perm)})
	endpoint := fmt.Sprintf("%s/v1/buckets/%s/tokens", c.baseURL, url.PathEscape(bucketID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.creds.AccountID, c.creds.Key)
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(req, "create token", &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("create token: empty token in response")
	}
	return out.Token, nil
}

// StoreFile uploads localPath as remoteName. The body is streamed from disk.
func (c *HTTPClient) StoreFile(ctx context.Context, bucketID, token, localPath, remoteName string) (*File, error) {
	digest, size, err := fileDigest(localPath)
	if err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}
	defer f.Close()

	endpoint := fmt.Sprintf("%s/v1/buckets/%s/files?name=%s", c.baseURL, url.PathEscape(bucketID), url.QueryEscape(remoteName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, f)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Content-Sha256", digest)

	var out File
	if err := c.do(req, "store file", &out); err != nil {
		return nil, err
	}
	if out.BucketID == "" {
		out.BucketID = bucketID
	}
	if out.Name == "" {
		out.Name = remoteName
	}
	if out.Size == 0 {
		out.Size = size
	}
	if out.SHA256 == "" {
		out.SHA256 = digest
	}
	if out.UploadedAt.IsZero() {
		out.UploadedAt = time.Now().UTC()
	}
	return &out, nil
}

func (c *HTTPClient) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
