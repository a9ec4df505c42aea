package bucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTokenDenied is returned for unknown tokens or tokens lacking permission.
var ErrTokenDenied = errors.New("bucket: token denied")

// DirClient is a store kept on a local or mounted filesystem. Every
// subdirectory of Root is a bucket whose id and name are the directory name.
// Tokens live only in memory.
type DirClient struct {
	Root string

	mu     sync.Mutex
	tokens map[string]dirToken
}

type dirToken struct {
	bucketID string
	perm     Permission
}

// NewDirClient creates the root directory and returns a client over it.
func NewDirClient(root string, buckets ...string) (*DirClient, error) {
	for _, b := range append([]string{""}, buckets...) {
		if err := os.MkdirAll(filepath.Join(root, b), 0755); err != nil {
			return nil, err
		}
	}
	return &DirClient{Root: root, tokens: make(map[string]dirToken)}, nil
}

// ListBuckets lists the subdirectories of Root.
func (c *DirClient) ListBuckets(ctx context.Context) ([]Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.Root)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	var out []Bucket
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, Bucket{ID: e.Name(), Name: e.Name()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateToken issues a random token for an existing bucket.
func (c *DirClient) CreateToken(ctx context.Context, bucketID string, perm Permission) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !c.validBucket(bucketID) {
		return "", fmt.Errorf("create token: %w: unknown bucket %q", ErrTokenDenied, bucketID)
	}

	token := uuid.NewString()
	c.mu.Lock()
	c.tokens[token] = dirToken{bucketID: bucketID, perm: perm}
	c.mu.Unlock()
	return token, nil
}

// StoreFile copies localPath into the bucket under remoteName. The copy is
// written to a temporary name and renamed into place.
func (c *DirClient) StoreFile(ctx context.Context, bucketID, token, localPath, remoteName string) (*File, error) {
	c.mu.Lock()
	tok, ok := c.tokens[token]
	c.mu.Unlock()
	if !ok || tok.bucketID != bucketID || tok.perm != PermissionPush {
		return nil, fmt.Errorf("store file: %w", ErrTokenDenied)
	}

	dst, err := c.objectPath(bucketID, remoteName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}

	digest, size, err := fileDigest(localPath)
	if err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}
	if err := copyFile(ctx, localPath, dst+".part"); err != nil {
		os.Remove(dst + ".part")
		return nil, fmt.Errorf("store file: %w", err)
	}
	if err := os.Rename(dst+".part", dst); err != nil {
		os.Remove(dst + ".part")
		return nil, fmt.Errorf("store file: %w", err)
	}

	return &File{
		ID:         uuid.NewString(),
		Name:       remoteName,
		BucketID:   bucketID,
		Size:       size,
		SHA256:     digest,
		UploadedAt: time.Now().UTC(),
	}, nil
}

func (c *DirClient) validBucket(id string) bool {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return false
	}
	info, err := os.Stat(filepath.Join(c.Root, id))
	return err == nil && info.IsDir()
}

func (c *DirClient) objectPath(bucketID, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("store file: invalid object name %q", name)
	}
	return filepath.Join(c.Root, bucketID, clean), nil
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
