// Package bucket implements clients for the remote object store that keeps
// offsite copies of the day files.
package bucket

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"
)

// Permission scopes an upload token.
type Permission string

const (
	// PermissionPush allows storing files.
	PermissionPush Permission = "PUSH"
	// PermissionPull allows reading files.
	PermissionPull Permission = "PULL"
)

// Bucket is a named remote storage container.
type Bucket struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// File describes a stored object as reported by the store.
type File struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	BucketID   string    `json:"bucket_id"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Credentials authenticate against the store.
type Credentials struct {
	AccountID string
	Key       string
}

// Empty reports whether either half of the credentials is missing.
func (c Credentials) Empty() bool {
	return c.AccountID == "" || c.Key == ""
}

// Identity is the key derivation input for backup files. It binds the
// account id to the account key, so the id alone cannot rebuild a file key.
func (c Credentials) Identity() string {
	return c.AccountID + "\x00" + c.Key
}

// Find returns the bucket whose name or id equals ref.
func Find(buckets []Bucket, ref string) (Bucket, bool) {
	for _, b := range buckets {
		if b.Name == ref || b.ID == ref {
			return b, true
		}
	}
	return Bucket{}, false
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
