// Package backup encrypts persisted day files and ships them to a remote
// bucket.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-ledger/internal/bucket"
	"github.com/celerix-dev/celerix-ledger/internal/errs"
	"github.com/celerix-dev/celerix-ledger/internal/vault"
	"go.uber.org/zap"
)

// CryptSuffix is appended to a day file's path to name its encrypted copy.
const CryptSuffix = ".crypt"

// State is a step of a single backup attempt.
type State string

const (
	StateQueued        State = "queued"
	StateListing       State = "listing"
	StateKeyDerivation State = "key_derivation"
	StateEncrypting    State = "encrypting"
	StateTokenRequest  State = "token_request"
	StateUploading     State = "uploading"
	StateCleanup       State = "cleanup"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// BucketClient is the remote store as seen by the pipeline.
type BucketClient interface {
	ListBuckets(ctx context.Context) ([]bucket.Bucket, error)
	CreateToken(ctx context.Context, bucketID string, perm bucket.Permission) (string, error)
	StoreFile(ctx context.Context, bucketID, token, localPath, remoteName string) (*bucket.File, error)
}

// Observer is told about every state transition of a run.
type Observer func(State)

// Artifact tracks the files and remote handles of one run.
type Artifact struct {
	PlainPath   string `json:"plain_path"`
	CryptPath   string `json:"crypt_path"`
	RemoteName  string `json:"remote_name"`
	BucketID    string `json:"bucket_id"`
	FileKey     []byte `json:"-"`
	UploadToken string `json:"-"`
}

// Result is the outcome of a run that got as far as producing an artifact.
type Result struct {
	Artifact Artifact
	// File is the remote descriptor; nil unless the upload succeeded.
	File *bucket.File
	// CleanupErr is set when the encrypted copy could not be removed. It is
	// reported alongside, never instead of, the run's own error.
	CleanupErr error
}

// Config configures a Pipeline.
type Config struct {
	Credentials bucket.Credentials
	// Bucket is the name or id of the target bucket.
	Bucket string
	// Root is the data directory; remote names are day paths relative to it.
	Root string
	// Timeout bounds each remote call. Zero means no timeout.
	Timeout time.Duration
}

// Pipeline runs encrypt, upload and cleanup for one file at a time per call.
// It is safe for concurrent use. Runs for the same file share its encrypted
// copy, so they are serialised; runs for different files proceed in parallel.
type Pipeline struct {
	client BucketClient
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	bucketID string

	locksMu sync.Mutex
	locks   map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewPipeline creates a pipeline. Credentials are checked on every run, so a
// pipeline without them can exist but every backup fails.
func NewPipeline(client BucketClient, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{client: client, cfg: cfg, logger: logger, locks: make(map[string]*pathLock)}
}

// lockPath blocks until no other run holds path and returns the release func.
func (p *Pipeline) lockPath(path string) func() {
	p.locksMu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{}
		p.locks[path] = l
	}
	l.refs++
	p.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(p.locks, path)
		}
		p.locksMu.Unlock()
	}
}

// BucketID returns the resolved bucket id, or "" before resolution.
func (p *Pipeline) BucketID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bucketID
}

// ResolveBucket looks up the configured bucket and caches its id. Call it at
// startup to fail fast on a wrong bucket name.
func (p *Pipeline) ResolveBucket(ctx context.Context) (string, error) {
	if p.cfg.Credentials.Empty() {
		return "", errs.New(errs.KindMissingCredentials, "resolve bucket", nil)
	}
	if p.cfg.Bucket == "" {
		return "", errs.New(errs.KindBucketList, "resolve bucket: no bucket configured", nil)
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	buckets, err := p.client.ListBuckets(ctx)
	if err != nil {
		return "", errs.New(errs.KindBucketList, "list buckets", err)
	}
	if len(buckets) == 0 {
		return "", errs.New(errs.KindBucketList, "list buckets: account has no buckets", nil)
	}
	b, ok := bucket.Find(buckets, p.cfg.Bucket)
	if !ok {
		return "", errs.New(errs.KindBucketList, fmt.Sprintf("list buckets: bucket %q not found", p.cfg.Bucket), nil)
	}

	p.mu.Lock()
	p.bucketID = b.ID
	p.mu.Unlock()
	return b.ID, nil
}

// Backup runs the pipeline for plainPath without an observer.
func (p *Pipeline) Backup(ctx context.Context, plainPath string) (*Result, error) {
	return p.Run(ctx, plainPath, nil)
}

// Run encrypts plainPath to plainPath+CryptSuffix, uploads the encrypted copy
// and removes it again. The encrypted copy is removed whatever the outcome.
// The returned Result is nil only when the run failed before encryption.
func (p *Pipeline) Run(ctx context.Context, plainPath string, observe Observer) (res *Result, err error) {
	if observe == nil {
		observe = func(State) {}
	}
	log := p.logger.With(zap.String("file", plainPath))

	defer func() {
		if res == nil {
			// Failed before anything was written; cleanup has nothing to remove.
			observe(StateCleanup)
		}
		if err != nil {
			observe(StateFailed)
		} else {
			observe(StateDone)
		}
	}()

	if p.cfg.Credentials.Empty() {
		return nil, errs.New(errs.KindMissingCredentials, "backup "+filepath.Base(plainPath), nil)
	}

	observe(StateListing)
	bucketID := p.BucketID()
	if bucketID == "" {
		if bucketID, err = p.ResolveBucket(ctx); err != nil {
			return nil, err
		}
	}

	observe(StateKeyDerivation)
	key, err := vault.DeriveFileKey(p.cfg.Credentials.Identity(), bucketID, filepath.Base(plainPath))
	if err != nil {
		return nil, err
	}

	// Held until cleanup has removed the encrypted copy.
	defer p.lockPath(filepath.Clean(plainPath))()

	res = &Result{Artifact: Artifact{
		PlainPath:  plainPath,
		CryptPath:  plainPath + CryptSuffix,
		RemoteName: p.remoteName(plainPath),
		BucketID:   bucketID,
		FileKey:    key,
	}}

	// From here on the encrypted copy may exist and must be removed.
	defer func() {
		observe(StateCleanup)
		if cerr := os.Remove(res.Artifact.CryptPath); cerr != nil && !errors.Is(cerr, os.ErrNotExist) {
			res.CleanupErr = errs.New(errs.KindCleanup, "remove "+res.Artifact.CryptPath, cerr)
			log.Error("failed to remove encrypted copy", zap.Error(res.CleanupErr))
		}
	}()

	observe(StateEncrypting)
	n, err := vault.EncryptFile(plainPath, res.Artifact.CryptPath, key)
	if err != nil {
		return res, errs.New(errs.KindPersistence, "encrypt "+filepath.Base(plainPath), err)
	}
	log.Debug("encrypted day file", zap.Int64("bytes", n))

	observe(StateTokenRequest)
	token, err := p.createToken(ctx, bucketID)
	if err != nil {
		return res, err
	}
	res.Artifact.UploadToken = token

	observe(StateUploading)
	file, err := p.storeFile(ctx, res.Artifact)
	if err != nil {
		return res, err
	}
	res.File = file

	log.Info("backup uploaded",
		zap.String("bucket", bucketID),
		zap.String("remote_name", file.Name),
		zap.String("remote_id", file.ID),
		zap.Int64("size", file.Size))
	return res, nil
}

func (p *Pipeline) createToken(ctx context.Context, bucketID string) (string, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	token, err := p.client.CreateToken(ctx, bucketID, bucket.PermissionPush)
	if err != nil {
		return "", errs.New(errs.KindToken, "create push token", err)
	}
	if token == "" {
		return "", errs.New(errs.KindToken, "create push token: empty token", nil)
	}
	return token, nil
}

func (p *Pipeline) storeFile(ctx context.Context, a Artifact) (*bucket.File, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	file, err := p.client.StoreFile(ctx, a.BucketID, a.UploadToken, a.CryptPath, a.RemoteName)
	if err != nil {
		return nil, errs.New(errs.KindUpload, "store "+a.RemoteName, err)
	}
	if file == nil {
		return nil, errs.New(errs.KindUpload, "store "+a.RemoteName+": no file descriptor returned", nil)
	}
	return file, nil
}

func (p *Pipeline) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.Timeout)
}

// remoteName is the day path relative to Root plus CryptSuffix, so files for
// the same day-of-month in different months do not collide.
func (p *Pipeline) remoteName(plainPath string) string {
	name := filepath.Base(plainPath)
	if p.cfg.Root != "" {
		if rel, err := filepath.Rel(p.cfg.Root, plainPath); err == nil && !strings.HasPrefix(rel, "..") {
			name = filepath.ToSlash(rel)
		}
	}
	return name + CryptSuffix
}
