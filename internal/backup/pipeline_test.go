package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-ledger/internal/bucket"
	"github.com/celerix-dev/celerix-ledger/internal/errs"
	"github.com/celerix-dev/celerix-ledger/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockBucketClient is a mock implementation of BucketClient
type MockBucketClient struct {
	mock.Mock
	mu       sync.Mutex
	uploaded map[string][]byte
}

func (m *MockBucketClient) ListBuckets(ctx context.Context) ([]bucket.Bucket, error) {
	args := m.Called(ctx)
	if b := args.Get(0); b != nil {
		return b.([]bucket.Bucket), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBucketClient) CreateToken(ctx context.Context, bucketID string, perm bucket.Permission) (string, error) {
	args := m.Called(ctx, bucketID, perm)
	return args.String(0), args.Error(1)
}

func (m *MockBucketClient) StoreFile(ctx context.Context, bucketID, token, localPath, remoteName string) (*bucket.File, error) {
	// Capture the encrypted copy while it still exists.
	if data, err := os.ReadFile(localPath); err == nil {
		m.mu.Lock()
		if m.uploaded == nil {
			m.uploaded = map[string][]byte{}
		}
		m.uploaded[remoteName] = data
		m.mu.Unlock()
	}
	args := m.Called(ctx, bucketID, token, localPath, remoteName)
	if f := args.Get(0); f != nil {
		return f.(*bucket.File), args.Error(1)
	}
	return nil, args.Error(1)
}

var (
	testCreds   = bucket.Credentials{AccountID: "acct-1", Key: "secret"}
	testBuckets = []bucket.Bucket{{ID: "b-0", Name: "scratch"}, {ID: "b-1", Name: "attendance"}}
)

// writeDayFile creates <root>/2026/10/14.json and returns root and the path.
func writeDayFile(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "2026", "10", "14.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"Alice","signin":"1","signout":"2"}]`), 0644))
	return root, path
}

func newTestPipeline(client BucketClient, root string) *Pipeline {
	return NewPipeline(client, Config{
		Credentials: testCreds,
		Bucket:      "attendance",
		Root:        root,
		Timeout:     time.Second,
	}, nil)
}

func recordStates() (*[]State, Observer) {
	var mu sync.Mutex
	states := []State{}
	return &states, func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
}

func TestPipeline_Success(t *testing.T) {
	root, path := writeDayFile(t)
	client := new(MockBucketClient)
	client.On("ListBuckets", mock.Anything).Return(testBuckets, nil)
	client.On("CreateToken", mock.Anything, "b-1", bucket.PermissionPush).Return("tok", nil)
	client.On("StoreFile", mock.Anything, "b-1", "tok", path+CryptSuffix, "2026/10/14.json.crypt").
		Return(&bucket.File{ID: "f-1", Name: "2026/10/14.json.crypt", Size: 99}, nil)

	states, observe := recordStates()
	res, err := newTestPipeline(client, root).Run(context.Background(), path, observe)
	require.NoError(t, err)

	assert.Equal(t, "f-1", res.File.ID)
	assert.Equal(t, "b-1", res.Artifact.BucketID)
	assert.NoError(t, res.CleanupErr)
	assert.NoFileExists(t, path+CryptSuffix)
	assert.FileExists(t, path)
	assert.Equal(t, []State{
		StateListing, StateKeyDerivation, StateEncrypting, StateTokenRequest,
		StateUploading, StateCleanup, StateDone,
	}, *states)
	client.AssertExpectations(t)

	// The uploaded bytes decrypt with the re-derived key.
	key, err := vault.DeriveFileKey(testCreds.Identity(), "b-1", "14.json")
	require.NoError(t, err)
	enc := filepath.Join(t.TempDir(), "copy.crypt")
	require.NoError(t, os.WriteFile(enc, client.uploaded["2026/10/14.json.crypt"], 0600))
	out := filepath.Join(t.TempDir(), "plain.json")
	_, err = vault.DecryptFile(enc, out, key)
	require.NoError(t, err)
	plain, _ := os.ReadFile(out)
	original, _ := os.ReadFile(path)
	assert.Equal(t, original, plain)

	// Knowing the account id alone is not enough to rebuild the key.
	guess, err := vault.DeriveFileKey(testCreds.AccountID, "b-1", "14.json")
	require.NoError(t, err)
	_, err = vault.DecryptFile(enc, filepath.Join(t.TempDir(), "guess.json"), guess)
	assert.ErrorIs(t, err, vault.ErrAuth)
}

func TestPipeline_UploadFailureStillCleansUp(t *testing.T) {
	root, path := writeDayFile(t)
	client := new(MockBucketClient)
	client.On("ListBuckets", mock.Anything).Return(testBuckets, nil)
	client.On("CreateToken", mock.Anything, "b-1", bucket.PermissionPush).Return("tok", nil)
	client.On("StoreFile", mock.Anything, "b-1", "tok", path+CryptSuffix, mock.Anything).
		Return(nil, errors.New("connection reset"))

	states, observe := recordStates()
	res, err := newTestPipeline(client, root).Run(context.Background(), path, observe)

	assert.ErrorIs(t, err, errs.ErrUpload)
	require.NotNil(t, res)
	assert.Nil(t, res.File)
	assert.NoError(t, res.CleanupErr)
	assert.NoFileExists(t, path+CryptSuffix)
	assert.Equal(t, StateFailed, (*states)[len(*states)-1])
	assert.Equal(t, StateCleanup, (*states)[len(*states)-2])
	// the captured upload proves the encrypted copy existed during the call
	assert.NotEmpty(t, client.uploaded)
}

func TestPipeline_TokenFailure(t *testing.T) {
	root, path := writeDayFile(t)
	client := new(MockBucketClient)
	client.On("ListBuckets", mock.Anything).Return(testBuckets, nil)
	client.On("CreateToken", mock.Anything, "b-1", bucket.PermissionPush).Return("", errors.New("forbidden"))

	_, err := newTestPipeline(client, root).Backup(context.Background(), path)

	assert.ErrorIs(t, err, errs.ErrToken)
	assert.NoFileExists(t, path+CryptSuffix)
	client.AssertNotCalled(t, "StoreFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPipeline_UploadTimeout(t *testing.T) {
	_, path := writeDayFile(t)
	client := new(MockBucketClient)
	client.On("ListBuckets", mock.Anything).Return(testBuckets, nil)
	client.On("CreateToken", mock.Anything, "b-1", bucket.PermissionPush).Return("tok", nil)
	client.On("StoreFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	p := NewPipeline(client, Config{Credentials: testCreds, Bucket: "attendance", Timeout: 20 * time.Millisecond}, nil)
	_, err := p.Backup(context.Background(), path)

	assert.ErrorIs(t, err, errs.ErrUpload)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoFileExists(t, path+CryptSuffix)
}

func TestPipeline_BucketListFailureWritesNothing(t *testing.T) {
	root, path := writeDayFile(t)
	dir := filepath.Dir(path)

	cases := map[string]func(*MockBucketClient){
		"list error": func(c *MockBucketClient) {
			c.On("ListBuckets", mock.Anything).Return(nil, errors.New("network down"))
		},
		"no buckets": func(c *MockBucketClient) {
			c.On("ListBuckets", mock.Anything).Return([]bucket.Bucket{}, nil)
		},
		"no match": func(c *MockBucketClient) {
			c.On("ListBuckets", mock.Anything).Return([]bucket.Bucket{{ID: "b-9", Name: "elsewhere"}}, nil)
		},
	}

	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			client := new(MockBucketClient)
			setup(client)

			states, observe := recordStates()
			res, err := newTestPipeline(client, root).Run(context.Background(), path, observe)

			assert.ErrorIs(t, err, errs.ErrBucketList)
			assert.Nil(t, res)
			assert.Equal(t, []State{StateListing, StateCleanup, StateFailed}, *states)

			entries, _ := os.ReadDir(dir)
			assert.Len(t, entries, 1)
			client.AssertNotCalled(t, "CreateToken", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestPipeline_MissingCredentials(t *testing.T) {
	_, path := writeDayFile(t)
	client := new(MockBucketClient)

	p := NewPipeline(client, Config{Bucket: "attendance", Credentials: bucket.Credentials{AccountID: "acct-1"}}, nil)
	_, err := p.Backup(context.Background(), path)

	assert.ErrorIs(t, err, errs.ErrMissingCredentials)
	client.AssertNotCalled(t, "ListBuckets", mock.Anything)

	_, err = p.ResolveBucket(context.Background())
	assert.ErrorIs(t, err, errs.ErrMissingCredentials)
}

func TestPipeline_ResolveBucketCachesID(t *testing.T) {
	root, path := writeDayFile(t)
	client := new(MockBucketClient)
	client.On("ListBuckets", mock.Anything).Return(testBuckets, nil).Once()
	client.On("CreateToken", mock.Anything, "b-1", bucket.PermissionPush).Return("tok", nil)
	client.On("StoreFile", mock.Anything, "b-1", "tok", mock.Anything, mock.Anything).
		Return(&bucket.File{ID: "f"}, nil)

	p := newTestPipeline(client, root)
	id, err := p.ResolveBucket(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b-1", id)

	_, err = p.Backup(context.Background(), path)
	require.NoError(t, err)
	_, err = p.Backup(context.Background(), path)
	require.NoError(t, err)

	client.AssertNumberOfCalls(t, "ListBuckets", 1)
}

func TestPipeline_EncryptFailure(t *testing.T) {
	root := t.TempDir()
	client := new(MockBucketClient)
	client.On("ListBuckets", mock.Anything).Return(testBuckets, nil)

	res, err := newTestPipeline(client, root).Backup(context.Background(), filepath.Join(root, "missing.json"))

	assert.ErrorIs(t, err, errs.ErrPersistence)
	require.NotNil(t, res)
	assert.NoFileExists(t, filepath.Join(root, "missing.json"+CryptSuffix))
	client.AssertNotCalled(t, "CreateToken", mock.Anything, mock.Anything, mock.Anything)
}

func TestPipeline_CleanupFailureIsReportedSeparately(t *testing.T) {
	root, path := writeDayFile(t)
	client := new(MockBucketClient)
	client.On("ListBuckets", mock.Anything).Return(testBuckets, nil)
	client.On("CreateToken", mock.Anything, "b-1", bucket.PermissionPush).Return("tok", nil)
	client.On("StoreFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			// Swap the encrypted copy for a non-empty directory so removal fails.
			crypt := args.String(3)
			os.Remove(crypt)
			os.MkdirAll(filepath.Join(crypt, "blocker"), 0755)
		}).
		Return(nil, errors.New("upload rejected"))

	res, err := newTestPipeline(client, root).Backup(context.Background(), path)

	assert.ErrorIs(t, err, errs.ErrUpload)
	require.NotNil(t, res)
	assert.ErrorIs(t, res.CleanupErr, errs.ErrCleanup)
	assert.False(t, errors.Is(err, errs.ErrCleanup))
}

func TestRemoteName(t *testing.T) {
	p := NewPipeline(nil, Config{Root: "/data/json"}, nil)
	assert.Equal(t, "2026/10/14.json.crypt", p.remoteName("/data/json/2026/10/14.json"))
	assert.Equal(t, "14.json.crypt", p.remoteName("/elsewhere/14.json"))

	p = NewPipeline(nil, Config{}, nil)
	assert.Equal(t, "14.json.crypt", p.remoteName("/data/json/2026/10/14.json"))
}

func TestPipeline_WithDirClient(t *testing.T) {
	root, path := writeDayFile(t)
	store, err := bucket.NewDirClient(t.TempDir(), "attendance")
	require.NoError(t, err)

	res, err := newTestPipeline(store, root).Backup(context.Background(), path)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(store.Root, "attendance", "2026", "10", "14.json.crypt"))
	assert.Equal(t, "attendance", res.File.BucketID)
	assert.NoFileExists(t, path+CryptSuffix)
}

func TestPipeline_ConcurrentRunsSameFile(t *testing.T) {
	root, path := writeDayFile(t)
	client := new(MockBucketClient)
	client.On("ListBuckets", mock.Anything).Return(testBuckets, nil)
	// Whichever run asks first gets a slow token.
	client.On("CreateToken", mock.Anything, "b-1", bucket.PermissionPush).
		Return("tok", nil).After(100 * time.Millisecond).Once()
	client.On("CreateToken", mock.Anything, "b-1", bucket.PermissionPush).Return("tok", nil).Once()
	client.On("StoreFile", mock.Anything, "b-1", "tok", path+CryptSuffix, "2026/10/14.json.crypt").
		Run(func(args mock.Arguments) {
			_, err := os.Stat(args.String(3))
			assert.NoError(t, err, "encrypted copy removed during upload")
		}).
		Return(&bucket.File{ID: "f-1", Name: "2026/10/14.json.crypt"}, nil).Twice()

	p := newTestPipeline(client, root)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Backup(context.Background(), path)
			if err == nil && res.CleanupErr != nil {
				err = res.CleanupErr
			}
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		assert.NoError(t, err)
	}
	assert.NoFileExists(t, path+CryptSuffix)
	assert.Empty(t, p.locks)
	client.AssertExpectations(t)
}
