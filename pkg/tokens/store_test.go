package tokens

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "tokens.json"), bcrypt.MinCost, nil)
	require.NoError(t, err)
	return store
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	exists, err := store.Exists(ctx, "svc-a")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Verify(ctx, "svc-a", "anything")
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))

	token, err := store.Create(ctx, "svc-a")
	require.NoError(t, err)
	assert.Len(t, token, 64)

	_, err = store.Create(ctx, "svc-a")
	assert.True(t, types.IsErrCode(err, types.ErrCodeAlreadyExists))

	ok, err := store.Verify(ctx, "svc-a", token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Verify(ctx, "svc-a", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Create(ctx, "svc-b")
	require.NoError(t, err)
	names, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-a", "svc-b"}, names)

	err = store.Delete(ctx, "svc-a", "wrong")
	assert.True(t, types.IsErrCode(err, types.ErrCodeIncorrectToken))

	require.NoError(t, store.Delete(ctx, "svc-a", token))
	exists, err = store.Exists(ctx, "svc-a")
	require.NoError(t, err)
	assert.False(t, exists)

	// The name can be registered again once the old token is gone.
	_, err = store.Create(ctx, "svc-a")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, "svc-b"))
	err = store.Revoke(ctx, "svc-b")
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
}

func TestFileStore(t *testing.T) {
	exerciseStore(t, newTestFileStore(t))
}

func TestFileStoreStoresOnlyHashes(t *testing.T) {
	store := newTestFileStore(t)
	token, err := store.Create(context.Background(), "svc-a")
	require.NoError(t, err)

	data, err := os.ReadFile(store.path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), token)
	assert.Contains(t, string(data), "svc-a")
}

func TestFileStoreSharedAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	first, err := NewFileStore(path, bcrypt.MinCost, nil)
	require.NoError(t, err)
	second, err := NewFileStore(path, bcrypt.MinCost, nil)
	require.NoError(t, err)

	_, err = first.Create(context.Background(), "svc-a")
	require.NoError(t, err)
	require.NoError(t, second.Revoke(context.Background(), "svc-a"))

	exists, err := first.Exists(context.Background(), "svc-a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileStoreConcurrentCreateIssuesOnce(t *testing.T) {
	store := newTestFileStore(t)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(context.Background(), "svc-a")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for err := range results {
		if err == nil {
			created++
		} else {
			assert.True(t, types.IsErrCode(err, types.ErrCodeAlreadyExists))
		}
	}
	assert.Equal(t, 1, created)
}

func TestFileStoreCorruptFile(t *testing.T) {
	store := newTestFileStore(t)
	require.NoError(t, os.WriteFile(store.path, []byte("{not json"), 0600))

	_, err := store.Exists(context.Background(), "svc-a")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInternal))
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.TokenStoreConfig{Backend: "redis"}, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("BLIP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BLIP_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, url, bcrypt.MinCost, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.pool.Exec(ctx, `TRUNCATE blip_tokens`)
	require.NoError(t, err)

	exerciseStore(t, store)
}
