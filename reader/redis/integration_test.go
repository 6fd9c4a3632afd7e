//go:build integration

package redis

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/assetcache"
	"github.com/meigma/assetcache/internal/testutil"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// getRedis returns the shared Redis address, starting the container if needed.
func getRedis(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	redisOnce.Do(func() {
		redisAddr, redisErr = startRedisContainer(context.Background())
	})
	if redisErr != nil {
		tb.Fatalf("start redis container: %v", redisErr)
	}
	return redisAddr
}

func startRedisContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve redis host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve redis port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func newTestReader(t *testing.T, opts ...Option) *Reader {
	t.Helper()
	prefix := WithKeyPrefix(t.Name() + ":")
	r, err := Dial(context.Background(), getRedis(t), "", 0, append([]Option{prefix}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestIntegrationOpenAndSeek(t *testing.T) {
	ctx := context.Background()
	r := newTestReader(t, WithChunkSize(4))

	data := []byte("the quick brown fox")
	require.NoError(t, r.Put(ctx, "fox", data))

	obj, err := r.Open(ctx, "fox")
	require.NoError(t, err)
	defer obj.Close()

	size, ok := obj.Size()
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), size)

	got, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = obj.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	got, err = io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "fox", string(got))

	buf := make([]byte, 5)
	n, err := obj.(io.ReaderAt).ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "quick", string(buf[:n]))
}

func TestIntegrationMissingAndEmpty(t *testing.T) {
	ctx := context.Background()
	r := newTestReader(t)

	_, err := r.Open(ctx, "missing")
	require.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, r.Put(ctx, "empty", nil))
	obj, err := r.Open(ctx, "empty")
	require.NoError(t, err)
	got, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, r.Delete(ctx, "empty"))
	_, err = r.Open(ctx, "empty")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestIntegrationWithCache(t *testing.T) {
	ctx := context.Background()
	r := newTestReader(t)
	require.NoError(t, r.Put(ctx, "greeting", []byte(" hello ")))

	dec := &testutil.StringDecoder{Normalize: true}
	c, err := assetcache.New[string](r, dec)
	require.NoError(t, err)

	for range 3 {
		v, err := c.Get(ctx, "greeting", assetcache.AlwaysCacheIfAbsent)
		require.NoError(t, err)
		assert.Equal(t, "hello", v)
	}
	assert.Equal(t, int64(1), dec.DecodeBytesCalls())
	assert.Equal(t, int64(len("hello")), c.Stats().EncodedBytes)

	// Pass-through decodes read the value again without touching the tiers.
	c.Clear()
	v, err := c.Get(ctx, "greeting", assetcache.NeverCache)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Zero(t, c.Stats().EncodedEntries)
}
