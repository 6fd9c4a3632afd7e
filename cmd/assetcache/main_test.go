package main

import (
	"bytes"
	"context"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kzstd "github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/assetcache/codec/zstd"
)

func setupAssets(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		compressed, err := zstd.Encode([]byte(content), kzstd.SpeedFastest)
		require.NoError(t, err)
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, compressed, 0o600))
	}
	return dir
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assetcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunFSReader(t *testing.T) {
	dir := setupAssets(t, map[string]string{
		"a.zst":     strings.Repeat("a", 100),
		"sub/b.zst": strings.Repeat("b", 50),
	})
	cfgPath := writeConfig(t, fmt.Sprintf("reader:\n  kind: fs\n  dir: %q\nlogging:\n  level: error\n", dir))

	var out bytes.Buffer
	err := run(context.Background(), flags{configPath: cfgPath, repeat: 4}, []string{"a.zst", "sub/b.zst"}, &out)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "a.zst\t100 bytes")
	assert.Contains(t, got, "sub/b.zst\t50 bytes")
	assert.Regexp(t, `misses\s+2\n`, got)
	assert.Regexp(t, `decodes\s+2\n`, got)
}

func TestRunErrors(t *testing.T) {
	dir := setupAssets(t, map[string]string{"a.zst": "alpha"})
	cfgPath := writeConfig(t, fmt.Sprintf("reader:\n  kind: fs\n  dir: %q\n", dir))
	ctx := context.Background()

	var out bytes.Buffer
	err := run(ctx, flags{configPath: cfgPath, repeat: 1}, []string{"missing.zst"}, &out)
	require.Error(t, err)

	err = run(ctx, flags{configPath: cfgPath, repeat: 0}, []string{"a.zst"}, &out)
	require.Error(t, err)

	badCfg := writeConfig(t, "reader:\n  kind: s3\n")
	err = run(ctx, flags{configPath: badCfg, repeat: 1}, nil, &out)
	require.Error(t, err)
}

func TestRunHTTPReaderWithHeaders(t *testing.T) {
	compressed, err := zstd.Encode([]byte("remote"), kzstd.SpeedFastest)
	require.NoError(t, err)

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			nethttp.Error(w, "unauthorized", nethttp.StatusUnauthorized)
			return
		}
		nethttp.ServeContent(w, r, "asset", time.Time{}, bytes.NewReader(compressed))
	}))
	t.Cleanup(server.Close)

	cfgPath := writeConfig(t, fmt.Sprintf(`
reader:
  kind: http
  url: %q
  headers:
    authorization: Bearer secret
cache:
  decoded_budget: 1024
  max_decoded_entry: 3
codec:
  lowmem: true
  max_memory: 1048576
logging:
  level: error
`, server.URL))

	var out bytes.Buffer
	err = run(context.Background(), flags{configPath: cfgPath, repeat: 1}, []string{"remote.zst"}, &out)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "remote.zst\t6 bytes")
	assert.Regexp(t, `encoded entries\s+1\n`, got)
	assert.Regexp(t, `decoded entries\s+0\n`, got, "six decoded bytes exceed max_decoded_entry")
	assert.Regexp(t, `rejections\s+1\n`, got)
}
