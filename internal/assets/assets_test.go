package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetName(t *testing.T) {
	name, err := AssetName(ABIArm64)
	require.NoError(t, err)
	assert.Equal(t, "probe_arm64", name)

	name, err = AssetName(ABIX86_64)
	require.NoError(t, err)
	assert.Equal(t, "probe_x64", name)

	_, err = AssetName("mips")
	assert.ErrorIs(t, err, ErrUnsupportedABI)
}

func TestDirProvider(t *testing.T) {
	dir := t.TempDir()
	payload := []byte{0x7f, 'E', 'L', 'F', 0, 1, 2, 3}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "probe_x64"), payload, 0o644))

	p := NewDirProvider(dir)
	rc, err := p.Open(context.Background(), ABIX86_64)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = p.Open(context.Background(), ABIArm64)
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func sha(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func newAssetServer(t *testing.T, files map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPProvider(t *testing.T) {
	payload := "\x7fELF probe bytes"

	t.Run("verified download", func(t *testing.T) {
		srv, _ := newAssetServer(t, map[string]string{
			"probe_arm64":        payload,
			"probe_arm64.sha256": sha([]byte(payload)) + "  probe_arm64\n",
		})
		p := NewHTTPProvider(srv.URL+"/", discardLogger())

		rc, err := p.Open(context.Background(), ABIArm64)
		require.NoError(t, err)
		defer rc.Close()
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, payload, string(got))
	})

	t.Run("checksum mismatch surfaces on read", func(t *testing.T) {
		srv, _ := newAssetServer(t, map[string]string{
			"probe_arm64":        payload,
			"probe_arm64.sha256": strings.Repeat("0", 64),
		})
		p := NewHTTPProvider(srv.URL, discardLogger())

		rc, err := p.Open(context.Background(), ABIArm64)
		require.NoError(t, err)
		defer rc.Close()
		_, err = io.ReadAll(rc)
		var mismatch *ChecksumMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, sha([]byte(payload)), mismatch.Computed)
	})

	t.Run("no sidecar", func(t *testing.T) {
		srv, _ := newAssetServer(t, map[string]string{"probe_x64": payload})
		p := NewHTTPProvider(srv.URL, discardLogger())

		rc, err := p.Open(context.Background(), ABIX86_64)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, payload, string(got))

		p.RequireChecksum = true
		_, err = p.Open(context.Background(), ABIX86_64)
		assert.Error(t, err)
	})

	t.Run("missing asset", func(t *testing.T) {
		srv, hits := newAssetServer(t, nil)
		p := NewHTTPProvider(srv.URL, discardLogger())

		_, err := p.Open(context.Background(), ABIArm64)
		assert.ErrorIs(t, err, ErrAssetNotFound)
		assert.Equal(t, int32(2), hits.Load(), "404 is not retried")
	})

	t.Run("malformed sidecar", func(t *testing.T) {
		srv, _ := newAssetServer(t, map[string]string{
			"probe_arm64":        payload,
			"probe_arm64.sha256": "nope",
		})
		p := NewHTTPProvider(srv.URL, discardLogger())

		_, err := p.Open(context.Background(), ABIArm64)
		assert.Error(t, err)
	})
}
