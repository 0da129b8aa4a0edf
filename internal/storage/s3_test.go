package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewS3UploaderValidates(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	_, err := NewS3Uploader(ctx, logger, S3Config{AccessKeyID: "a", SecretAccessKey: "b"})
	assert.ErrorContains(t, err, "bucket")

	_, err = NewS3Uploader(ctx, logger, S3Config{Bucket: "qmoi"})
	assert.ErrorContains(t, err, "access key")
}

func TestS3UploaderUpload(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   []byte
		ctype  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path, ctype = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := NewS3Uploader(context.Background(), zaptest.NewLogger(t), S3Config{
		Bucket:          "qmoi-backups",
		Endpoint:        srv.URL,
		Prefix:          "/push/",
		UsePathStyle:    true,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "qmoi_monitor_latest.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"ok":true}`), 0o644))

	loc, err := u.Upload(context.Background(), "qmoi_monitor_latest.json", file)
	require.NoError(t, err)
	assert.Equal(t, "s3://qmoi-backups/push/qmoi_monitor_latest.json", loc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/qmoi-backups/push/qmoi_monitor_latest.json", path)
	assert.Equal(t, "application/json", ctype)
	assert.Contains(t, string(body), `{"ok":true}`)
}

func TestS3UploaderMissingFile(t *testing.T) {
	u, err := NewS3Uploader(context.Background(), zaptest.NewLogger(t), S3Config{
		Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s",
	})
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), "k", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "failed to open")
}
