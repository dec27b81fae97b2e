package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xrayscope/internal/artifact"
)

// fakeBucketServer is a minimal path-style S3 endpoint for one bucket.
type fakeBucketServer struct {
	mu          sync.Mutex
	bucketFails int // HEAD bucket answers 403 this many times
	hasBucket   bool
	heads       int
	makes       int
	puts        []string
}

func (f *fakeBucketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucketOnly := len(parts) == 1 || parts[1] == ""
	switch {
	case bucketOnly && r.Method == http.MethodHead:
		f.heads++
		if f.bucketFails > 0 {
			f.bucketFails--
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if !f.hasBucket {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case bucketOnly && r.Method == http.MethodPut:
		f.makes++
		f.hasBucket = true
		w.WriteHeader(http.StatusOK)
	case !bucketOnly && r.Method == http.MethodPut:
		f.puts = append(f.puts, parts[1])
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
	}
}

func newTestMirror(t *testing.T, f *fakeBucketServer) *MirrorFetcher {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	m, err := NewMirrorFetcher(MirrorConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "models",
		Prefix:    "chest_xray_model",
	})
	require.NoError(t, err)
	return m
}

func TestMirrorFetchMissingKeyFallsThroughWithoutCreatingBucket(t *testing.T) {
	f := &fakeBucketServer{}
	m := newTestMirror(t, f)

	_, err := m.Fetch(context.Background(), configSpec)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.makes, "reads must not create the bucket")
	assert.Zero(t, f.heads)
}

func TestMirrorPublishRetriesBucketCheckAfterError(t *testing.T) {
	f := &fakeBucketServer{bucketFails: 1, hasBucket: true}
	m := newTestMirror(t, f)
	local := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(local, []byte(`{"id2label":{}}`), 0o644))

	require.Error(t, m.Publish(context.Background(), configSpec, local))
	require.NoError(t, m.Publish(context.Background(), configSpec, local))
	require.NoError(t, m.Publish(context.Background(), configSpec, local))

	assert.Equal(t, 2, f.heads, "only a confirmed bucket is cached")
	assert.Zero(t, f.makes)
	assert.Equal(t, []string{"chest_xray_model/config.json", "chest_xray_model/config.json"}, f.puts)
}

func TestMirrorPublishCreatesBucket(t *testing.T) {
	f := &fakeBucketServer{}
	m := newTestMirror(t, f)
	local := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(local, []byte(`{}`), 0o644))

	require.NoError(t, m.Publish(context.Background(), artifact.Spec{Name: "config.json", RemoteID: "x", LocalFilename: "config.json"}, local))
	assert.Equal(t, 1, f.makes)
	assert.Len(t, f.puts, 1)
}
