package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"xrayscope/internal/fetch"
	"xrayscope/internal/gateway/config"
	"xrayscope/internal/inference"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port: ":0",
		Env:  "test",
		Artifact: config.ArtifactConfig{
			Dir:       t.TempDir(),
			SourceURL: "http://127.0.0.1:1/uc",
		},
		Inference: config.InferenceConfig{
			Backend: inference.BackendHTTP,
			Device:  "cpu",
		},
		UploadMaxBytes:    1 << 20,
		HistoryMaxEntries: 10,
	}
}

func TestNewSourcesWithoutMirror(t *testing.T) {
	f, pub, err := NewSources(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, pub)
	chain, ok := f.(fetch.Chain)
	require.True(t, ok)
	assert.Equal(t, []string{"drive"}, chain.Names())
}

func TestNewSourcesMirrorFirst(t *testing.T) {
	cfg := testConfig(t)
	cfg.Artifact.Mirror = config.MirrorConfig{
		Endpoint:  "127.0.0.1:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "models",
		WriteBack: true,
	}
	f, pub, err := NewSources(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, pub)
	assert.Equal(t, []string{"mirror:models", "drive"}, f.(fetch.Chain).Names())

	cfg.Artifact.Mirror.WriteBack = false
	_, pub, err = NewSources(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, pub)
}

func TestNewSourcesBrokenMirrorFallsBack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Artifact.Mirror = config.MirrorConfig{Endpoint: "127.0.0.1:9000", Bucket: "models", WriteBack: true}
	f, pub, err := NewSources(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, pub)
	assert.Equal(t, []string{"drive"}, f.(fetch.Chain).Names())
}

func TestNewProvisionerRejectsBadManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Artifact.Manifest = "does-not-exist.yaml"
	_, err := NewProvisioner(cfg, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestNewWithConfigAndShutdown(t *testing.T) {
	a, err := NewWithConfig(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, a.Shutdown(ctx))
}
