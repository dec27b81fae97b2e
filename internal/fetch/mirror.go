package fetch

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"xrayscope/internal/artifact"
)

type MirrorConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// MirrorFetcher reads artifacts from an S3-compatible bucket laid out as
// <prefix>/<local_filename>, and can publish freshly fetched artifacts back
// into it.
type MirrorFetcher struct {
	client     *minio.Client
	bucketName string
	region     string
	prefix     string

	// bucketMu guards bucketReady; only a confirmed bucket is remembered so
	// a transient error is retried on the next publish.
	bucketMu    sync.Mutex
	bucketReady bool
}

func NewMirrorFetcher(cfg MirrorConfig) (*MirrorFetcher, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("mirror endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("mirror access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("mirror bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init mirror client: %w", err)
	}
	return &MirrorFetcher{
		client:     client,
		bucketName: bucket,
		region:     region,
		prefix:     strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
	}, nil
}

func (m *MirrorFetcher) Name() string { return "mirror:" + m.bucketName }

// ensureBucket creates the bucket on first write. Reads never create it.
func (m *MirrorFetcher) ensureBucket(ctx context.Context) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("mirror is nil")
	}
	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()
	if m.bucketReady {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{Region: m.region}); err != nil {
			return err
		}
	}
	m.bucketReady = true
	return nil
}

func (m *MirrorFetcher) Fetch(ctx context.Context, spec artifact.Spec) (*Download, error) {
	if m == nil || m.client == nil {
		return nil, fmt.Errorf("mirror is nil")
	}
	key := m.objectKey(spec)
	obj, err := m.client.GetObject(ctx, m.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat forces the request so a missing key falls
	// through to the next source instead of failing mid-copy.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Download{Body: obj, Source: m.Name(), Size: info.Size}, nil
}

func (m *MirrorFetcher) Publish(ctx context.Context, spec artifact.Spec, localPath string) error {
	if err := m.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	_, err := m.client.FPutObject(ctx, m.bucketName, m.objectKey(spec), localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (m *MirrorFetcher) objectKey(spec artifact.Spec) string {
	name := strings.TrimLeft(path.Clean(strings.ReplaceAll(spec.LocalFilename, "\\", "/")), "/")
	if m.prefix == "" {
		return name
	}
	return m.prefix + "/" + name
}
