package config

import (
	"os"
	"strings"
)

// localMirrorConfig points at the docker-compose minio when one is declared
// and leaves the mirror off otherwise.
func localMirrorConfig() MirrorConfig {
	return MirrorConfig{
		Endpoint:  firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_ENDPOINT")), strings.TrimSpace(os.Getenv("ARTIFACT_MINIO_ENDPOINT"))),
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_BUCKET")), "xrayscope-artifacts"),
		Prefix:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_PREFIX")), DefaultModelDir),
		UseSSL:    false,
		WriteBack: envBool("ARTIFACT_MIRROR_WRITEBACK", true),
	}
}
