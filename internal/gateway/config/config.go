package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultModelDir  = "chest_xray_model"
	DefaultSourceURL = "https://drive.google.com/uc"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	Artifact  ArtifactConfig
	Inference InferenceConfig

	DatabaseURL       string
	UploadMaxBytes    int64
	HistoryMaxEntries int
}

type ArtifactConfig struct {
	Dir          string
	Manifest     string
	SourceURL    string
	VerifyHash   bool
	FetchTimeout time.Duration
	Mirror       MirrorConfig
}

type MirrorConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	WriteBack bool
}

// Enabled reports whether enough is configured to reach a bucket.
func (m MirrorConfig) Enabled() bool {
	return strings.TrimSpace(m.Endpoint) != "" && strings.TrimSpace(m.Bucket) != ""
}

type InferenceConfig struct {
	Backend      string
	Device       string
	Endpoint     string
	Command      string
	TopK         int
	Timeout      time.Duration
	GeminiAPIKey string
	GeminiModel  string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	port := flag.String("port", ":8081", "server port")
	flag.Parse()

	return FromEnv(*port)
}

// FromEnv builds the config from environment variables. PORT overrides the
// flag value.
func FromEnv(port string) (*Config, error) {
	if envPort := os.Getenv("PORT"); envPort != "" {
		port = envPort
	}
	if port != "" && !strings.HasPrefix(port, ":") && !strings.Contains(port, ":") {
		port = ":" + port
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	fetchTimeout, err := envDuration("ARTIFACT_FETCH_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}
	inferTimeout, err := envDuration("INFERENCE_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}
	topK, err := envInt("INFERENCE_TOP_K", 5)
	if err != nil {
		return nil, err
	}
	maxBytes, err := envInt("UPLOAD_MAX_BYTES", 20<<20)
	if err != nil {
		return nil, err
	}
	maxEntries, err := envInt("HISTORY_MAX_ENTRIES", 200)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:     port,
		Env:      env,
		LogLevel: strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		Artifact: ArtifactConfig{
			Dir:          firstNonEmpty(strings.TrimSpace(os.Getenv("MODEL_DIR")), DefaultModelDir),
			Manifest:     strings.TrimSpace(os.Getenv("ARTIFACT_MANIFEST")),
			SourceURL:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_SOURCE_URL")), DefaultSourceURL),
			VerifyHash:   envBool("ARTIFACT_VERIFY_HASH", false),
			FetchTimeout: fetchTimeout,
			Mirror:       loadMirrorConfig(env),
		},
		Inference: InferenceConfig{
			Backend:      firstNonEmpty(strings.TrimSpace(os.Getenv("INFERENCE_BACKEND")), "http"),
			Device:       firstNonEmpty(strings.TrimSpace(os.Getenv("INFERENCE_DEVICE")), "cpu"),
			Endpoint:     strings.TrimSpace(os.Getenv("INFERENCE_ENDPOINT")),
			Command:      strings.TrimSpace(os.Getenv("INFERENCE_COMMAND")),
			TopK:         topK,
			Timeout:      inferTimeout,
			GeminiAPIKey: firstNonEmpty(strings.TrimSpace(os.Getenv("GEMINI_API_KEY")), strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))),
			GeminiModel:  strings.TrimSpace(os.Getenv("GEMINI_MODEL")),
		},
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		UploadMaxBytes:    int64(maxBytes),
		HistoryMaxEntries: maxEntries,
	}, nil
}

func loadMirrorConfig(env string) MirrorConfig {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return localMirrorConfig()
	}
	return MirrorConfig{
		Endpoint:  strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_ENDPOINT")),
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_REGION")), "us-east-1"),
		AccessKey: strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_ACCESS_KEY")),
		SecretKey: strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_SECRET_KEY")),
		Bucket:    strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_BUCKET")),
		Prefix:    strings.TrimSpace(os.Getenv("ARTIFACT_MIRROR_PREFIX")),
		UseSSL:    envBool("ARTIFACT_MIRROR_USE_SSL", true),
		WriteBack: envBool("ARTIFACT_MIRROR_WRITEBACK", false),
	}
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// envDuration accepts Go durations ("90s") or plain seconds ("90").
func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
