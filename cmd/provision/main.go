// Command provision fetches the model artifacts into the model directory
// without starting the web server. With --build it also constructs the
// classifier once to prove the set is usable.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"xrayscope/internal/gateway/app"
	"xrayscope/internal/gateway/config"
	"xrayscope/internal/logger"
	"xrayscope/internal/provision"
)

type args struct {
	ModelDir   string `arg:"--model-dir,env:MODEL_DIR" help:"directory the artifacts are stored in"`
	Manifest   string `arg:"--manifest,env:ARTIFACT_MANIFEST" help:"yaml manifest overriding the built-in artifact list"`
	SourceURL  string `arg:"--source-url,env:ARTIFACT_SOURCE_URL" help:"drive download endpoint"`
	VerifyHash bool   `arg:"--verify-hash" help:"check sha256 pins of present files"`
	Build      bool   `arg:"--build" help:"build the classifier after the artifacts are in place"`
	LogLevel   string `arg:"--log-level,env:LOG_LEVEL" default:"info"`
}

func main() {
	_ = godotenv.Load()
	var a args
	arg.MustParse(&a)

	cfg, err := config.FromEnv("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if a.ModelDir != "" {
		cfg.Artifact.Dir = a.ModelDir
	}
	if a.Manifest != "" {
		cfg.Artifact.Manifest = a.Manifest
	}
	if a.SourceURL != "" {
		cfg.Artifact.SourceURL = a.SourceURL
	}
	cfg.Artifact.VerifyHash = cfg.Artifact.VerifyHash || a.VerifyHash

	lg, err := logger.New(cfg.Env, a.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := app.NewProvisioner(cfg, provision.LogNotifier{Log: lg.Named("progress")}, lg)
	if err != nil {
		lg.Fatal("failed to initialize provisioner", zap.Error(err))
	}

	if a.Build {
		c, err := p.EnsureReady(ctx)
		if err != nil {
			lg.Error("provisioning failed", zap.Error(err))
			os.Exit(1)
		}
		if closer, ok := c.(io.Closer); ok {
			_ = closer.Close()
		}
		fmt.Println(provision.MsgLoaded)
		return
	}

	rep, err := p.Sync(ctx)
	printReport(p.Set().Dir(), rep)
	if err != nil {
		lg.Error("provisioning failed", zap.Error(err))
		os.Exit(1)
	}
}

func printReport(dir string, rep provision.Report) {
	fmt.Printf("model dir: %s\n", dir)
	fmt.Printf("fetched:   %v\n", rep.Fetched)
	fmt.Printf("present:   %v\n", rep.Skipped)
	if len(rep.Discarded) > 0 {
		fmt.Printf("refetched: %v\n", rep.Discarded)
	}
	if len(rep.Removed) > 0 {
		fmt.Printf("cleaned:   %v\n", rep.Removed)
	}
	names := make([]string, 0, len(rep.Failed))
	for name := range rep.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("failed:    %s: %v\n", name, rep.Failed[name])
	}
}
