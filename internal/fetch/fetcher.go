// Package fetch moves artifact bytes from remote sources to the provisioner.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"xrayscope/internal/artifact"
)

var (
	ErrNotFound     = errors.New("artifact not found at source")
	ErrNoSources    = errors.New("no artifact sources configured")
	ErrUnexpectedUI = errors.New("source returned an html page instead of the file")
)

// Download is an open stream of one artifact.
type Download struct {
	Body   io.ReadCloser
	Source string
	// Size is the advertised length, -1 when unknown.
	Size int64
}

// Fetcher opens a stream for spec's remote identifier.
type Fetcher interface {
	Fetch(ctx context.Context, spec artifact.Spec) (*Download, error)
}

// Publisher stores a verified local artifact somewhere other fetchers can
// read it back from.
type Publisher interface {
	Publish(ctx context.Context, spec artifact.Spec, localPath string) error
}

// Chain tries each fetcher in order and returns the first stream that opens.
// Failures after a stream opened are not retried against later sources.
type Chain []Fetcher

func (c Chain) Fetch(ctx context.Context, spec artifact.Spec) (*Download, error) {
	if len(c) == 0 {
		return nil, ErrNoSources
	}
	var errs []error
	for _, f := range c {
		if f == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := f.Fetch(ctx, spec)
		if err == nil {
			return d, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoSources
	}
	return nil, fmt.Errorf("all sources failed for %s: %w", spec.Name, errors.Join(errs...))
}

// Names lists the sources of a chain, for logs and status output.
func (c Chain) Names() []string {
	out := make([]string, 0, len(c))
	for _, f := range c {
		if n, ok := f.(interface{ Name() string }); ok {
			out = append(out, n.Name())
		}
	}
	return out
}

func (c Chain) String() string { return strings.Join(c.Names(), " -> ") }
