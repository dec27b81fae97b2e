// Package apperr defines the closed set of failure kinds surfaced to callers
// of the provisioning and classification paths.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind names the phase a failure belongs to.
type Kind int

const (
	// KindProvision means the model artifacts could not be obtained or the
	// classification capability could not be constructed from them.
	KindProvision Kind = iota + 1
	// KindClassify means one classification attempt failed. The capability
	// stays usable.
	KindClassify
)

func (k Kind) String() string {
	switch k {
	case KindProvision:
		return "provision"
	case KindClassify:
		return "classify"
	default:
		return "unknown"
	}
}

// Error is the structured failure returned by the provisioning and
// classification entry points.
type Error struct {
	Kind      Kind
	Op        string
	Artifacts []string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if len(e.Artifacts) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Artifacts, ", "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Provision wraps err as a provisioning failure.
func Provision(op string, err error, artifacts ...string) *Error {
	return &Error{Kind: KindProvision, Op: op, Artifacts: artifacts, Err: err}
}

// Classify wraps err as a classification failure.
func Classify(op string, err error) *Error {
	return &Error{Kind: KindClassify, Op: op, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind, true
	}
	return 0, false
}

func IsProvision(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindProvision
}

func IsClassify(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindClassify
}

// MissingArtifactsError lists artifacts still absent after a provisioning
// pass together with the fetch failure recorded for each, if any.
type MissingArtifactsError struct {
	Names  []string
	Causes map[string]error
}

func (e *MissingArtifactsError) Error() string {
	if e == nil || len(e.Names) == 0 {
		return "no artifacts missing"
	}
	parts := make([]string, 0, len(e.Names))
	for _, name := range e.Names {
		if cause := e.Causes[name]; cause != nil {
			parts = append(parts, fmt.Sprintf("%s (%v)", name, cause))
			continue
		}
		parts = append(parts, name)
	}
	return "missing artifacts: " + strings.Join(parts, ", ")
}

// Unwrap exposes the per-artifact causes in name order.
func (e *MissingArtifactsError) Unwrap() []error {
	if e == nil || len(e.Causes) == 0 {
		return nil
	}
	names := make([]string, 0, len(e.Causes))
	for name := range e.Causes {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]error, 0, len(names))
	for _, name := range names {
		if cause := e.Causes[name]; cause != nil {
			out = append(out, cause)
		}
	}
	return out
}
