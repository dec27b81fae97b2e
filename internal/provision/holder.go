package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"xrayscope/internal/apperr"
	"xrayscope/internal/inference"
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

var ErrNotInitialized = errors.New("classifier has not been initialized")

// InitFunc produces the capability. Provisioner.EnsureReady is the usual one.
type InitFunc func(ctx context.Context) (inference.Classifier, error)

// Holder owns the process-wide classification capability. It builds it at
// most once until Reset, and caches a failed outcome the same way.
type Holder struct {
	init InitFunc

	// buildMu serializes construction; mu guards the fields below and is
	// never held while building.
	buildMu sync.Mutex
	mu      sync.RWMutex
	c       inference.Classifier
	err     error
	state   State
}

func NewHolder(init InitFunc) *Holder {
	return &Holder{init: init, state: StateIdle}
}

// Init builds the capability if no outcome is cached and returns the
// outcome's error.
func (h *Holder) Init(ctx context.Context) error {
	_, err := h.Classifier(ctx)
	return err
}

// Classifier returns the cached capability, building it on first use.
func (h *Holder) Classifier(ctx context.Context) (inference.Classifier, error) {
	if c, done, err := h.cached(); done {
		return c, err
	}

	h.buildMu.Lock()
	defer h.buildMu.Unlock()
	if c, done, err := h.cached(); done {
		return c, err
	}

	h.setState(StateLoading)
	c, err := h.build(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.c, h.err = c, err
	if err != nil {
		h.c = nil
		h.state = StateFailed
		return nil, err
	}
	h.state = StateReady
	return c, nil
}

func (h *Holder) build(ctx context.Context) (c inference.Classifier, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, apperr.Provision("init", fmt.Errorf("capability constructor panicked: %v", r))
		}
	}()
	if h.init == nil {
		return nil, apperr.Provision("init", ErrNotInitialized)
	}
	c, err = h.init(ctx)
	if err == nil && c == nil {
		err = apperr.Provision("init", ErrNotInitialized)
	}
	if err != nil && !apperr.IsProvision(err) {
		err = apperr.Provision("init", err)
	}
	return c, err
}

func (h *Holder) cached() (inference.Classifier, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch h.state {
	case StateReady:
		return h.c, true, nil
	case StateFailed:
		return nil, true, h.err
	}
	return nil, false, nil
}

func (h *Holder) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Ready returns nil once a capability is held, the cached failure after a
// failed build, and ErrNotInitialized otherwise.
func (h *Holder) Ready() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch h.state {
	case StateReady:
		return nil
	case StateFailed:
		return h.err
	}
	return ErrNotInitialized
}

func (h *Holder) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the cached construction failure, if any.
func (h *Holder) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Reset drops the cached outcome so the next call builds again. A held
// capability is closed first.
func (h *Holder) Reset() error {
	h.buildMu.Lock()
	defer h.buildMu.Unlock()
	h.mu.Lock()
	c := h.c
	h.c, h.err, h.state = nil, nil, StateIdle
	h.mu.Unlock()
	return closeClassifier(c)
}

// Close releases the capability. The holder stays usable; the next call
// builds again.
func (h *Holder) Close() error { return h.Reset() }

func closeClassifier(c inference.Classifier) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
