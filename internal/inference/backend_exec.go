package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ExecBackend runs a local model runner once per image. The runner reads the
// tensor file named by --input and prints the forward response JSON on stdout.
type ExecBackend struct {
	command []string

	// Only one invocation at a time: the runner usually owns the whole
	// accelerator and a second process would fail to allocate.
	mu sync.Mutex
}

func NewExecBackend(command string) *ExecBackend {
	return &ExecBackend{command: strings.Fields(command)}
}

func (b *ExecBackend) Forward(ctx context.Context, in *Input) (*Output, error) {
	if len(b.command) == 0 {
		return nil, ErrBackendUnavailable
	}
	tmp, err := os.CreateTemp("", "xrayscope-input-*.json")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if err := json.NewEncoder(tmp).Encode(in.Tensor); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	args := append(append([]string(nil), b.command[1:]...),
		"--model", in.ModelDir,
		"--device", in.Device,
		"--input", tmp.Name(),
	)
	cmd := exec.CommandContext(ctx, b.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("model runner: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("model runner: %w", err)
	}

	var fr forwardResponse
	if err := json.Unmarshal(lastJSONLine(stdout.Bytes()), &fr); err != nil {
		return nil, fmt.Errorf("model runner: decode output: %w", err)
	}
	return fr.output()
}

// lastJSONLine skips banner lines some runners print before the result.
func lastJSONLine(out []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		l := bytes.TrimSpace(lines[i])
		if len(l) > 0 && l[0] == '{' {
			return l
		}
	}
	return out
}
