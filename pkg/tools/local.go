package tools

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// LocalTransport runs the tool host as a child process on this machine.
type LocalTransport struct {
	// Args are passed to the host binary.
	Args []string
	// Stderr receives the host's log output. Nil discards it.
	Stderr io.Writer

	mu     sync.Mutex
	cmd    *exec.Cmd
	copied string
}

var _ Transport = (*LocalTransport)(nil)

// Upload copies the host binary to remotePath.
func (t *LocalTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if localPath == remotePath {
		return nil
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	if err := os.WriteFile(remotePath, data, 0o755); err != nil {
		return fmt.Errorf("failed to write %s: %w", remotePath, err)
	}

	t.mu.Lock()
	t.copied = remotePath
	t.mu.Unlock()
	return nil
}

// Execute starts the host. The process outlives ctx; Cleanup stops it.
func (t *LocalTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil, nil, fmt.Errorf("tool host already running")
	}

	cmd := exec.Command(remotePath, t.Args...) //nolint:gosec // path comes from configuration
	cmd.Stderr = t.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", remotePath, err)
	}

	t.cmd = cmd
	return stdin, stdout, nil
}

// Cleanup waits for the host to exit, killing it if ctx ends first, and
// removes an uploaded copy.
func (t *LocalTransport) Cleanup(ctx context.Context, remotePath string) error {
	t.mu.Lock()
	cmd, copied := t.cmd, t.copied
	t.cmd, t.copied = nil, ""
	t.mu.Unlock()

	var waitErr error
	if cmd != nil {
		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		select {
		case waitErr = <-exited:
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			waitErr = <-exited
		}
	}

	if copied != "" && copied == remotePath {
		if err := os.Remove(copied); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", copied, err)
		}
	}

	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); ok {
			return nil
		}
		return fmt.Errorf("tool host wait failed: %w", waitErr)
	}
	return nil
}
