package ssh

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

type hostSession struct {
	session *ssh.Session
	done    chan error
}

// Execute starts the tool host at remotePath and returns the session's stdin
// and stdout. The session runs until Cleanup.
func (c *SSHClient) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	client, err := c.getClient("exec")
	if err != nil {
		return nil, nil, err
	}

	c.connMu.RLock()
	_, running := c.sessions[remotePath]
	c.connMu.RUnlock()
	if running {
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("tool host %s already running", remotePath)}
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to open session: %w", err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	if c.Stderr != nil {
		session.Stderr = c.Stderr
	}

	command := shellQuote(remotePath)
	for _, arg := range c.config.HostArgs {
		command += " " + shellQuote(arg)
	}
	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to start %s: %w", remotePath, err), IsTemporary: true}
	}

	hs := &hostSession{session: session, done: make(chan error, 1)}
	go func() { hs.done <- session.Wait() }()

	c.connMu.Lock()
	c.sessions[remotePath] = hs
	c.connMu.Unlock()

	log.Debug().Str("host", c.config.Host).Str("command", command).Msg("tool host started")
	return stdin, io.NopCloser(stdout), nil
}

// Cleanup waits for the tool host to exit, closing the session if ctx ends
// first, and removes the binary if Upload put it there.
func (c *SSHClient) Cleanup(ctx context.Context, remotePath string) error {
	c.connMu.Lock()
	hs := c.sessions[remotePath]
	delete(c.sessions, remotePath)
	c.connMu.Unlock()

	if hs != nil {
		select {
		case err := <-hs.done:
			if err != nil {
				if _, ok := err.(*ssh.ExitError); !ok {
					log.Debug().Err(err).Str("path", remotePath).Msg("tool host session ended")
				}
			}
		case <-ctx.Done():
			_ = hs.session.Signal(ssh.SIGKILL)
			_ = hs.session.Close()
			<-hs.done
		}
	}

	return c.removeUploaded(remotePath)
}

// shellQuote wraps s in single quotes for the remote shell.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
