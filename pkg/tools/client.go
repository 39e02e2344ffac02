package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
	"github.com/scenepilot/scenepilot/pkg/tools/protocol"
)

// Transport starts a tool host and connects to its stdio.
type Transport interface {
	// Upload copies the host binary to where Execute will find it.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the host process and returns its stdin and stdout.
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup stops the host and removes anything Upload left behind.
	Cleanup(ctx context.Context, remotePath string) error
}

// ClientConfig contains client configuration options.
type ClientConfig struct {
	Transport Transport

	// HostPath is the local toolhost binary. Empty means the binary is
	// already at RemotePath and nothing is uploaded.
	HostPath   string
	RemotePath string

	StartupTimeout time.Duration
	CallTimeout    time.Duration

	Logger *telemetry.Logger

	// OnEvent receives progress events of the running command.
	OnEvent func(*protocol.EventMessage)
}

// Client is an engine.Tool that forwards calls to a tool host.
// Calls are serialized; the host runs one command at a time.
type Client struct {
	cfg    ClientConfig
	logger *telemetry.Logger

	encoder *protocol.Encoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage

	msgs    chan *protocol.Message
	readErr error
	done    chan struct{}

	callMu sync.Mutex
	mu     sync.Mutex
	closed bool
}

var _ engine.Tool = (*Client)(nil)

// NewClient creates a new tool host client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = cfg.HostPath
	}
	if cfg.RemotePath == "" {
		return nil, fmt.Errorf("host path is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCommandTimeout
	}

	return &Client{
		cfg:    cfg,
		logger: telemetry.OrNop(cfg.Logger).NewComponentLogger("tool_client"),
		msgs:   make(chan *protocol.Message, 16),
		done:   make(chan struct{}),
	}, nil
}

// Start uploads the host binary, starts the host and waits for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.encoder != nil {
		return fmt.Errorf("client already started")
	}

	if c.cfg.HostPath != "" && c.cfg.HostPath != c.cfg.RemotePath {
		if err := c.cfg.Transport.Upload(ctx, c.cfg.HostPath, c.cfg.RemotePath); err != nil {
			return fmt.Errorf("failed to upload tool host: %w", err)
		}
	}

	stdin, stdout, err := c.cfg.Transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start tool host: %w", err)
	}
	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)

	go c.readLoop(protocol.NewDecoder(stdout))

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	select {
	case <-readyCtx.Done():
		return fmt.Errorf("timeout waiting for READY message")
	case msg, ok := <-c.msgs:
		if !ok {
			return fmt.Errorf("failed to receive READY: %w", c.readErr)
		}
		if msg.Type != protocol.MessageTypeReady {
			return fmt.Errorf("expected READY, got %s", msg.Type)
		}
		ready, err := protocol.Payload[protocol.ReadyMessage](msg, protocol.MessageTypeReady)
		if err != nil {
			return fmt.Errorf("failed to receive READY: %w", err)
		}
		c.ready = ready
	}

	c.logger.WithFields(map[string]interface{}{
		"backend": c.ready.Backend,
		"version": c.ready.Version,
		"pid":     c.ready.PID,
	}).Infof("tool host ready with %d tools", len(c.ready.Tools))
	return nil
}

// readLoop forwards decoded messages until the stream ends or the client closes.
func (c *Client) readLoop(dec *protocol.Decoder) {
	for {
		msg, err := dec.Next()
		if err != nil {
			c.readErr = err
			close(c.msgs)
			return
		}
		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}

// Execute runs toolName on the host and returns its reply.
func (c *Client) Execute(ctx context.Context, toolName, argsJSON string) (string, error) {
	c.mu.Lock()
	closed, started := c.closed, c.encoder != nil
	c.mu.Unlock()
	if closed {
		return "", engine.NewPermanentError("tool client is closed", nil).WithOperation(toolName)
	}
	if !started {
		return "", engine.NewPermanentError("tool client is not started", nil).WithOperation(toolName)
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	cmd := &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Tool:    toolName,
		Timeout: timeoutSeconds(callCtx),
	}
	if argsJSON != "" {
		cmd.Args = []byte(argsJSON)
	}
	if err := c.encoder.Send(protocol.MessageTypeCommand, cmd); err != nil {
		return "", engine.NewTransientError("failed to send command", err).WithOperation(toolName)
	}

	log := c.logger.WithTool(toolName).WithField("command_id", cmd.ID)

	for {
		select {
		case <-callCtx.Done():
			return "", engine.NewTransientError(fmt.Sprintf("%s call abandoned", toolName), callCtx.Err()).
				WithCode(engine.ErrCodeTimeout).
				WithOperation(toolName)

		case <-c.done:
			return "", engine.NewPermanentError("tool client is closed", nil).WithOperation(toolName)

		case msg, ok := <-c.msgs:
			if !ok {
				return "", engine.NewTransientError("tool host connection lost", c.readErr).WithOperation(toolName)
			}

			switch msg.Type {
			case protocol.MessageTypeEvent:
				event, err := protocol.Payload[protocol.EventMessage](msg, msg.Type)
				if err != nil || event.CommandID != cmd.ID {
					continue
				}
				log.Debugf("host event: %s", event.Message)
				if c.cfg.OnEvent != nil {
					c.cfg.OnEvent(event)
				}

			case protocol.MessageTypeDone:
				done, err := protocol.Payload[protocol.DoneMessage](msg, msg.Type)
				if err != nil {
					return "", engine.NewPermanentError("failed to parse done", err).WithOperation(toolName)
				}
				if done.CommandID != cmd.ID {
					log.Debugf("discarding reply to abandoned command %s", done.CommandID)
					continue
				}
				return done.ResultText(), nil

			case protocol.MessageTypeError:
				errMsg, err := protocol.Payload[protocol.ErrorMessage](msg, msg.Type)
				if err != nil {
					return "", engine.NewPermanentError("failed to parse error", err).WithOperation(toolName)
				}
				if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
					log.Debugf("discarding error for abandoned command %s", errMsg.CommandID)
					continue
				}
				return "", hostError(toolName, errMsg)

			case protocol.MessageTypeExit:
				reason := "unknown"
				if exit, err := protocol.Payload[protocol.ExitMessage](msg, msg.Type); err == nil {
					reason = exit.Reason
				}
				return "", engine.NewTransientError(fmt.Sprintf("tool host exited: %s", reason), nil).WithOperation(toolName)
			}
		}
	}
}

// hostError converts an ERROR message into a classified engine error. The
// message text is kept so failure classification can match on it.
func hostError(toolName string, msg *protocol.ErrorMessage) error {
	var err *engine.EngineError
	switch {
	case msg.Code == protocol.CodeUnknownTool:
		err = engine.NewPermanentError(msg.Message, nil).WithCode(engine.ErrCodeUnknownTool)
	case msg.Code == protocol.CodeTimeout:
		err = engine.NewTransientError(msg.Message, nil).WithCode(engine.ErrCodeTimeout)
	case msg.Code == protocol.CodeBusy:
		err = engine.NewThrottledError(msg.Message, nil).WithCode(engine.ErrCodeRateLimited)
	case msg.Retryable:
		err = engine.NewTransientError(msg.Message, nil).WithCode(engine.ErrCodeToolFailed)
	default:
		err = engine.NewPermanentError(msg.Message, nil).WithCode(engine.ErrCodeToolFailed)
	}
	if msg.RetryAfter > 0 {
		err = err.WithDetail("retry_after", msg.RetryAfter)
	}
	return err.WithOperation(toolName)
}

func timeoutSeconds(ctx context.Context) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	secs := int(math.Ceil(time.Until(deadline).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close stops the host. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.encoder != nil
	c.mu.Unlock()

	close(c.done)
	if !started {
		return nil
	}

	var errs []error
	if err := c.stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}
	if err := c.stdout.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
	}
	if err := c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath); err != nil {
		errs = append(errs, fmt.Errorf("failed to clean up tool host: %w", err))
	}
	return errors.Join(errs...)
}
