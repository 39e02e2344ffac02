package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/telemetry"
	"github.com/scenepilot/scenepilot/pkg/tools/protocol"
)

// DefaultCommandTimeout applies to commands that do not carry a timeout.
const DefaultCommandTimeout = 60 * time.Second

// Server exposes a Tool over the stdio protocol. It runs one command at a time.
type Server struct {
	tool           engine.Tool
	ready          protocol.ReadyMessage
	defaultTimeout time.Duration
	logger         *telemetry.Logger
}

// NewServer creates a server advertising names. An empty list advertises
// every registered tool.
func NewServer(tool engine.Tool, backend, version string, names []string, logger *telemetry.Logger) *Server {
	if len(names) == 0 {
		names = NewRegistry().Names()
	}
	return &Server{
		tool: tool,
		ready: protocol.ReadyMessage{
			Version: version,
			Backend: backend,
			PID:     os.Getpid(),
			Tools:   append([]string(nil), names...),
		},
		defaultTimeout: DefaultCommandTimeout,
		logger:         telemetry.OrNop(logger).NewComponentLogger("toolhost"),
	}
}

// SetDefaultTimeout sets the timeout for commands without one.
func (s *Server) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		s.defaultTimeout = d
	}
}

// Serve sends READY, then answers commands from in until in is closed or ctx
// is done. An EXIT message is written before returning.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	enc := protocol.NewEncoder(out)
	dec := protocol.NewDecoder(in)

	if err := enc.Send(protocol.MessageTypeReady, &s.ready); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	total := 0
	exit := func(reason string, code int, cause error) error {
		if err := enc.Send(protocol.MessageTypeExit, &protocol.ExitMessage{Reason: reason, ExitCode: code, CommandsTotal: total}); err != nil && cause == nil {
			cause = err
		}
		s.logger.Infof("exiting after %d commands: %s", total, reason)
		return cause
	}

	for {
		if ctx.Err() != nil {
			return exit("cancelled", 0, nil)
		}

		msg, err := dec.Next()
		switch {
		case errors.Is(err, io.EOF):
			return exit("stdin_closed", 0, nil)
		case err != nil && !errors.Is(err, protocol.ErrMalformed):
			return exit("error", 1, err)
		case err != nil:
			s.logger.WithError(err).Warn("discarding malformed message")
			if encErr := enc.Send(protocol.MessageTypeError, &protocol.ErrorMessage{Code: protocol.CodeBadCommand, Message: err.Error()}); encErr != nil {
				return exit("error", 1, encErr)
			}
			continue
		}

		cmd, err := protocol.Payload[protocol.CommandMessage](msg, protocol.MessageTypeCommand)
		if err != nil {
			id := ""
			if cmd != nil {
				id = cmd.ID
			}
			if encErr := enc.Send(protocol.MessageTypeError, &protocol.ErrorMessage{CommandID: id, Code: protocol.CodeBadCommand, Message: err.Error()}); encErr != nil {
				return exit("error", 1, encErr)
			}
			continue
		}

		total++
		if err := s.handle(ctx, enc, cmd); err != nil {
			return exit("error", 1, err)
		}
	}
}

// handle runs one command and writes DONE or ERROR. The returned error is a
// write failure; tool failures are reported to the peer.
func (s *Server) handle(ctx context.Context, enc *protocol.Encoder, cmd *protocol.CommandMessage) error {
	log := s.logger.WithTool(cmd.Tool).WithField("command_id", cmd.ID)

	if !s.ready.Supports(cmd.Tool) {
		return enc.Send(protocol.MessageTypeError, &protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeUnknownTool,
			Message:   fmt.Sprintf("unknown tool: %s", cmd.Tool),
		})
	}

	timeout := s.defaultTimeout
	if cmd.Timeout > 0 {
		timeout = time.Duration(cmd.Timeout) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmdCtx = withProgress(cmdCtx, func(evt protocol.EventMessage) {
		evt.CommandID = cmd.ID
		if err := enc.Send(protocol.MessageTypeEvent, &evt); err != nil {
			log.WithError(err).Debug("failed to send event")
		}
	})

	args := string(cmd.Args)
	if args == "" {
		args = "{}"
	}

	start := time.Now()
	reply, err := s.tool.Execute(cmdCtx, cmd.Tool, args)
	duration := time.Since(start)

	if err != nil {
		errMsg := &protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeExecFailed,
			Message:   err.Error(),
			Retryable: engine.IsRetryable(err),
		}
		var engineErr *engine.EngineError
		if errors.As(err, &engineErr) {
			errMsg.Message = engineErr.Message
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
			errMsg.Code = protocol.CodeTimeout
			errMsg.Message = fmt.Sprintf("%s timed out after %s", cmd.Tool, timeout)
			errMsg.Retryable = true
		case engine.IsThrottled(err):
			errMsg.Code = protocol.CodeBusy
		}
		log.WithError(err).Warnf("command failed after %s", duration)
		return enc.Send(protocol.MessageTypeError, errMsg)
	}

	log.Debugf("command done in %s", duration)
	return enc.Send(protocol.MessageTypeDone, &protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    protocol.EncodeResult(reply),
		Duration:  duration.Seconds(),
	})
}

type progressKey struct{}

func withProgress(ctx context.Context, fn func(protocol.EventMessage)) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress sends a progress event for the command running under ctx.
// It does nothing outside a served command.
func ReportProgress(ctx context.Context, current, total int, message string) {
	fn, ok := ctx.Value(progressKey{}).(func(protocol.EventMessage))
	if !ok {
		return
	}
	evt := protocol.EventMessage{Level: "info", Message: message}
	if total > 0 {
		evt.Progress = &protocol.ProgressInfo{Current: current, Total: total, Unit: "entities"}
	}
	fn(evt)
}
