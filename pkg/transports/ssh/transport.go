// Package ssh starts tool hosts on remote machines.
//
// SSHClient uploads the toolhost binary over SFTP and runs it in an SSH
// session whose stdin and stdout carry the tool protocol. It implements
// tools.Transport.
package ssh

import (
	"time"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools"
)

var _ tools.Transport = (*SSHClient)(nil)

// ConnectionInfo is a snapshot of the client's connection.
type ConnectionInfo struct {
	Host string
	Port int
	User string

	ConnectedAt  time.Time
	LastActivity time.Time

	// Sessions counts running tool hosts.
	Sessions int
}

// TransportError is returned by every SSHClient operation.
type TransportError struct {
	// Op is connect, exec, upload, cleanup, healthcheck or disconnect.
	Op  string
	Err error

	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return "ssh " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// EngineError classifies the failure for the controller's recovery policy.
// Temporary failures are transient; authentication failures are permission
// denials.
func (e *TransportError) EngineError() *engine.EngineError {
	var ee *engine.EngineError
	switch {
	case e.IsAuthError:
		ee = engine.NewPermanentError("tool host authentication failed", e).WithCode(engine.ErrCodePermissionDenied)
	case e.IsTemporary:
		ee = engine.NewTransientError("tool host unreachable", e).WithCode(engine.ErrCodeToolFailed)
	default:
		ee = engine.NewPermanentError("tool host transport failed", e).WithCode(engine.ErrCodeToolFailed)
	}
	return ee.WithOperation(e.Op)
}
