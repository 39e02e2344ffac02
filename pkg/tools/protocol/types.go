// Package protocol defines the newline-delimited JSON protocol spoken between
// the agent and a tool host over stdio.
//
// A session starts with READY from the host. The agent then sends one CMD at
// a time; the host answers with zero or more EVENT messages followed by DONE
// or ERROR. EXIT is sent before the host terminates.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the host is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand carries one tool call from the agent
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent carries progress from the host
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone carries the tool's reply
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the call could not be carried out
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the host is exiting
	MessageTypeExit MessageType = "EXIT"
)

// Error codes sent in ERROR messages.
const (
	CodeUnknownTool = "UNKNOWN_TOOL"
	CodeBadCommand  = "BAD_COMMAND"
	CodeExecFailed  = "EXEC_FAILED"
	CodeTimeout     = "TIMEOUT"
	CodeBusy        = "BUSY"
)

// Message is the envelope for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once when the host starts.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Backend  string            `json:"backend"`
	PID      int               `json:"pid"`
	Tools    []string          `json:"tools"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether the host advertised tool.
func (r *ReadyMessage) Supports(tool string) bool {
	for _, t := range r.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// CommandMessage asks the host to run one tool.
type CommandMessage struct {
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`

	// Timeout in seconds. Zero means the host default.
	Timeout  int               `json:"timeout,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage reports progress while a command runs.
type EventMessage struct {
	CommandID string        `json:"command_id"`
	Level     string        `json:"level"` // info, warn, debug
	Message   string        `json:"message"`
	Progress  *ProgressInfo `json:"progress,omitempty"`
}

// ProgressInfo contains progress tracking information.
type ProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Unit    string `json:"unit"`
}

// DoneMessage carries the tool's reply. Result is the tool's JSON document,
// or a JSON string when the tool answered in plain text.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ResultText returns the tool reply as the tool produced it.
func (d *DoneMessage) ResultText() string {
	if len(d.Result) > 0 && d.Result[0] == '"' {
		var s string
		if err := json.Unmarshal(d.Result, &s); err == nil {
			return s
		}
	}
	return string(d.Result)
}

// EncodeResult wraps a raw tool reply for a DoneMessage.
func EncodeResult(reply string) json.RawMessage {
	if json.Valid([]byte(reply)) {
		return json.RawMessage(reply)
	}
	b, _ := json.Marshal(reply)
	return b
}

// ErrorMessage indicates a command could not be carried out.
type ErrorMessage struct {
	CommandID  string `json:"command_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// ExitMessage is sent before the host terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if cmd.Tool == "" {
		return fmt.Errorf("tool is required")
	}
	if cmd.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if len(cmd.Args) > 0 {
		var obj map[string]interface{}
		if err := json.Unmarshal(cmd.Args, &obj); err != nil {
			return fmt.Errorf("args must be a JSON object: %w", err)
		}
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}
