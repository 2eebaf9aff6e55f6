// Package validate implements the Message Validator (component 4.B): a pure
// predicate suite asserting header well-formedness and per-type content
// shape. Validation failures are never raised to a caller of the Kernel
// Channel Engine — they cause the frame to be dropped with a logged error
// (see protocol.Message flow in package kernel).
package validate

import (
	"encoding/json"
	"fmt"

	"github.com/jupyter-go/kernel-client/protocol"
)

// Error describes why a message failed validation.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("validate: %s", e.Reason) }

var validChannels = map[protocol.Channel]bool{
	protocol.ChannelShell:   true,
	protocol.ChannelIOPub:   true,
	protocol.ChannelStdin:   true,
	protocol.ChannelControl: true,
}

// Header checks the required fields of a message header.
func Header(h protocol.Header) error {
	if h.MsgID == "" {
		return &Error{Reason: "header missing msg_id"}
	}
	if h.MsgType == "" {
		return &Error{Reason: "header missing msg_type"}
	}
	if h.Session == "" {
		return &Error{Reason: "header missing session"}
	}
	if h.Username == "" {
		return &Error{Reason: "header missing username"}
	}
	if h.Version == "" {
		return &Error{Reason: "header missing version"}
	}
	return nil
}

// Message validates a fully decoded message: its header and, for message
// types this client understands deeply, its content shape. Unknown message
// types are tolerated (they're forwarded as unhandled by the engine) as long
// as the header is well-formed.
func Message(msg *protocol.Message) error {
	if err := Header(msg.Header); err != nil {
		return err
	}
	if !validChannels[msg.Channel] {
		return &Error{Reason: fmt.Sprintf("unknown channel %q", msg.Channel)}
	}

	switch msg.Header.MsgType {
	case "execute_reply":
		return validateExecuteReply(msg.Content)
	case "status":
		return validateStatus(msg.Content)
	case "is_complete_reply":
		return validateIsCompleteReply(msg.Content)
	default:
		return nil
	}
}

func validateExecuteReply(content json.RawMessage) error {
	var r struct {
		Status         string `json:"status"`
		ExecutionCount *int   `json:"execution_count"`
	}
	if err := json.Unmarshal(content, &r); err != nil {
		return &Error{Reason: "execute_reply: invalid content: " + err.Error()}
	}
	switch r.Status {
	case "ok", "error", "abort":
	default:
		return &Error{Reason: fmt.Sprintf("execute_reply: invalid status %q", r.Status)}
	}
	if r.ExecutionCount == nil {
		return &Error{Reason: "execute_reply: missing execution_count"}
	}
	if *r.ExecutionCount < 0 {
		return &Error{Reason: "execute_reply: execution_count must be >= 0"}
	}
	return nil
}

func validateStatus(content json.RawMessage) error {
	var s struct {
		ExecutionState string `json:"execution_state"`
	}
	if err := json.Unmarshal(content, &s); err != nil {
		return &Error{Reason: "status: invalid content: " + err.Error()}
	}
	switch s.ExecutionState {
	case "starting", "idle", "busy", "restarting", "dead", "reconnecting":
		return nil
	default:
		return &Error{Reason: fmt.Sprintf("status: invalid execution_state %q", s.ExecutionState)}
	}
}

func validateIsCompleteReply(content json.RawMessage) error {
	var r struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(content, &r); err != nil {
		return &Error{Reason: "is_complete_reply: invalid content: " + err.Error()}
	}
	switch r.Status {
	case "complete", "incomplete", "invalid", "unknown":
		return nil
	default:
		return &Error{Reason: fmt.Sprintf("is_complete_reply: invalid status %q", r.Status)}
	}
}
