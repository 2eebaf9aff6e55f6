// Package protocol defines the Jupyter kernel wire message shapes: headers,
// envelopes, channel literals, kernel status, kernel specs, and session
// models. It has no knowledge of transport (REST vs WebSocket) or framing.
package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the Jupyter messaging protocol version this client speaks.
const ProtocolVersion = "5.3"

// Channel identifies one of the four logical channels multiplexed over the
// kernel WebSocket.
type Channel string

const (
	ChannelShell   Channel = "shell"
	ChannelIOPub   Channel = "iopub"
	ChannelStdin   Channel = "stdin"
	ChannelControl Channel = "control"
)

// Header is the envelope header attached to every message. MsgID is the
// correlation key; replies and iopub side-effects reference it via
// ParentHeader.MsgID.
type Header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date,omitempty"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is a single framed Jupyter message, decoded from either the plain
// JSON wire form or the binary-buffer wire form (see package wire).
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Channel      Channel         `json:"channel"`
	Content      json.RawMessage `json:"content"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Buffers      [][]byte        `json:"-"`
}

// NewHeader builds a header for a freshly originated message. msgID is
// supplied by the caller (the engine allocates ids); date is stamped here
// with the current UTC time.
func NewHeader(msgID, msgType, session, username string) Header {
	return Header{
		MsgID:    msgID,
		Username: username,
		Session:  session,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:  msgType,
		Version:  ProtocolVersion,
	}
}

// KernelStatus is the finite set of lifecycle states an engine's kernel can
// be observed in. Dead is absorbing: no further transitions are permitted.
type KernelStatus string

const (
	StatusUnknown      KernelStatus = "unknown"
	StatusStarting     KernelStatus = "starting"
	StatusIdle         KernelStatus = "idle"
	StatusBusy         KernelStatus = "busy"
	StatusRestarting   KernelStatus = "restarting"
	StatusReconnecting KernelStatus = "reconnecting"
	StatusDead         KernelStatus = "dead"
)

// ExecutionStateToStatus maps the `execution_state` field of an iopub
// `status` message onto a KernelStatus. Unknown values map to StatusUnknown.
func ExecutionStateToStatus(state string) KernelStatus {
	switch state {
	case "starting":
		return StatusStarting
	case "idle":
		return StatusIdle
	case "busy":
		return StatusBusy
	case "restarting":
		return StatusRestarting
	case "reconnecting":
		return StatusReconnecting
	case "dead":
		return StatusDead
	default:
		return StatusUnknown
	}
}

// KernelSpec describes one installable kernel type.
type KernelSpec struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name"`
	Language    string            `json:"language"`
	Argv        []string          `json:"argv"`
	Env         map[string]string `json:"env,omitempty"`
	Resources   map[string]string `json:"resources,omitempty"`
}

// SpecsBundle is the response body of GET api/kernelspecs. Default must name
// a key present in KernelSpecs; callers should validate with Validate.
type SpecsBundle struct {
	Default     string                `json:"default"`
	KernelSpecs map[string]KernelSpec `json:"kernelspecs"`
}

// Validate checks the Default/KernelSpecs invariant from §3.
func (b SpecsBundle) Validate() error {
	if b.Default == "" {
		return errInvalidSpecsBundle("empty default kernel name")
	}
	if _, ok := b.KernelSpecs[b.Default]; !ok {
		return errInvalidSpecsBundle("default kernel " + b.Default + " not present in kernelspecs")
	}
	return nil
}

type errInvalidSpecsBundle string

func (e errInvalidSpecsBundle) Error() string { return "protocol: invalid specs bundle: " + string(e) }

// KernelModel is the minimal kernel identity returned by most kernel REST
// endpoints: {id, name}.
type KernelModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SessionModel is the server-side binding of a logical path (+ name, type) to
// a kernel instance.
type SessionModel struct {
	ID      string      `json:"id"`
	Path    string      `json:"path"`
	Name    string      `json:"name"`
	Type    string      `json:"type"`
	Kernel  KernelModel `json:"kernel"`
}
