package protocol

// This file defines the typed `content` payloads for the message types the
// Kernel Channel Engine (§4.F) sends and receives. Untyped or unrecognized
// message types flow through as Message.Content (raw JSON) unmodified.

// ExecuteRequest is the content of an execute_request message. Fields left
// unset by the caller are defaulted by Engine.Execute per §4.F.
type ExecuteRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// ExecuteReply is the content of an execute_reply message.
type ExecuteReply struct {
	Status         string         `json:"status"` // ok, error, abort
	ExecutionCount int            `json:"execution_count"`
	Payload        []any          `json:"payload,omitempty"`
	UserExpressions map[string]any `json:"user_expressions,omitempty"`
	// error status fields
	EName     string   `json:"ename,omitempty"`
	EValue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

// CompleteRequest is the content of a complete_request message.
type CompleteRequest struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

// CompleteReply is the content of a complete_reply message.
type CompleteReply struct {
	Matches     []string       `json:"matches"`
	CursorStart int            `json:"cursor_start"`
	CursorEnd   int            `json:"cursor_end"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
}

// InspectRequest is the content of an inspect_request message.
type InspectRequest struct {
	Code            string `json:"code"`
	CursorPos       int    `json:"cursor_pos"`
	DetailLevel     int    `json:"detail_level"`
}

// InspectReply is the content of an inspect_reply message.
type InspectReply struct {
	Status   string         `json:"status"`
	Found    bool           `json:"found"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HistoryRequest is the content of a history_request message.
type HistoryRequest struct {
	Output  bool   `json:"output"`
	Raw     bool   `json:"raw"`
	HistAccessType string `json:"hist_access_type"`
	Session int    `json:"session,omitempty"`
	Start   int    `json:"start,omitempty"`
	Stop    int    `json:"stop,omitempty"`
	N       int    `json:"n,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Unique  bool   `json:"unique,omitempty"`
}

// HistoryReply is the content of a history_reply message.
type HistoryReply struct {
	History [][]any `json:"history"`
}

// IsCompleteRequest is the content of an is_complete_request message.
type IsCompleteRequest struct {
	Code string `json:"code"`
}

// IsCompleteReply is the content of an is_complete_reply message.
type IsCompleteReply struct {
	Status string `json:"status"` // complete, incomplete, invalid, unknown
	Indent string `json:"indent,omitempty"`
}

// KernelInfoReply is the content of a kernel_info_reply message.
type KernelInfoReply struct {
	Status          string         `json:"status"`
	ProtocolVersion string         `json:"protocol_version"`
	Implementation  string         `json:"implementation"`
	ImplementationVersion string   `json:"implementation_version"`
	LanguageInfo    map[string]any `json:"language_info"`
	Banner          string         `json:"banner"`
}

// CommInfoRequest is the content of a comm_info_request message.
type CommInfoRequest struct {
	TargetName string `json:"target_name,omitempty"`
}

// CommInfoReply is the content of a comm_info_reply message.
type CommInfoReply struct {
	Comms map[string]struct {
		TargetName string `json:"target_name"`
	} `json:"comms"`
}

// InputRequest is the content of an input_request message (kernel -> client,
// stdin channel).
type InputRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

// InputReply is the content of an input_reply message (client -> kernel,
// stdin channel).
type InputReply struct {
	Value string `json:"value"`
}

// StatusContent is the content of an iopub status message.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// CommOpen is the content of a comm_open message.
type CommOpen struct {
	CommID       string         `json:"comm_id"`
	TargetName   string         `json:"target_name"`
	TargetModule string         `json:"target_module,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// CommMsg is the content of a comm_msg message.
type CommMsg struct {
	CommID string         `json:"comm_id"`
	Data   map[string]any `json:"data,omitempty"`
}

// CommClose is the content of a comm_close message.
type CommClose struct {
	CommID string         `json:"comm_id"`
	Data   map[string]any `json:"data,omitempty"`
}
