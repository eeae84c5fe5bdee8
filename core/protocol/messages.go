package protocol

import "time"

// OutputType tags what a worker produced for a step.
type OutputType string

const (
	OutputImage OutputType = "image"
	OutputText  OutputType = "text"
)

// Completion statuses reported by workers.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ToolInvocation is published by the orchestrator on a tool's request
// subject. The blob refs are paths on the shared working volume.
type ToolInvocation struct {
	CorrelationID string         `json:"correlationId"`
	Timestamp     time.Time      `json:"timestamp"`
	InputRef      string         `json:"inputBlobRef"`
	OutputRef     string         `json:"outputBlobRef"`
	Procedure     string         `json:"procedure"`
	Params        map[string]any `json:"params,omitempty"`
}

// ToolOutput describes the artifact a worker produced.
type ToolOutput struct {
	Ref  string     `json:"ref"`
	Type OutputType `json:"type"`
}

// ToolError carries a worker-reported failure.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolCompletion is consumed from the results subject, one per dispatched
// invocation, correlated by id.
type ToolCompletion struct {
	CorrelationID string      `json:"correlationId"`
	Status        string      `json:"status"`
	Output        *ToolOutput `json:"output,omitempty"`
	Error         *ToolError  `json:"error,omitempty"`
}

// Client notification kinds, carried in the "kind" field so the live
// channel can relay payloads without inspecting them further.
const (
	NoteProgress = "progress"
	NoteComplete = "complete"
	NoteError    = "error"
	NotePreview  = "preview"
)

// ProgressNote advances the client's progress bar by one step.
type ProgressNote struct {
	Kind          string    `json:"kind"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"userId"`
}

// CompleteNote reports that one image's full-mode chain finished, carrying
// a retrieval URL for the finalized artifact.
type CompleteNote struct {
	Kind          string    `json:"kind"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"userId"`
	FileName      string    `json:"fileName"`
	ImageURL      string    `json:"imageUrl"`
}

// ErrorNote reports a terminal failure for one image's chain.
type ErrorNote struct {
	Kind          string    `json:"kind"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"userId"`
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	Preview       bool      `json:"preview"`
}

// PreviewNote carries the combined result of a preview pass.
type PreviewNote struct {
	Kind          string    `json:"kind"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"userId"`
	ImageURL      string    `json:"imageUrl"`
	TextResults   []string  `json:"textResults"`
}
