package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/picturas/orchestrator/core/catalog"
	"github.com/picturas/orchestrator/core/protocol"
)

// Mode distinguishes full-project runs from ephemeral previews.
type Mode string

const (
	ModeFull    Mode = "full"
	ModePreview Mode = "preview"
)

// NewCorrelationID mints a step-scoped correlation id: every dispatched
// invocation gets its own, so a redelivered completion for a finished step
// cannot match a later one. The prefix lets operators tell full and
// preview traffic apart in logs and on the bus.
func NewCorrelationID(mode Mode) string {
	if mode == ModePreview {
		return "preview-" + uuid.NewString()
	}
	return "request-" + uuid.NewString()
}

// Run is the live cursor of one image through its tool chain: the pending
// step's position and blob refs, plus a snapshot of the chain taken at
// dispatch time so concurrent pipeline edits cannot skew in-flight runs.
type Run struct {
	CorrelationID string         `json:"correlation_id"`
	ProjectID     string         `json:"project_id"`
	UserID        string         `json:"user_id"`
	ImageID       string         `json:"image_id"`
	FileName      string         `json:"file_name"`
	Mode          Mode           `json:"mode"`
	Position      int            `json:"position"`
	InputRef      string         `json:"input_ref"`
	OutputRef     string         `json:"output_ref"`
	Tools         []catalog.Tool `json:"tools"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CurrentTool returns the snapshot step at the run's position.
func (r *Run) CurrentTool() (catalog.Tool, bool) {
	if r.Position < 0 || r.Position >= len(r.Tools) {
		return catalog.Tool{}, false
	}
	return r.Tools[r.Position], true
}

// AtLastPosition reports whether the pending step is the chain's last.
func (r *Run) AtLastPosition() bool {
	return r.Position >= len(r.Tools)-1
}

// Run outcomes recorded in the audit log when a run leaves the store.
const (
	OutcomeFinalized = "finalized"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// RunRecord is the audit entry kept for a short window after a run ends,
// so operators can distinguish a cancelled run from a finished one.
type RunRecord struct {
	Run        Run       `json:"run"`
	Outcome    string    `json:"outcome"`
	FinishedAt time.Time `json:"finished_at"`
}

// Artifact is a finalized output for one image: the permanent product of a
// full run (Result) or one row of a project's ephemeral preview set.
type Artifact struct {
	ID        string              `json:"id"`
	ProjectID string              `json:"project_id"`
	ImageID   string              `json:"image_id"`
	Type      protocol.OutputType `json:"type"`
	FileName  string              `json:"file_name"`
	Key       string              `json:"key"`
	URL       string              `json:"url"`
	CreatedAt time.Time           `json:"created_at"`
}

// NewArtifact builds an artifact row for a finalized output.
func NewArtifact(run *Run, typ protocol.OutputType, fileName, key, url string, at time.Time) *Artifact {
	return &Artifact{
		ID:        uuid.NewString(),
		ProjectID: run.ProjectID,
		ImageID:   run.ImageID,
		Type:      typ,
		FileName:  fileName,
		Key:       key,
		URL:       url,
		CreatedAt: at,
	}
}
