package pipeline

import "errors"

var (
	// ErrEmptyPipeline rejects a start request for a project with no tools.
	ErrEmptyPipeline = errors.New("pipeline has no steps")

	// ErrQuotaExceeded rejects a full run denied by the quota guard.
	ErrQuotaExceeded = errors.New("daily quota exceeded")

	// ErrRunExists means a run already holds the (project, image, mode) slot.
	ErrRunExists = errors.New("run already in flight for image")

	// ErrRunNotFound means no run matches a correlation id.
	ErrRunNotFound = errors.New("run not found")

	// ErrImageNotFound means a preview named an image the project lacks.
	ErrImageNotFound = errors.New("image not found")

	// ErrInvalidPipeline means the tool chain failed validation.
	ErrInvalidPipeline = errors.New("invalid pipeline")
)

// ImageFailure names an image that could not be started and why. Staging
// failures are per-image and never abort the batch.
type ImageFailure struct {
	ImageID string `json:"imageId"`
	Reason  string `json:"reason"`
}

// StartReport enumerates the outcome of a full-project start: which images
// entered the pipeline and which failed to stage.
type StartReport struct {
	CorrelationIDs []string       `json:"correlationIds"`
	Started        []string       `json:"started"`
	Failed         []ImageFailure `json:"failed,omitempty"`
}

// Partial reports whether some but not all images started.
func (r *StartReport) Partial() bool {
	return len(r.Failed) > 0 && len(r.Started) > 0
}
