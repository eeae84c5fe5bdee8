package pipeline

import (
	"context"

	"github.com/picturas/orchestrator/core/infra/logging"
)

// Cancel deletes every pending run for a project, full and preview alike.
// Succeeds even when no runs exist. Workers already computing are not
// interrupted; their completions arrive, miss the deleted runs, and are
// dropped. Returns the number of runs cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, projectID string) (int, error) {
	runs, err := d.store.CancelProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	logging.Info("DISPATCH", "project cancelled", "project", projectID, "runs", len(runs))
	return len(runs), nil
}
