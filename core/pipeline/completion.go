package pipeline

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/picturas/orchestrator/core/catalog"
	"github.com/picturas/orchestrator/core/infra/blob"
	"github.com/picturas/orchestrator/core/infra/bus"
	"github.com/picturas/orchestrator/core/infra/logging"
	"github.com/picturas/orchestrator/core/infra/metrics"
	"github.com/picturas/orchestrator/core/protocol"
)

// faultCode is the generic error surfaced to clients when completion
// handling itself fails after the run was claimed.
const faultCode = "30000"

const handleTimeout = 60 * time.Second

// CompleterConfig wires a Completer's collaborators.
type CompleterConfig struct {
	Store    *RedisStore
	Registry *catalog.Registry
	Blobs    BlobGateway
	Work     *blob.Workspace
	Bus      Publisher
	Notify   Notifier
	Metrics  metrics.Metrics
}

// Completer consumes worker completions and advances each image's chain
// one step: dispatch the next tool, or finalize the artifact, or fail the
// chain. Claiming the run is a GETDEL, so with several instances on the
// results queue exactly one advances any given completion.
type Completer struct {
	store    *RedisStore
	registry *catalog.Registry
	blobs    BlobGateway
	work     *blob.Workspace
	bus      Publisher
	notify   Notifier
	metrics  metrics.Metrics

	newID func(Mode) string
	now   func() time.Time
}

// NewCompleter builds a Completer from its collaborators.
func NewCompleter(cfg CompleterConfig) *Completer {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &Completer{
		store:    cfg.Store,
		registry: cfg.Registry,
		blobs:    cfg.Blobs,
		work:     cfg.Work,
		bus:      cfg.Bus,
		notify:   cfg.Notify,
		metrics:  m,
		newID:    NewCorrelationID,
		now:      time.Now,
	}
}

// Handle processes one completion message. It is the bus handler for the
// results subject. The return contract follows the ack discipline:
//   - nil acks, including malformed payloads and completions whose run no
//     longer exists (cancelled or duplicate): both drop silently.
//   - a redeliverable error is returned only when the run could not be
//     claimed at all, so redelivery cannot double-apply a transition.
//
// Any fault after the claim fails the chain and acks, surfacing a generic
// client error instead of looping on a poison message.
func (c *Completer) Handle(_ string, data []byte) error {
	comp, err := protocol.DecodeCompletion(data)
	if err != nil {
		logging.Error("COMPLETE", "malformed completion dropped", "err", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	run, err := c.store.ClaimRun(ctx, comp.CorrelationID)
	if errors.Is(err, ErrRunNotFound) {
		c.metrics.IncDroppedCompletions()
		return nil
	}
	if err != nil {
		return bus.Redeliver(err, 5*time.Second)
	}

	if err := c.advance(ctx, run, comp); err != nil {
		logging.Error("COMPLETE", "handler fault",
			"correlation", run.CorrelationID, "position", run.Position, "err", err)
		_ = c.store.Release(ctx, run, OutcomeFailed)
		c.notifyError(ctx, run, faultCode, "internal processing error")
	}
	return nil
}

func (c *Completer) advance(ctx context.Context, run *Run, comp *protocol.ToolCompletion) error {
	if comp.Status == protocol.StatusError {
		c.metrics.IncStepsCompleted(string(run.Mode), "error")
		if err := c.store.Release(ctx, run, OutcomeFailed); err != nil {
			return err
		}
		logging.Info("COMPLETE", "worker error",
			"correlation", run.CorrelationID, "position", run.Position,
			"code", comp.Error.Code)
		c.notifyError(ctx, run, comp.Error.Code, comp.Error.Message)
		return nil
	}

	c.metrics.IncStepsCompleted(string(run.Mode), "success")
	isText := comp.Output.Type == protocol.OutputText

	// A text step finalizes its artifact immediately, whatever its
	// position; the image artifact keeps flowing past it untouched.
	var final *Artifact
	if isText {
		a, err := c.finalizeArtifact(ctx, run, comp.Output.Ref, protocol.OutputText)
		if err != nil {
			return err
		}
		final = a
	}

	if run.AtLastPosition() {
		if !isText {
			a, err := c.finalizeArtifact(ctx, run, comp.Output.Ref, protocol.OutputImage)
			if err != nil {
				return err
			}
			final = a
		}
		if err := c.store.Release(ctx, run, OutcomeFinalized); err != nil {
			return err
		}
		c.metrics.IncRunsFinalized(string(run.Mode))
		logging.Info("COMPLETE", "chain finalized",
			"correlation", run.CorrelationID, "mode", run.Mode, "image", run.ImageID)
		if run.Mode == ModePreview {
			return c.notifyPreview(ctx, run)
		}
		c.notifyProgress(ctx, run)
		c.notifyComplete(ctx, run, final)
		return nil
	}

	// Advance one step under a fresh correlation id: the run document is
	// re-keyed, so a redelivered completion for the step just finished
	// misses its run and drops instead of answering the next step. A text
	// step passes the image through: the next invocation reuses this
	// step's input and output slots.
	prev := run.CorrelationID
	run.CorrelationID = c.newID(run.Mode)
	run.Position++
	if !isText {
		run.InputRef = comp.Output.Ref
		run.OutputRef = stepOutputRef(c.work, run, run.Position)
	}
	if err := c.store.AdvanceRun(ctx, prev, run); err != nil {
		return err
	}
	if err := publishInvocation(c.bus, c.registry, run, c.now().UTC()); err != nil {
		return err
	}
	if run.Mode == ModeFull {
		c.notifyProgress(ctx, run)
	}
	return nil
}

// finalizeArtifact uploads a worker output from the working volume to
// permanent storage and records the Result or Preview row.
func (c *Completer) finalizeArtifact(ctx context.Context, run *Run, ref string, typ protocol.OutputType) (*Artifact, error) {
	data, err := c.work.Read(ref)
	if err != nil {
		return nil, err
	}
	bucket := blob.BucketOutput
	if run.Mode == ModePreview {
		bucket = blob.BucketPreview
	}
	key, err := c.blobs.Store(ctx, run.UserID, run.ProjectID, bucket, filepath.Base(ref), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	url, err := c.blobs.URL(ctx, run.UserID, run.ProjectID, bucket, key)
	if err != nil {
		return nil, err
	}
	display := run.FileName
	if typ == protocol.OutputText {
		display = filepath.Base(ref)
	}
	a := NewArtifact(run, typ, display, key, url, c.now().UTC())
	if run.Mode == ModePreview {
		err = c.store.SavePreview(ctx, a)
	} else {
		err = c.store.SaveResult(ctx, a)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// notifyPreview merges the project's preview rows into one client message:
// the last image-typed output wins the single image slot, text outputs
// keep their order.
func (c *Completer) notifyPreview(ctx context.Context, run *Run) error {
	rows, err := c.store.ListPreviews(ctx, run.ProjectID)
	if err != nil {
		return err
	}
	note := protocol.PreviewNote{
		Kind:          protocol.NotePreview,
		CorrelationID: run.CorrelationID,
		Timestamp:     c.now().UTC(),
		UserID:        run.UserID,
		TextResults:   []string{},
	}
	for _, a := range rows {
		if a.Type == protocol.OutputText {
			note.TextResults = append(note.TextResults, a.URL)
		} else {
			note.ImageURL = a.URL
		}
	}
	c.send(ctx, run.UserID, protocol.NotePreview, note)
	return nil
}

func (c *Completer) notifyProgress(ctx context.Context, run *Run) {
	c.send(ctx, run.UserID, protocol.NoteProgress, protocol.ProgressNote{
		Kind:          protocol.NoteProgress,
		CorrelationID: run.CorrelationID,
		Timestamp:     c.now().UTC(),
		UserID:        run.UserID,
	})
}

func (c *Completer) notifyComplete(ctx context.Context, run *Run, final *Artifact) {
	note := protocol.CompleteNote{
		Kind:          protocol.NoteComplete,
		CorrelationID: run.CorrelationID,
		Timestamp:     c.now().UTC(),
		UserID:        run.UserID,
		FileName:      run.FileName,
	}
	if final != nil {
		note.FileName = final.FileName
		note.ImageURL = final.URL
	}
	c.send(ctx, run.UserID, protocol.NoteComplete, note)
}

func (c *Completer) notifyError(ctx context.Context, run *Run, code, message string) {
	c.send(ctx, run.UserID, protocol.NoteError, protocol.ErrorNote{
		Kind:          protocol.NoteError,
		CorrelationID: run.CorrelationID,
		Timestamp:     c.now().UTC(),
		UserID:        run.UserID,
		Code:          code,
		Message:       message,
		Preview:       run.Mode == ModePreview,
	})
}

// send pushes a note best-effort: a lost notification never fails a
// transition that already persisted.
func (c *Completer) send(ctx context.Context, userID, kind string, note any) {
	if c.notify == nil {
		return
	}
	if err := c.notify.Notify(ctx, userID, note); err != nil {
		logging.Error("COMPLETE", "notification failed", "kind", kind, "user", userID, "err", err)
		return
	}
	c.metrics.IncNotifications(kind)
}
