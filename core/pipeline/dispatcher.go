package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/picturas/orchestrator/core/catalog"
	"github.com/picturas/orchestrator/core/infra/blob"
	"github.com/picturas/orchestrator/core/infra/logging"
	"github.com/picturas/orchestrator/core/infra/metrics"
	"github.com/picturas/orchestrator/core/protocol"
	"github.com/picturas/orchestrator/core/quota"
)

// ProjectSource reads project documents. Satisfied by catalog.RedisStore.
type ProjectSource interface {
	GetProject(ctx context.Context, projectID string) (*catalog.Project, error)
}

// BlobGateway is the narrow contract the orchestrator needs from the
// image-store facade. Satisfied by blob.Client.
type BlobGateway interface {
	Store(ctx context.Context, userID, projectID, bucket, fileName string, content io.Reader) (string, error)
	URL(ctx context.Context, userID, projectID, bucket, key string) (string, error)
	Delete(ctx context.Context, userID, projectID, bucket, key string) error
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Publisher sends JSON payloads on the bus. Satisfied by bus.NatsBus.
type Publisher interface {
	Publish(subject string, v any) error
	PublishWithID(subject, msgID string, v any) error
}

// Notifier pushes a note onto a user's live channel.
type Notifier interface {
	Notify(ctx context.Context, userID string, note any) error
}

// DispatcherConfig wires a Dispatcher's collaborators.
type DispatcherConfig struct {
	Store    *RedisStore
	Projects ProjectSource
	Registry *catalog.Registry
	Guard    quota.Guard
	Blobs    BlobGateway
	Work     *blob.Workspace
	Bus      Publisher
	Metrics  metrics.Metrics
}

// Dispatcher turns start and cancel requests into runs and outbound tool
// invocations. One run per image; the tool chain is snapshotted onto each
// run at dispatch time.
type Dispatcher struct {
	store    *RedisStore
	projects ProjectSource
	registry *catalog.Registry
	guard    quota.Guard
	blobs    BlobGateway
	work     *blob.Workspace
	bus      Publisher
	metrics  metrics.Metrics

	newID func(Mode) string
	now   func() time.Time
}

// NewDispatcher builds a Dispatcher from its collaborators.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &Dispatcher{
		store:    cfg.Store,
		projects: cfg.Projects,
		registry: cfg.Registry,
		guard:    cfg.Guard,
		blobs:    cfg.Blobs,
		work:     cfg.Work,
		bus:      cfg.Bus,
		metrics:  m,
		newID:    NewCorrelationID,
		now:      time.Now,
	}
}

// StartFull kicks off a full-project run: one run per image at position 0.
// The quota guard is consulted once for the whole batch before any side
// effect. Per-image staging failures are reported, not fatal: the other
// images proceed independently.
func (d *Dispatcher) StartFull(ctx context.Context, projectID, userID string) (*StartReport, error) {
	p, err := d.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(p.Tools) == 0 {
		return nil, ErrEmptyPipeline
	}
	if err := d.registry.Validate(p.Tools); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}

	advanced := d.registry.AdvancedOps(p.Tools, len(p.Images))
	permitted, err := d.guard.CheckAndReserve(ctx, userID, advanced)
	if err != nil {
		return nil, fmt.Errorf("quota check: %w", err)
	}
	if !permitted {
		d.metrics.IncQuotaDenied()
		return nil, ErrQuotaExceeded
	}

	// A reprocess supersedes the previous run's results.
	old, err := d.store.DeleteResults(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, a := range old {
		_ = d.blobs.Delete(ctx, userID, projectID, blob.BucketOutput, a.Key)
	}

	report := &StartReport{}
	for _, img := range p.Images {
		corr, err := d.startImage(ctx, p, img, userID, ModeFull)
		if err != nil {
			logging.Error("DISPATCH", "image failed to start",
				"project", projectID, "image", img.ID, "err", err)
			report.Failed = append(report.Failed, ImageFailure{ImageID: img.ID, Reason: err.Error()})
			continue
		}
		report.Started = append(report.Started, img.ID)
		report.CorrelationIDs = append(report.CorrelationIDs, corr)
		d.metrics.IncRunsStarted(string(ModeFull))
	}
	logging.Info("DISPATCH", "full run started",
		"project", projectID, "user", userID,
		"started", len(report.Started), "failed", len(report.Failed))
	return report, nil
}

// StartPreview runs the pipeline over a single image in preview mode.
// Previews are unmetered and ephemeral: any prior preview rows and any
// in-flight preview run for the image are dropped first, so the project
// never holds more than one active preview set.
func (d *Dispatcher) StartPreview(ctx context.Context, projectID, userID, imageID string) (string, error) {
	p, err := d.projects.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	if len(p.Tools) == 0 {
		return "", ErrEmptyPipeline
	}
	if err := d.registry.Validate(p.Tools); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	img, ok := p.ImageByID(imageID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}

	if _, err := d.store.CancelImageRun(ctx, projectID, imageID, ModePreview); err != nil {
		return "", err
	}
	old, err := d.store.DeletePreviews(ctx, projectID)
	if err != nil {
		return "", err
	}
	for _, a := range old {
		_ = d.blobs.Delete(ctx, userID, projectID, blob.BucketPreview, a.Key)
	}

	corr, err := d.startImage(ctx, p, img, userID, ModePreview)
	if err != nil {
		return "", err
	}
	d.metrics.IncRunsStarted(string(ModePreview))
	logging.Info("DISPATCH", "preview started",
		"project", projectID, "user", userID, "image", imageID, "correlation", corr)
	return corr, nil
}

// startImage stages one image's bytes onto the working volume and creates
// its position-0 run.
func (d *Dispatcher) startImage(ctx context.Context, p *catalog.Project, img catalog.Image, userID string, mode Mode) (string, error) {
	url, err := d.blobs.URL(ctx, userID, p.ID, blob.BucketSource, img.SourceKey)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", img.ID, err)
	}
	data, err := d.blobs.Fetch(ctx, url)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", img.ID, err)
	}

	corr := d.newID(mode)
	run := &Run{
		CorrelationID: corr,
		ProjectID:     p.ID,
		UserID:        userID,
		ImageID:       img.ID,
		FileName:      img.FileName,
		Mode:          mode,
		Position:      0,
		Tools:         p.Tools,
		CreatedAt:     d.now().UTC(),
	}
	run.InputRef = d.work.Ref(userID, p.ID, blob.BucketSource, corr+"-"+img.FileName)
	run.OutputRef = stepOutputRef(d.work, run, 0)
	if err := d.work.Write(run.InputRef, data); err != nil {
		return "", fmt.Errorf("stage %s: %w", img.ID, err)
	}

	if err := d.store.CreateRun(ctx, run); err != nil {
		return "", err
	}
	if err := d.publishInvocation(run); err != nil {
		_ = d.store.Release(ctx, run, OutcomeFailed)
		return "", err
	}
	return corr, nil
}

func (d *Dispatcher) publishInvocation(run *Run) error {
	return publishInvocation(d.bus, d.registry, run, d.now().UTC())
}

// publishInvocation sends the pending step's tool invocation. The message
// id carries the position so stream-level dedup is per step, not per chain.
func publishInvocation(pub Publisher, registry *catalog.Registry, run *Run, at time.Time) error {
	tool, ok := run.CurrentTool()
	if !ok {
		return fmt.Errorf("run %s has no step at position %d", run.CorrelationID, run.Position)
	}
	spec, ok := registry.Lookup(tool.Procedure)
	if !ok {
		return fmt.Errorf("unknown procedure %q", tool.Procedure)
	}
	inv := protocol.ToolInvocation{
		CorrelationID: run.CorrelationID,
		Timestamp:     at,
		InputRef:      run.InputRef,
		OutputRef:     run.OutputRef,
		Procedure:     tool.Procedure,
		Params:        tool.Params,
	}
	return pub.PublishWithID(spec.Subject, fmt.Sprintf("%s:%d", run.CorrelationID, run.Position), inv)
}

// stepOutputRef is the working-volume path a step's worker must write to.
func stepOutputRef(work *blob.Workspace, run *Run, position int) string {
	name := fmt.Sprintf("%s-%d-%s", run.CorrelationID, position+1, run.FileName)
	return work.Ref(run.UserID, run.ProjectID, blob.BucketOutput, name)
}
