package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/picturas/orchestrator/core/catalog"
	"github.com/picturas/orchestrator/core/infra/blob"
	"github.com/picturas/orchestrator/core/protocol"
)

type stubProjects struct{ p *catalog.Project }

func (s stubProjects) GetProject(_ context.Context, projectID string) (*catalog.Project, error) {
	if s.p != nil && s.p.ID == projectID {
		return s.p, nil
	}
	return nil, catalog.ErrNotFound
}

type stubGuard struct {
	permit    bool
	calls     int
	lastCount int
}

func (g *stubGuard) CheckAndReserve(_ context.Context, _ string, n int) (bool, error) {
	g.calls++
	g.lastCount = n
	return g.permit, nil
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	seq     int
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (b *memBlobs) put(bucket, key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[bucket+"/"+key] = data
}

func (b *memBlobs) Store(_ context.Context, _, _, bucket, fileName string, content io.Reader) (string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	key := fmt.Sprintf("stored-%d-%s", b.seq, fileName)
	b.objects[bucket+"/"+key] = data
	return key, nil
}

func (b *memBlobs) URL(_ context.Context, _, _, bucket, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[bucket+"/"+key]; !ok {
		return "", fmt.Errorf("no such blob %s/%s", bucket, key)
	}
	return "http://blob/" + bucket + "/" + key, nil
}

func (b *memBlobs) Delete(_ context.Context, _, _, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, bucket+"/"+key)
	b.deleted = append(b.deleted, bucket+"/"+key)
	return nil
}

func (b *memBlobs) Fetch(_ context.Context, url string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	path := strings.TrimPrefix(url, "http://blob/")
	data, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("no such blob at %s", url)
	}
	return data, nil
}

type busMsg struct {
	subject string
	msgID   string
	data    []byte
}

type stubBus struct {
	mu      sync.Mutex
	msgs    []busMsg
	cursor  int
	failPub error
}

func (s *stubBus) Publish(subject string, v any) error {
	return s.PublishWithID(subject, "", v)
}

func (s *stubBus) PublishWithID(subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPub != nil {
		return s.failPub
	}
	s.msgs = append(s.msgs, busMsg{subject: subject, msgID: msgID, data: data})
	return nil
}

// pop returns the messages published since the previous pop.
func (s *stubBus) pop() []busMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.msgs[s.cursor:]
	s.cursor = len(s.msgs)
	return out
}

type stubNotify struct {
	mu    sync.Mutex
	notes []any
}

func (n *stubNotify) Notify(_ context.Context, _ string, note any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *stubNotify) kinds() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := map[string]int{}
	for _, note := range n.notes {
		switch note.(type) {
		case protocol.ProgressNote:
			out[protocol.NoteProgress]++
		case protocol.CompleteNote:
			out[protocol.NoteComplete]++
		case protocol.ErrorNote:
			out[protocol.NoteError]++
		case protocol.PreviewNote:
			out[protocol.NotePreview]++
		}
	}
	return out
}

func (n *stubNotify) previewNotes() []protocol.PreviewNote {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []protocol.PreviewNote
	for _, note := range n.notes {
		if p, ok := note.(protocol.PreviewNote); ok {
			out = append(out, p)
		}
	}
	return out
}

func (n *stubNotify) errorNotes() []protocol.ErrorNote {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []protocol.ErrorNote
	for _, note := range n.notes {
		if e, ok := note.(protocol.ErrorNote); ok {
			out = append(out, e)
		}
	}
	return out
}

type rig struct {
	t     *testing.T
	store *RedisStore
	work  *blob.Workspace
	blobs *memBlobs
	bus   *stubBus
	notes *stubNotify
	guard *stubGuard
	disp  *Dispatcher
	comp  *Completer
}

func newRig(t *testing.T, tools []catalog.Tool, images []catalog.Image) *rig {
	t.Helper()
	store := newTestStore(t)
	work := blob.NewWorkspace(t.TempDir())
	blobs := newMemBlobs()
	for _, img := range images {
		blobs.put(blob.BucketSource, img.SourceKey, []byte("img:"+img.ID))
	}
	project := &catalog.Project{ID: "p1", OwnerID: "u1", Name: "Test", Images: images, Tools: tools}
	registry := catalog.DefaultRegistry()
	guard := &stubGuard{permit: true}
	busStub := &stubBus{}
	notes := &stubNotify{}

	disp := NewDispatcher(DispatcherConfig{
		Store:    store,
		Projects: stubProjects{project},
		Registry: registry,
		Guard:    guard,
		Blobs:    blobs,
		Work:     work,
		Bus:      busStub,
	})
	comp := NewCompleter(CompleterConfig{
		Store:    store,
		Registry: registry,
		Blobs:    blobs,
		Work:     work,
		Bus:      busStub,
		Notify:   notes,
	})
	return &rig{t: t, store: store, work: work, blobs: blobs, bus: busStub, notes: notes, guard: guard, disp: disp, comp: comp}
}

func (r *rig) popInvocations() []protocol.ToolInvocation {
	r.t.Helper()
	msgs := r.bus.pop()
	out := make([]protocol.ToolInvocation, 0, len(msgs))
	for _, m := range msgs {
		var inv protocol.ToolInvocation
		if err := json.Unmarshal(m.data, &inv); err != nil {
			r.t.Fatalf("decode invocation on %s: %v", m.subject, err)
		}
		out = append(out, inv)
	}
	return out
}

// completeStep plays the worker: writes the declared output and feeds the
// completion back through the handler.
func (r *rig) completeStep(inv protocol.ToolInvocation, typ protocol.OutputType, content string) {
	r.t.Helper()
	if err := r.work.Write(inv.OutputRef, []byte(content)); err != nil {
		r.t.Fatalf("write worker output: %v", err)
	}
	comp := protocol.ToolCompletion{
		CorrelationID: inv.CorrelationID,
		Status:        protocol.StatusSuccess,
		Output:        &protocol.ToolOutput{Ref: inv.OutputRef, Type: typ},
	}
	data, _ := json.Marshal(comp)
	if err := r.comp.Handle(protocol.SubjectResults, data); err != nil {
		r.t.Fatalf("handle completion: %v", err)
	}
}

func (r *rig) failStep(inv protocol.ToolInvocation, code, message string) {
	r.t.Helper()
	comp := protocol.ToolCompletion{
		CorrelationID: inv.CorrelationID,
		Status:        protocol.StatusError,
		Error:         &protocol.ToolError{Code: code, Message: message},
	}
	data, _ := json.Marshal(comp)
	if err := r.comp.Handle(protocol.SubjectResults, data); err != nil {
		r.t.Fatalf("handle error completion: %v", err)
	}
}

func tools(names ...string) []catalog.Tool {
	out := make([]catalog.Tool, len(names))
	for i, name := range names {
		out[i] = catalog.Tool{Position: i, Procedure: name}
	}
	return out
}

func images(ids ...string) []catalog.Image {
	out := make([]catalog.Image, len(ids))
	for i, id := range ids {
		out[i] = catalog.Image{ID: id, FileName: id + ".png", SourceKey: "src-" + id}
	}
	return out
}

func TestStartFullDispatchesPerImage(t *testing.T) {
	r := newRig(t, tools("resize"), images("img-1", "img-2"))
	report, err := r.disp.StartFull(context.Background(), "p1", "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(report.Started) != 2 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	invs := r.popInvocations()
	if len(invs) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(invs))
	}
	for _, inv := range invs {
		if inv.Procedure != "resize" || !strings.HasPrefix(inv.CorrelationID, "request-") {
			t.Fatalf("unexpected invocation: %+v", inv)
		}
		staged, err := r.work.Read(inv.InputRef)
		if err != nil || !strings.HasPrefix(string(staged), "img:") {
			t.Fatalf("input not staged at %s: %v", inv.InputRef, err)
		}
	}
}

func TestStartFullRejectsEmptyPipeline(t *testing.T) {
	r := newRig(t, nil, images("img-1"))
	if _, err := r.disp.StartFull(context.Background(), "p1", "u1"); !errors.Is(err, ErrEmptyPipeline) {
		t.Fatalf("expected ErrEmptyPipeline, got %v", err)
	}
	if msgs := r.bus.pop(); len(msgs) != 0 {
		t.Fatalf("invocations published for empty pipeline")
	}
}

func TestStartFullRejectsUnknownProcedure(t *testing.T) {
	r := newRig(t, tools("sharpen_3000"), images("img-1"))
	if _, err := r.disp.StartFull(context.Background(), "p1", "u1"); !errors.Is(err, ErrInvalidPipeline) {
		t.Fatalf("expected ErrInvalidPipeline, got %v", err)
	}
	if msgs := r.bus.pop(); len(msgs) != 0 {
		t.Fatalf("invocations published for invalid pipeline")
	}
}

func TestStartFullQuotaDenied(t *testing.T) {
	r := newRig(t, tools("resize", "bg_remove_ai"), images("img-1", "img-2"))
	r.guard.permit = false

	_, err := r.disp.StartFull(context.Background(), "p1", "u1")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// One advanced step times two images.
	if r.guard.lastCount != 2 {
		t.Fatalf("guard asked for %d advanced ops", r.guard.lastCount)
	}
	if msgs := r.bus.pop(); len(msgs) != 0 {
		t.Fatalf("runs dispatched despite quota denial")
	}
}

func TestStartFullStagingFailureIsPartial(t *testing.T) {
	imgs := images("img-1", "img-2")
	r := newRig(t, tools("resize"), imgs)
	// Drop img-2's source so staging fails for it alone.
	r.blobs.Delete(context.Background(), "u1", "p1", blob.BucketSource, "src-img-2")

	report, err := r.disp.StartFull(context.Background(), "p1", "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(report.Started) != 1 || report.Started[0] != "img-1" {
		t.Fatalf("unexpected started set: %+v", report)
	}
	if len(report.Failed) != 1 || report.Failed[0].ImageID != "img-2" {
		t.Fatalf("unexpected failed set: %+v", report)
	}
	if !report.Partial() {
		t.Fatalf("report not marked partial")
	}
	if invs := r.popInvocations(); len(invs) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(invs))
	}
}

func TestFullChainProducesResultAndNotifications(t *testing.T) {
	r := newRig(t, tools("resize", "grayscale"), images("img-1"))
	ctx := context.Background()

	if _, err := r.disp.StartFull(ctx, "p1", "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	invs := r.popInvocations()
	if len(invs) != 1 || invs[0].Procedure != "resize" {
		t.Fatalf("unexpected first step: %+v", invs)
	}

	r.completeStep(invs[0], protocol.OutputImage, "resized")
	next := r.popInvocations()
	if len(next) != 1 || next[0].Procedure != "grayscale" {
		t.Fatalf("chain did not advance: %+v", next)
	}
	if next[0].InputRef != invs[0].OutputRef {
		t.Fatalf("next input %q does not chain from %q", next[0].InputRef, invs[0].OutputRef)
	}

	r.completeStep(next[0], protocol.OutputImage, "gray")
	if invs := r.popInvocations(); len(invs) != 0 {
		t.Fatalf("chain advanced past last step: %+v", invs)
	}

	results, err := r.store.ListResults(ctx, "p1")
	if err != nil || len(results) != 1 {
		t.Fatalf("expected 1 result: %+v %v", results, err)
	}
	if results[0].Type != protocol.OutputImage || results[0].URL == "" {
		t.Fatalf("unexpected result: %+v", results[0])
	}

	kinds := r.notes.kinds()
	if kinds[protocol.NoteProgress] != 2 || kinds[protocol.NoteComplete] != 1 || kinds[protocol.NoteError] != 0 {
		t.Fatalf("unexpected notifications: %v", kinds)
	}

	record, err := r.store.Record(ctx, next[0].CorrelationID)
	if err != nil || record.Outcome != OutcomeFinalized {
		t.Fatalf("unexpected audit record: %+v %v", record, err)
	}
}

func TestTextStepFinalizesImmediatelyAndPassesImageThrough(t *testing.T) {
	r := newRig(t, tools("text_ai", "resize"), images("img-1"))
	ctx := context.Background()

	if _, err := r.disp.StartFull(ctx, "p1", "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := r.popInvocations()[0]

	r.completeStep(first, protocol.OutputText, "caption: a cat")

	// Text artifact is finalized right away, mid-chain.
	results, err := r.store.ListResults(ctx, "p1")
	if err != nil || len(results) != 1 || results[0].Type != protocol.OutputText {
		t.Fatalf("expected immediate text result: %+v %v", results, err)
	}

	// The image keeps flowing: the next step reuses this step's slots.
	next := r.popInvocations()
	if len(next) != 1 || next[0].Procedure != "resize" {
		t.Fatalf("chain did not advance past text step: %+v", next)
	}
	if next[0].InputRef != first.InputRef || next[0].OutputRef != first.OutputRef {
		t.Fatalf("text step altered the image path: %+v vs %+v", next[0], first)
	}

	r.completeStep(next[0], protocol.OutputImage, "resized")
	results, err = r.store.ListResults(ctx, "p1")
	if err != nil || len(results) != 2 {
		t.Fatalf("expected text and image results: %+v %v", results, err)
	}
	kinds := r.notes.kinds()
	if kinds[protocol.NoteProgress] != 2 || kinds[protocol.NoteComplete] != 1 {
		t.Fatalf("unexpected notifications: %v", kinds)
	}
}

func TestTextOutputAtLastPositionIsTerminal(t *testing.T) {
	r := newRig(t, tools("resize", "text_ai"), images("img-1"))
	ctx := context.Background()

	if _, err := r.disp.StartFull(ctx, "p1", "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := r.popInvocations()[0]
	r.completeStep(first, protocol.OutputImage, "resized")
	second := r.popInvocations()[0]
	r.completeStep(second, protocol.OutputText, "caption")

	if invs := r.popInvocations(); len(invs) != 0 {
		t.Fatalf("chain advanced past terminal text step")
	}
	results, err := r.store.ListResults(ctx, "p1")
	if err != nil || len(results) != 1 || results[0].Type != protocol.OutputText {
		t.Fatalf("expected single text result: %+v %v", results, err)
	}
	kinds := r.notes.kinds()
	if kinds[protocol.NoteProgress] != 2 || kinds[protocol.NoteComplete] != 1 {
		t.Fatalf("unexpected notifications: %v", kinds)
	}
	record, err := r.store.Record(ctx, second.CorrelationID)
	if err != nil || record.Outcome != OutcomeFinalized {
		t.Fatalf("unexpected audit record: %+v %v", record, err)
	}
}

func TestRedeliveredCompletionDoesNotSkipSteps(t *testing.T) {
	r := newRig(t, tools("resize", "grayscale", "blur"), images("img-1"))
	ctx := context.Background()

	if _, err := r.disp.StartFull(ctx, "p1", "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := r.popInvocations()[0]

	r.completeStep(first, protocol.OutputImage, "resized")
	second := r.popInvocations()[0]
	if second.Procedure != "grayscale" {
		t.Fatalf("unexpected second step: %+v", second)
	}
	if second.CorrelationID == first.CorrelationID {
		t.Fatalf("advanced step reused correlation id %q", first.CorrelationID)
	}

	// The bus redelivers the finished step's completion; it must vanish
	// quietly instead of answering the step now in flight.
	r.completeStep(first, protocol.OutputImage, "resized")
	if invs := r.popInvocations(); len(invs) != 0 {
		t.Fatalf("redelivered completion advanced the chain: %+v", invs)
	}

	r.completeStep(second, protocol.OutputImage, "gray")
	third := r.popInvocations()[0]
	if third.Procedure != "blur" {
		t.Fatalf("chain skipped a step: %+v", third)
	}
	r.completeStep(third, protocol.OutputImage, "blurred")

	results, err := r.store.ListResults(ctx, "p1")
	if err != nil || len(results) != 1 {
		t.Fatalf("expected 1 result: %+v %v", results, err)
	}
	kinds := r.notes.kinds()
	if kinds[protocol.NoteProgress] != 3 || kinds[protocol.NoteComplete] != 1 || kinds[protocol.NoteError] != 0 {
		t.Fatalf("unexpected notifications: %v", kinds)
	}
}

func TestFailedDispatchLeavesNoRunBehind(t *testing.T) {
	r := newRig(t, tools("resize"), images("img-1"))
	ctx := context.Background()

	r.bus.failPub = errors.New("nats unavailable")
	report, err := r.disp.StartFull(ctx, "p1", "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(report.Started) != 0 || len(report.Failed) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	// The released run left nothing behind: the slot is free and a retry
	// dispatches normally.
	r.bus.failPub = nil
	report, err = r.disp.StartFull(ctx, "p1", "u1")
	if err != nil || len(report.Started) != 1 || len(report.Failed) != 0 {
		t.Fatalf("retry blocked by leaked run: %+v %v", report, err)
	}
	if invs := r.popInvocations(); len(invs) != 1 {
		t.Fatalf("expected 1 invocation from retry, got %d", len(invs))
	}
}

func TestUnknownCorrelationIsSilentNoOp(t *testing.T) {
	r := newRig(t, tools("resize"), images("img-1"))
	data, _ := json.Marshal(protocol.ToolCompletion{
		CorrelationID: "request-unknown",
		Status:        protocol.StatusSuccess,
		Output:        &protocol.ToolOutput{Ref: "/nowhere", Type: protocol.OutputImage},
	})
	if err := r.comp.Handle(protocol.SubjectResults, data); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
	if len(r.notes.kinds()) != 0 {
		t.Fatalf("stray completion produced notifications")
	}
	results, _ := r.store.ListResults(context.Background(), "p1")
	if len(results) != 0 {
		t.Fatalf("stray completion produced results")
	}
}

func TestCompletionAfterCancelIsNoOp(t *testing.T) {
	r := newRig(t, tools("resize"), images("img-1"))
	ctx := context.Background()

	if _, err := r.disp.StartFull(ctx, "p1", "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	inv := r.popInvocations()[0]

	n, err := r.disp.Cancel(ctx, "p1")
	if err != nil || n != 1 {
		t.Fatalf("cancel: %v %d", err, n)
	}
	record, err := r.store.Record(ctx, inv.CorrelationID)
	if err != nil || record.Outcome != OutcomeCancelled {
		t.Fatalf("unexpected audit record: %+v %v", record, err)
	}

	// The worker finishes anyway; its completion must vanish quietly.
	r.completeStep(inv, protocol.OutputImage, "late output")
	if len(r.notes.kinds()) != 0 {
		t.Fatalf("post-cancel completion produced notifications")
	}
	if invs := r.popInvocations(); len(invs) != 0 {
		t.Fatalf("post-cancel completion advanced the chain")
	}
	results, _ := r.store.ListResults(ctx, "p1")
	if len(results) != 0 {
		t.Fatalf("post-cancel completion produced results")
	}
}

func TestWorkerErrorEndsOnlyThatImagesChain(t *testing.T) {
	r := newRig(t, tools("resize"), images("img-1", "img-2"))
	ctx := context.Background()

	if _, err := r.disp.StartFull(ctx, "p1", "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	invs := r.popInvocations()

	r.failStep(invs[0], "4100", "resize blew up")
	r.completeStep(invs[1], protocol.OutputImage, "resized")

	results, err := r.store.ListResults(ctx, "p1")
	if err != nil || len(results) != 1 {
		t.Fatalf("expected surviving image's result: %+v %v", results, err)
	}
	errs := r.notes.errorNotes()
	if len(errs) != 1 || errs[0].Code != "4100" || errs[0].Preview {
		t.Fatalf("unexpected error notes: %+v", errs)
	}
	record, err := r.store.Record(ctx, invs[0].CorrelationID)
	if err != nil || record.Outcome != OutcomeFailed {
		t.Fatalf("unexpected audit record: %+v %v", record, err)
	}
}

func TestHandlerFaultFailsChainAndAcks(t *testing.T) {
	r := newRig(t, tools("resize"), images("img-1"))
	ctx := context.Background()

	if _, err := r.disp.StartFull(ctx, "p1", "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	inv := r.popInvocations()[0]

	// Completion claims a worker output that was never written.
	data, _ := json.Marshal(protocol.ToolCompletion{
		CorrelationID: inv.CorrelationID,
		Status:        protocol.StatusSuccess,
		Output:        &protocol.ToolOutput{Ref: inv.OutputRef + ".missing", Type: protocol.OutputImage},
	})
	if err := r.comp.Handle(protocol.SubjectResults, data); err != nil {
		t.Fatalf("fault must ack, got %v", err)
	}

	errs := r.notes.errorNotes()
	if len(errs) != 1 || errs[0].Code != faultCode {
		t.Fatalf("expected generic fault note, got %+v", errs)
	}
	record, err := r.store.Record(ctx, inv.CorrelationID)
	if err != nil || record.Outcome != OutcomeFailed {
		t.Fatalf("unexpected audit record: %+v %v", record, err)
	}
}

func TestPreviewAggregatesOneCombinedNote(t *testing.T) {
	r := newRig(t, tools("text_ai", "resize"), images("img-1"))
	ctx := context.Background()

	corr, err := r.disp.StartPreview(ctx, "p1", "u1", "img-1")
	if err != nil {
		t.Fatalf("start preview: %v", err)
	}
	if !strings.HasPrefix(corr, "preview-") {
		t.Fatalf("unexpected correlation id %q", corr)
	}
	if r.guard.calls != 0 {
		t.Fatalf("previews must not consult the quota guard")
	}

	first := r.popInvocations()[0]
	r.completeStep(first, protocol.OutputText, "caption")
	second := r.popInvocations()[0]
	r.completeStep(second, protocol.OutputImage, "small")

	previews := r.notes.previewNotes()
	if len(previews) != 1 {
		t.Fatalf("expected exactly one preview note, got %d", len(previews))
	}
	if previews[0].ImageURL == "" || len(previews[0].TextResults) != 1 {
		t.Fatalf("unexpected preview payload: %+v", previews[0])
	}
	if kinds := r.notes.kinds(); kinds[protocol.NoteProgress] != 0 {
		t.Fatalf("preview emitted progress notes: %v", kinds)
	}

	rows, err := r.store.ListPreviews(ctx, "p1")
	if err != nil || len(rows) != 2 {
		t.Fatalf("unexpected preview rows: %+v %v", rows, err)
	}
	results, _ := r.store.ListResults(ctx, "p1")
	if len(results) != 0 {
		t.Fatalf("preview leaked into results")
	}
}

func TestPreviewIsIdempotent(t *testing.T) {
	r := newRig(t, tools("resize"), images("img-1"))
	ctx := context.Background()

	first, err := r.disp.StartPreview(ctx, "p1", "u1", "img-1")
	if err != nil {
		t.Fatalf("first preview: %v", err)
	}
	second, err := r.disp.StartPreview(ctx, "p1", "u1", "img-1")
	if err != nil {
		t.Fatalf("second preview: %v", err)
	}

	// The superseded run is cancelled, its completion drops.
	record, err := r.store.Record(ctx, first)
	if err != nil || record.Outcome != OutcomeCancelled {
		t.Fatalf("first preview not cancelled: %+v %v", record, err)
	}

	invs := r.popInvocations()
	if len(invs) != 2 {
		t.Fatalf("expected two dispatched previews, got %d", len(invs))
	}
	r.completeStep(invs[0], protocol.OutputImage, "stale") // first chain, now cancelled
	r.completeStep(invs[1], protocol.OutputImage, "fresh")

	rows, err := r.store.ListPreviews(ctx, "p1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one preview set, got %+v %v", rows, err)
	}
	if previews := r.notes.previewNotes(); len(previews) != 1 {
		t.Fatalf("expected one preview note, got %d", len(previews))
	}
	if second == "" {
		t.Fatalf("missing correlation id")
	}
}

func TestPreviewUnknownImage(t *testing.T) {
	r := newRig(t, tools("resize"), images("img-1"))
	if _, err := r.disp.StartPreview(context.Background(), "p1", "u1", "img-9"); !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
}
