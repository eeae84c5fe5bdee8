package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// auditTTL is how long finished-run records stay queryable.
const auditTTL = 24 * time.Hour

// RedisStore owns Run, Result and Preview state. Runs are claimed with
// GETDEL so the lookup-act-delete sequence of the completion handler is a
// single atomic unit even with multiple orchestrator instances on one
// queue: exactly one instance wins each completion.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects the pipeline state store.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func runKey(corr string) string { return "pipe:run:" + corr }
func auditKey(corr string) string { return "pipe:run:log:" + corr }

func slotKey(projectID, imageID string, mode Mode) string {
	return "pipe:slot:" + projectID + ":" + imageID + ":" + string(mode)
}

func projectRunsKey(projectID string) string { return "pipe:runs:project:" + projectID }

func resultKey(id string) string { return "pipe:result:" + id }
func previewKey(id string) string { return "pipe:preview:" + id }

func resultsIndexKey(projectID string) string  { return "pipe:results:project:" + projectID }
func previewsIndexKey(projectID string) string { return "pipe:previews:project:" + projectID }

// CreateRun inserts a new run, taking the (project, image, mode) slot. The
// slot key enforces at most one run per image per mode: a second create
// while the first is in flight returns ErrRunExists.
func (s *RedisStore) CreateRun(ctx context.Context, run *Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	ok, err := s.client.SetNX(ctx, slotKey(run.ProjectID, run.ImageID, run.Mode), run.CorrelationID, 0).Result()
	if err != nil {
		return fmt.Errorf("take run slot: %w", err)
	}
	if !ok {
		return ErrRunExists
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(run.CorrelationID), doc, 0)
	pipe.SAdd(ctx, projectRunsKey(run.ProjectID), run.CorrelationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store run: %w", err)
	}
	return nil
}

// AdvanceRun writes a claimed run back under its next step's correlation
// id. The previous document is already gone (removed by the claim); the
// slot and project index move to the new id in the same transaction, so no
// state remains keyed by the finished step.
func (s *RedisStore) AdvanceRun(ctx context.Context, prevCorrelationID string, run *Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, slotKey(run.ProjectID, run.ImageID, run.Mode), run.CorrelationID, 0)
	pipe.SRem(ctx, projectRunsKey(run.ProjectID), prevCorrelationID)
	pipe.SAdd(ctx, projectRunsKey(run.ProjectID), run.CorrelationID)
	pipe.Set(ctx, runKey(run.CorrelationID), doc, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("advance run: %w", err)
	}
	return nil
}

// ClaimRun atomically removes and returns the run for a correlation id.
// ErrRunNotFound means the run was already claimed, finished or cancelled;
// the caller drops the completion.
func (s *RedisStore) ClaimRun(ctx context.Context, correlationID string) (*Run, error) {
	doc, err := s.client.GetDel(ctx, runKey(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	var run Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// Release frees a claimed run's slot and project index and writes a
// short-lived audit record tagged with the outcome. The run document is
// deleted too: a no-op after a claim, but on failure paths where the doc
// was never claimed (or was just rewritten) it must not outlive the
// release, or a stray completion could resurrect a finished chain.
func (s *RedisStore) Release(ctx context.Context, run *Run, outcome string) error {
	record, err := json.Marshal(RunRecord{Run: *run, Outcome: outcome, FinishedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, runKey(run.CorrelationID))
	pipe.Del(ctx, slotKey(run.ProjectID, run.ImageID, run.Mode))
	pipe.SRem(ctx, projectRunsKey(run.ProjectID), run.CorrelationID)
	pipe.Set(ctx, auditKey(run.CorrelationID), record, auditTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release run: %w", err)
	}
	return nil
}

// Record returns the audit entry for a finished run, if still retained.
func (s *RedisStore) Record(ctx context.Context, correlationID string) (*RunRecord, error) {
	doc, err := s.client.Get(ctx, auditKey(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	var record RunRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		return nil, fmt.Errorf("unmarshal run record: %w", err)
	}
	return &record, nil
}

// CancelProject claims every pending run for a project, full and preview,
// and releases each as cancelled. Completions arriving afterwards miss
// their run and are dropped. Returns the runs that were cancelled.
func (s *RedisStore) CancelProject(ctx context.Context, projectID string) ([]Run, error) {
	corrs, err := s.client.SMembers(ctx, projectRunsKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list project runs: %w", err)
	}
	var cancelled []Run
	for _, corr := range corrs {
		run, err := s.ClaimRun(ctx, corr)
		if errors.Is(err, ErrRunNotFound) {
			// Lost the race to a concurrent completion; its outcome stands.
			s.client.SRem(ctx, projectRunsKey(projectID), corr)
			continue
		}
		if err != nil {
			return cancelled, err
		}
		if err := s.Release(ctx, run, OutcomeCancelled); err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, *run)
	}
	return cancelled, nil
}

// CancelImageRun claims and cancels the pending run for one (project,
// image, mode) slot, if any. Used when a new preview supersedes an old one.
func (s *RedisStore) CancelImageRun(ctx context.Context, projectID, imageID string, mode Mode) (*Run, error) {
	corr, err := s.client.Get(ctx, slotKey(projectID, imageID, mode)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run slot: %w", err)
	}
	run, err := s.ClaimRun(ctx, corr)
	if errors.Is(err, ErrRunNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.Release(ctx, run, OutcomeCancelled); err != nil {
		return run, err
	}
	return run, nil
}

// SaveResult persists a finalized full-run artifact.
func (s *RedisStore) SaveResult(ctx context.Context, a *Artifact) error {
	return s.saveArtifact(ctx, resultKey(a.ID), resultsIndexKey(a.ProjectID), a)
}

// ListResults returns a project's results in creation order.
func (s *RedisStore) ListResults(ctx context.Context, projectID string) ([]Artifact, error) {
	return s.listArtifacts(ctx, resultsIndexKey(projectID), resultKey)
}

// DeleteResults drops all results for a project, returning the removed
// rows so the caller can clean up their blobs.
func (s *RedisStore) DeleteResults(ctx context.Context, projectID string) ([]Artifact, error) {
	return s.deleteArtifacts(ctx, resultsIndexKey(projectID), resultKey)
}

// SavePreview persists one row of a project's preview set.
func (s *RedisStore) SavePreview(ctx context.Context, a *Artifact) error {
	return s.saveArtifact(ctx, previewKey(a.ID), previewsIndexKey(a.ProjectID), a)
}

// ListPreviews returns a project's preview rows in creation order.
func (s *RedisStore) ListPreviews(ctx context.Context, projectID string) ([]Artifact, error) {
	return s.listArtifacts(ctx, previewsIndexKey(projectID), previewKey)
}

// DeletePreviews drops a project's preview set, returning the removed rows.
func (s *RedisStore) DeletePreviews(ctx context.Context, projectID string) ([]Artifact, error) {
	return s.deleteArtifacts(ctx, previewsIndexKey(projectID), previewKey)
}

func (s *RedisStore) saveArtifact(ctx context.Context, key, indexKey string, a *Artifact) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, doc, 0)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(a.CreatedAt.UnixNano()), Member: a.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	return nil
}

func (s *RedisStore) listArtifacts(ctx context.Context, indexKey string, keyFn func(string) string) ([]Artifact, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out := make([]Artifact, 0, len(ids))
	for _, id := range ids {
		doc, err := s.client.Get(ctx, keyFn(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var a Artifact
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, fmt.Errorf("unmarshal artifact %s: %w", id, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) deleteArtifacts(ctx context.Context, indexKey string, keyFn func(string) string) ([]Artifact, error) {
	rows, err := s.listArtifacts(ctx, indexKey, keyFn)
	if err != nil {
		return nil, err
	}
	pipe := s.client.TxPipeline()
	for _, a := range rows {
		pipe.Del(ctx, keyFn(a.ID))
	}
	pipe.Del(ctx, indexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return rows, fmt.Errorf("delete artifacts: %w", err)
	}
	return rows, nil
}
