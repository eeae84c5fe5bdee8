package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCatalogRedisURL = "redis://localhost:6379"

// ErrNotFound is returned when a project document does not exist.
var ErrNotFound = errors.New("project not found")

// RedisStore reads project documents the external project service keeps in
// Redis. Read-only by design.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed project catalog.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultCatalogRedisURL
	}
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

// GetProject returns a project with its tool chain normalized.
func (s *RedisStore) GetProject(ctx context.Context, projectID string) (*Project, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id required")
	}
	data, err := s.client.Get(ctx, projectKey(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal project: %w", err)
	}
	tools, err := NormalizeTools(p.Tools)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	p.Tools = tools
	return &p, nil
}

func projectKey(id string) string {
	return "project:doc:" + id
}
