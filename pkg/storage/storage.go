package storage

import (
	"context"
	"errors"
)

var (
	// ErrPrimaryUnavailable wraps every failure of the ingestion endpoint.
	ErrPrimaryUnavailable = errors.New("prompt api unavailable")
	ErrNotFound           = errors.New("usage record not found")
)

// Sink accepts usage records for durable storage.
type Sink interface {
	SaveUsage(ctx context.Context, rec *UsageRecord) error
}

// FallbackStore keeps undelivered usage records for a bounded time.
type FallbackStore interface {
	// Stash stores rec under a fresh unique key and returns that key.
	Stash(ctx context.Context, rec *UsageRecord) (string, error)
	Get(ctx context.Context, key string) (*UsageRecord, error)
	// List returns up to limit keys, newest first.
	List(ctx context.Context, limit int) ([]string, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
