package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// APIStore posts usage records to the prompt API's ingestion endpoint.
type APIStore struct {
	client   *http.Client
	endpoint string
	breaker  *gobreaker.CircuitBreaker
}

// NewAPIStore builds the primary sink. Timeouts come from the caller's
// context, so client should not carry its own.
func NewAPIStore(baseURL, ingestPath string, client *http.Client) (*APIStore, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + ingestPath)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ingestion endpoint %q", baseURL+ingestPath)
	}
	if client == nil {
		client = &http.Client{}
	}

	// A dead collaborator trips the breaker so captures go straight to the
	// fallback instead of waiting out the timeout each time.
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "prompt-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})

	return &APIStore{client: client, endpoint: u.String(), breaker: cb}, nil
}

func (s *APIStore) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, data)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrPrimaryUnavailable, err)
	}
	return err
}

func (s *APIStore) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPrimaryUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPrimaryUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrPrimaryUnavailable, resp.StatusCode)
	}
	return nil
}

// State reports the breaker state for health output.
func (s *APIStore) State() string {
	return s.breaker.State().String()
}
