package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ngoyal88/promptrelay/pkg/logging"
	"github.com/ngoyal88/promptrelay/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Delivery outcomes, also used as the metric label.
const (
	DeliveredPrimary  = "primary"
	DeliveredFallback = "fallback"
	Dropped           = "dropped"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultMaxInflight = 1024
)

// Estimator counts prompt tokens and prices them when the upstream reported
// no usage.
type Estimator func(model, text string) (tokens int, costUSD float64, err error)

// Options tune a Pipeline. Zero values pick defaults.
type Options struct {
	PrimaryTimeout time.Duration
	MaxInflight    int64
	Estimator      Estimator
}

// Pipeline delivers usage records off the request path. The primary sink is
// tried first, then the fallback store; if both fail the record is logged and
// dropped. Nothing here ever reaches the client.
type Pipeline struct {
	primary   storage.Sink
	fallback  storage.FallbackStore
	timeout   time.Duration
	estimator Estimator
	logger    *zap.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPipeline wires the sinks. fallback may be nil.
func NewPipeline(primary storage.Sink, fallback storage.FallbackStore, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = defaultTimeout
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = defaultMaxInflight
	}
	return &Pipeline{
		primary:   primary,
		fallback:  fallback,
		timeout:   opts.PrimaryTimeout,
		estimator: opts.Estimator,
		logger:    logger.With(logging.Component("capture")),
		sem:       semaphore.NewWeighted(opts.MaxInflight),
	}
}

// Dispatch hands the context to a background worker and returns at once.
// When too many deliveries are in flight the record is dropped.
func (p *Pipeline) Dispatch(cc Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.drop(cc.RequestID, "pipeline closed")
		return
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		p.drop(cc.RequestID, "too many captures in flight")
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("capture worker panicked",
					logging.RequestID(cc.RequestID),
					zap.Any("panic", r),
				)
			}
		}()

		rec := p.enrich(cc).Record()
		p.Deliver(context.Background(), &rec)
	}()
}

// Deliver runs the primary, fallback, drop sequence synchronously and
// returns which of the three happened.
func (p *Pipeline) Deliver(ctx context.Context, rec *storage.UsageRecord) string {
	start := time.Now()
	defer func() { captureDuration.Observe(time.Since(start).Seconds()) }()

	if rec.TokensInput != nil {
		requestTokenHistogram.Observe(float64(*rec.TokensInput))
	}

	log := p.logger.With(
		logging.Provider(rec.Provider),
		zap.String("conversation_id", rec.ConversationID),
		logging.KeyHash(rec.APIKeyHash),
	)

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.primary.SaveUsage(pctx, rec)
	cancel()
	if err == nil {
		captureOutcomes.WithLabelValues(DeliveredPrimary).Inc()
		log.Debug("usage record delivered", zap.String("status", rec.Status))
		return DeliveredPrimary
	}

	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("prompt api timed out, falling back", zap.Duration("timeout", p.timeout))
	} else {
		log.Warn("prompt api rejected usage record, falling back", zap.Error(err))
	}

	if p.fallback == nil {
		captureOutcomes.WithLabelValues(Dropped).Inc()
		log.Error("usage record dropped: no fallback store configured")
		return Dropped
	}

	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	key, ferr := p.fallback.Stash(fctx, rec)
	cancel()
	if ferr != nil {
		captureOutcomes.WithLabelValues(Dropped).Inc()
		log.Error("usage record dropped: fallback store failed",
			zap.NamedError("primary_error", err),
			zap.NamedError("fallback_error", ferr),
		)
		return Dropped
	}

	captureOutcomes.WithLabelValues(DeliveredFallback).Inc()
	log.Info("usage record stashed in fallback store", zap.String("key", key))
	return DeliveredFallback
}

// Close stops accepting new captures and waits for in-flight ones until ctx
// is done.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) enrich(cc Context) Context {
	if p.estimator == nil || cc.Usage.InputTokens != nil {
		return cc
	}
	text := cc.Prompt.SystemPrompt + "\n" + cc.Prompt.UserPrompt
	tokens, cost, err := p.estimator(cc.Prompt.Model, text)
	if err != nil {
		p.logger.Debug("token estimate unavailable", logging.RequestID(cc.RequestID), zap.Error(err))
		return cc
	}
	return cc.WithEstimate(tokens, cost)
}

func (p *Pipeline) drop(requestID, reason string) {
	captureOutcomes.WithLabelValues(Dropped).Inc()
	p.logger.Warn("usage record dropped", logging.RequestID(requestID), zap.String("reason", reason))
}
