package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ngoyal88/promptrelay/pkg/logging"
	"github.com/ngoyal88/promptrelay/pkg/storage"
	"go.uber.org/zap"
)

// ReplayResult summarises one replay run.
type ReplayResult struct {
	Scanned   int `json:"scanned"`
	Delivered int `json:"delivered"`
	Expired   int `json:"expired"`
	Failed    int `json:"failed"`
}

// Replayer moves stashed usage records back to the prompt API.
type Replayer struct {
	fallback storage.FallbackStore
	primary  storage.Sink
	timeout  time.Duration
	logger   *zap.Logger
}

func NewReplayer(fallback storage.FallbackStore, primary storage.Sink, timeout time.Duration, logger *zap.Logger) *Replayer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{
		fallback: fallback,
		primary:  primary,
		timeout:  timeout,
		logger:   logger.With(logging.Component("replay")),
	}
}

// Replay delivers up to limit of the newest stashed records. A delivered
// record is removed from the fallback store. The run stops at the first
// record the prompt API refuses, leaving the rest for a later attempt.
func (r *Replayer) Replay(ctx context.Context, limit int) (ReplayResult, error) {
	var res ReplayResult

	keys, err := r.fallback.List(ctx, limit)
	if err != nil {
		return res, fmt.Errorf("list fallback records: %w", err)
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++

		rec, err := r.fallback.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			// Expired but still indexed.
			res.Expired++
			_ = r.fallback.Delete(ctx, key)
			continue
		}
		if err != nil {
			res.Failed++
			r.logger.Warn("unreadable fallback record", zap.String("key", key), zap.Error(err))
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		err = r.primary.SaveUsage(sctx, rec)
		cancel()
		if err != nil {
			res.Failed++
			r.logger.Warn("replay halted: prompt api refused record", zap.String("key", key), zap.Error(err))
			return res, fmt.Errorf("replay %s: %w", key, err)
		}

		if err := r.fallback.Delete(ctx, key); err != nil {
			r.logger.Warn("replayed record not removed", zap.String("key", key), zap.Error(err))
		}
		res.Delivered++
	}

	r.logger.Info("replay finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("delivered", res.Delivered),
		zap.Int("expired", res.Expired),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}
