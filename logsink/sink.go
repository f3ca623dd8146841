// Package logsink implements the usage log's append-only queue: a
// bounded channel (asyncQueue chan + background worker + drop-on-full)
// drained on a ticker into batched inserts, sized by the
// HighWater/HardCap queue-depth config this gateway exposes.
package logsink

import (
	"context"
	"time"

	"github.com/Laisky/zap"

	"github.com/relaymesh/gateway/common/config"
	"github.com/relaymesh/gateway/common/logger"
	"github.com/relaymesh/gateway/common/metrics"
	"github.com/relaymesh/gateway/model"
)

// Sink buffers LogRows behind a channel sized to LogQueueHardCap and
// flushes them in batches on LogFlushInterval or when the buffer reaches
// LogQueueHighWater, whichever comes first. Append never blocks the
// dispatcher: once the main channel is full, a row is trimmed down to
// its billing fields (request/user/token identity and token counts) and
// queued on a secondary overflow channel instead of being dropped
// outright — only once that overflow channel is also full does a row
// get dropped entirely, since token counts are part of the billing
// trail and must never be silently discarded as long as any queue slot
// remains.
type Sink struct {
	queue           chan *model.LogRow
	billingOverflow chan *model.LogRow
	dropped         uint64
}

// New builds a Sink sized from the current dynamic config.
func New() *Sink {
	cap := config.Current().LogQueueHardCap
	if cap <= 0 {
		cap = 5000
	}
	return &Sink{
		queue:           make(chan *model.LogRow, cap),
		billingOverflow: make(chan *model.LogRow, cap),
	}
}

// billingOnly strips every field that isn't needed to reconcile billing:
// identity to attribute the row and the two token counts.
func billingOnly(row *model.LogRow) *model.LogRow {
	return &model.LogRow{
		CreatedAt:        row.CreatedAt,
		RequestID:        row.RequestID,
		UserID:           row.UserID,
		AccessTokenID:    row.AccessTokenID,
		PromptTokens:     row.PromptTokens,
		CompletionTokens: row.CompletionTokens,
	}
}

// Append queues one row. Never blocks.
func (s *Sink) Append(row *model.LogRow) {
	select {
	case s.queue <- row:
		metrics.LogQueueDepth.Set(float64(len(s.queue)))
		return
	default:
	}

	select {
	case s.billingOverflow <- billingOnly(row):
		s.dropped++
		logger.Logger.Warn("log sink queue full, keeping billing fields only",
			zap.String("request_id", row.RequestID), zap.Uint64("dropped_total", s.dropped))
	default:
		s.dropped++
		logger.Logger.Error("log sink billing overflow also full, dropping row",
			zap.String("request_id", row.RequestID), zap.Uint64("dropped_total", s.dropped))
	}
}

// Run blocks until ctx is cancelled, batching queued rows into
// InsertLogRows every LogFlushInterval or once the batch reaches
// LogQueueHighWater. On cancellation it drains and flushes whatever
// remains so a graceful shutdown doesn't lose already-queued rows.
func (s *Sink) Run(ctx context.Context) error {
	dyn := config.Current()
	interval := dyn.LogFlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	highWater := dyn.LogQueueHighWater
	if highWater <= 0 {
		highWater = 500
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]*model.LogRow, 0, highWater)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := model.InsertLogRows(batch); err != nil {
			logger.Logger.Error("failed to flush log batch", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		metrics.LogQueueDepth.Set(float64(len(s.queue)))
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case row := <-s.queue:
					batch = append(batch, row)
				case row := <-s.billingOverflow:
					batch = append(batch, row)
				default:
					flush()
					return nil
				}
			}
		case row := <-s.queue:
			batch = append(batch, row)
			if len(batch) >= highWater {
				flush()
			}
		case row := <-s.billingOverflow:
			batch = append(batch, row)
			if len(batch) >= highWater {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
