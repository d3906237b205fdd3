package events

import (
	"context"
	"time"

	"github.com/rephlo/metering/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	dispatchBatchSize  = 100
	maxDispatchRetries = 5
)

// Sink receives dispatched events. The production sink forwards to the
// external notifier; the default sink only logs.
type Sink interface {
	Publish(ctx context.Context, evt OutboxEvent) error
}

type logSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) Sink {
	return &logSink{log: log.Named("events.sink")}
}

func (s *logSink) Publish(_ context.Context, evt OutboxEvent) error {
	s.log.Info("event dispatched",
		zap.String("type", evt.Type),
		zap.String("event_id", evt.ID.String()),
	)
	return nil
}

type DispatcherParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Sink    Sink
	Metrics *telemetry.Metrics `optional:"true"`
}

// Dispatcher drains pending outbox rows. It is driven by the scheduler and is
// safe to re-run: rows move pending -> dispatched exactly once.
type Dispatcher struct {
	db      *gorm.DB
	log     *zap.Logger
	sink    Sink
	metrics *telemetry.Metrics
}

// DispatcherModule provides the dispatcher with the logging sink.
var DispatcherModule = fx.Options(
	fx.Provide(NewLogSink),
	fx.Provide(NewDispatcher),
)

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		db:      p.DB,
		log:     p.Log.Named("events.dispatcher"),
		sink:    p.Sink,
		metrics: p.Metrics,
	}
}

// DispatchPending publishes a batch of pending events and marks the outcome.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	started := time.Now()

	var pending []OutboxEvent
	err := d.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at ASC").
		Limit(dispatchBatchSize).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, evt := range pending {
		if err := d.sink.Publish(ctx, evt); err != nil {
			d.log.Warn("event publish failed",
				zap.String("event_id", evt.ID.String()),
				zap.String("type", evt.Type),
				zap.Error(err),
			)
			status := StatusPending
			if evt.Attempts+1 >= maxDispatchRetries {
				status = StatusFailed
			}
			if err := d.db.WithContext(ctx).Model(&OutboxEvent{}).
				Where("id = ?", evt.ID).
				Updates(map[string]any{"attempts": evt.Attempts + 1, "status": status}).Error; err != nil {
				return dispatched, err
			}
			continue
		}

		now := time.Now().UTC()
		if err := d.db.WithContext(ctx).Model(&OutboxEvent{}).
			Where("id = ? AND status = ?", evt.ID, StatusPending).
			Updates(map[string]any{"status": StatusDispatched, "dispatched_at": now, "attempts": evt.Attempts + 1}).Error; err != nil {
			return dispatched, err
		}
		dispatched++
	}

	if d.metrics != nil {
		d.metrics.RecordOutboxBatch("success", dispatched, time.Since(started))
		var backlog int64
		if err := d.db.WithContext(ctx).Model(&OutboxEvent{}).
			Where("status = ?", StatusPending).Count(&backlog).Error; err == nil {
			d.metrics.SetOutboxBacklog(float64(backlog))
		}
	}

	return dispatched, nil
}
