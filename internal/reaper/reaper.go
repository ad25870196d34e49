package reaper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"securecall-backend/internal/domain"
	"securecall-backend/internal/notify"
	"securecall-backend/pkg/config"
	"securecall-backend/pkg/logger"
	"securecall-backend/pkg/metrics"
)

// orphanAge is how long a never-rung row may sit before it is garbage.
// Deliberately much larger than any legitimate insert-to-ring gap.
const orphanAge = time.Hour

// tokenlessAge is how long an active call may go without a relay token
// before it is treated as inconsistent.
const tokenlessAge = 2 * time.Hour

// Store is the sweep surface the reaper drives.
type Store interface {
	SweepUnansweredRinging(ctx context.Context, ringTimeout time.Duration) ([]*domain.Call, error)
	SweepStuckConnecting(ctx context.Context, connectTimeout time.Duration) ([]*domain.Call, error)
	SweepBothLegsLeft(ctx context.Context) ([]*domain.Call, error)
	SweepAbandonedLeg(ctx context.Context, rejoinWindow time.Duration) ([]*domain.Call, error)
	SweepOverMaxDuration(ctx context.Context, maxDuration time.Duration) ([]*domain.Call, error)
	SweepOrphans(ctx context.Context, age time.Duration) ([]uuid.UUID, error)
	SweepTokenless(ctx context.Context, age time.Duration) ([]*domain.Call, error)
	GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.GroupCallParticipant, error)
}

// Reaper periodically force-transitions calls that missed their deadlines.
// Every sweep uses the same guarded UPDATEs as user-driven transitions, so a
// user action racing a sweep produces exactly one winner; the forced
// transitions emit the same event shapes clients already handle.
type Reaper struct {
	store    Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	cfg      config.CallConfig
}

// New creates a reaper. metrics may be nil.
func New(store Store, notifier notify.Notifier, m *metrics.Metrics, cfg config.CallConfig) *Reaper {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Reaper{
		store:    store,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	logger.Info("Call reaper started",
		zap.Duration("interval", r.cfg.SweepInterval),
		zap.Duration("ring_timeout", r.cfg.RingTimeout),
		zap.Duration("rejoin_window", r.cfg.RejoinWindow))

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Call reaper stopped")
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs every sweep a single time. A failing sweep is logged and
// never blocks the others; whatever it missed is retried next interval.
func (r *Reaper) SweepOnce(ctx context.Context) {
	r.sweep(ctx, "unanswered_ringing", func(ctx context.Context) ([]*domain.Call, error) {
		return r.store.SweepUnansweredRinging(ctx, r.cfg.RingTimeout)
	})
	r.sweep(ctx, "stuck_connecting", func(ctx context.Context) ([]*domain.Call, error) {
		return r.store.SweepStuckConnecting(ctx, r.cfg.ConnectTimeout)
	})
	r.sweep(ctx, "both_legs_left", r.store.SweepBothLegsLeft)
	r.sweep(ctx, "abandoned_leg", func(ctx context.Context) ([]*domain.Call, error) {
		return r.store.SweepAbandonedLeg(ctx, r.cfg.RejoinWindow)
	})
	r.sweep(ctx, "over_max_duration", func(ctx context.Context) ([]*domain.Call, error) {
		return r.store.SweepOverMaxDuration(ctx, r.cfg.MaxDuration)
	})
	r.sweep(ctx, "tokenless", func(ctx context.Context) ([]*domain.Call, error) {
		return r.store.SweepTokenless(ctx, tokenlessAge)
	})
	r.sweepOrphans(ctx)
}

func (r *Reaper) sweep(ctx context.Context, name string, fn func(context.Context) ([]*domain.Call, error)) {
	calls, err := fn(ctx)
	if err != nil {
		logger.Error("Reaper sweep failed",
			zap.String("sweep", name),
			zap.Error(err))
		return
	}
	if len(calls) == 0 {
		return
	}

	logger.Info("Reaper swept calls",
		zap.String("sweep", name),
		zap.Int("count", len(calls)))

	if r.metrics != nil {
		r.metrics.RecordReaped(name, len(calls))
	}

	for _, call := range calls {
		if r.metrics != nil {
			r.metrics.RecordCallEnded(string(call.CallType), string(call.EndReason),
				time.Duration(call.DurationSeconds)*time.Second)
		}
		r.notifyEnded(ctx, call)
	}
}

// notifyEnded tells every participant the call is over, in the same event
// shape a user-initiated end produces.
func (r *Reaper) notifyEnded(ctx context.Context, call *domain.Call) {
	event := notify.EndedEvent(call)
	if call.Status == domain.CallStatusMissed {
		event.Reason = string(domain.EndReasonTimeout)
	}

	if call.CallType == domain.CallTypeGroup {
		participants, err := r.store.GetParticipants(ctx, call.CallID)
		if err != nil {
			logger.Warn("Failed to load participants for reaped call",
				zap.String("call_id", call.CallID.String()),
				zap.Error(err))
			return
		}
		for _, p := range participants {
			if p.Status == domain.ParticipantStatusDeclined {
				continue
			}
			r.notify(ctx, p.UserID, event)
		}
		return
	}

	r.notify(ctx, call.CallerID, event)
	r.notify(ctx, call.CalleeID, event)
}

func (r *Reaper) notify(ctx context.Context, userID uuid.UUID, event *notify.Event) {
	if err := r.notifier.Notify(ctx, userID, event); err != nil {
		logger.Warn("Failed to notify reaped call",
			zap.String("call_id", event.CallID.String()),
			zap.Error(err))
	}
}

// sweepOrphans deletes rows that never rang. No one ever saw these calls, so
// nothing is notified.
func (r *Reaper) sweepOrphans(ctx context.Context) {
	ids, err := r.store.SweepOrphans(ctx, orphanAge)
	if err != nil {
		logger.Error("Reaper sweep failed",
			zap.String("sweep", "orphans"),
			zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	logger.Info("Reaper deleted orphaned calls", zap.Int("count", len(ids)))
	if r.metrics != nil {
		r.metrics.RecordReaped("orphans", len(ids))
	}
}
