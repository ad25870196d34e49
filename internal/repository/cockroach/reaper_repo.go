package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"securecall-backend/internal/domain"
)

// Sweep queries used by the reaper. Every UPDATE carries its own status
// precondition, so sweeps are safe to run concurrently with user-driven
// transitions: racing writers get at most one winner per row.

func (r *CallRepository) sweepReturning(ctx context.Context, query string, args ...any) ([]*domain.Call, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}

	return calls, rows.Err()
}

// SweepUnansweredRinging reaps pending/ringing calls older than the ring
// timeout that never connected: direct calls nobody answered, group calls
// where no second member ever went active.
func (r *CallRepository) SweepUnansweredRinging(ctx context.Context, ringTimeout time.Duration) ([]*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'missed',
		    end_reason = 'timeout',
		    ended_at = now(),
		    caller_ephemeral_public = NULL,
		    callee_ephemeral_public = NULL
		WHERE status IN ('pending', 'ringing')
		  AND connected_at IS NULL
		  AND ring_started_at IS NOT NULL
		  AND ring_started_at < now() - $1::INTERVAL
		RETURNING ` + callColumns

	calls, err := r.sweepReturning(ctx, query, ringTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep unanswered calls: %w", err)
	}
	return calls, nil
}

// SweepStuckConnecting reaps calls that were answered but never completed the
// key exchange within the connect timeout.
func (r *CallRepository) SweepStuckConnecting(ctx context.Context, connectTimeout time.Duration) ([]*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'ended',
		    end_reason = 'timeout',
		    ended_at = now(),
		    caller_ephemeral_public = NULL,
		    callee_ephemeral_public = NULL
		WHERE status = 'connecting'
		  AND answered_at IS NOT NULL
		  AND answered_at < now() - $1::INTERVAL
		RETURNING ` + callColumns

	calls, err := r.sweepReturning(ctx, query, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stuck connecting calls: %w", err)
	}
	return calls, nil
}

// SweepBothLegsLeft reaps active direct calls where both legs departed but
// neither explicitly ended the call.
func (r *CallRepository) SweepBothLegsLeft(ctx context.Context) ([]*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'ended',
		    end_reason = 'normal',
		    ended_at = now(),
		    duration_seconds = COALESCE(EXTRACT(EPOCH FROM (now() - connected_at))::INT, 0),
		    caller_ephemeral_public = NULL,
		    callee_ephemeral_public = NULL
		WHERE status = 'active'
		  AND call_type = 'direct'
		  AND caller_left_at IS NOT NULL
		  AND callee_left_at IS NOT NULL
		RETURNING ` + callColumns

	calls, err := r.sweepReturning(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep departed calls: %w", err)
	}
	return calls, nil
}

// SweepAbandonedLeg reaps active direct calls where exactly one leg has been
// gone for longer than the rejoin window.
func (r *CallRepository) SweepAbandonedLeg(ctx context.Context, rejoinWindow time.Duration) ([]*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'ended',
		    end_reason = 'timeout',
		    ended_at = now(),
		    duration_seconds = COALESCE(EXTRACT(EPOCH FROM (now() - connected_at))::INT, 0),
		    caller_ephemeral_public = NULL,
		    callee_ephemeral_public = NULL
		WHERE status = 'active'
		  AND call_type = 'direct'
		  AND (
		    (caller_left_at IS NOT NULL AND callee_left_at IS NULL AND caller_left_at < now() - $1::INTERVAL)
		    OR
		    (callee_left_at IS NOT NULL AND caller_left_at IS NULL AND callee_left_at < now() - $1::INTERVAL)
		  )
		RETURNING ` + callColumns

	calls, err := r.sweepReturning(ctx, query, rejoinWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep abandoned calls: %w", err)
	}
	return calls, nil
}

// SweepOverMaxDuration reaps active calls that exceeded the configured
// maximum duration, regardless of leg departures.
func (r *CallRepository) SweepOverMaxDuration(ctx context.Context, maxDuration time.Duration) ([]*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'ended',
		    end_reason = 'timeout',
		    ended_at = now(),
		    duration_seconds = COALESCE(EXTRACT(EPOCH FROM (now() - connected_at))::INT, 0),
		    caller_ephemeral_public = NULL,
		    callee_ephemeral_public = NULL
		WHERE status = 'active'
		  AND connected_at IS NOT NULL
		  AND connected_at < now() - $1::INTERVAL
		RETURNING ` + callColumns

	calls, err := r.sweepReturning(ctx, query, maxDuration)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep over-duration calls: %w", err)
	}
	return calls, nil
}

// SweepOrphans hard-deletes pending/ringing rows that never started ringing,
// older than the given age. These are garbage left behind by failed inserts
// and carry no user-visible state worth a notification.
func (r *CallRepository) SweepOrphans(ctx context.Context, age time.Duration) ([]uuid.UUID, error) {
	query := `
		DELETE FROM calls
		WHERE status IN ('pending', 'ringing')
		  AND ring_started_at IS NULL
		  AND created_at < now() - $1::INTERVAL
		RETURNING call_id
	`

	rows, err := r.pool.Query(ctx, query, age)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep orphaned calls: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan orphaned call id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// SweepTokenless reaps active calls that never had a relay token issued.
// This state is unreachable through the normal pipeline, so the sweep is a
// self-healing guard against bugs elsewhere.
func (r *CallRepository) SweepTokenless(ctx context.Context, age time.Duration) ([]*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'ended',
		    end_reason = 'inconsistent_state',
		    ended_at = now(),
		    duration_seconds = COALESCE(EXTRACT(EPOCH FROM (now() - connected_at))::INT, 0),
		    caller_ephemeral_public = NULL,
		    callee_ephemeral_public = NULL
		WHERE status = 'active'
		  AND relay_token_hash IS NULL
		  AND created_at < now() - $1::INTERVAL
		RETURNING ` + callColumns

	calls, err := r.sweepReturning(ctx, query, age)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep tokenless calls: %w", err)
	}
	return calls, nil
}
