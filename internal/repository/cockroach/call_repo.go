package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"securecall-backend/internal/domain"
)

// Sentinel errors surfaced to the service layer, which maps them onto the
// user-facing error taxonomy.
var (
	ErrNotFound         = errors.New("call not found")
	ErrUserBusy         = errors.New("user already in a call")
	ErrConversationBusy = errors.New("conversation already has an active call")
)

// callColumns is the full column list scanned by scanCall.
const callColumns = `
	call_id, call_type, caller_id, callee_id, conversation_id, status,
	caller_ephemeral_public, callee_ephemeral_public,
	relay_token_hash, relay_token_expires_at,
	created_at, ring_started_at, answered_at, connected_at, ended_at,
	caller_left_at, callee_left_at, end_reason, duration_seconds
`

// CallRepository handles call data operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanCall scans one calls row, decoding status strings through the closed
// enum codecs so an unknown value is an error, not a silent default.
func scanCall(row rowScanner) (*domain.Call, error) {
	call := &domain.Call{}
	var callType, status string
	var endReason *string

	err := row.Scan(
		&call.CallID,
		&callType,
		&call.CallerID,
		&call.CalleeID,
		&call.ConversationID,
		&status,
		&call.CallerEphemeralPublic,
		&call.CalleeEphemeralPublic,
		&call.RelayTokenHash,
		&call.RelayTokenExpiresAt,
		&call.CreatedAt,
		&call.RingStartedAt,
		&call.AnsweredAt,
		&call.ConnectedAt,
		&call.EndedAt,
		&call.CallerLeftAt,
		&call.CalleeLeftAt,
		&endReason,
		&call.DurationSeconds,
	)
	if err != nil {
		return nil, err
	}

	call.CallType = domain.CallType(callType)
	call.Status, err = domain.ParseCallStatus(status)
	if err != nil {
		return nil, err
	}
	if endReason != nil && *endReason != "" {
		call.EndReason, err = domain.ParseEndReason(*endReason)
		if err != nil {
			return nil, err
		}
	}

	return call, nil
}

// CreateWithAdmission inserts a new direct call inside one transaction,
// first locking any non-terminal call either party belongs to. This is the
// admission-control invariant: a user is caller/callee in at most one
// non-terminal call, even under concurrent initiations.
func (r *CallRepository) CreateWithAdmission(ctx context.Context, call *domain.Call) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lockQuery := `
		SELECT call_id FROM calls
		WHERE status NOT IN ('ended', 'missed', 'rejected', 'cancelled')
		  AND (caller_id = ANY($1) OR callee_id = ANY($1))
		FOR UPDATE
	`

	rows, err := tx.Query(ctx, lockQuery, []uuid.UUID{call.CallerID, call.CalleeID})
	if err != nil {
		return fmt.Errorf("failed to check existing calls: %w", err)
	}
	busy := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to check existing calls: %w", err)
	}
	if busy {
		return ErrUserBusy
	}

	insertQuery := `
		INSERT INTO calls (
			call_id, call_type, caller_id, callee_id, status,
			caller_ephemeral_public, created_at, ring_started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = tx.Exec(ctx, insertQuery,
		call.CallID,
		string(call.CallType),
		call.CallerID,
		call.CalleeID,
		string(call.Status),
		call.CallerEphemeralPublic,
		call.CreatedAt,
		call.RingStartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call creation: %w", err)
	}

	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// MarkAnswered transitions ringing -> connecting, recording the callee's
// ephemeral key. Returns false when the call was not in a ringing state, in
// which case the caller should re-read and report the current state.
func (r *CallRepository) MarkAnswered(ctx context.Context, callID uuid.UUID, calleeEphemeralPublic []byte) (bool, error) {
	query := `
		UPDATE calls
		SET status = 'connecting',
		    answered_at = now(),
		    callee_ephemeral_public = $2
		WHERE call_id = $1 AND status IN ('pending', 'ringing')
	`

	tag, err := r.pool.Exec(ctx, query, callID, calleeEphemeralPublic)
	if err != nil {
		return false, fmt.Errorf("failed to mark call answered: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// MarkActive transitions connecting -> active on key-exchange completion and
// records the fingerprint of the caller's freshly minted relay token.
func (r *CallRepository) MarkActive(ctx context.Context, callID uuid.UUID, tokenHash []byte, tokenExpiresAt time.Time) (bool, error) {
	query := `
		UPDATE calls
		SET status = 'active',
		    connected_at = now(),
		    relay_token_hash = $2,
		    relay_token_expires_at = $3
		WHERE call_id = $1 AND status = 'connecting'
	`

	tag, err := r.pool.Exec(ctx, query, callID, tokenHash, tokenExpiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark call active: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// MarkRejected transitions pending/ringing -> rejected.
func (r *CallRepository) MarkRejected(ctx context.Context, callID uuid.UUID) (bool, error) {
	return r.markRungOut(ctx, callID, domain.CallStatusRejected, domain.EndReasonDeclined)
}

// MarkCancelled transitions pending/ringing -> cancelled.
func (r *CallRepository) MarkCancelled(ctx context.Context, callID uuid.UUID) (bool, error) {
	return r.markRungOut(ctx, callID, domain.CallStatusCancelled, domain.EndReasonCancelled)
}

func (r *CallRepository) markRungOut(ctx context.Context, callID uuid.UUID, status domain.CallStatus, reason domain.EndReason) (bool, error) {
	query := `
		UPDATE calls
		SET status = $2,
		    end_reason = $3,
		    ended_at = now(),
		    caller_ephemeral_public = NULL,
		    callee_ephemeral_public = NULL
		WHERE call_id = $1 AND status IN ('pending', 'ringing')
	`

	tag, err := r.pool.Exec(ctx, query, callID, string(status), string(reason))
	if err != nil {
		return false, fmt.Errorf("failed to mark call %s: %w", status, err)
	}

	return tag.RowsAffected() == 1, nil
}

// TryEnd transitions any non-terminal call to ended, computing the duration
// from connected_at exactly once. A nil call with nil error means another
// caller already ended it; racing enders observe the existing terminal row
// instead of an error.
func (r *CallRepository) TryEnd(ctx context.Context, callID uuid.UUID, reason domain.EndReason) (*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = 'ended',
		    end_reason = $2,
		    ended_at = now(),
		    duration_seconds = COALESCE(EXTRACT(EPOCH FROM (now() - connected_at))::INT, 0),
		    caller_ephemeral_public = NULL,
		    callee_ephemeral_public = NULL
		WHERE call_id = $1
		  AND status NOT IN ('ended', 'missed', 'rejected', 'cancelled')
		RETURNING ` + callColumns

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID, string(reason)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to end call: %w", err)
	}

	return call, nil
}

// SetLegLeft stamps the departure time of one leg of an active direct call.
func (r *CallRepository) SetLegLeft(ctx context.Context, callID uuid.UUID, isCaller bool) (bool, error) {
	column := "callee_left_at"
	if isCaller {
		column = "caller_left_at"
	}

	query := fmt.Sprintf(`
		UPDATE calls
		SET %s = now()
		WHERE call_id = $1 AND status = 'active' AND %s IS NULL
	`, column, column)

	tag, err := r.pool.Exec(ctx, query, callID)
	if err != nil {
		return false, fmt.Errorf("failed to set leg left: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ClearLegLeft clears a leg's departure time on rejoin.
func (r *CallRepository) ClearLegLeft(ctx context.Context, callID uuid.UUID, isCaller bool) (bool, error) {
	column := "callee_left_at"
	if isCaller {
		column = "caller_left_at"
	}

	query := fmt.Sprintf(`
		UPDATE calls
		SET %s = NULL
		WHERE call_id = $1 AND status = 'active'
	`, column)

	tag, err := r.pool.Exec(ctx, query, callID)
	if err != nil {
		return false, fmt.Errorf("failed to clear leg left: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// UpdateRelayTokenHash stores the fingerprint of the most recently issued
// caller/initiator token (group creation, rejoin re-mints).
func (r *CallRepository) UpdateRelayTokenHash(ctx context.Context, callID uuid.UUID, tokenHash []byte, tokenExpiresAt time.Time) error {
	query := `
		UPDATE calls
		SET relay_token_hash = $2, relay_token_expires_at = $3
		WHERE call_id = $1
		  AND status NOT IN ('ended', 'missed', 'rejected', 'cancelled')
	`

	_, err := r.pool.Exec(ctx, query, callID, tokenHash, tokenExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to update relay token hash: %w", err)
	}

	return nil
}

// GetUserCalls retrieves call history for a user, most recent first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, rows.Err()
}
