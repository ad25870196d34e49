package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"securecall-backend/internal/domain"
)

// Group-specific sentinel errors.
var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotLeft             = errors.New("participant has not left the call")
	ErrParticipantLeft     = errors.New("participant has left the call")
	ErrRejoinExpired       = errors.New("rejoin window has expired")
)

const participantColumns = `
	call_id, user_id, status, is_muted, is_deafened,
	joined_at, left_at, encrypted_sender_key, sender_key_version
`

func scanParticipant(row rowScanner) (*domain.GroupCallParticipant, error) {
	p := &domain.GroupCallParticipant{}
	var status string

	err := row.Scan(
		&p.CallID,
		&p.UserID,
		&status,
		&p.IsMuted,
		&p.IsDeafened,
		&p.JoinedAt,
		&p.LeftAt,
		&p.EncryptedSenderKey,
		&p.SenderKeyVersion,
	)
	if err != nil {
		return nil, err
	}

	p.Status, err = domain.ParseParticipantStatus(status)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// CreateGroupWithAdmission inserts a group call and seeds one participant row
// per conversation member, the initiator pre-set to active and everyone else
// ringing. The conversation is locked against a second concurrent group call
// the same way direct admission locks users.
func (r *CallRepository) CreateGroupWithAdmission(ctx context.Context, call *domain.Call, memberIDs []uuid.UUID) error {
	if call.ConversationID == nil {
		return fmt.Errorf("group call requires a conversation id")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lockQuery := `
		SELECT call_id FROM calls
		WHERE conversation_id = $1
		  AND status NOT IN ('ended', 'missed', 'rejected', 'cancelled')
		FOR UPDATE
	`

	rows, err := tx.Query(ctx, lockQuery, *call.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to check conversation calls: %w", err)
	}
	busy := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to check conversation calls: %w", err)
	}
	if busy {
		return ErrConversationBusy
	}

	insertCall := `
		INSERT INTO calls (
			call_id, call_type, caller_id, callee_id, conversation_id, status,
			created_at, ring_started_at
		) VALUES ($1, 'group', $2, $2, $3, $4, $5, $6)
	`

	_, err = tx.Exec(ctx, insertCall,
		call.CallID,
		call.CallerID,
		*call.ConversationID,
		string(call.Status),
		call.CreatedAt,
		call.RingStartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create group call: %w", err)
	}

	insertParticipant := `
		INSERT INTO group_call_participants (call_id, user_id, status, joined_at)
		VALUES ($1, $2, $3, $4)
	`

	for _, memberID := range memberIDs {
		status := domain.ParticipantStatusRinging
		var joinedAt *time.Time
		if memberID == call.CallerID {
			status = domain.ParticipantStatusActive
			now := time.Now()
			joinedAt = &now
		}
		if _, err := tx.Exec(ctx, insertParticipant, call.CallID, memberID, string(status), joinedAt); err != nil {
			return fmt.Errorf("failed to seed participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit group call creation: %w", err)
	}

	return nil
}

// JoinGroup flips the joiner to active and, when the active count reaches
// two, idempotently flips the parent call to active. Returns whether the
// parent transitioned on this join.
func (r *CallRepository) JoinGroup(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	joinQuery := `
		UPDATE group_call_participants
		SET status = 'active', joined_at = now(), left_at = NULL
		WHERE call_id = $1 AND user_id = $2
		  AND status IN ('invited', 'ringing', 'connecting')
	`

	tag, err := tx.Exec(ctx, joinQuery, callID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to join group call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// 0 rows is ambiguous: re-read to tell a stranger from a member
		// who already transitioned. A repeat join by an active member is
		// a no-op, not an error.
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM group_call_participants WHERE call_id = $1 AND user_id = $2`,
			callID, userID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrParticipantNotFound
		}
		if err != nil {
			return false, fmt.Errorf("failed to read participant: %w", err)
		}
		if status == string(domain.ParticipantStatusActive) {
			return false, nil
		}
		return false, ErrParticipantLeft
	}

	activated, err := activateIfQuorum(ctx, tx, callID)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit group join: %w", err)
	}

	return activated, nil
}

// activeParticipantCount counts members currently active in the call.
func activeParticipantCount(ctx context.Context, tx pgx.Tx, callID uuid.UUID) (int, error) {
	var count int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM group_call_participants WHERE call_id = $1 AND status = 'active'`,
		callID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active participants: %w", err)
	}
	return count, nil
}

// activateIfQuorum flips the parent call to active once >=2 members are
// active. The guarded UPDATE keeps the flip idempotent under racing joins.
func activateIfQuorum(ctx context.Context, tx pgx.Tx, callID uuid.UUID) (bool, error) {
	count, err := activeParticipantCount(ctx, tx, callID)
	if err != nil {
		return false, err
	}
	if count < 2 {
		return false, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE calls
		SET status = 'active', connected_at = COALESCE(connected_at, now())
		WHERE call_id = $1
		  AND status NOT IN ('active', 'ended', 'missed', 'rejected', 'cancelled')
	`, callID)
	if err != nil {
		return false, fmt.Errorf("failed to activate group call: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// LeaveGroup flips the leaver to left; when the active count drops to zero it
// force-ends the call and flips every remaining non-terminal participant to
// left. Returns the ended call row, or nil when the call continues.
func (r *CallRepository) LeaveGroup(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	leaveQuery := `
		UPDATE group_call_participants
		SET status = 'left', left_at = now()
		WHERE call_id = $1 AND user_id = $2
		  AND status NOT IN ('left', 'declined')
	`

	tag, err := tx.Exec(ctx, leaveQuery, callID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to leave group call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrParticipantNotFound
	}

	count, err := activeParticipantCount(ctx, tx, callID)
	if err != nil {
		return nil, err
	}

	var endedCall *domain.Call
	if count == 0 {
		endQuery := `
			UPDATE calls
			SET status = 'ended',
			    end_reason = 'normal',
			    ended_at = now(),
			    duration_seconds = COALESCE(EXTRACT(EPOCH FROM (now() - connected_at))::INT, 0),
			    caller_ephemeral_public = NULL,
			    callee_ephemeral_public = NULL
			WHERE call_id = $1
			  AND status NOT IN ('ended', 'missed', 'rejected', 'cancelled')
			RETURNING ` + callColumns

		endedCall, err = scanCall(tx.QueryRow(ctx, endQuery, callID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				endedCall = nil
			} else {
				return nil, fmt.Errorf("failed to end group call: %w", err)
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE group_call_participants
			SET status = 'left', left_at = COALESCE(left_at, now())
			WHERE call_id = $1 AND status NOT IN ('left', 'declined')
		`, callID)
		if err != nil {
			return nil, fmt.Errorf("failed to close out participants: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit group leave: %w", err)
	}

	return endedCall, nil
}

// RejoinGroup readmits a member who previously left. Only the left status is
// rejoinable, only within the window measured against the member's own
// left_at or the call's ended_at (reopening a just-ended call), and only if
// no other call is concurrently active for the conversation. A reopened call
// drops back to ringing until the two-active quorum flips it active again.
// Returns whether the parent call became active on this rejoin.
func (r *CallRepository) RejoinGroup(ctx context.Context, callID, userID uuid.UUID, window time.Duration) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	call, err := scanCall(tx.QueryRow(ctx,
		`SELECT `+callColumns+` FROM calls WHERE call_id = $1 FOR UPDATE`, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to load call: %w", err)
	}

	participant, err := scanParticipant(tx.QueryRow(ctx,
		`SELECT `+participantColumns+`
		 FROM group_call_participants
		 WHERE call_id = $1 AND user_id = $2
		 FOR UPDATE`, callID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrParticipantNotFound
		}
		return false, fmt.Errorf("failed to load participant: %w", err)
	}

	if participant.Status != domain.ParticipantStatusLeft {
		return false, ErrNotLeft
	}

	now := time.Now()
	withinWindow := false
	if participant.LeftAt != nil && now.Sub(*participant.LeftAt) <= window {
		withinWindow = true
	}
	if call.EndedAt != nil && now.Sub(*call.EndedAt) <= window {
		withinWindow = true
	}
	if !withinWindow {
		return false, ErrRejoinExpired
	}

	if call.Status.IsTerminal() {
		if call.Status != domain.CallStatusEnded {
			return false, ErrRejoinExpired
		}

		// Reopening: make sure no other call took over the conversation.
		rows, err := tx.Query(ctx, `
			SELECT call_id FROM calls
			WHERE conversation_id = $1 AND call_id != $2
			  AND status NOT IN ('ended', 'missed', 'rejected', 'cancelled')
			FOR UPDATE
		`, *call.ConversationID, callID)
		if err != nil {
			return false, fmt.Errorf("failed to check conversation calls: %w", err)
		}
		busy := rows.Next()
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, fmt.Errorf("failed to check conversation calls: %w", err)
		}
		if busy {
			return false, ErrConversationBusy
		}

		_, err = tx.Exec(ctx, `
			UPDATE calls
			SET status = 'ringing', ended_at = NULL, end_reason = NULL
			WHERE call_id = $1 AND status = 'ended'
		`, callID)
		if err != nil {
			return false, fmt.Errorf("failed to reopen group call: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE group_call_participants
		SET status = 'active', joined_at = now(), left_at = NULL
		WHERE call_id = $1 AND user_id = $2 AND status = 'left'
	`, callID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to rejoin group call: %w", err)
	}

	activated, err := activateIfQuorum(ctx, tx, callID)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit group rejoin: %w", err)
	}

	return activated, nil
}

// DeclineGroup marks an invited/ringing member as declined.
func (r *CallRepository) DeclineGroup(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	query := `
		UPDATE group_call_participants
		SET status = 'declined'
		WHERE call_id = $1 AND user_id = $2 AND status IN ('invited', 'ringing')
	`

	tag, err := r.pool.Exec(ctx, query, callID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to decline group call: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// GetParticipants retrieves all participants in a group call
func (r *CallRepository) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.GroupCallParticipant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM group_call_participants
		WHERE call_id = $1
		ORDER BY joined_at ASC NULLS LAST
	`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.GroupCallParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

// GetParticipant retrieves one participant row
func (r *CallRepository) GetParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.GroupCallParticipant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM group_call_participants
		WHERE call_id = $1 AND user_id = $2
	`

	p, err := scanParticipant(r.pool.QueryRow(ctx, query, callID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}

	return p, nil
}

// UpdateParticipantMedia updates a participant's mute/deafen state
func (r *CallRepository) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, isMuted, isDeafened bool) error {
	query := `
		UPDATE group_call_participants
		SET is_muted = $3, is_deafened = $4
		WHERE call_id = $1 AND user_id = $2
	`

	_, err := r.pool.Exec(ctx, query, callID, userID, isMuted, isDeafened)
	if err != nil {
		return fmt.Errorf("failed to update participant media: %w", err)
	}

	return nil
}

// UpdateSenderKey rotates a participant's encrypted sender key. The key is
// opaque ciphertext distributed by the clients' group-crypto layer.
func (r *CallRepository) UpdateSenderKey(ctx context.Context, callID, userID uuid.UUID, encryptedKey []byte, version int) error {
	query := `
		UPDATE group_call_participants
		SET encrypted_sender_key = $3, sender_key_version = $4
		WHERE call_id = $1 AND user_id = $2
	`

	_, err := r.pool.Exec(ctx, query, callID, userID, encryptedKey, version)
	if err != nil {
		return fmt.Errorf("failed to update sender key: %w", err)
	}

	return nil
}
