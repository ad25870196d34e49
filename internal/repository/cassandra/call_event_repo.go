package cassandra

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
)

// CallEvent is one system message recorded in a conversation's history when a
// call reaches a user-visible milestone (missed, rejected, cancelled, ended).
type CallEvent struct {
	CallID      uuid.UUID
	MessageType string
	SenderID    uuid.UUID
	Reason      string
	CreatedAt   time.Time
}

// CallEventRepository stores call-event system messages in Cassandra.
//
// Writes are idempotent: the (call_id, message_type) primary key plus an
// existence check means a retried reject/cancel inserts exactly one event.
type CallEventRepository struct {
	session *gocql.Session
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(session *gocql.Session) *CallEventRepository {
	return &CallEventRepository{session: session}
}

// SaveOnce inserts the event unless one already exists for the same call and
// message type. Returns true when this write created the event.
func (r *CallEventRepository) SaveOnce(event *CallEvent) (bool, error) {
	var existing uuid.UUID
	err := r.session.Query(
		`SELECT call_id FROM call_events WHERE call_id = ? AND message_type = ?`,
		event.CallID, event.MessageType,
	).Scan(&existing)

	if err == nil {
		return false, nil
	}
	if err != gocql.ErrNotFound {
		return false, fmt.Errorf("failed to check call event: %w", err)
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	err = r.session.Query(
		`INSERT INTO call_events (call_id, message_type, sender_id, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.CallID, event.MessageType, event.SenderID, event.Reason, event.CreatedAt,
	).Exec()
	if err != nil {
		return false, fmt.Errorf("failed to save call event: %w", err)
	}

	return true, nil
}

// GetByCall retrieves all events recorded for a call, oldest first.
func (r *CallEventRepository) GetByCall(callID uuid.UUID) ([]*CallEvent, error) {
	iter := r.session.Query(
		`SELECT call_id, message_type, sender_id, reason, created_at
		 FROM call_events WHERE call_id = ?`,
		callID,
	).Iter()
	defer iter.Close()

	var events []*CallEvent
	for {
		event := &CallEvent{}
		if !iter.Scan(&event.CallID, &event.MessageType, &event.SenderID, &event.Reason, &event.CreatedAt) {
			break
		}
		events = append(events, event)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read call events: %w", err)
	}

	return events, nil
}
