package relay

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"securecall-backend/pkg/metrics"
)

// Media class tags carried as the first byte of each typed stream.
const (
	MediaAudio       byte = 1
	MediaVideo       byte = 2
	MediaScreenshare byte = 3
)

// Queue depths per participant. Sized for voice/video frames, not bulk
// transfer: a consumer this far behind is better served by drops.
const (
	streamQueueDepth   = 256
	datagramQueueDepth = 512
)

// ErrRelayFull is returned when admitting a new call would exceed the
// configured concurrent call limit.
var ErrRelayFull = errors.New("relay at capacity")

// ErrAlreadyJoined is returned when a participant id is already present in
// the session. The newer connection wins nothing; the client must close the
// old one first.
var ErrAlreadyJoined = errors.New("participant already in session")

// StreamFrame is one length-delimited ciphertext frame from a typed stream.
type StreamFrame struct {
	Class   byte
	Payload []byte
}

// Participant is one admitted connection's presence in a session. The
// outbound queues decouple fan-out from consumer speed: writes to them never
// block, and a full queue drops the frame for that participant only.
type Participant struct {
	ID uuid.UUID

	streamOut   chan StreamFrame
	datagramOut chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewParticipant creates a participant with empty outbound queues.
func NewParticipant(id uuid.UUID) *Participant {
	return &Participant{
		ID:          id,
		streamOut:   make(chan StreamFrame, streamQueueDepth),
		datagramOut: make(chan []byte, datagramQueueDepth),
		done:        make(chan struct{}),
	}
}

// StreamOut is the participant's reliable outbound frame queue.
func (p *Participant) StreamOut() <-chan StreamFrame { return p.streamOut }

// DatagramOut is the participant's best-effort outbound datagram queue.
func (p *Participant) DatagramOut() <-chan []byte { return p.datagramOut }

// Done is closed when the participant is removed from its session.
func (p *Participant) Done() <-chan struct{} { return p.done }

func (p *Participant) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Session groups the live connections of one call. Purely in-memory: a relay
// restart loses all sessions and clients redial with fresh tokens.
type Session struct {
	callID uuid.UUID

	mu           sync.RWMutex
	participants map[uuid.UUID]*Participant
}

func newSession(callID uuid.UUID) *Session {
	return &Session{
		callID:       callID,
		participants: make(map[uuid.UUID]*Participant),
	}
}

// CallID returns the call this session belongs to.
func (s *Session) CallID() uuid.UUID { return s.callID }

// Size returns the current participant count.
func (s *Session) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}

// BroadcastStream fans a reliable frame out to every participant except the
// sender. A full queue drops the frame for that participant only; the
// returned count is the number of drops.
func (s *Session) BroadcastStream(senderID uuid.UUID, frame StreamFrame) (delivered, dropped int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, p := range s.participants {
		if id == senderID {
			continue
		}
		select {
		case p.streamOut <- frame:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// BroadcastDatagram fans a datagram out to every participant except the
// sender, dropping per-participant on a full queue.
func (s *Session) BroadcastDatagram(senderID uuid.UUID, payload []byte) (delivered, dropped int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, p := range s.participants {
		if id == senderID {
			continue
		}
		select {
		case p.datagramOut <- payload:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// Registry owns all live sessions, keyed by call id. Sessions are created
// lazily on first join and removed when their last participant leaves.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	maxCalls int
	metrics  *metrics.Metrics

	participantCount int
}

// NewRegistry creates a session registry. maxCalls <= 0 means unlimited;
// metrics may be nil.
func NewRegistry(maxCalls int, m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		maxCalls: maxCalls,
		metrics:  m,
	}
}

// Join admits a participant into the session for callID, creating the
// session if needed.
func (r *Registry) Join(callID uuid.UUID, p *Participant) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[callID]
	if !ok {
		if r.maxCalls > 0 && len(r.sessions) >= r.maxCalls {
			return nil, ErrRelayFull
		}
		session = newSession(callID)
		r.sessions[callID] = session
	}

	session.mu.Lock()
	if _, exists := session.participants[p.ID]; exists {
		session.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	session.participants[p.ID] = p
	session.mu.Unlock()

	r.participantCount++
	r.publishGauges()
	return session, nil
}

// Leave removes a participant and tears down the session when it empties.
func (r *Registry) Leave(callID, participantID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[callID]
	if !ok {
		return
	}

	session.mu.Lock()
	p, exists := session.participants[participantID]
	if exists {
		delete(session.participants, participantID)
		p.close()
	}
	empty := len(session.participants) == 0
	session.mu.Unlock()

	if !exists {
		return
	}
	if empty {
		delete(r.sessions, callID)
	}

	r.participantCount--
	r.publishGauges()
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) publishGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetRelaySessions(len(r.sessions))
	r.metrics.SetRelayParticipants(r.participantCount)
}
