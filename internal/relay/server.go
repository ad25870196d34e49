package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"securecall-backend/pkg/config"
	"securecall-backend/pkg/logger"
	"securecall-backend/pkg/metrics"
	"securecall-backend/pkg/relaytoken"
)

// Application error codes reported on connection close.
const (
	codeAuthFailed  quic.ApplicationErrorCode = 0x01
	codeRelayFull   quic.ApplicationErrorCode = 0x02
	codeProtocolErr quic.ApplicationErrorCode = 0x03
	codeShutdown    quic.ApplicationErrorCode = 0x00
)

const (
	handshakeTimeout = 5 * time.Second

	// Frame size ceilings. Audio/video frames carry a u16 length, screenshare
	// a u32; the screenshare cap keeps one frame from pinning the window.
	maxSmallFrame       = 1 << 16
	maxScreenshareFrame = 1 << 22

	alpnProtocol = "securecall-relay"
)

// Transport tuning for voice/video over lossy networks: short idle timeout
// with frequent keepalive, windows sized for media frames rather than bulk
// transfer, and a large datagram queue since datagrams are the primary
// audio/video path.
func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:                true,
		MaxIdleTimeout:                 30 * time.Second,
		KeepAlivePeriod:                10 * time.Second,
		InitialStreamReceiveWindow:     256 * 1024,
		MaxStreamReceiveWindow:         1024 * 1024,
		InitialConnectionReceiveWindow: 512 * 1024,
		MaxConnectionReceiveWindow:     2048 * 1024,
		MaxIncomingStreams:             16,
	}
}

// Server is the QUIC media relay. It authenticates connections with relay
// tokens, groups them into per-call sessions, and fans ciphertext frames out
// among each session's participants without ever inspecting the payload.
type Server struct {
	cfg      *config.RelayConfig
	secret   []byte
	registry *Registry
	metrics  *metrics.Metrics
}

// NewServer creates a media relay server. metrics may be nil.
func NewServer(cfg *config.RelayConfig, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		secret:   []byte(cfg.HMACSecret),
		registry: NewRegistry(cfg.MaxCalls, m),
		metrics:  m,
	}
}

// Registry exposes the session registry, mainly for tests and health checks.
func (s *Server) Registry() *Registry { return s.registry }

// Run listens for QUIC connections until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	tlsConf, err := serverTLSConfig(s.cfg)
	if err != nil {
		return fmt.Errorf("failed to build relay TLS config: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.BindPort)
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer listener.Close()

	logger.Info("Media relay listening",
		zap.String("addr", addr),
		zap.Int("max_calls", s.cfg.MaxCalls))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Media relay stopped")
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn runs the control handshake and, on success, the participant's
// relay loops until the connection dies.
func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	claims, control, err := s.handshake(ctx, conn)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordRelayAuthFailure()
		}
		logger.Debug("Relay handshake failed",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		return
	}

	participant := NewParticipant(claims.ParticipantID)
	session, err := s.admit(control, claims.CallID, participant)
	if err != nil {
		code := codeProtocolErr
		if errors.Is(err, ErrRelayFull) || errors.Is(err, ErrAlreadyJoined) {
			code = codeRelayFull
		}
		conn.CloseWithError(code, "admission failed")
		return
	}

	logger.Info("Relay participant joined",
		zap.String("call_id", claims.CallID.String()),
		zap.String("participant_id", claims.ParticipantID.String()),
		zap.Int("session_size", session.Size()))

	s.serveParticipant(ctx, conn, session, participant)

	s.registry.Leave(claims.CallID, participant.ID)
	conn.CloseWithError(codeShutdown, "bye")

	logger.Info("Relay participant left",
		zap.String("call_id", claims.CallID.String()),
		zap.String("participant_id", claims.ParticipantID.String()))
}

// handshake reads `u16 length ‖ token` off the control stream and verifies
// the token. The caller acks with "OK" only once the participant is admitted
// into a session; auth failures answer "ER" here. The connection carries no
// identity besides the token.
func (s *Server) handshake(ctx context.Context, conn quic.Connection) (*relaytoken.Claims, quic.Stream, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	control, err := conn.AcceptStream(hsCtx)
	if err != nil {
		conn.CloseWithError(codeProtocolErr, "no control stream")
		return nil, nil, fmt.Errorf("failed to accept control stream: %w", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(control, lenBuf[:]); err != nil {
		conn.CloseWithError(codeProtocolErr, "short handshake")
		return nil, nil, fmt.Errorf("failed to read token length: %w", err)
	}

	tokenLen := int(binary.BigEndian.Uint16(lenBuf[:]))
	if tokenLen == 0 || tokenLen > 4*relaytoken.TokenLen {
		conn.CloseWithError(codeProtocolErr, "bad token length")
		return nil, nil, fmt.Errorf("unreasonable token length %d", tokenLen)
	}

	token := make([]byte, tokenLen)
	if _, err := io.ReadFull(control, token); err != nil {
		conn.CloseWithError(codeProtocolErr, "short handshake")
		return nil, nil, fmt.Errorf("failed to read token: %w", err)
	}

	claims := relaytoken.Verify(s.secret, token)
	if claims == nil {
		control.Write([]byte("ER"))
		conn.CloseWithError(codeAuthFailed, "invalid token")
		return nil, nil, fmt.Errorf("token verification failed")
	}

	return claims, control, nil
}

// admit joins the participant into the call's session and acks the
// handshake. The reply reflects admission: a refused participant reads "ER",
// never "OK" followed by a teardown.
func (s *Server) admit(control io.Writer, callID uuid.UUID, p *Participant) (*Session, error) {
	session, err := s.registry.Join(callID, p)
	if err != nil {
		control.Write([]byte("ER"))
		return nil, err
	}

	if _, err := control.Write([]byte("OK")); err != nil {
		s.registry.Leave(callID, p.ID)
		return nil, fmt.Errorf("failed to ack handshake: %w", err)
	}

	return session, nil
}

// serveParticipant runs the four relay loops. Any loop erroring cancels the
// rest; errors here only ever evict this participant, never its peers.
func (s *Server) serveParticipant(ctx context.Context, conn quic.Connection, session *Session, p *Participant) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 4)
	spawn := func(fn func()) {
		go func() {
			fn()
			done <- struct{}{}
		}()
	}

	spawn(func() { s.acceptStreams(connCtx, conn, session, p) })
	spawn(func() { s.readDatagrams(connCtx, conn, session, p) })
	spawn(func() { s.writeStreams(connCtx, conn, p) })
	spawn(func() { s.writeDatagrams(connCtx, conn, p) })

	select {
	case <-done:
	case <-p.Done():
	case <-connCtx.Done():
	}
}

// acceptStreams admits the peer's typed media streams.
func (s *Server) acceptStreams(ctx context.Context, conn quic.Connection, session *Session, p *Participant) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.readTypedStream(stream, session, p)
	}
}

// readTypedStream reads one media stream: a class byte, then length-prefixed
// frames fanned out to the session. The payload is opaque ciphertext.
func (s *Server) readTypedStream(stream quic.Stream, session *Session, p *Participant) {
	defer stream.CancelRead(0)

	var classBuf [1]byte
	if _, err := io.ReadFull(stream, classBuf[:]); err != nil {
		return
	}
	class := classBuf[0]

	switch class {
	case MediaAudio, MediaVideo, MediaScreenshare:
	default:
		return
	}

	for {
		payload, err := readFrame(stream, class)
		if err != nil {
			return
		}

		delivered, dropped := session.BroadcastStream(p.ID, StreamFrame{Class: class, Payload: payload})
		if s.metrics != nil {
			if delivered > 0 {
				s.metrics.RecordRelayFrame("stream")
			}
			for i := 0; i < dropped; i++ {
				s.metrics.RecordRelayFrameDropped("stream")
			}
		}
	}
}

// readFrame reads one length-prefixed frame: u16 for audio/video, u32 for
// screenshare.
func readFrame(r io.Reader, class byte) ([]byte, error) {
	var frameLen int
	if class == MediaScreenshare {
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		frameLen = int(binary.BigEndian.Uint32(buf[:]))
		if frameLen > maxScreenshareFrame {
			return nil, fmt.Errorf("screenshare frame too large: %d", frameLen)
		}
	} else {
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		frameLen = int(binary.BigEndian.Uint16(buf[:]))
	}

	if frameLen == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}

	payload := make([]byte, frameLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// readDatagrams forwards the peer's datagrams to the session.
func (s *Server) readDatagrams(ctx context.Context, conn quic.Connection, session *Session, p *Participant) {
	for {
		payload, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}

		delivered, dropped := session.BroadcastDatagram(p.ID, payload)
		if s.metrics != nil {
			if delivered > 0 {
				s.metrics.RecordRelayFrame("datagram")
			}
			for i := 0; i < dropped; i++ {
				s.metrics.RecordRelayFrameDropped("datagram")
			}
		}
	}
}

// writeStreams drains the participant's reliable queue onto per-class
// outbound streams, opened lazily.
func (s *Server) writeStreams(ctx context.Context, conn quic.Connection, p *Participant) {
	streams := make(map[byte]quic.SendStream)
	defer func() {
		for _, st := range streams {
			st.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Done():
			return
		case frame := <-p.StreamOut():
			stream, ok := streams[frame.Class]
			if !ok {
				var err error
				stream, err = conn.OpenUniStreamSync(ctx)
				if err != nil {
					return
				}
				if _, err := stream.Write([]byte{frame.Class}); err != nil {
					return
				}
				streams[frame.Class] = stream
			}

			if err := writeFrame(stream, frame); err != nil {
				return
			}
		}
	}
}

func writeFrame(w io.Writer, frame StreamFrame) error {
	var header []byte
	if frame.Class == MediaScreenshare {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(len(frame.Payload)))
		header = buf[:]
	} else {
		if len(frame.Payload) >= maxSmallFrame {
			return fmt.Errorf("frame too large for u16 prefix: %d", len(frame.Payload))
		}
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(len(frame.Payload)))
		header = buf[:]
	}

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(frame.Payload)
	return err
}

// writeDatagrams drains the participant's datagram queue. A send error tears
// the participant down; the path is best-effort end to end.
func (s *Server) writeDatagrams(ctx context.Context, conn quic.Connection, p *Participant) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Done():
			return
		case payload := <-p.DatagramOut():
			if err := conn.SendDatagram(payload); err != nil {
				return
			}
		}
	}
}
