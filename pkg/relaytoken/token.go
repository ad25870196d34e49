package relaytoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of a call a token authorizes.
type Role byte

const (
	RoleCallee Role = 0
	RoleCaller Role = 1
	RoleGroup  Role = 2
)

// Token layout:
//
//	call_id(16) ‖ participant_id(16) ‖ role(1) ‖ expires_at_i64_le(8) ‖ hmac_sha256(32)
const (
	callIDLen        = 16
	participantIDLen = 16
	roleLen          = 1
	expiresLen       = 8
	sigLen           = sha256.Size

	signedLen = callIDLen + participantIDLen + roleLen + expiresLen

	// TokenLen is the exact wire length of a relay token.
	TokenLen = signedLen + sigLen
)

// ErrNoSecret is returned by Mint when the relay HMAC secret is not
// configured. A missing secret must never silently disable auth.
var ErrNoSecret = errors.New("relaytoken: HMAC secret not configured")

// dummyKey keeps Verify constant-time when the secret is misconfigured, so a
// probing client cannot distinguish "no secret" from "bad signature".
var dummyKey = []byte("relaytoken-dummy-verification-key")

// Claims is the decoded, authenticated content of a relay token.
type Claims struct {
	CallID        uuid.UUID
	ParticipantID uuid.UUID
	Role          Role
	ExpiresAt     time.Time
}

// Mint signs a capability token authorizing one participant to join one
// call's media session until expiresAt.
func Mint(secret []byte, callID, participantID uuid.UUID, role Role, expiresAt time.Time) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}

	buf := make([]byte, 0, TokenLen)
	buf = append(buf, callID[:]...)
	buf = append(buf, participantID[:]...)
	buf = append(buf, byte(role))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(expiresAt.Unix()))

	mac := hmac.New(sha256.New, secret)
	mac.Write(buf)
	return mac.Sum(buf), nil
}

// Verify checks length, expiry, and signature and returns the token's claims.
// The signature comparison is constant time; a nil return means the token is
// unusable and the connection must be dropped.
func Verify(secret, token []byte) *Claims {
	key := secret
	if len(key) == 0 {
		// Still run the full HMAC against a fixed key: rejects everything
		// without opening a timing oracle on the configuration state.
		key = dummyKey
	}

	if len(token) != TokenLen {
		return nil
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(token[:signedLen])
	expected := mac.Sum(nil)
	valid := hmac.Equal(expected, token[signedLen:])

	expiresAt := time.Unix(int64(binary.LittleEndian.Uint64(token[signedLen-expiresLen:signedLen])), 0)
	if !valid || len(secret) == 0 || time.Now().After(expiresAt) {
		return nil
	}

	claims := &Claims{
		Role:      Role(token[callIDLen+participantIDLen]),
		ExpiresAt: expiresAt,
	}
	copy(claims.CallID[:], token[:callIDLen])
	copy(claims.ParticipantID[:], token[callIDLen:callIDLen+participantIDLen])
	return claims
}

// Hash returns the SHA-256 fingerprint of a minted token, stored server-side
// for out-of-band revocation checks. The full token is never persisted.
func Hash(token []byte) []byte {
	sum := sha256.Sum256(token)
	return sum[:]
}
