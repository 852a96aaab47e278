// Package auth issues and validates the session tokens that gate access to
// paid streams. Tokens are stored hashed; the raw value exists only in the
// client's hands.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"cinetide/internal/observability/logging"
)

var (
	// ErrInvalidUserID is returned when creating a session without a user id.
	ErrInvalidUserID = errors.New("auth: user id is required")
	// ErrInvalidToken is returned when a presented token matches no live
	// session.
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// SessionStore defines the persistence contract for session tokens. Keys are
// token hashes, never raw tokens.
type SessionStore interface {
	Save(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, tokenHash string) (SessionRecord, bool, error)
	Delete(ctx context.Context, tokenHash string) error
	PurgeExpired(ctx context.Context, now time.Time) error
}

// SessionRecord is one stored session row.
type SessionRecord struct {
	TokenHash         string
	UserID            string
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
}

// SessionOption configures a SessionManager instance.
type SessionOption func(*SessionManager)

// WithStore injects a custom SessionStore implementation.
func WithStore(store SessionStore) SessionOption {
	return func(m *SessionManager) {
		m.store = store
	}
}

// WithTokenLength sets the byte length of newly generated tokens.
func WithTokenLength(length int) SessionOption {
	return func(m *SessionManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithIdleTimeout enables idle expiration. Validate then refreshes the expiry
// on each use, up to the absolute TTL.
func WithIdleTimeout(timeout time.Duration) SessionOption {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

// SessionManager coordinates session creation and validation against a
// backing store.
type SessionManager struct {
	store        SessionStore
	absoluteTTL  time.Duration
	idleTimeout  time.Duration
	tokenLength  int
	tokenFactory func(int) (string, error)
	now          func() time.Time
}

// NewSessionManager constructs a SessionManager with the provided absolute
// TTL. It defaults to a 7-day TTL and an in-memory store when no store is
// supplied.
func NewSessionManager(ttl time.Duration, opts ...SessionOption) *SessionManager {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	manager := &SessionManager{
		absoluteTTL:  ttl,
		tokenLength:  32,
		tokenFactory: generateToken,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemorySessionStore()
	}
	return manager
}

// Create issues a new session token for the user and returns the raw token
// together with its expiry.
func (m *SessionManager) Create(ctx context.Context, userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidUserID
	}
	token, err := m.tokenFactory(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	now := m.now()
	absolute := now.Add(m.absoluteTTL)
	expires := absolute
	if m.idleTimeout > 0 {
		expires = now.Add(m.idleTimeout)
		if expires.After(absolute) {
			expires = absolute
		}
	}
	record := SessionRecord{
		TokenHash:         HashToken(token),
		UserID:            userID,
		ExpiresAt:         expires.UTC(),
		AbsoluteExpiresAt: absolute.UTC(),
	}
	if err := m.store.Save(ctx, record); err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Validate resolves a raw token to its user id. Expired sessions are deleted
// on sight; live sessions with an idle timeout have their expiry pushed
// forward.
func (m *SessionManager) Validate(ctx context.Context, token string) (string, time.Time, bool, error) {
	if token == "" {
		return "", time.Time{}, false, nil
	}
	hash := HashToken(token)
	record, ok, err := m.store.Get(ctx, hash)
	if err != nil {
		return "", time.Time{}, false, err
	}
	if !ok {
		return "", time.Time{}, false, nil
	}
	now := m.now()
	absolute := record.AbsoluteExpiresAt
	if absolute.IsZero() {
		absolute = record.ExpiresAt
	}
	if now.After(record.ExpiresAt) || now.After(absolute) {
		_ = m.store.Delete(ctx, hash)
		return "", time.Time{}, false, nil
	}
	expires := record.ExpiresAt
	if m.idleTimeout > 0 {
		refreshTo := now.Add(m.idleTimeout)
		if refreshTo.After(absolute) {
			refreshTo = absolute
		}
		if refreshTo.After(record.ExpiresAt) {
			record.ExpiresAt = refreshTo.UTC()
			if err := m.store.Save(ctx, record); err != nil {
				return "", time.Time{}, false, err
			}
			expires = refreshTo
		}
	}
	return record.UserID, expires, true, nil
}

// Revoke deletes the session token from the backing store.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return m.store.Delete(ctx, HashToken(token))
}

// PurgeExpired removes expired sessions from the backing store.
func (m *SessionManager) PurgeExpired(ctx context.Context) error {
	return m.store.PurgeExpired(ctx, m.now())
}

// Ping verifies the underlying session store is reachable when it exposes a
// ping method.
func (m *SessionManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// VerifyToken implements the token verifier contract used by the streaming
// handler: a raw token in, the owning user id out.
func (m *SessionManager) VerifyToken(ctx context.Context, token string) (string, error) {
	userID, _, ok, err := m.Validate(ctx, token)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// RunPurge deletes expired sessions on the given interval until ctx is
// cancelled.
func (m *SessionManager) RunPurge(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "sessionpurge")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.PurgeExpired(ctx); err != nil {
				logger.Warn("session purge failed", "error", err)
			}
		}
	}
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
