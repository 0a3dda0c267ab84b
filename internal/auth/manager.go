package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrTokenExpired = errors.New("session token expired")
)

// MagicLinks is the persistence the login flow needs. Implemented by
// *store.LedgerStore.
type MagicLinks interface {
	CreateMagicLink(ctx context.Context, token, email string, ttl time.Duration) error
	ConsumeMagicLink(ctx context.Context, token string) (string, error)
}

// Mailer delivers the login link to the user.
type Mailer interface {
	SendMagicLink(ctx context.Context, email, link string) error
}

// Session is the authenticated identity embedded in a session token.
type Session struct {
	UserID int64
	Email  string
}

// Manager handles magic-link login and signed session token issuance.
// Session tokens are HMAC-SHA256 over "userID|email|expiry", stateless so
// validation needs no database round trip.
type Manager struct {
	secret      []byte
	links       MagicLinks
	mailer      Mailer
	frontendURL string
	linkTTL     time.Duration
	sessionTTL  time.Duration
}

func NewManager(secret string, links MagicLinks, mailer Mailer, frontendURL string) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth manager requires a non-empty secret")
	}
	return &Manager{
		secret:      []byte(secret),
		links:       links,
		mailer:      mailer,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		linkTTL:     15 * time.Minute,
		sessionTTL:  7 * 24 * time.Hour,
	}, nil
}

// StartLogin creates a single-use magic link for the email and mails it.
// The token is an opaque UUID; possession of the link is the credential.
func (m *Manager) StartLogin(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return errors.New("valid email required")
	}

	token := uuid.NewString()
	if err := m.links.CreateMagicLink(ctx, token, email, m.linkTTL); err != nil {
		return err
	}

	link := fmt.Sprintf("%s/auth/verify?token=%s", m.frontendURL, token)
	return m.mailer.SendMagicLink(ctx, email, link)
}

// VerifyLogin consumes the magic-link token and returns the proven email.
func (m *Manager) VerifyLogin(ctx context.Context, token string) (string, error) {
	return m.links.ConsumeMagicLink(ctx, token)
}

// IssueToken issues a signed session token for the user.
func (m *Manager) IssueToken(userID int64, email string) (string, error) {
	expires := time.Now().Add(m.sessionTTL).Unix()
	payload := fmt.Sprintf("%d|%s|%d", userID, email, expires)
	sig := m.sign([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// ValidateToken checks the signature and expiry and returns the session.
func (m *Manager) ValidateToken(token string) (*Session, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return nil, ErrInvalidToken
	}

	fields := strings.Split(string(payloadBytes), "|")
	if len(fields) != 3 {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if time.Now().Unix() > expiry {
		return nil, ErrTokenExpired
	}
	return &Session{UserID: userID, Email: fields[1]}, nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
