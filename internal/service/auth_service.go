package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imagestudio/internal/config"
	"imagestudio/internal/ids"
	"imagestudio/internal/security"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type AuthService struct {
	cfg config.SecurityConfig
	log zerolog.Logger
}

func NewAuthService(cfg config.SecurityConfig, log zerolog.Logger) *AuthService {
	return &AuthService{
		cfg: cfg,
		log: log.With().Str("component", "auth").Logger(),
	}
}

type TokenResult struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IssueToken exchanges the dispatcher API key for a short-lived access token.
func (s *AuthService) IssueToken(_ context.Context, apiKey string) (TokenResult, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" || s.cfg.APIKeyHash == "" {
		return TokenResult{}, ErrInvalidCredentials
	}

	ok, err := security.VerifySecret(apiKey, []byte(s.cfg.APIKeyHash))
	if err != nil {
		s.log.Error().Err(err).Msg("api key hash is unreadable")
		return TokenResult{}, ErrInvalidCredentials
	}
	if !ok {
		s.log.Warn().Msg("rejected api key")
		return TokenResult{}, ErrInvalidCredentials
	}

	tokenID := ids.New()
	token, expires, err := security.GenerateAccessToken(
		s.cfg.JWTAccessSecret,
		s.cfg.DispatcherID,
		tokenID,
		[]string{security.ScopeImages},
		s.cfg.JWTAccessTTL,
	)
	if err != nil {
		return TokenResult{}, err
	}

	s.log.Info().Str("token_id", tokenID).Time("expires_at", expires).Msg("access token issued")
	return TokenResult{AccessToken: token, TokenType: "Bearer", ExpiresAt: expires}, nil
}
