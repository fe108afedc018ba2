package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"alertrelay/pkg/atomicfile"
)

// ErrInvalidToken is returned when the remote API rejects a candidate token.
var ErrInvalidToken = errors.New("token rejected by directory api")

// UserLister probes the remote API with a token.
type UserLister interface {
	ListUsers(ctx context.Context, token string) ([]string, error)
}

// DirectoryReplacer receives the user list returned by a successful probe.
type DirectoryReplacer interface {
	Replace(ids []string)
}

// Store holds the API token in memory and encrypted on disk.
type Store struct {
	path      string
	protector Protector
	lister    UserLister
	directory DirectoryReplacer
	logger    zerolog.Logger

	setMu sync.Mutex // serialises Set

	mu    sync.RWMutex
	token string
}

// New creates a Store persisting to path. directory may be nil.
func New(path string, protector Protector, lister UserLister, directory DirectoryReplacer, logger zerolog.Logger) *Store {
	return &Store{
		path:      path,
		protector: protector,
		lister:    lister,
		directory: directory,
		logger:    logger.With().Str("component", "credentials").Logger(),
	}
}

// IsConfigured reports whether a decryptable token is persisted.
func (s *Store) IsConfigured() bool {
	_, err := s.read()
	return err == nil
}

// Load reads the persisted token and makes it active. Any failure is logged
// and reported as absent.
func (s *Store) Load() (string, bool) {
	token, err := s.read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("stored token unreadable, treating as absent")
		}
		return "", false
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return token, true
}

// Token returns the active token, or "" when none is set.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// ValidateAndSet probes the remote API with candidate and, if accepted,
// persists it and makes it active. The active token is left untouched on failure.
func (s *Store) ValidateAndSet(ctx context.Context, candidate string) bool {
	return s.Set(ctx, candidate) == nil
}

// Set behaves like ValidateAndSet but reports why a candidate was refused.
// Rejections by the remote API wrap ErrInvalidToken.
func (s *Store) Set(ctx context.Context, candidate string) error {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	s.setMu.Lock()
	defer s.setMu.Unlock()

	users, err := s.lister.ListUsers(ctx, candidate)
	if err != nil {
		s.logger.Warn().Err(err).Msg("token probe failed")
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sealed, err := s.protector.Protect([]byte(candidate))
	if err != nil {
		s.logger.Error().Err(err).Msg("encrypt token")
		return fmt.Errorf("encrypt token: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, sealed, 0o600); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("persist token")
		return fmt.Errorf("persist token: %w", err)
	}

	s.mu.Lock()
	s.token = candidate
	s.mu.Unlock()

	if s.directory != nil {
		s.directory.Replace(users)
	}
	s.logger.Info().Int("users", len(users)).Msg("api token updated")
	return nil
}

func (s *Store) read() (string, error) {
	sealed, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	plain, err := s.protector.Unprotect(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	token := strings.TrimSpace(string(plain))
	if token == "" {
		return "", errors.New("stored token is empty")
	}
	return token, nil
}
