package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"imagestudio/internal/completion"
	"imagestudio/internal/models"
	"imagestudio/internal/repository"
)

const keyPrefix = "imagestudio:session:"

type LatestReader interface {
	Latest(ctx context.Context) (models.ImageRecord, error)
}

// Store keeps the completion session of each chat in Redis, or in process when no client
// is configured. When a chat has no cached session the latest lineage record of that chat
// seeds it, so conversations survive restarts.
type Store struct {
	redis  *redis.Client
	latest LatestReader
	ttl    time.Duration
	now    func() time.Time
	log    zerolog.Logger

	mu    sync.Mutex
	local map[string]localSession
}

type localSession struct {
	session completion.Session
	expires time.Time
}

func NewStore(client *redis.Client, latest LatestReader, ttl time.Duration, log zerolog.Logger) *Store {
	return &Store{
		redis:  client,
		latest: latest,
		ttl:    ttl,
		now:    time.Now,
		log:    log.With().Str("component", "session").Logger(),
		local:  make(map[string]localSession),
	}
}

func key(chatID string) string {
	return keyPrefix + chatID
}

func (s *Store) Get(ctx context.Context, chatID string) (completion.Session, error) {
	if s.redis != nil {
		raw, err := s.redis.Get(ctx, key(chatID)).Bytes()
		switch {
		case err == nil:
			var sess completion.Session
			if err := json.Unmarshal(raw, &sess); err == nil {
				return sess, nil
			}
			s.log.Warn().Str("chat_id", chatID).Msg("discarding unreadable cached session")
		case errors.Is(err, redis.Nil):
		default:
			s.log.Warn().Err(err).Str("chat_id", chatID).Msg("session cache read failed")
		}
	} else if sess, ok := s.getLocal(chatID); ok {
		return sess, nil
	}
	return s.recover(ctx, chatID)
}

func (s *Store) getLocal(chatID string) (completion.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.local[chatID]
	if !ok {
		return completion.Session{}, false
	}
	if !entry.expires.IsZero() && s.now().After(entry.expires) {
		delete(s.local, chatID)
		return completion.Session{}, false
	}
	return entry.session, true
}

func (s *Store) putLocal(chatID string, sess completion.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, entry := range s.local {
		if !entry.expires.IsZero() && now.After(entry.expires) {
			delete(s.local, id)
		}
	}
	entry := localSession{session: sess}
	if s.ttl > 0 {
		entry.expires = now.Add(s.ttl)
	}
	s.local[chatID] = entry
}

// recover seeds a session from the newest record. Records made for another chat are ignored
// so one chat never resumes another's conversation.
func (s *Store) recover(ctx context.Context, chatID string) (completion.Session, error) {
	if s.latest == nil {
		return completion.Session{}, nil
	}
	record, err := s.latest.Latest(ctx)
	if errors.Is(err, repository.ErrImageNotFound) {
		return completion.Session{}, nil
	}
	if err != nil {
		return completion.Session{}, fmt.Errorf("recover session: %w", err)
	}
	if owner := record.OperationParams.ChatID; owner != "" && owner != chatID {
		return completion.Session{}, nil
	}
	return completion.SessionFromParams(record.OperationParams), nil
}

func (s *Store) Save(ctx context.Context, chatID string, sess completion.Session) error {
	if s.redis == nil {
		s.putLocal(chatID, sess)
		return nil
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, key(chatID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Reset stores an empty session so the next generation opens a new conversation instead
// of resuming the latest record.
func (s *Store) Reset(ctx context.Context, chatID string) error {
	return s.Save(ctx, chatID, completion.Session{})
}
