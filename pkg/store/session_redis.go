package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"roomchat/internal/util"
	"roomchat/pkg/domain"
)

const sessionKeyPrefix = "roomchat:session:"

// RedisSessionStore keeps sessions in Redis with TTL. The value holds
// the user id plus the last-selected room so sign-out clears both.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionStore builds a Redis-backed session store.
func NewRedisSessionStore(addr, password string, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		ttl: ttl,
	}
}

// NewSession writes a token -> session mapping with TTL.
func (s *RedisSessionStore) NewSession(userID string) (string, error) {
	token := util.NewID()
	if err := s.write(token, domain.Session{UserID: userID}, s.ttl); err != nil {
		return "", err
	}
	return token, nil
}

// GetSession resolves a token to its session record.
func (s *RedisSessionStore) GetSession(token string) (domain.Session, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := s.client.Get(ctx, sessionKeyPrefix+token).Result()
	if err == redis.Nil {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}
	var sess domain.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return domain.Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return sess, true, nil
}

// SetLastRoom remembers the selected room without extending the TTL.
func (s *RedisSessionStore) SetLastRoom(token, roomName string) error {
	sess, ok, err := s.GetSession(token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session not found")
	}
	sess.LastRoom = roomName
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	remaining, err := s.client.TTL(ctx, sessionKeyPrefix+token).Result()
	if err != nil {
		return err
	}
	if remaining <= 0 {
		remaining = s.ttl
	}
	return s.write(token, sess, remaining)
}

// DeleteSession removes the token mapping and the room memory with it.
func (s *RedisSessionStore) DeleteSession(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, sessionKeyPrefix+token).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

func (s *RedisSessionStore) write(token string, sess domain.Session, ttl time.Duration) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.client.Set(ctx, sessionKeyPrefix+token, raw, ttl).Err()
}
