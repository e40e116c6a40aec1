// Package redisstore keeps guest chat history as opaque JSON blobs keyed by
// a client-generated guest ID, mirroring the local-storage mode of the web
// client. Logged-in users get the relational store instead.
package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	guestChatsPrefix = "ransgpt:chats:"
	guestChatsTTL    = 30 * 24 * time.Hour
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, dbnum int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbnum,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// GetGuestChats returns the stored blob, or "" when none exists.
func (s *Store) GetGuestChats(ctx context.Context, guestID string) (string, error) {
	v, err := s.rdb.Get(ctx, guestChatsPrefix+guestID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// SaveGuestChats overwrites the whole blob. Guests own the full document,
// so last write wins, same as browser local storage.
func (s *Store) SaveGuestChats(ctx context.Context, guestID, blob string) error {
	return s.rdb.Set(ctx, guestChatsPrefix+guestID, blob, guestChatsTTL).Err()
}

func (s *Store) DeleteGuestChats(ctx context.Context, guestID string) error {
	return s.rdb.Del(ctx, guestChatsPrefix+guestID).Err()
}
