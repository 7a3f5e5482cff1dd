package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lessonlab/collabsync/internal/domain"
	"github.com/lessonlab/collabsync/pkg/logger"
)

// RedisClient persists room membership, the presence roster, and the
// per-room document version counter.
//
// Keys: all_rooms (set), room:<id> (member set), roster:<id> (hash of
// userID -> Peer JSON), version:<id> (counter).
type RedisClient struct {
	client *redis.Client
	log    logger.Logger
}

func NewRedisClient(ctx context.Context, redisURL string) (*RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{
		client: client,
		log:    logger.FromContext(ctx).WithModule("redis"),
	}, nil
}

func (r *RedisClient) RoomExists(ctx context.Context, roomID string) (bool, error) {
	return r.client.SIsMember(ctx, "all_rooms", roomID).Result()
}

func (r *RedisClient) AddRoom(ctx context.Context, roomID string) error {
	return r.client.SAdd(ctx, "all_rooms", roomID).Err()
}

func (r *RedisClient) RemoveRoom(ctx context.Context, roomID string) error {
	return r.client.SRem(ctx, "all_rooms", roomID).Err()
}

func (r *RedisClient) ListRooms(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, "all_rooms").Result()
}

func (r *RedisClient) AddMember(ctx context.Context, roomID, userID string) error {
	return r.client.SAdd(ctx, "room:"+roomID, userID).Err()
}

func (r *RedisClient) RemoveMember(ctx context.Context, roomID, userID string) error {
	return r.client.SRem(ctx, "room:"+roomID, userID).Err()
}

func (r *RedisClient) Members(ctx context.Context, roomID string) ([]string, error) {
	return r.client.SMembers(ctx, "room:"+roomID).Result()
}

// SetRosterEntry stores the peer's presence record in the room roster.
func (r *RedisClient) SetRosterEntry(ctx context.Context, roomID string, peer domain.Peer) error {
	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("failed to serialize roster entry: %w", err)
	}
	return r.client.HSet(ctx, "roster:"+roomID, peer.UserID, data).Err()
}

func (r *RedisClient) RemoveRosterEntry(ctx context.Context, roomID, userID string) error {
	return r.client.HDel(ctx, "roster:"+roomID, userID).Err()
}

// Roster returns every peer record in the room. Entries that fail to
// decode are skipped, not fatal.
func (r *RedisClient) Roster(ctx context.Context, roomID string) ([]domain.Peer, error) {
	entries, err := r.client.HGetAll(ctx, "roster:"+roomID).Result()
	if err != nil {
		return nil, err
	}
	peers := make([]domain.Peer, 0, len(entries))
	for userID, raw := range entries {
		var p domain.Peer
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			r.log.Warnf("skipping corrupt roster entry for %s: %v", userID, err)
			continue
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// TouchMember refreshes the peer's lastActive timestamp in the roster.
func (r *RedisClient) TouchMember(ctx context.Context, roomID, userID string) error {
	raw, err := r.client.HGet(ctx, "roster:"+roomID, userID).Result()
	if err != nil {
		return err
	}
	var p domain.Peer
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fmt.Errorf("corrupt roster entry for %s: %w", userID, err)
	}
	p.LastActive = time.Now().UTC()
	return r.SetRosterEntry(ctx, roomID, p)
}

// IncrVersion bumps and returns the room's document version counter.
func (r *RedisClient) IncrVersion(ctx context.Context, roomID string) (int64, error) {
	return r.client.Incr(ctx, "version:"+roomID).Result()
}

func (r *RedisClient) Version(ctx context.Context, roomID string) (int64, error) {
	v, err := r.client.Get(ctx, "version:"+roomID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// ClearRoom removes every key belonging to the room.
func (r *RedisClient) ClearRoom(ctx context.Context, roomID string) error {
	return r.client.Del(ctx, "room:"+roomID, "roster:"+roomID, "version:"+roomID).Err()
}

// FlushAll clears the whole database. Test use only.
func (r *RedisClient) FlushAll(ctx context.Context) error {
	return r.client.FlushAll(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
