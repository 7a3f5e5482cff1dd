package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lessonlab/collabsync/internal/domain"
	"github.com/lessonlab/collabsync/internal/nats"
	"github.com/lessonlab/collabsync/internal/port"
	"github.com/lessonlab/collabsync/internal/redis"
	"github.com/lessonlab/collabsync/pkg/logger"
)

// ErrRoomNotFound signals that sync.join named a room the server does not
// know; the client is expected to fall back to sync.create.
var ErrRoomNotFound = errors.New("room not found")

type roomService struct {
	natsClient  *nats.NATSClient
	redisClient *redis.RedisClient
	logger      logger.Logger
}

func NewRoomService(ctx context.Context, nc *nats.NATSClient, rc *redis.RedisClient) port.RoomService {
	return &roomService{
		natsClient:  nc,
		redisClient: rc,
		logger:      logger.FromContext(ctx).WithModule("service"),
	}
}

// JoinRoom adds the user to an existing room: membership and roster in
// Redis, a NATS subscription for the envelope stream, then a fresh roster
// broadcast so every member can diff peers.
func (s *roomService) JoinRoom(ctx context.Context, roomID string, ident domain.Identity, handle func(domain.Envelope)) (port.JoinResult, error) {
	if roomID == "" || ident.ID == "" {
		return port.JoinResult{}, fmt.Errorf("room id and user id cannot be empty")
	}

	exists, err := s.redisClient.RoomExists(ctx, roomID)
	if err != nil {
		return port.JoinResult{}, fmt.Errorf("failed to check room: %w", err)
	}
	if !exists {
		return port.JoinResult{}, ErrRoomNotFound
	}

	return s.enterRoom(ctx, roomID, ident, handle)
}

// CreateRoom registers a new room and joins it. An empty room id gets a
// generated one; the canonical id is returned in the result.
func (s *roomService) CreateRoom(ctx context.Context, roomID string, ident domain.Identity, handle func(domain.Envelope)) (port.JoinResult, error) {
	if ident.ID == "" {
		return port.JoinResult{}, fmt.Errorf("user id cannot be empty")
	}
	if roomID == "" {
		roomID = uuid.NewString()
	}

	if err := s.redisClient.AddRoom(ctx, roomID); err != nil {
		return port.JoinResult{}, fmt.Errorf("failed to create room: %w", err)
	}
	s.logger.Infof("created room %s", roomID)

	return s.enterRoom(ctx, roomID, ident, handle)
}

func (s *roomService) enterRoom(ctx context.Context, roomID string, ident domain.Identity, handle func(domain.Envelope)) (port.JoinResult, error) {
	if err := s.redisClient.AddMember(ctx, roomID, ident.ID); err != nil {
		return port.JoinResult{}, fmt.Errorf("failed to add member: %w", err)
	}

	peer := domain.Peer{
		UserID:      ident.ID,
		DisplayName: ident.DisplayName,
		Color:       ident.Color,
		LastActive:  time.Now().UTC(),
	}
	if err := s.redisClient.SetRosterEntry(ctx, roomID, peer); err != nil {
		return port.JoinResult{}, fmt.Errorf("failed to store roster entry: %w", err)
	}

	if err := s.natsClient.SubscribeRoom(ctx, roomID, ident.ID, handle); err != nil {
		return port.JoinResult{}, fmt.Errorf("failed to subscribe to room: %w", err)
	}

	version, err := s.redisClient.Version(ctx, roomID)
	if err != nil {
		s.logger.Errorf("failed to read room version: %v", err)
	}
	roster, err := s.redisClient.Roster(ctx, roomID)
	if err != nil {
		return port.JoinResult{}, fmt.Errorf("failed to load roster: %w", err)
	}

	s.broadcastRoster(ctx, roomID, roster)
	s.logger.Infof("%s joined room %s", ident.ID, roomID)

	return port.JoinResult{RoomID: roomID, Version: version, Peers: roster}, nil
}

// LeaveRoom removes the user and, when the room empties, the room itself.
func (s *roomService) LeaveRoom(ctx context.Context, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return fmt.Errorf("room id and user id cannot be empty")
	}

	if err := s.natsClient.UnsubscribeRoom(ctx, roomID, userID); err != nil {
		s.logger.Errorf("failed to unsubscribe from room %s: %v", roomID, err)
		// Continue; Redis state still needs cleaning.
	}

	if err := s.redisClient.RemoveMember(ctx, roomID, userID); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if err := s.redisClient.RemoveRosterEntry(ctx, roomID, userID); err != nil {
		s.logger.Errorf("failed to remove roster entry: %v", err)
	}

	members, err := s.redisClient.Members(ctx, roomID)
	if err != nil {
		s.logger.Errorf("failed to get room members: %v", err)
	} else if len(members) == 0 {
		if err := s.redisClient.RemoveRoom(ctx, roomID); err != nil {
			s.logger.Errorf("failed to remove empty room: %v", err)
		}
		if err := s.redisClient.ClearRoom(ctx, roomID); err != nil {
			s.logger.Errorf("failed to clear room keys: %v", err)
		}
		s.logger.Infof("room %s emptied and removed", roomID)
		return nil
	}

	roster, err := s.redisClient.Roster(ctx, roomID)
	if err == nil {
		s.broadcastRoster(ctx, roomID, roster)
	}

	s.logger.Infof("%s left room %s", userID, roomID)
	return nil
}

func (s *roomService) Publish(ctx context.Context, roomID, sender string, env domain.Envelope) error {
	err := s.natsClient.PublishRoom(ctx, roomID, sender, env)
	if err != nil {
		s.logger.Errorf("publish %s to room %s failed: %v", env.Type, roomID, err)
	}
	return err
}

// RecordOperation bumps the room's document version counter.
func (s *roomService) RecordOperation(ctx context.Context, roomID string) (int64, error) {
	return s.redisClient.IncrVersion(ctx, roomID)
}

func (s *roomService) Touch(ctx context.Context, roomID, userID string) error {
	return s.redisClient.TouchMember(ctx, roomID, userID)
}

func (s *roomService) Roster(ctx context.Context, roomID string) ([]domain.Peer, error) {
	return s.redisClient.Roster(ctx, roomID)
}

func (s *roomService) ListRooms(ctx context.Context) ([]string, error) {
	return s.redisClient.ListRooms(ctx)
}

// broadcastRoster publishes the full peer set; clients diff it to detect
// joins and leaves. Sender is empty so nobody filters it out.
func (s *roomService) broadcastRoster(ctx context.Context, roomID string, roster []domain.Peer) {
	env, err := domain.NewEnvelope(domain.EventPresence, domain.PresencePayload{Peers: roster})
	if err != nil {
		s.logger.Errorf("failed to build presence envelope: %v", err)
		return
	}
	if err := s.natsClient.PublishRoom(ctx, roomID, "", env); err != nil {
		s.logger.Errorf("failed to broadcast roster: %v", err)
	}
}
