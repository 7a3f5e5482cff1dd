package port

import (
	"context"

	"github.com/lessonlab/collabsync/internal/domain"
)

// JoinResult is what a successful join or create hands back to the
// connection: the canonical room id, current document version, and the
// roster at join time.
type JoinResult struct {
	RoomID  string
	Version int64
	Peers   []domain.Peer
}

// RoomService is the room-facing contract consumed by the websocket layer.
type RoomService interface {
	JoinRoom(ctx context.Context, roomID string, ident domain.Identity, handle func(domain.Envelope)) (JoinResult, error)
	CreateRoom(ctx context.Context, roomID string, ident domain.Identity, handle func(domain.Envelope)) (JoinResult, error)
	LeaveRoom(ctx context.Context, roomID, userID string) error

	Publish(ctx context.Context, roomID, sender string, env domain.Envelope) error
	RecordOperation(ctx context.Context, roomID string) (int64, error)
	Touch(ctx context.Context, roomID, userID string) error

	Roster(ctx context.Context, roomID string) ([]domain.Peer, error)
	ListRooms(ctx context.Context) ([]string, error)
}
