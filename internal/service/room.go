package service

import (
	"context"
	"errors"
	"strings"

	"meshchat/internal/idgen"
	"meshchat/internal/models"
	"meshchat/internal/store"
)

const historyLimit = 100

// RoomService 封装房间相关的业务逻辑。
type RoomService struct {
	store store.Gateway
}

func NewRoomService(gw store.Gateway) *RoomService {
	return &RoomService{store: gw}
}

// Create 创建房间，创建者即 owner 且自动成为成员。
func (s *RoomService) Create(ctx context.Context, name, ownerID string) (*models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, Validation("room name required")
	}
	if len(name) > 128 {
		return nil, Validation("invalid room name")
	}
	room := models.Room{ID: idgen.NewID(), Name: name, OwnerID: ownerID}
	if err := s.store.CreateRoom(ctx, &room); err != nil {
		return nil, Internal(err)
	}
	return &room, nil
}

// ListForUser 返回用户所在的全部房间。
func (s *RoomService) ListForUser(ctx context.Context, userID string) ([]models.Room, error) {
	rooms, err := s.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, Internal(err)
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	return rooms, nil
}

// Get 读取房间，要求调用者是成员。
func (s *RoomService) Get(ctx context.Context, roomID, userID string) (*models.Room, error) {
	if roomID == "" {
		return nil, Validation("roomId required")
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, Internal(err)
	}
	if err := s.RequireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return room, nil
}

// RequireMember 检查成员关系，非成员返回 AuthorizationError。
func (s *RoomService) RequireMember(ctx context.Context, roomID, userID string) error {
	ok, err := s.store.IsRoomMember(ctx, roomID, userID)
	if err != nil {
		return Internal(err)
	}
	if !ok {
		return ErrNotRoomMember
	}
	return nil
}

// Join 返回房间与最近的历史消息，用于 join_room。
func (s *RoomService) Join(ctx context.Context, roomID, userID string) (*models.Room, []models.Message, error) {
	room, err := s.Get(ctx, roomID, userID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.store.ListMessages(ctx, roomID, historyLimit)
	if err != nil {
		return nil, nil, Internal(err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return room, msgs, nil
}
