// Package store 定义核心层依赖的持久化网关接口：同步调用，返回即已持久化。
package store

import (
	"context"
	"errors"

	"meshchat/internal/models"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("record not found")

// ErrConflict 表示唯一约束冲突，例如用户名已被占用。
var ErrConflict = errors.New("record already exists")

type UserRepository interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

type RoomRepository interface {
	CreateRoom(ctx context.Context, r *models.Room) error
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error)
	IsRoomMember(ctx context.Context, roomID, userID string) (bool, error)
	ListRoomMembers(ctx context.Context, roomID string) ([]string, error)
	AddRoomMember(ctx context.Context, roomID, userID string) error
}

type MessageRepository interface {
	AddMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error)
}

type InviteRepository interface {
	CreateInvite(ctx context.Context, inv *models.Invitation) error
	GetInvite(ctx context.Context, id string) (*models.Invitation, error)
	// UpdateInvite 仅当当前状态为 from 时才写入 to，返回是否发生了迁移。
	UpdateInvite(ctx context.Context, id, from, to string) (*models.Invitation, bool, error)
	// AcceptInvite 在同一事务内把 pending 迁移到 accepted 并加入受邀人；
	// 邀请已不是 pending 时返回 false，成员关系不变。
	AcceptInvite(ctx context.Context, id string) (*models.Invitation, bool, error)
	ListPendingInvites(ctx context.Context) ([]models.Invitation, error)
}

type FileRepository interface {
	SaveFile(ctx context.Context, f *models.StoredFile) error
	GetFile(ctx context.Context, id string) (*models.StoredFile, error)
}

// Gateway 聚合全部仓储接口。
type Gateway interface {
	UserRepository
	RoomRepository
	MessageRepository
	InviteRepository
	FileRepository
}
