package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshchat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 基于 gorm 实现 Gateway，支持 postgres 与 sqlite。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) CreateUser(ctx context.Context, u *models.User) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", u.Username).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check username: %w", err)
	}
	if count > 0 {
		return ErrConflict
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *GormStore) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := s.db.WithContext(ctx).Order("username asc").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// CreateRoom 在同一事务中写入房间与 owner 的成员关系。
func (s *GormStore) CreateRoom(ctx context.Context, r *models.Room) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		return tx.Create(&models.RoomMember{RoomID: r.ID, UserID: r.OwnerID}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	r.Members = []string{r.OwnerID}
	return nil
}

func (s *GormStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	var r models.Room
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	members, err := s.ListRoomMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Members = members
	return &r, nil
}

func (s *GormStore) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.WithContext(ctx).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_id = ?", userID).
		Order("rooms.created_at asc").
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	for i := range rooms {
		members, err := s.ListRoomMembers(ctx, rooms[i].ID)
		if err != nil {
			return nil, err
		}
		rooms[i].Members = members
	}
	return rooms, nil
}

func (s *GormStore) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return count > 0, nil
}

func (s *GormStore) ListRoomMembers(ctx context.Context, roomID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ?", roomID).Order("created_at asc").Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return ids, nil
}

// AddRoomMember 幂等地添加成员。
func (s *GormStore) AddRoomMember(ctx context.Context, roomID, userID string) error {
	if _, err := s.GetRoomRow(ctx, roomID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.RoomMember{RoomID: roomID, UserID: userID}).Error
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return s.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).Update("updated_at", time.Now()).Error
}

// GetRoomRow 只读取房间行，不加载成员。
func (s *GormStore) GetRoomRow(ctx context.Context, id string) (*models.Room, error) {
	var r models.Room
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *GormStore) AddMessage(ctx context.Context, m *models.Message) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	return nil
}

// ListMessages 返回房间最近 limit 条消息，按时间升序。
func (s *GormStore) ListMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var msgs []models.Message
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("id desc").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *GormStore) CreateInvite(ctx context.Context, inv *models.Invitation) error {
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return fmt.Errorf("failed to create invite: %w", err)
	}
	return nil
}

func (s *GormStore) GetInvite(ctx context.Context, id string) (*models.Invitation, error) {
	var inv models.Invitation
	if err := s.db.WithContext(ctx).First(&inv, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

func (s *GormStore) UpdateInvite(ctx context.Context, id, from, to string) (*models.Invitation, bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to update invite: %w", res.Error)
	}
	inv, err := s.GetInvite(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return inv, res.RowsAffected == 1, nil
}

func (s *GormStore) AcceptInvite(ctx context.Context, id string) (*models.Invitation, bool, error) {
	var ok bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv models.Invitation
		if err := tx.First(&inv, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		res := tx.Model(&models.Invitation{}).
			Where("id = ? AND status = ?", id, models.InviteStatusPending).
			Updates(map[string]any{"status": models.InviteStatusAccepted, "updated_at": time.Now()})
		if res.Error != nil {
			return fmt.Errorf("failed to accept invite: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		room := tx.Model(&models.Room{}).Where("id = ?", inv.RoomID).Update("updated_at", time.Now())
		if room.Error != nil {
			return fmt.Errorf("failed to touch room: %w", room.Error)
		}
		if room.RowsAffected == 0 {
			return ErrNotFound
		}
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.RoomMember{RoomID: inv.RoomID, UserID: inv.ToID}).Error
		if err != nil {
			return fmt.Errorf("failed to add member: %w", err)
		}
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	inv, err := s.GetInvite(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return inv, ok, nil
}

func (s *GormStore) ListPendingInvites(ctx context.Context) ([]models.Invitation, error) {
	var invs []models.Invitation
	err := s.db.WithContext(ctx).Where("status = ?", models.InviteStatusPending).Order("expires_at asc").Find(&invs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending invites: %w", err)
	}
	return invs, nil
}

func (s *GormStore) SaveFile(ctx context.Context, f *models.StoredFile) error {
	if err := s.db.WithContext(ctx).Create(f).Error; err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}
	return nil
}

func (s *GormStore) GetFile(ctx context.Context, id string) (*models.StoredFile, error) {
	var f models.StoredFile
	if err := s.db.WithContext(ctx).First(&f, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}
