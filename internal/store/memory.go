package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"meshchat/internal/models"
)

// Memory 是进程内的 Gateway 实现，用于 DB_DRIVER=memory 与测试。
type Memory struct {
	mu       sync.RWMutex
	users    map[string]models.User
	rooms    map[string]models.Room
	members  map[string][]string
	messages map[string][]models.Message
	invites  map[string]models.Invitation
	files    map[string]models.StoredFile
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]models.User),
		rooms:    make(map[string]models.Room),
		members:  make(map[string][]string),
		messages: make(map[string][]models.Message),
		invites:  make(map[string]models.Invitation),
		files:    make(map[string]models.StoredFile),
	}
}

func (m *Memory) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return ErrConflict
		}
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			u := u
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListUsers(_ context.Context) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *Memory) CreateRoom(_ context.Context, r *models.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	r.Members = []string{r.OwnerID}
	stored := *r
	stored.Members = nil
	m.rooms[r.ID] = stored
	m.members[r.ID] = []string{r.OwnerID}
	return nil
}

func (m *Memory) roomLocked(id string) (*models.Room, bool) {
	r, ok := m.rooms[id]
	if !ok {
		return nil, false
	}
	r.Members = append([]string(nil), m.members[id]...)
	return &r, true
}

func (m *Memory) GetRoom(_ context.Context, id string) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roomLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRoomsForUser(_ context.Context, userID string) ([]models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Room
	for id, members := range m.members {
		for _, uid := range members {
			if uid == userID {
				r, _ := m.roomLocked(id)
				out = append(out, *r)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) IsRoomMember(_ context.Context, roomID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, uid := range m.members[roomID] {
		if uid == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListRoomMembers(_ context.Context, roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.members[roomID]...), nil
}

func (m *Memory) AddRoomMember(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if m.isMemberLocked(roomID, userID) {
		return nil
	}
	m.members[roomID] = append(m.members[roomID], userID)
	r.UpdatedAt = time.Now()
	m.rooms[roomID] = r
	return nil
}

func (m *Memory) isMemberLocked(roomID, userID string) bool {
	for _, uid := range m.members[roomID] {
		if uid == userID {
			return true
		}
	}
	return false
}

func (m *Memory) AddMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages[msg.RoomID] = append(m.messages[msg.RoomID], *msg)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, roomID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	all := m.messages[roomID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]models.Message(nil), all...), nil
}

func (m *Memory) CreateInvite(_ context.Context, inv *models.Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	inv.UpdatedAt = inv.CreatedAt
	m.invites[inv.ID] = *inv
	return nil
}

func (m *Memory) GetInvite(_ context.Context, id string) (*models.Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invites[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (m *Memory) UpdateInvite(_ context.Context, id, from, to string) (*models.Invitation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if inv.Status != from {
		return &inv, false, nil
	}
	inv.Status = to
	inv.UpdatedAt = time.Now()
	m.invites[id] = inv
	return &inv, true, nil
}

func (m *Memory) AcceptInvite(_ context.Context, id string) (*models.Invitation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !inv.Pending() {
		return &inv, false, nil
	}
	r, ok := m.rooms[inv.RoomID]
	if !ok {
		return nil, false, ErrNotFound
	}
	now := time.Now()
	if !m.isMemberLocked(inv.RoomID, inv.ToID) {
		m.members[inv.RoomID] = append(m.members[inv.RoomID], inv.ToID)
	}
	r.UpdatedAt = now
	m.rooms[inv.RoomID] = r
	inv.Status = models.InviteStatusAccepted
	inv.UpdatedAt = now
	m.invites[id] = inv
	return &inv, true, nil
}

func (m *Memory) ListPendingInvites(_ context.Context) ([]models.Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Invitation
	for _, inv := range m.invites {
		if inv.Pending() {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) SaveFile(_ context.Context, f *models.StoredFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	m.files[f.ID] = *f
	return nil
}

func (m *Memory) GetFile(_ context.Context, id string) (*models.StoredFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}
