// Package invite 实现邀请的生命周期：pending -> accepted | declined | expired。
//
// 每个 pending 邀请恰有一个到期任务 (invitationId, fireAt)。到期回调与 Respond
// 竞争同一把锁，pending 到终态的迁移因此原子且只发生一次。
package invite

import (
	"context"
	"errors"
	"sync"
	"time"

	"meshchat/internal/idgen"
	clog "meshchat/internal/log"
	"meshchat/internal/metrics"
	"meshchat/internal/models"
	"meshchat/internal/service"
	"meshchat/internal/store"

	"github.com/rs/zerolog"
)

const (
	DefaultTTL = 5 * time.Minute
	retryDelay = 5 * time.Second
	opTimeout  = 10 * time.Second
)

// Store 是状态机依赖的持久化操作。
type Store interface {
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	IsRoomMember(ctx context.Context, roomID, userID string) (bool, error)
	store.InviteRepository
}

// Notifier 向某个 identity 的全部在线连接投递帧。
type Notifier interface {
	BroadcastToUser(identity string, payload any) int
}

type Decision string

const (
	Accept Decision = "accept"
	Reject Decision = "reject"
)

// ParseDecision 接受 accept、reject 以及 decline。
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "accept":
		return Accept, nil
	case "reject", "decline":
		return Reject, nil
	default:
		return "", service.Validation("action must be accept or reject")
	}
}

// View 是下发给客户端的邀请，附带房间名与邀请人名。
type View struct {
	models.Invitation
	RoomName string `json:"roomName"`
	FromName string `json:"fromName"`
}

type task struct {
	id     string
	roomID string
	toID   string
	fireAt time.Time
	timer  *time.Timer
}

type Option func(*Machine)

func WithTTL(ttl time.Duration) Option {
	return func(m *Machine) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock 替换时间源，测试用。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

type Machine struct {
	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool

	store  Store
	notify Notifier
	ttl    time.Duration
	retry  time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

func NewMachine(st Store, notify Notifier, opts ...Option) *Machine {
	m := &Machine{
		tasks:  make(map[string]*task),
		store:  st,
		notify: notify,
		ttl:    DefaultTTL,
		retry:  retryDelay,
		now:    time.Now,
		log:    clog.With("invite"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create 由房间 owner 发起邀请：持久化、排期到期任务并通知双方。
func (m *Machine) Create(ctx context.Context, roomID, fromID, toID string) (*View, error) {
	if roomID == "" || toID == "" {
		return nil, service.Validation("roomId and toUserId required")
	}
	if toID == fromID {
		return nil, service.Validation("cannot invite yourself")
	}
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, service.ErrRoomNotFound
		}
		return nil, service.Internal(err)
	}
	if room.OwnerID != fromID {
		return nil, service.ErrNotRoomOwner
	}
	from, err := m.store.GetUserByID(ctx, fromID)
	if err != nil {
		return nil, service.Internal(err)
	}
	if _, err := m.store.GetUserByID(ctx, toID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, service.ErrUserNotFound
		}
		return nil, service.Internal(err)
	}
	member, err := m.store.IsRoomMember(ctx, roomID, toID)
	if err != nil {
		return nil, service.Internal(err)
	}
	if member {
		return nil, service.ErrAlreadyMember
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, service.ErrShuttingDown
	}
	for _, t := range m.tasks {
		if t.roomID == roomID && t.toID == toID {
			return nil, service.ErrInvitePending
		}
	}
	now := m.now()
	inv := models.Invitation{
		ID:        idgen.NewID(),
		RoomID:    roomID,
		FromID:    fromID,
		ToID:      toID,
		Status:    models.InviteStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.CreateInvite(ctx, &inv); err != nil {
		return nil, service.Internal(err)
	}
	m.scheduleLocked(inv)
	metrics.InvitationsTotal.WithLabelValues(models.InviteStatusPending).Inc()

	view := &View{Invitation: inv, RoomName: room.Name, FromName: from.Username}
	m.notify.BroadcastToUser(toID, map[string]any{"type": "invitation", "invitation": view})
	m.notify.BroadcastToUser(fromID, map[string]any{"type": "invitation_sent", "invitation": view})
	m.log.Info().Str("invite_id", inv.ID).Str("room_id", roomID).Str("to", toID).Msg("invite create")
	return view, nil
}

// Respond 处理受邀人的接受或拒绝；非 pending 的邀请不会被再次处理。
func (m *Machine) Respond(ctx context.Context, inviteID, actorID string, decision Decision) (*View, error) {
	if inviteID == "" {
		return nil, service.Validation("invitationId required")
	}
	if decision != Accept && decision != Reject {
		return nil, service.Validation("action must be accept or reject")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inv, err := m.store.GetInvite(ctx, inviteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, service.ErrInviteNotFound
		}
		return nil, service.Internal(err)
	}
	if !inv.Pending() {
		return nil, service.ErrInviteResolved
	}
	if inv.ToID != actorID {
		return nil, service.ErrNotInvitee
	}

	var (
		updated *models.Invitation
		ok      bool
		status  = models.InviteStatusDeclined
	)
	if decision == Accept {
		// 状态迁移与加入成员在同一事务内完成
		status = models.InviteStatusAccepted
		updated, ok, err = m.store.AcceptInvite(ctx, inviteID)
	} else {
		updated, ok, err = m.store.UpdateInvite(ctx, inviteID, models.InviteStatusPending, status)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, service.ErrRoomNotFound
		}
		return nil, service.Internal(err)
	}
	if !ok {
		return nil, service.ErrInviteResolved
	}
	m.cancelLocked(inviteID)
	metrics.InvitationsTotal.WithLabelValues(status).Inc()

	view := m.view(ctx, *updated)
	frame := map[string]any{"type": "invitation_response", "invite": view}
	m.notify.BroadcastToUser(updated.FromID, frame)
	m.notify.BroadcastToUser(updated.ToID, frame)
	m.log.Info().Str("invite_id", inviteID).Str("status", status).Msg("invite respond")
	return view, nil
}

// Recover 在接受新连接之前调用：过期的 pending 邀请直接置为 expired，其余重新排期。
func (m *Machine) Recover(ctx context.Context) (expired, scheduled int, err error) {
	pending, err := m.store.ListPendingInvites(ctx)
	if err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, inv := range pending {
		if _, ok := m.tasks[inv.ID]; ok {
			continue
		}
		if !inv.ExpiresAt.After(now) {
			_, ok, err := m.store.UpdateInvite(ctx, inv.ID, models.InviteStatusPending, models.InviteStatusExpired)
			if err != nil {
				return expired, scheduled, err
			}
			if ok {
				expired++
				metrics.InvitationsTotal.WithLabelValues(models.InviteStatusExpired).Inc()
			}
			continue
		}
		m.scheduleLocked(inv)
		scheduled++
	}
	m.log.Info().Int("expired", expired).Int("scheduled", scheduled).Msg("invite recover")
	return expired, scheduled, nil
}

// PendingFor 返回发给某用户且仍待处理的邀请，用于登录后补发。
func (m *Machine) PendingFor(ctx context.Context, userID string) ([]View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []View
	for _, t := range m.tasks {
		if t.toID != userID {
			continue
		}
		inv, err := m.store.GetInvite(ctx, t.id)
		if err != nil {
			return nil, service.Internal(err)
		}
		if inv.Pending() {
			out = append(out, *m.view(ctx, *inv))
		}
	}
	return out, nil
}

// Scheduled 返回当前存活的到期任务数。
func (m *Machine) Scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Stop 取消全部计时器，邀请保持 pending，下次启动由 Recover 接管。
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, t := range m.tasks {
		t.timer.Stop()
		delete(m.tasks, id)
	}
}

func (m *Machine) scheduleLocked(inv models.Invitation) {
	if m.stopped {
		return
	}
	t := &task{id: inv.ID, roomID: inv.RoomID, toID: inv.ToID, fireAt: inv.ExpiresAt}
	m.armLocked(t)
}

func (m *Machine) armLocked(t *task) {
	delay := t.fireAt.Sub(m.now())
	if delay < 0 {
		delay = 0
	}
	m.tasks[t.id] = t
	t.timer = time.AfterFunc(delay, func() { m.expire(t) })
}

func (m *Machine) cancelLocked(id string) {
	if t, ok := m.tasks[id]; ok {
		t.timer.Stop()
		delete(m.tasks, id)
	}
}

// expire 是到期回调。任务已被取消或替换时直接返回；状态不再是 pending 时不做任何事。
func (m *Machine) expire(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[t.id] != t {
		return
	}
	delete(m.tasks, t.id)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	inv, ok, err := m.store.UpdateInvite(ctx, t.id, models.InviteStatusPending, models.InviteStatusExpired)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		m.log.Error().Err(err).Str("invite_id", t.id).Msg("invite expire")
		if !m.stopped {
			t.fireAt = m.now().Add(m.retry)
			m.armLocked(t)
		}
		return
	}
	if !ok {
		return
	}
	metrics.InvitationsTotal.WithLabelValues(models.InviteStatusExpired).Inc()
	frame := map[string]any{"type": "invitation_expired", "invitationId": inv.ID, "roomId": inv.RoomID}
	m.notify.BroadcastToUser(inv.FromID, frame)
	m.notify.BroadcastToUser(inv.ToID, frame)
	m.log.Info().Str("invite_id", inv.ID).Msg("invite expired")
}

func (m *Machine) view(ctx context.Context, inv models.Invitation) *View {
	v := &View{Invitation: inv}
	if room, err := m.store.GetRoom(ctx, inv.RoomID); err == nil {
		v.RoomName = room.Name
	}
	if from, err := m.store.GetUserByID(ctx, inv.FromID); err == nil {
		v.FromName = from.Username
	}
	return v
}
