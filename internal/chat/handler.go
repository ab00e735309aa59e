// Package chat 处理聊天通道上的帧：认证、建房、进房、发消息以及邀请。
package chat

import (
	"context"
	"encoding/json"
	"errors"

	"meshchat/internal/fanout"
	"meshchat/internal/invite"
	clog "meshchat/internal/log"
	"meshchat/internal/metrics"
	"meshchat/internal/models"
	"meshchat/internal/presence"
	"meshchat/internal/service"
	"meshchat/internal/store"

	"github.com/rs/zerolog"
)

// Session 是一条聊天连接。认证成功后通过 Bind 绑定到唯一用户。
type Session interface {
	presence.Conn
	User() *models.User
	Bind(u *models.User)
}

type Handler struct {
	users    *service.UserService
	rooms    *service.RoomService
	messages *service.MessageService
	gateway  store.Gateway
	presence *presence.Registry
	fanout   *fanout.Fanout
	invites  *invite.Machine
	log      zerolog.Logger
}

func NewHandler(gw store.Gateway, users *service.UserService, rooms *service.RoomService, messages *service.MessageService,
	reg *presence.Registry, fo *fanout.Fanout, invites *invite.Machine) *Handler {
	return &Handler{
		users:    users,
		rooms:    rooms,
		messages: messages,
		gateway:  gw,
		presence: reg,
		fanout:   fo,
		invites:  invites,
		log:      clog.With("chat"),
	}
}

type inbound struct {
	Type         string                `json:"type"`
	Mode         string                `json:"mode"`
	Nickname     string                `json:"nickname"`
	Password     string                `json:"password"`
	Name         string                `json:"name"`
	RoomID       string                `json:"roomId"`
	Message      *service.MessageInput `json:"message"`
	ToUserID     string                `json:"toUserId"`
	InvitationID string                `json:"invitationId"`
	Action       string                `json:"action"`
}

type userEntry struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

func frameType(t string) string {
	switch t {
	case "auth", "create_room", "join_room", "message", "invite", "invitation_response":
		return t
	default:
		return "unknown"
	}
}

func encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func sendError(s Session, err error) {
	s.Send(encode(map[string]string{"type": "error", "message": service.PublicMessage(err)}))
}

// Connect 用 URL 中的 token 预先认证连接；token 为空时等待 auth 帧。
func (h *Handler) Connect(ctx context.Context, s Session, token string) error {
	if token == "" {
		return nil
	}
	user, err := h.users.ResolveToken(ctx, token)
	if err != nil {
		return err
	}
	return h.establish(ctx, s, user, token)
}

// HandleFrame 处理一帧。同一连接的帧由调用方串行投递，错误只回给发送方。
func (h *Handler) HandleFrame(ctx context.Context, s Session, raw []byte) {
	if err := h.handle(ctx, s, raw); err != nil {
		if service.KindOf(err) == service.KindInternal {
			h.log.Error().Err(err).Msg("chat frame")
		}
		sendError(s, err)
	}
}

func (h *Handler) handle(ctx context.Context, s Session, raw []byte) error {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return service.ErrInvalidJSON
	}
	metrics.WsFramesTotal.WithLabelValues("chat", frameType(in.Type)).Inc()

	user := s.User()
	if in.Type == "auth" {
		if user != nil {
			return service.Validation("already authenticated")
		}
		res, err := h.users.Authenticate(ctx, in.Mode, in.Nickname, in.Password)
		if err != nil {
			return err
		}
		return h.establish(ctx, s, &res.User, res.Token)
	}
	if user == nil {
		return service.ErrNotAuthenticated
	}

	switch in.Type {
	case "create_room":
		if _, err := h.rooms.Create(ctx, in.Name, user.ID); err != nil {
			return err
		}
		return h.refreshRooms(ctx, user.ID)
	case "join_room":
		room, msgs, err := h.rooms.Join(ctx, in.RoomID, user.ID)
		if err != nil {
			return err
		}
		h.fillSenders(ctx, msgs)
		s.Send(encode(map[string]any{"type": "room_joined", "room": room, "roomId": room.ID, "messages": msgs}))
		return nil
	case "message":
		if in.Message == nil {
			return service.Validation("message required")
		}
		msg, err := h.messages.Post(ctx, in.RoomID, user.ID, *in.Message)
		if err != nil {
			return err
		}
		msg.Sender = user.Username
		metrics.MessagesTotal.Inc()
		_, err = h.fanout.BroadcastToRoom(ctx, msg.RoomID, map[string]any{"type": "message", "roomId": msg.RoomID, "message": msg})
		return err
	case "invite":
		_, err := h.invites.Create(ctx, in.RoomID, user.ID, in.ToUserID)
		return err
	case "invitation_response":
		// 过期由服务端计时器负责，客户端上报的 expired 直接忽略
		if in.Action == "expired" {
			return nil
		}
		decision, err := invite.ParseDecision(in.Action)
		if err != nil {
			return err
		}
		view, err := h.invites.Respond(ctx, in.InvitationID, user.ID, decision)
		if err != nil {
			return err
		}
		if view.Status == models.InviteStatusAccepted {
			return h.refreshRoomMembers(ctx, view.RoomID)
		}
		return nil
	default:
		return service.Protocol("unknown message type")
	}
}

// establish 绑定身份、登记在线状态并下发初始数据。所有读操作在绑定之前完成，
// 失败时连接保持未认证，可以重新发送 auth。
func (h *Handler) establish(ctx context.Context, s Session, user *models.User, token string) error {
	rooms, err := h.rooms.ListForUser(ctx, user.ID)
	if err != nil {
		return err
	}
	all, err := h.gateway.ListUsers(ctx)
	if err != nil {
		return service.Internal(err)
	}
	pending, err := h.invites.PendingFor(ctx, user.ID)
	if err != nil {
		return err
	}

	s.Bind(user)
	h.presence.Register(user.ID, s)
	users := h.withStatus(all)
	s.Send(encode(map[string]any{"type": "auth_ok", "user": user, "token": token, "rooms": rooms, "users": users}))
	h.fanout.BroadcastToOnline(map[string]any{"type": "users_update", "users": users})
	for i := range pending {
		s.Send(encode(map[string]any{"type": "invitation", "invitation": &pending[i]}))
	}
	h.log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("chat auth")
	return nil
}

// Disconnect 在连接关闭时调用；最后一条连接断开时用户转为离线。
func (h *Handler) Disconnect(ctx context.Context, s Session) {
	user := s.User()
	if user == nil {
		return
	}
	if !h.presence.Unregister(user.ID, s) {
		return
	}
	users, err := h.userList(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("users_update")
		return
	}
	h.fanout.BroadcastToOnline(map[string]any{"type": "users_update", "users": users})
}

func (h *Handler) userList(ctx context.Context) ([]userEntry, error) {
	all, err := h.gateway.ListUsers(ctx)
	if err != nil {
		return nil, service.Internal(err)
	}
	return h.withStatus(all), nil
}

func (h *Handler) withStatus(all []models.User) []userEntry {
	out := make([]userEntry, 0, len(all))
	for _, u := range all {
		status := "offline"
		if h.presence.IsOnline(u.ID) {
			status = "online"
		}
		out = append(out, userEntry{ID: u.ID, Username: u.Username, Status: status})
	}
	return out
}

func (h *Handler) refreshRooms(ctx context.Context, userID string) error {
	rooms, err := h.rooms.ListForUser(ctx, userID)
	if err != nil {
		return err
	}
	h.fanout.BroadcastToUser(userID, map[string]any{"type": "rooms_update", "rooms": rooms})
	return nil
}

// refreshRoomMembers 在成员变化后给房间内每个在线成员下发各自的房间列表。
func (h *Handler) refreshRoomMembers(ctx context.Context, roomID string) error {
	members, err := h.gateway.ListRoomMembers(ctx, roomID)
	if err != nil {
		return service.Internal(err)
	}
	for _, id := range members {
		if !h.presence.IsOnline(id) {
			continue
		}
		if err := h.refreshRooms(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) fillSenders(ctx context.Context, msgs []models.Message) {
	names := make(map[string]string)
	for i := range msgs {
		id := msgs[i].SenderID
		name, ok := names[id]
		if !ok {
			if u, err := h.gateway.GetUserByID(ctx, id); err == nil {
				name = u.Username
			} else if !errors.Is(err, store.ErrNotFound) {
				h.log.Warn().Err(err).Str("user_id", id).Msg("sender lookup")
			}
			names[id] = name
		}
		msgs[i].Sender = name
	}
}
