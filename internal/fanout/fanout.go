// Package fanout 把一条 payload 投递给房间成员或指定用户的全部在线连接。
//
// 投递是尽力而为的：离线成员只是错过实时推送，重新进入房间时从历史消息恢复。
// 同一调用方顺序提交的 payload 会按提交顺序进入每个连接的发送队列。
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"meshchat/internal/presence"
)

// MemberLister 提供房间当前成员，通常由持久化网关实现。
type MemberLister interface {
	ListRoomMembers(ctx context.Context, roomID string) ([]string, error)
}

type Fanout struct {
	members  MemberLister
	presence *presence.Registry
}

func New(members MemberLister, reg *presence.Registry) *Fanout {
	return &Fanout{members: members, presence: reg}
}

func encode(payload any) ([]byte, error) {
	if b, ok := payload.([]byte); ok {
		return b, nil
	}
	return json.Marshal(payload)
}

// BroadcastToRoom 投递给房间每个成员的每个在线连接，返回投递成功的连接数。
func (f *Fanout) BroadcastToRoom(ctx context.Context, roomID string, payload any) (int, error) {
	members, err := f.members.ListRoomMembers(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("list room members: %w", err)
	}
	frame, err := encode(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	n := 0
	for _, id := range members {
		n += f.presence.Deliver(id, frame)
	}
	return n, nil
}

// BroadcastToUser 投递给单个 identity 的全部在线连接。
func (f *Fanout) BroadcastToUser(identity string, payload any) int {
	frame, err := encode(payload)
	if err != nil {
		return 0
	}
	return f.presence.Deliver(identity, frame)
}

// BroadcastToOnline 投递给所有在线 identity，用于用户列表刷新。
func (f *Fanout) BroadcastToOnline(payload any) int {
	frame, err := encode(payload)
	if err != nil {
		return 0
	}
	n := 0
	for _, id := range f.presence.OnlineIdentities() {
		n += f.presence.Deliver(id, frame)
	}
	return n
}
