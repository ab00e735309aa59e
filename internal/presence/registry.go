// Package presence 维护 identity 到在线连接集合的映射，并在 0↔1 迁移时通知其他在线用户。
package presence

import (
	"encoding/json"
	"sync"

	"meshchat/internal/metrics"
)

// Conn 是可投递帧的连接，Send 不得阻塞。
type Conn interface {
	Send(payload []byte) bool
}

// StatusFrame 是上下线通知帧。
type StatusFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Encoder 把一次迁移编码成要发给其他在线用户的帧。
type Encoder func(identity string, online bool) []byte

func defaultEncoder(identity string, online bool) []byte {
	status := "offline"
	if online {
		status = "online"
	}
	b, _ := json.Marshal(StatusFrame{Type: "status_update", UserID: identity, Status: status})
	return b
}

type Option func(*Registry)

// WithEncoder 替换默认的 status_update 帧。
func WithEncoder(enc Encoder) Option {
	return func(r *Registry) { r.encode = enc }
}

// Registry 用一把互斥锁串行化注册与注销，保证迁移检测没有竞态。
type Registry struct {
	mu     sync.Mutex
	users  map[string]map[Conn]struct{}
	encode Encoder
}

func New(opts ...Option) *Registry {
	r := &Registry{users: make(map[string]map[Conn]struct{}), encode: defaultEncoder}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 登记连接，返回该 identity 是否因此从离线变为在线。
func (r *Registry) Register(identity string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.users[identity]
	if !ok {
		set = make(map[Conn]struct{})
		r.users[identity] = set
	}
	set[c] = struct{}{}
	if ok {
		return false
	}
	metrics.OnlineUsers.Set(float64(len(r.users)))
	r.notifyLocked(identity, true)
	return true
}

// Unregister 注销连接，返回该 identity 是否因此变为离线。
func (r *Registry) Unregister(identity string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.users[identity]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) > 0 {
		return false
	}
	delete(r.users, identity)
	metrics.OnlineUsers.Set(float64(len(r.users)))
	r.notifyLocked(identity, false)
	return true
}

// notifyLocked 在持锁状态下入队，同一 identity 的上下线通知因此保持顺序。
func (r *Registry) notifyLocked(identity string, online bool) {
	frame := r.encode(identity, online)
	for other, conns := range r.users {
		if other == identity {
			continue
		}
		for c := range conns {
			c.Send(frame)
		}
	}
}

func (r *Registry) IsOnline(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[identity]) > 0
}

// ConnectionsFor 返回连接快照，调用方可在锁外投递。
func (r *Registry) ConnectionsFor(identity string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.users[identity]
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) OnlineIdentities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	return out
}

// Deliver 在持锁状态下把帧投递给 identity 的所有连接，返回投递数。
func (r *Registry) Deliver(identity string, frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for c := range r.users[identity] {
		if c.Send(frame) {
			n++
		}
	}
	return n
}
