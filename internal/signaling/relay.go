// Package signaling 转发 WebRTC 握手元数据 (offer/answer/ice)，用于在语音房间内建立全互联。
// 语音房间只存在于内存中，进程重启后随之消失。
package signaling

import (
	"encoding/json"
	"sync"

	clog "meshchat/internal/log"
	"meshchat/internal/metrics"
	"meshchat/internal/service"

	"github.com/rs/zerolog"
)

// Session 是信令连接。加入的 (roomId, peerId) 直接记在连接上，
// 只在 Relay 持锁时写入。Send 不得阻塞。
type Session interface {
	Send(frame []byte) bool
	Peer() (roomID, peerID string)
	SetPeer(roomID, peerID string)
}

var (
	ErrMissingJoin = service.Validation("missing roomId or peerId")
	ErrPeerTaken   = service.Validation("peerId already joined")
	ErrBadKind     = service.Protocol("unknown message type")
)

type peer struct {
	id   string
	conn Session
}

type Relay struct {
	mu    sync.Mutex
	rooms map[string][]peer
	log   zerolog.Logger
}

func NewRelay() *Relay {
	return &Relay{
		rooms: make(map[string][]peer),
		log:   clog.With("signaling"),
	}
}

type inbound struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId"`
	PeerID string          `json:"peerId"`
	Target string          `json:"target"`
	Data   json.RawMessage `json:"data"`
}

type peersFrame struct {
	Type  string   `json:"type"`
	Peers []string `json:"peers"`
}

type peerFrame struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

type relayFrame struct {
	Type string          `json:"type"`
	From string          `json:"from"`
	Data json.RawMessage `json:"data"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Join 把 peer 登记到房间：加入者收到其余 peer 列表，其余 peer 各收到一条 peer_joined。
// 同一连接 join 到其他房间或换用其他 peerId 时先离开之前的房间。
func (r *Relay) Join(roomID, peerID string, c Session) error {
	if roomID == "" || peerID == "" {
		return ErrMissingJoin
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.rooms[roomID] {
		if p.id == peerID && p.conn != c {
			return ErrPeerTaken
		}
	}
	prevRoom, prevPeer := c.Peer()
	if prevRoom == roomID && prevPeer == peerID {
		// 已在房间内，只重发 peers，其余 peer 不受影响
		c.Send(mustJSON(peersFrame{Type: "peers", Peers: r.othersLocked(roomID, peerID)}))
		return nil
	}
	if prevRoom != "" {
		r.leaveLocked(prevRoom, prevPeer)
	}
	peers := r.rooms[roomID]
	others := make([]string, 0, len(peers))
	for _, p := range peers {
		others = append(others, p.id)
	}
	r.rooms[roomID] = append(peers, peer{id: peerID, conn: c})
	c.SetPeer(roomID, peerID)

	c.Send(mustJSON(peersFrame{Type: "peers", Peers: others}))
	joined := mustJSON(peerFrame{Type: "peer_joined", PeerID: peerID})
	for _, p := range peers {
		p.conn.Send(joined)
	}
	r.log.Debug().Str("room_id", roomID).Str("peer_id", peerID).Int("peers", len(peers)+1).Msg("peer join")
	return nil
}

func (r *Relay) othersLocked(roomID, peerID string) []string {
	out := make([]string, 0, len(r.rooms[roomID]))
	for _, p := range r.rooms[roomID] {
		if p.id != peerID {
			out = append(out, p.id)
		}
	}
	return out
}

// Relay 把 {kind, from, data} 原样转发给目标 peer；目标已离开时返回 ErrPeerNotFound。
func (r *Relay) Relay(kind, roomID, from, target string, data json.RawMessage) error {
	switch kind {
	case "offer", "answer", "ice":
	default:
		return ErrBadKind
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var dst Session
	if target != "" {
		for _, p := range r.rooms[roomID] {
			if p.id == target {
				dst = p.conn
				break
			}
		}
	}
	if dst == nil {
		metrics.SignalRelaysTotal.WithLabelValues(kind, "not_found").Inc()
		return service.ErrPeerNotFound
	}
	result := "ok"
	if !dst.Send(mustJSON(relayFrame{Type: kind, From: from, Data: data})) {
		result = "dropped"
	}
	metrics.SignalRelaysTotal.WithLabelValues(kind, result).Inc()
	return nil
}

// Leave 移除 peer 并通知剩余 peer，房间为空时丢弃。
func (r *Relay) Leave(roomID, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(roomID, peerID)
}

func (r *Relay) leaveLocked(roomID, peerID string) {
	peers := r.rooms[roomID]
	idx := -1
	for i, p := range peers {
		if p.id == peerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	peers[idx].conn.SetPeer("", "")
	rest := append(peers[:idx:idx], peers[idx+1:]...)
	if len(rest) == 0 {
		delete(r.rooms, roomID)
		r.log.Debug().Str("room_id", roomID).Msg("room discarded")
		return
	}
	r.rooms[roomID] = rest
	left := mustJSON(peerFrame{Type: "peer_left", PeerID: peerID})
	for _, p := range rest {
		p.conn.Send(left)
	}
}

// Peers 按加入顺序返回房间内的 peer。
func (r *Relay) Peers(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms[roomID]))
	for _, p := range r.rooms[roomID] {
		out = append(out, p.id)
	}
	return out
}

func (r *Relay) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// HandleFrame 处理信令通道上的一帧，错误以 error 帧回给发送方。
func (r *Relay) HandleFrame(c Session, raw []byte) {
	if err := r.handle(c, raw); err != nil {
		c.Send(mustJSON(errorFrame{Type: "error", Message: service.PublicMessage(err)}))
	}
}

func (r *Relay) handle(c Session, raw []byte) error {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return service.ErrInvalidJSON
	}
	metrics.WsFramesTotal.WithLabelValues("signaling", frameLabel(in.Type)).Inc()
	if in.Type == "join" {
		return r.Join(in.RoomID, in.PeerID, c)
	}

	roomID, peerID := c.Peer()
	if roomID == "" {
		return service.ErrNotJoined
	}
	switch in.Type {
	case "offer", "answer", "ice":
		return r.Relay(in.Type, roomID, peerID, in.Target, in.Data)
	case "leave":
		r.Leave(roomID, peerID)
		return nil
	default:
		return ErrBadKind
	}
}

func frameLabel(t string) string {
	switch t {
	case "join", "offer", "answer", "ice", "leave":
		return t
	default:
		return "unknown"
	}
}

// Disconnect 在连接关闭时调用，使房间的 peer 集合与仍连着的 socket 保持一致。
func (r *Relay) Disconnect(c Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if roomID, peerID := c.Peer(); roomID != "" {
		r.leaveLocked(roomID, peerID)
	}
}
