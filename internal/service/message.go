package service

import (
	"context"
	"strings"

	"meshchat/internal/idgen"
	"meshchat/internal/models"
	"meshchat/internal/store"
)

const maxTextLen = 4000

// MessageService 封装消息相关的业务逻辑。
type MessageService struct {
	store store.Gateway
	rooms *RoomService
}

func NewMessageService(gw store.Gateway, rooms *RoomService) *MessageService {
	return &MessageService{store: gw, rooms: rooms}
}

// MessageInput 是客户端 message 帧中的 message 字段。
type MessageInput struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	File *models.FileRef `json:"file,omitempty"`
}

func (in MessageInput) validate() (models.Message, error) {
	switch in.Type {
	case models.MessageKindText, "":
		text := strings.TrimSpace(in.Text)
		if text == "" {
			return models.Message{}, Validation("message text required")
		}
		if len(text) > maxTextLen {
			return models.Message{}, Validation("message too long")
		}
		return models.Message{Kind: models.MessageKindText, Text: &text}, nil
	case models.MessageKindFile:
		f := in.File
		if f == nil || f.ID == "" || f.URL == "" || f.Name == "" {
			return models.Message{}, Validation("file metadata required")
		}
		if f.Mime == "" {
			f.Mime = "application/octet-stream"
		}
		return models.Message{Kind: models.MessageKindFile, File: f}, nil
	default:
		return models.Message{}, Validation("unknown message type")
	}
}

// Post 校验并持久化消息，调用者需随后把结果广播给房间成员。
func (s *MessageService) Post(ctx context.Context, roomID, senderID string, in MessageInput) (*models.Message, error) {
	if roomID == "" {
		return nil, Validation("roomId required")
	}
	msg, err := in.validate()
	if err != nil {
		return nil, err
	}
	if _, err := s.rooms.Get(ctx, roomID, senderID); err != nil {
		return nil, err
	}
	msg.ID = idgen.NewULID()
	msg.RoomID = roomID
	msg.SenderID = senderID
	if err := s.store.AddMessage(ctx, &msg); err != nil {
		return nil, Internal(err)
	}
	return &msg, nil
}

// History 返回房间最近 limit 条消息，要求调用者是成员。
func (s *MessageService) History(ctx context.Context, roomID, userID string, limit int) ([]models.Message, error) {
	if _, err := s.rooms.Get(ctx, roomID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	msgs, err := s.store.ListMessages(ctx, roomID, limit)
	if err != nil {
		return nil, Internal(err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}
