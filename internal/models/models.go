package models

import "time"

// 邀请状态：pending 之外的状态均为终态。
const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusDeclined = "declined"
	InviteStatusExpired  = "expired"
)

// 消息类型。
const (
	MessageKindText = "text"
	MessageKindFile = "file"
)

type User struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:64;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"-"`
}

type Room struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	OwnerID   string    `gorm:"index;size:36;not null" json:"ownerId"`
	Members   []string  `gorm:"-" json:"members,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RoomMember 记录房间成员关系，owner 在建房时即写入。
type RoomMember struct {
	RoomID    string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"primaryKey;size:36;index"`
	CreatedAt time.Time
}

// FileRef 是消息中携带的文件元数据，核心层只转发这些字段。
type FileRef struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
}

type Message struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	RoomID    string    `gorm:"index:idx_msg_room_id;size:36;not null" json:"roomId"`
	SenderID  string    `gorm:"index;size:36;not null" json:"fromUserId"`
	Sender    string    `gorm:"-" json:"from,omitempty"`
	Kind      string    `gorm:"size:8;not null" json:"type"`
	Text      *string   `gorm:"type:text" json:"text"`
	File      *FileRef  `gorm:"serializer:json;type:text" json:"file"`
	CreatedAt time.Time `json:"createdAt"`
}

type Invitation struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	RoomID    string    `gorm:"index;size:36;not null" json:"roomId"`
	FromID    string    `gorm:"size:36;not null" json:"fromUserId"`
	ToID      string    `gorm:"index;size:36;not null" json:"toUserId"`
	Status    string    `gorm:"index;size:16;not null" json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expiresAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Pending 判断邀请是否仍可被处理。
func (i *Invitation) Pending() bool { return i.Status == InviteStatusPending }

// StoredFile 是上传文件的元数据，内容由具体的文件后端保存。
type StoredFile struct {
	ID        string `gorm:"primaryKey;size:32"`
	Name      string `gorm:"size:255;not null"`
	Mime      string `gorm:"size:128;not null"`
	Size      int64  `gorm:"not null"`
	Backend   string `gorm:"size:16;not null"`
	Location  string `gorm:"size:512;not null"`
	CreatedAt time.Time
}
