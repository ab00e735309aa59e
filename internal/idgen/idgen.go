package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)

	nanoMu  sync.Mutex
	newNano = mustGenerator(nanoid.Standard(21))
)

func mustGenerator(gen func() string, err error) func() string {
	if err != nil {
		panic(err)
	}
	return gen
}

// NewID 用于用户、房间、邀请等实体。
func NewID() string {
	return uuid.NewString()
}

// NewULID 按时间单调递增，消息按它排序即按发送顺序。
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewFileID 生成 URL 安全的短 id。
func NewFileID() string {
	nanoMu.Lock()
	defer nanoMu.Unlock()
	return newNano()
}
