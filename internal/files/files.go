// Package files 负责上传文件的存取。字节落在磁盘或 redis，元数据经由 store 持久化；
// 消息里只携带 {id,url,name,mime,size}。
package files

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"

	"meshchat/internal/idgen"
	"meshchat/internal/models"
	"meshchat/internal/service"
	"meshchat/internal/store"
)

const defaultMime = "application/octet-stream"

var (
	ErrTooLarge       = &service.Error{Kind: service.KindValidation, Msg: "file too large"}
	ErrMissingPayload = &service.Error{Kind: service.KindValidation, Msg: "missing file payload"}
	ErrInvalidPayload = &service.Error{Kind: service.KindValidation, Msg: "invalid file payload"}
)

// Blobs 是字节存储后端，location 由后端自行解释。
type Blobs interface {
	Name() string
	Put(ctx context.Context, id, filename string, data []byte) (location string, err error)
	Get(ctx context.Context, location string) ([]byte, error)
}

type Meta struct {
	Name string
	Mime string
}

// Stored 是上传接口的返回。
type Stored struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Service struct {
	blobs    Blobs
	repo     store.FileRepository
	maxBytes int64
}

func NewService(blobs Blobs, repo store.FileRepository, maxBytes int64) *Service {
	return &Service{blobs: blobs, repo: repo, maxBytes: maxBytes}
}

func URL(id string) string { return "/files/" + id }

// Store 写入字节并登记元数据。
func (s *Service) Store(ctx context.Context, data []byte, meta Meta) (*Stored, error) {
	if meta.Name == "" || len(data) == 0 {
		return nil, ErrMissingPayload
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, ErrTooLarge
	}
	if meta.Mime == "" {
		meta.Mime = defaultMime
	}
	id := idgen.NewFileID()
	loc, err := s.blobs.Put(ctx, id, meta.Name, data)
	if err != nil {
		return nil, service.Internal(err)
	}
	rec := models.StoredFile{
		ID:       id,
		Name:     meta.Name,
		Mime:     meta.Mime,
		Size:     int64(len(data)),
		Backend:  s.blobs.Name(),
		Location: loc,
	}
	if err := s.repo.SaveFile(ctx, &rec); err != nil {
		return nil, service.Internal(err)
	}
	return &Stored{ID: id, URL: URL(id)}, nil
}

// Retrieve 返回元数据与文件内容。
func (s *Service) Retrieve(ctx context.Context, id string) (*models.StoredFile, []byte, error) {
	rec, err := s.repo.GetFile(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, service.ErrFileNotFound
		}
		return nil, nil, service.Internal(err)
	}
	data, err := s.blobs.Get(ctx, rec.Location)
	if err != nil {
		if errors.Is(err, service.ErrFileNotFound) {
			return nil, nil, err
		}
		return nil, nil, service.Internal(err)
	}
	return rec, data, nil
}

var dataURL = regexp.MustCompile(`^data:([^;,]+)?(;[^,]*)?;base64,(.*)$`)

// DecodePayload 解析 data URL 或裸 base64，返回内容与 data URL 中声明的 mime。
func DecodePayload(payload string) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, "", ErrMissingPayload
	}
	mime := ""
	if m := dataURL.FindStringSubmatch(payload); m != nil {
		mime, payload = m[1], m[3]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", ErrInvalidPayload
		}
	}
	return data, mime, nil
}
