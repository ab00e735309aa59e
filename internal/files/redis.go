package files

import (
	"context"
	"errors"
	"fmt"

	"meshchat/internal/service"

	"github.com/redis/go-redis/v9"
)

// RedisBlobs 把文件内容存为 files:<id>，不设过期。
type RedisBlobs struct {
	rdb *redis.Client
}

func NewRedisBlobs(rdb *redis.Client) *RedisBlobs {
	return &RedisBlobs{rdb: rdb}
}

func fileKey(id string) string {
	return fmt.Sprintf("files:%s", id)
}

func (r *RedisBlobs) Name() string { return "redis" }

func (r *RedisBlobs) Put(ctx context.Context, id, _ string, data []byte) (string, error) {
	key := fileKey(id)
	if err := r.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return "", err
	}
	return key, nil
}

func (r *RedisBlobs) Get(ctx context.Context, location string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, location).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, service.ErrFileNotFound
	}
	return val, err
}
