package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	DBDriver              string
	DatabaseDSN           string
	JWTSecret             string
	AccessTokenTTLMinutes int
	InviteTTL             time.Duration
	FileBackend           string
	UploadDir             string
	MaxUploadBytes        int64
	RedisAddr             string
	CORSOrigins           []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 读取正整数环境变量，非法或非正值回退到默认值。
func getint(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load 先尝试加载当前目录下的 .env，再从环境变量读取配置。
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		DBDriver:              getenv("DB_DRIVER", "postgres"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=meshchat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 60),
		InviteTTL:             time.Duration(getint("INVITE_TTL_SECONDS", 300)) * time.Second,
		FileBackend:           getenv("FILE_BACKEND", "disk"),
		UploadDir:             getenv("UPLOAD_DIR", "./uploads"),
		MaxUploadBytes:        int64(getint("MAX_UPLOAD_BYTES", 10<<20)),
		RedisAddr:             getenv("REDIS_ADDR", "localhost:6379"),
		CORSOrigins:           splitList(os.Getenv("CORS_ORIGINS")),
	}
}

// Validate 在启动前检查配置是否可用，生产环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: empty port")
	}
	switch cfg.DBDriver {
	case "postgres", "sqlite":
		if cfg.DatabaseDSN == "" {
			return errors.New("config: empty database dsn")
		}
	case "memory":
	default:
		return errors.New("config: unknown db driver " + cfg.DBDriver)
	}
	switch cfg.FileBackend {
	case "disk", "redis":
	default:
		return errors.New("config: unknown file backend " + cfg.FileBackend)
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default jwt secret outside dev")
	}
	if cfg.InviteTTL <= 0 {
		return errors.New("config: invite ttl must be positive")
	}
	return nil
}
