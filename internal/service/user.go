package service

import (
	"context"
	"errors"
	"strings"

	"meshchat/internal/auth"
	"meshchat/internal/config"
	"meshchat/internal/idgen"
	"meshchat/internal/models"
	"meshchat/internal/store"
)

// UserService 封装注册、登录以及 token 解析。
type UserService struct {
	users store.UserRepository
	cfg   config.Config
}

func NewUserService(users store.UserRepository, cfg config.Config) *UserService {
	return &UserService{users: users, cfg: cfg}
}

// AuthResult 登录或注册成功后返回的数据。
type AuthResult struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func validateCredentials(username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", Validation("username and password required")
	}
	if len(username) < 2 || len(username) > 64 {
		return "", Validation("invalid username")
	}
	if len(password) < 4 || len(password) > 72 {
		return "", Validation("invalid password")
	}
	return username, nil
}

// Register 注册新用户并签发 access token。
func (s *UserService) Register(ctx context.Context, username, password string) (*AuthResult, error) {
	username, err := validateCredentials(username, password)
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, Internal(err)
	}
	user := models.User{ID: idgen.NewID(), Username: username, PasswordHash: hash}
	if err := s.users.CreateUser(ctx, &user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrUsernameTaken
		}
		return nil, Internal(err)
	}
	return s.issue(user)
}

// Login 校验用户名密码并签发 access token。
func (s *UserService) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, Validation("username and password required")
	}
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, Internal(err)
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return s.issue(*user)
}

// Authenticate 对应 WebSocket auth 帧：mode 为 login 或 register。
func (s *UserService) Authenticate(ctx context.Context, mode, nickname, password string) (*AuthResult, error) {
	switch mode {
	case "register":
		return s.Register(ctx, nickname, password)
	case "login", "":
		return s.Login(ctx, nickname, password)
	default:
		return nil, Validation("unknown auth mode")
	}
}

// ResolveToken 把 access token 解析成用户。
func (s *UserService) ResolveToken(ctx context.Context, token string) (*models.User, error) {
	claims, err := auth.ParseAccessToken(token, s.cfg.JWTSecret)
	if err != nil {
		return nil, Authorization("invalid session")
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Authorization("invalid session")
		}
		return nil, Internal(err)
	}
	return user, nil
}

func (s *UserService) issue(user models.User) (*AuthResult, error) {
	token, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, Internal(err)
	}
	return &AuthResult{Token: token, User: user}, nil
}
