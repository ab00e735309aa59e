package server

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"meshchat/internal/auth"
	"meshchat/internal/files"
	"meshchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc  *service.UserService
	roomSvc  *service.RoomService
	msgSvc   *service.MessageService
	fileSvc  *files.Service
	maxBytes int64
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService, fileSvc *files.Service, maxBytes int64) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc, fileSvc: fileSvc, maxBytes: maxBytes}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUsernameTaken):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, files.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	switch service.KindOf(err) {
	case service.KindValidation, service.KindProtocol:
		return http.StatusBadRequest
	case service.KindAuthorization:
		return http.StatusForbidden
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 把业务错误映射为 HTTP 响应，内部错误只记录日志不外泄。
func writeError(c *gin.Context, err error, op string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg(op)
	}
	c.JSON(status, gin.H{"error": service.PublicMessage(err)})
}

type credentials struct {
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Password string `json:"password"`
}

func (r credentials) name() string {
	if r.Username != "" {
		return r.Username
	}
	return r.Nickname
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req.name(), req.Password)
	if err != nil {
		writeError(c, err, "register")
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.name(), req.Password)
	if err != nil {
		writeError(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, result)
}

// CreateRoom 处理创建房间请求。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	room, err := h.roomSvc.Create(c.Request.Context(), req.Name, auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "create room")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room": room})
}

// ListRooms 返回调用者所在的房间。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.ListForUser(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "list rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoom 返回房间与最近消息，仅成员可见。
func (h *Handler) GetRoom(c *gin.Context) {
	room, msgs, err := h.roomSvc.Join(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "get room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "messages": msgs})
}

// ListMessages 处理获取房间消息列表请求。
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := h.msgSvc.History(c.Request.Context(), c.Param("id"), auth.GetUserID(c), limit)
	if err != nil {
		writeError(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type uploadRequest struct {
	Name     string `json:"name"`
	FileName string `json:"fileName"`
	Mime     string `json:"mime"`
	Type     string `json:"type"`
	Data     string `json:"data"`
	FileData string `json:"fileData"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Upload 接收 JSON 编码的文件 (data URL 或 base64)，返回 {id,url}。
func (h *Handler) Upload(c *gin.Context) {
	if h.maxBytes > 0 {
		// base64 膨胀约 4/3，再留出 JSON 字段的余量
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes*4/3+64<<10)
	}
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(c, files.ErrTooLarge, "upload")
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	name := firstNonEmpty(req.Name, req.FileName)
	payload := firstNonEmpty(req.Data, req.FileData)
	if name == "" || payload == "" {
		writeError(c, files.ErrMissingPayload, "upload")
		return
	}
	data, declared, err := files.DecodePayload(payload)
	if err != nil {
		writeError(c, err, "upload")
		return
	}
	out, err := h.fileSvc.Store(c.Request.Context(), data, files.Meta{
		Name: name,
		Mime: firstNonEmpty(req.Mime, req.Type, declared),
	})
	if err != nil {
		writeError(c, err, "upload")
		return
	}
	log.Info().Str("file_id", out.ID).Int("size", len(data)).Msg("upload")
	c.JSON(http.StatusCreated, out)
}

// GetFile 按存储时的 mime 返回文件内容。
func (h *Handler) GetFile(c *gin.Context) {
	rec, data, err := h.fileSvc.Retrieve(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "get file")
		return
	}
	if disp := mime.FormatMediaType("inline", map[string]string{"filename": rec.Name}); disp != "" {
		c.Header("Content-Disposition", disp)
	}
	c.Header("Cache-Control", "private, max-age=86400")
	c.Data(http.StatusOK, strings.TrimSpace(rec.Mime), data)
}
