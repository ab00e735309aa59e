package service

import (
	"errors"
	"fmt"
)

// Kind 对错误进行分类，传输层据此决定回给客户端的内容。
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindProtocol
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Error 是带分类的业务错误，Msg 可以直接展示给客户端。
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让同类同文案的错误满足 errors.Is，哨兵错误因此可以直接比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == e.Msg
}

func Validation(msg string) error    { return &Error{Kind: KindValidation, Msg: msg} }
func Authorization(msg string) error { return &Error{Kind: KindAuthorization, Msg: msg} }
func NotFound(msg string) error      { return &Error{Kind: KindNotFound, Msg: msg} }
func Protocol(msg string) error      { return &Error{Kind: KindProtocol, Msg: msg} }

// Internal 包装持久层等内部错误，对客户端只暴露通用文案。
func Internal(err error) error { return &Error{Kind: KindInternal, Msg: "internal error", Err: err} }

// KindOf 返回错误分类，未分类的错误视为内部错误。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage 返回可以发给客户端的错误文案。
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码或错误帧。
var (
	ErrUsernameTaken      = &Error{Kind: KindValidation, Msg: "username taken"}
	ErrInvalidCredentials = &Error{Kind: KindAuthorization, Msg: "invalid credentials"}
	ErrNotAuthenticated   = &Error{Kind: KindAuthorization, Msg: "not authenticated"}
	ErrRoomNotFound       = &Error{Kind: KindNotFound, Msg: "room not found"}
	ErrUserNotFound       = &Error{Kind: KindNotFound, Msg: "user not found"}
	ErrInviteNotFound     = &Error{Kind: KindNotFound, Msg: "invitation not found"}
	ErrFileNotFound       = &Error{Kind: KindNotFound, Msg: "file not found"}
	ErrNotRoomOwner       = &Error{Kind: KindAuthorization, Msg: "only the room owner can invite"}
	ErrNotRoomMember      = &Error{Kind: KindAuthorization, Msg: "not a room member"}
	ErrNotInvitee         = &Error{Kind: KindAuthorization, Msg: "not the invitee"}
	ErrPeerNotFound       = &Error{Kind: KindTransport, Msg: "target peer not found"}
	ErrNotJoined          = &Error{Kind: KindValidation, Msg: "not joined to a room"}
	ErrInvalidJSON        = &Error{Kind: KindProtocol, Msg: "invalid JSON payload"}
	ErrInviteResolved     = &Error{Kind: KindNotFound, Msg: "invitation is no longer pending"}
	ErrInvitePending      = &Error{Kind: KindValidation, Msg: "invitation already pending"}
	ErrAlreadyMember      = &Error{Kind: KindValidation, Msg: "user is already a room member"}
	ErrShuttingDown       = &Error{Kind: KindTransport, Msg: "server shutting down"}
)
