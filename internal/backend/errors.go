package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code はバックエンドが返すエラーコードです
type Code string

const (
	CodeNetwork            Code = "NETWORK"
	CodeRoomNotFound       Code = "ROOM_NOT_FOUND"
	CodeAlreadyJoined      Code = "ALREADY_JOINED"
	CodePasswordRequired   Code = "PASSWORD_REQUIRED"
	CodePasswordInvalid    Code = "PASSWORD_INVALID"
	CodeSpectatorsDisabled Code = "SPECTATORS_DISABLED"
	CodeWrongPhase         Code = "WRONG_PHASE"
	CodeAlreadyInPhase     Code = "ALREADY_IN_PHASE"
	CodeForbidden          Code = "FORBIDDEN"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeUnknown            Code = "UNKNOWN"
)

// Error はバックエンド呼び出しの失敗です
type Error struct {
	Status  int // 0 はHTTP応答がなかったことを表す
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %s", e.Code)
	}
	return fmt.Sprintf("backend: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is はコードが同じ *Error と一致します
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// errors.Is で使う比較用の値
var (
	ErrNetwork            = &Error{Code: CodeNetwork}
	ErrRoomNotFound       = &Error{Code: CodeRoomNotFound}
	ErrAlreadyJoined      = &Error{Code: CodeAlreadyJoined}
	ErrPasswordRequired   = &Error{Code: CodePasswordRequired}
	ErrPasswordInvalid    = &Error{Code: CodePasswordInvalid}
	ErrSpectatorsDisabled = &Error{Code: CodeSpectatorsDisabled}
	ErrWrongPhase         = &Error{Code: CodeWrongPhase}
	ErrAlreadyInPhase     = &Error{Code: CodeAlreadyInPhase}
	ErrForbidden          = &Error{Code: CodeForbidden}
)

// CodeOf はエラーのコードを返します。*Error でなければ UNKNOWN
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable はネットワーク系の一時的な失敗かどうかを返します
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeNetwork, CodeUnavailable:
		return true
	}
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsBenign は競合によって起きた、成功または無視として扱う失敗かどうかを返します
func IsBenign(err error) bool {
	switch CodeOf(err) {
	case CodeAlreadyJoined, CodeAlreadyInPhase, CodeWrongPhase:
		return true
	}
	return false
}

// Message は利用者に表示できる1行のメッセージを返します
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return Normalize(err.Error())
}

const (
	maxNormalizeDepth = 5
	genericMessage    = "unexpected server error"
)

// Normalize はエラーのペイロードを1行の文字列にします
//
// 受け付ける形は次のとおりで、それ以外は固定の汎用メッセージになります。
//   - 文字列（JSON を含む文字列は解析してから扱う）
//   - {"message": X} / {"msg": X} / {"error": X} / {"detail": X} / {"details": X}
//   - 上記の配列（空でないものを "; " でつなぐ）
//   - error
//
// 入れ子は5段まで辿ります。
func Normalize(payload any) string {
	if s := normalize(payload, 0); s != "" {
		return s
	}
	return genericMessage
}

func normalize(v any, depth int) string {
	if depth > maxNormalizeDepth {
		return ""
	}
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		s := strings.TrimSpace(x)
		if looksLikeJSON(s) {
			var inner any
			if err := json.Unmarshal([]byte(s), &inner); err == nil {
				return normalize(inner, depth+1)
			}
		}
		if s == "[object Object]" {
			return ""
		}
		return s
	case []byte:
		return normalize(string(x), depth+1)
	case json.RawMessage:
		return normalize(string(x), depth+1)
	case error:
		return normalize(x.Error(), depth+1)
	case map[string]any:
		for _, key := range []string{"message", "msg", "error", "detail", "details"} {
			if inner, ok := x[key]; ok {
				if s := normalize(inner, depth+1); s != "" {
					return s
				}
			}
		}
		return ""
	case []any:
		var parts []string
		for _, item := range x {
			if s := normalize(item, depth+1); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

func looksLikeJSON(s string) bool {
	if len(s) < 2 {
		return false
	}
	switch s[0] {
	case '{', '[', '"':
		return true
	}
	return false
}

// codeFromStatus はコードのない応答をHTTPステータスで分類します
// 404 は何が見つからなかったかが分からないので UNKNOWN のままにします
func codeFromStatus(status int) Code {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeInvalidRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return CodeForbidden
	case http.StatusConflict:
		return CodeAlreadyJoined
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return CodeUnavailable
	}
	return CodeUnknown
}

// codeFromMessage はコードのない失敗をメッセージの文言で分類します
func codeFromMessage(msg string) (Code, bool) {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "already joined"), strings.Contains(m, "already a player"), strings.Contains(m, "already in room"):
		return CodeAlreadyJoined, true
	case strings.Contains(m, "password required"), strings.Contains(m, "requires a password"):
		return CodePasswordRequired, true
	case strings.Contains(m, "invalid password"), strings.Contains(m, "wrong password"):
		return CodePasswordInvalid, true
	case strings.Contains(m, "spectators") && strings.Contains(m, "disabled"), strings.Contains(m, "spectators are not allowed"):
		return CodeSpectatorsDisabled, true
	case strings.Contains(m, "already in phase"), strings.Contains(m, "already started"):
		return CodeAlreadyInPhase, true
	case strings.Contains(m, "wrong phase"), strings.Contains(m, "not in phase"), strings.Contains(m, "invalid phase"):
		return CodeWrongPhase, true
	case strings.Contains(m, "room not found"):
		return CodeRoomNotFound, true
	}
	return "", false
}
