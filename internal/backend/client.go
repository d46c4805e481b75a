// Package backend はホストされたゲームバックエンドのHTTP APIクライアントです
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodySize    = 4 << 20
)

// Client はゲームバックエンドへの呼び出しをまとめます
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *logrus.Entry
}

// New はクライアントを作成します。hc が nil なら15秒タイムアウトのクライアントを使います
func New(baseURL, token string, hc *http.Client, log *logrus.Entry) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("backend: invalid base url %q", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{base: u, token: token, http: hc, log: log.WithField("component", "backend")}, nil
}

// envelope は成功・失敗どちらの応答にも使われる形です
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

// JoinRequest はプレイヤー・観戦者として参加するときの本文です
type JoinRequest struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

// TimerResult はタイマー確認の結果です
type TimerResult struct {
	Advanced bool         `json:"advanced"`
	Phase    models.Phase `json:"phase"`
}

// FetchRoom は参加コードでルームのスナップショットを取得します
func (c *Client) FetchRoom(ctx context.Context, code string) (models.RoomSnapshot, error) {
	var snap models.RoomSnapshot
	err := c.call(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(code), nil, &snap)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Status == http.StatusNotFound && e.Code == CodeUnknown {
			e.Code = CodeRoomNotFound
		}
		return models.RoomSnapshot{}, err
	}
	models.SortPlayers(snap.Players)
	return snap, nil
}

// FetchChat はルームのチャットログ全体を取得します
func (c *Client) FetchChat(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := c.call(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/chat", nil, &msgs)
	return msgs, err
}

// FetchChatMessage はチャットメッセージを1件取得します
func (c *Client) FetchChatMessage(ctx context.Context, id string) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := c.call(ctx, http.MethodGet, "/api/chat/"+url.PathEscape(id), nil, &msg)
	return msg, err
}

// FetchCharacteristics はプレイヤーの特性を直接取得します
func (c *Client) FetchCharacteristics(ctx context.Context, playerID string) ([]models.Characteristic, error) {
	var cs []models.Characteristic
	err := c.call(ctx, http.MethodGet, "/api/players/"+url.PathEscape(playerID)+"/characteristics", nil, &cs)
	if err != nil {
		return nil, err
	}
	models.SortCharacteristics(cs)
	return cs, nil
}

// JoinRoom はプレイヤーとして参加します
func (c *Client) JoinRoom(ctx context.Context, roomID string, req JoinRequest) (models.Player, error) {
	var p models.Player
	err := c.call(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/join", req, &p)
	return p, err
}

// JoinAsSpectator は観戦者として参加します
func (c *Client) JoinAsSpectator(ctx context.Context, roomID string, req JoinRequest) (models.Spectator, error) {
	var s models.Spectator
	err := c.call(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/spectate", req, &s)
	return s, err
}

// CheckTimer はサーバー側の時間ルールを評価させます
func (c *Client) CheckTimer(ctx context.Context, roomID string) (TimerResult, error) {
	var res TimerResult
	err := c.call(ctx, http.MethodPost, "/api/game/check-timer", map[string]string{"room_id": roomID}, &res)
	return res, err
}

// Do はゲームアクションを実行します
func (c *Client) Do(ctx context.Context, a Action) error {
	return c.call(ctx, a.Method(), "/api/game/"+a.Name, a.Body, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode %s: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Code: CodeNetwork, Message: "network error", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Status: resp.StatusCode, Code: CodeNetwork, Message: "network error", Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)
	failed := resp.StatusCode < 200 || resp.StatusCode > 299 || (decodeErr == nil && env.Success != nil && !*env.Success)
	if failed {
		e := decodeError(resp.StatusCode, env.Error, data)
		c.log.WithFields(logrus.Fields{"path": path, "status": resp.StatusCode, "code": e.Code}).Debug("backend call failed")
		return e
	}
	if out == nil {
		return nil
	}
	if decodeErr != nil {
		return &Error{Status: resp.StatusCode, Code: CodeUnknown, Message: "malformed response", Err: decodeErr}
	}
	payload := env.Data
	if env.Success == nil {
		// 包まれていない応答
		payload = data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Status: resp.StatusCode, Code: CodeUnknown, Message: "malformed response", Err: err}
	}
	return nil
}

// decodeError は失敗応答をコードとメッセージに分けます
func decodeError(status int, errField json.RawMessage, body []byte) *Error {
	e := &Error{Status: status}

	var structured struct {
		Code Code `json:"code"`
	}
	if len(errField) > 0 && json.Unmarshal(errField, &structured) == nil {
		e.Code = structured.Code
	}

	var raw any
	if len(errField) > 0 {
		_ = json.Unmarshal(errField, &raw)
	} else if json.Unmarshal(body, &raw) != nil {
		raw = string(body)
	}
	e.Message = Normalize(raw)

	if e.Code == "" {
		if code, ok := codeFromMessage(e.Message); ok {
			e.Code = code
		} else {
			e.Code = codeFromStatus(status)
		}
	}
	return e
}

// IsCanceled は呼び出し側の中断によるものかどうかを返します。利用者に見せるエラーではありません
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
