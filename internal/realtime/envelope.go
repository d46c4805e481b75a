// Package realtime はリレーとやり取りするメッセージ形式と、
// ルーム単位のチャンネルを購読するWebSocketクライアントを提供します
package realtime

import (
	"encoding/json"
	"fmt"
)

// Envelope のタイプ
const (
	TypeJoined    = "joined"
	TypeBroadcast = "broadcast"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeLeave     = "leave"
	TypeError     = "error"
)

// FromServer はRESTから発行されたメッセージの送信者です
const FromServer = "server"

// Envelope はWebSocketで送受信するすべてのメッセージの形式です
type Envelope struct {
	ID      string          `json:"id,omitempty"`      // ULID（重複配信の検出用）
	Type    string          `json:"type"`              // joined / broadcast / ping / pong / leave / error
	Topic   string          `json:"topic,omitempty"`   // 配信先のトピック
	Event   string          `json:"event,omitempty"`   // broadcast のイベント名
	From    string          `json:"from,omitempty"`    // 送信元のクライアントID
	Payload json.RawMessage `json:"payload,omitempty"` // イベントごとのペイロード
}

// Decode はペイロードを dst にデコードします
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %q has empty payload", e.Event)
	}
	return json.Unmarshal(e.Payload, dst)
}

// トピック名
func SignalingTopic(roomID string) string { return "room:" + roomID + ":signaling" }
func ChangesTopic(roomID string) string   { return "room:" + roomID + ":changes" }
func BroadcastTopic(roomID string) string { return "room:" + roomID + ":broadcast" }
func StatusTopic(roomID string) string    { return "room:" + roomID + ":status" }

// イベント名
const (
	EventSignal       = "signal"
	EventChanges      = "postgres_changes"
	EventGameState    = "game_state_update"
	EventRevealed     = "characteristic_revealed"
	EventSpecialCard  = "special_card_used"
	EventCameraEffect = "camera_effect"
)

// テーブル名と変更種別
const (
	TableRooms           = "game_rooms"
	TablePlayers         = "game_players"
	TableCharacteristics = "player_characteristics"
	TableChat            = "chat_messages"

	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// Change はバックエンドが changes トピックに流す行変更の通知です
type Change struct {
	Table     string          `json:"table"`
	Type      string          `json:"type"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// ConnState はチャンネル接続の状態です
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)
