package backend

import (
	"net/http"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
)

// Action はゲームを変更する1回のリクエストです
type Action struct {
	Name string
	Body map[string]any
	// HostOnly はホストだけが実行できるアクションです。呼び出し側の事前確認に使います
	HostOnly bool
}

func (a Action) Method() string {
	if a.Name == "characteristics/update" {
		return http.MethodPatch
	}
	return http.MethodPost
}

func StartGame(roomID string) Action {
	return Action{Name: "start", Body: map[string]any{"room_id": roomID}, HostOnly: true}
}

func StartVoting(roomID string) Action {
	return Action{Name: "start-voting", Body: map[string]any{"room_id": roomID}, HostOnly: true}
}

func NextRound(roomID string) Action {
	return Action{Name: "next-round", Body: map[string]any{"room_id": roomID}, HostOnly: true}
}

// FinishGame は手動モードでのみ使います
func FinishGame(roomID string) Action {
	return Action{Name: "finish", Body: map[string]any{"room_id": roomID}, HostOnly: true}
}

// EndVoting は投票を締め切り、最多得票のプレイヤーを脱落させます
func EndVoting(roomID string) Action {
	return Action{Name: "end-voting", Body: map[string]any{"room_id": roomID}, HostOnly: true}
}

func EliminatePlayer(roomID, playerID string) Action {
	return Action{Name: "eliminate", Body: map[string]any{"room_id": roomID, "player_id": playerID}, HostOnly: true}
}

func CastVote(roomID, voterID, targetID string) Action {
	return Action{Name: "vote", Body: map[string]any{"room_id": roomID, "voter_id": voterID, "target_id": targetID}}
}

func RevealCharacteristic(roomID, playerID, characteristicID string) Action {
	return Action{Name: "reveal", Body: map[string]any{
		"room_id":           roomID,
		"player_id":         playerID,
		"characteristic_id": characteristicID,
	}}
}

func UpdateCharacteristic(roomID, characteristicID, value string) Action {
	return Action{Name: "characteristics/update", Body: map[string]any{
		"room_id":           roomID,
		"characteristic_id": characteristicID,
		"value":             value,
	}, HostOnly: true}
}

func RandomizeCharacteristic(roomID, characteristicID string) Action {
	return Action{Name: "characteristics/randomize", Body: map[string]any{
		"room_id":           roomID,
		"characteristic_id": characteristicID,
	}, HostOnly: true}
}

// ExchangeCharacteristic は2人のプレイヤーの同じカテゴリの特性を入れ替えます
func ExchangeCharacteristic(roomID, playerA, playerB string, category models.Category) Action {
	return Action{Name: "characteristics/exchange", Body: map[string]any{
		"room_id":  roomID,
		"player_a": playerA,
		"player_b": playerB,
		"category": category,
	}, HostOnly: true}
}

func ToggleReady(roomID, playerID string) Action {
	return Action{Name: "ready", Body: map[string]any{"room_id": roomID, "player_id": playerID}}
}

// UseSpecialCard は特殊カードを使います。targetID は対象のないカードでは空です
func UseSpecialCard(roomID, playerID, characteristicID, targetID string) Action {
	body := map[string]any{
		"room_id":           roomID,
		"player_id":         playerID,
		"characteristic_id": characteristicID,
	}
	if targetID != "" {
		body["target_id"] = targetID
	}
	return Action{Name: "special-cards/use", Body: body}
}
