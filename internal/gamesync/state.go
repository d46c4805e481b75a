package gamesync

import (
	"time"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
)

// Connection はリアルタイム接続の状態です
type Connection string

const (
	ConnConnected    Connection = "connected"
	ConnDisconnected Connection = "disconnected"
	ConnReconnecting Connection = "reconnecting"
)

// Terminal はセッションを終わらせる理由です。空文字は継続中
type Terminal string

const (
	TerminalRoomDeleted        Terminal = "room_deleted"
	TerminalFinished           Terminal = "finished"
	TerminalPasswordRequired   Terminal = "password_required"
	TerminalPasswordInvalid    Terminal = "password_invalid"
	TerminalSpectatorsDisabled Terminal = "spectators_disabled"
)

// Announcement は特殊カードの使用などのお知らせです
type Announcement struct {
	PlayerID         string
	TargetID         string
	CharacteristicID string
	Text             string
	At               time.Time
}

const maxAnnouncements = 20

// State は描画にそのまま使えるゲーム状態のスナップショットです
type State struct {
	Room       models.Room
	Players    []models.Player // スロット順
	Spectators []models.Spectator
	Chat       []models.ChatMessage // 追記のみ

	CurrentPlayerID    string
	CurrentSpectatorID string
	IsHost             bool
	Loaded             bool

	Connection    Connection
	Terminal      Terminal
	Err           string // 利用者に表示するエラー
	Announcements []Announcement
	Effects       map[string]string // プレイヤーIDごとのカメラエフェクト
}

// Me は自分のプレイヤーを返します
func (s State) Me() (models.Player, bool) {
	if s.CurrentPlayerID == "" {
		return models.Player{}, false
	}
	return s.Player(s.CurrentPlayerID)
}

func (s State) Player(id string) (models.Player, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return models.Player{}, false
}

// characteristic はすべてのプレイヤーから特性を探します
func (s State) characteristic(id string) (models.Characteristic, bool) {
	for _, p := range s.Players {
		if c, ok := p.Characteristic(id); ok {
			return c, true
		}
	}
	return models.Characteristic{}, false
}

// Roster はメッシュに渡す参加者IDをスロット順で返します。自分は含みません
func Roster(s State) []string {
	ids := make([]string, 0, len(s.Players))
	for _, p := range s.Players {
		if p.ID == s.CurrentPlayerID {
			continue
		}
		ids = append(ids, p.ID)
	}
	return ids
}

func (s State) clone() State {
	c := s
	c.Players = make([]models.Player, len(s.Players))
	for i, p := range s.Players {
		p.Characteristics = append([]models.Characteristic(nil), p.Characteristics...)
		c.Players[i] = p
	}
	c.Spectators = append([]models.Spectator(nil), s.Spectators...)
	c.Chat = append([]models.ChatMessage(nil), s.Chat...)
	c.Announcements = append([]Announcement(nil), s.Announcements...)
	c.Effects = make(map[string]string, len(s.Effects))
	for k, v := range s.Effects {
		c.Effects[k] = v
	}
	return c
}
