package models

import (
	"sort"
	"time"
)

// Phase はルームの進行フェーズです
type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhasePlaying  Phase = "playing"
	PhaseVoting   Phase = "voting"
	PhaseResults  Phase = "results"
	PhaseFinished Phase = "finished"
)

// InRound はタイマー監視が必要なフェーズかどうかを返します
func (p Phase) InRound() bool {
	return p == PhasePlaying || p == PhaseVoting
}

type RoundMode string

const (
	RoundModeManual    RoundMode = "manual"
	RoundModeAutomatic RoundMode = "automatic"
)

type HostRole string

const (
	HostAndPlayer HostRole = "host_and_player"
	HostOnly      HostRole = "host_only"
)

// RoomSettings はホストが設定するルームのオプションです
type RoomSettings struct {
	RoundMode          RoundMode `json:"round_mode"`
	HostRole           HostRole  `json:"host_role"`
	AllowSpectators    bool      `json:"allow_spectators"`
	MaxPlayers         int       `json:"max_players"`
	RoundTimerSeconds  int       `json:"round_timer_seconds"`
	VotingTimerSeconds int       `json:"voting_timer_seconds"`
	HasPassword        bool      `json:"has_password"`
}

// Room はゲームルームです。変更はサーバー側でのみ行われます
type Room struct {
	ID                string       `json:"id"`
	Code              string       `json:"room_code"`
	HostID            string       `json:"host_id"`
	Phase             Phase        `json:"phase"`
	CurrentRound      int          `json:"current_round"`
	RoundStartedAt    *time.Time   `json:"round_started_at"` // nil はタイマー未開始
	RoundTimerSeconds int          `json:"round_timer_seconds"`
	Settings          RoomSettings `json:"settings"`
}

// HostOnly はホストがプレイヤーとして参加しない設定かどうかを返します
func (r Room) HostOnly() bool {
	return r.Settings.HostRole == HostOnly
}

// Manual は手動でラウンドを進める設定かどうかを返します
func (r Room) Manual() bool {
	return r.Settings.RoundMode == RoundModeManual
}

// RoundDeadline はラウンドの終了予定時刻を返します。タイマー未開始なら false
func (r Room) RoundDeadline() (time.Time, bool) {
	if r.RoundStartedAt == nil || r.RoundTimerSeconds <= 0 {
		return time.Time{}, false
	}
	return r.RoundStartedAt.Add(time.Duration(r.RoundTimerSeconds) * time.Second), true
}

// Category は特性のカテゴリです。名前は変更されず、値だけが変わります
type Category string

const (
	CategoryGender     Category = "gender"
	CategoryAge        Category = "age"
	CategoryProfession Category = "profession"
	CategoryHealth     Category = "health"
	CategoryHobby      Category = "hobby"
	CategoryPhobia     Category = "phobia"
	CategoryBaggage    Category = "baggage"
	CategoryFact       Category = "fact"
	CategorySpecial    Category = "special"
	CategoryBio        Category = "bio"
	CategorySkill      Category = "skill"
	CategoryTrait      Category = "trait"
	CategoryAdditional Category = "additional"
)

var categories = map[Category]bool{
	CategoryGender: true, CategoryAge: true, CategoryProfession: true, CategoryHealth: true,
	CategoryHobby: true, CategoryPhobia: true, CategoryBaggage: true, CategoryFact: true,
	CategorySpecial: true, CategoryBio: true, CategorySkill: true, CategoryTrait: true,
	CategoryAdditional: true,
}

// Valid はカテゴリが既知の語彙に含まれるかを返します
func (c Category) Valid() bool { return categories[c] }

// Characteristic はプレイヤーが持つ特性カードです
type Characteristic struct {
	ID         string   `json:"id"`
	PlayerID   string   `json:"player_id"`
	Category   Category `json:"category"`
	Name       string   `json:"name"`
	Value      string   `json:"value"`
	IsRevealed bool     `json:"is_revealed"`
	SortOrder  int      `json:"sort_order"`
}

// PlayerMetadata はラウンドごとの一時的な付与効果を保持します
type PlayerMetadata struct {
	Immunity        bool           `json:"immunity,omitempty"`
	DoubleVote      bool           `json:"double_vote,omitempty"`
	CannotBeVotedBy []string       `json:"cannot_be_voted_by,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// BlocksVoteFrom は voterID からの投票が禁止されているかを返します
func (m PlayerMetadata) BlocksVoteFrom(voterID string) bool {
	for _, id := range m.CannotBeVotedBy {
		if id == voterID {
			return true
		}
	}
	return false
}

// Player はルームに着席しているプレイヤーです。Slot は一度決まったら変わりません
type Player struct {
	ID              string           `json:"id"`
	RoomID          string           `json:"room_id"`
	UserID          string           `json:"user_id"`
	Name            string           `json:"name"`
	Slot            int              `json:"slot"`
	IsEliminated    bool             `json:"is_eliminated"`
	IsReady         bool             `json:"is_ready"`
	Metadata        PlayerMetadata   `json:"metadata"`
	Characteristics []Characteristic `json:"characteristics"`
}

// Characteristic は ID で特性を探します
func (p Player) Characteristic(id string) (Characteristic, bool) {
	for _, c := range p.Characteristics {
		if c.ID == id {
			return c, true
		}
	}
	return Characteristic{}, false
}

// SortPlayers はスロット順に並べ替え、各プレイヤーの特性を表示順に並べます
func SortPlayers(players []Player) {
	sort.SliceStable(players, func(i, j int) bool { return players[i].Slot < players[j].Slot })
	for i := range players {
		SortCharacteristics(players[i].Characteristics)
	}
}

func SortCharacteristics(cs []Characteristic) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].SortOrder < cs[j].SortOrder })
}

// Spectator は観戦者です
type Spectator struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type MessageType string

const (
	MessageChat   MessageType = "chat"
	MessageSystem MessageType = "system"
)

// ChatMessage は追記のみのチャットログの1件です。PlayerID が nil ならシステムメッセージ
type ChatMessage struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	PlayerID  *string     `json:"player_id"`
	Message   string      `json:"message"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
}

// RoomSnapshot はルーム・プレイヤー・観戦者をまとめて取得した結果です
type RoomSnapshot struct {
	Room       Room        `json:"room"`
	Players    []Player    `json:"players"`
	Spectators []Spectator `json:"spectators"`
}

// PlayerByUser はユーザーIDに対応するプレイヤーを返します
func (s RoomSnapshot) PlayerByUser(userID string) (Player, bool) {
	for _, p := range s.Players {
		if p.UserID == userID {
			return p, true
		}
	}
	return Player{}, false
}

// SpectatorByUser はユーザーIDに対応する観戦者を返します
func (s RoomSnapshot) SpectatorByUser(userID string) (Spectator, bool) {
	for _, sp := range s.Spectators {
		if sp.UserID == userID {
			return sp, true
		}
	}
	return Spectator{}, false
}
