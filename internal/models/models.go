// Package models はアプリケーションで使用するデータ構造を定義します
package models

// Member はリレーのチャンネルに接続しているクライアントを表します
type Member struct {
	ClientID string `json:"clientId"`           // 接続ごとの一意な識別子
	MemberID string `json:"memberId,omitempty"` // プレイヤーIDなど（オプショナル）
	JoinedAt int64  `json:"joinedAt"`           // 接続日時（Unixタイムスタンプ）
}
