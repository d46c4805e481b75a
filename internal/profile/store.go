// Package profile はプレイヤーのローカル設定（表示名と使うデバイス）を sqlite に保存します
package profile

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var embeddedSchema embed.FS

var ErrNotFound = errors.New("profile: not found")

// Profile は1ユーザーぶんの設定です
type Profile struct {
	UserID             string
	DisplayName        string
	CameraDeviceID     string
	MicrophoneDeviceID string
	UpdatedAt          time.Time
}

// Store は profiles テーブルへのアクセスです。media.Preferences を実装します
type Store struct {
	db *sql.DB
}

// Open は path の sqlite ファイルを開き、スキーマを用意します
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("profile: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := New(db)
	if err := s.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("profile: init schema: %w", err)
	}
	return s, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InitSchema() error {
	b, err := embeddedSchema.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.Exec(strings.TrimSpace(string(b)))
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, userID string) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, display_name, camera_device_id, microphone_device_id, updated_at
		FROM profiles WHERE user_id = ?`, userID)
	var p Profile
	if err := row.Scan(&p.UserID, &p.DisplayName, &p.CameraDeviceID, &p.MicrophoneDeviceID, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, err
	}
	return p, nil
}

// Save はプロフィールを丸ごと書き込みます
func (s *Store) Save(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO profiles(user_id, display_name, camera_device_id, microphone_device_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			camera_device_id = excluded.camera_device_id,
			microphone_device_id = excluded.microphone_device_id,
			updated_at = excluded.updated_at`,
		p.UserID, p.DisplayName, p.CameraDeviceID, p.MicrophoneDeviceID, time.Now().UTC())
	return err
}

// DevicePreferences は保存されているカメラとマイクのIDを返します。未保存なら空文字
func (s *Store) DevicePreferences(ctx context.Context, userID string) (camera, microphone string, err error) {
	p, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return p.CameraDeviceID, p.MicrophoneDeviceID, nil
}

// ClearDevicePreferences は使えなかったデバイスIDを消し、次回は既定のデバイスを使わせます
func (s *Store) ClearDevicePreferences(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE profiles SET camera_device_id = '', microphone_device_id = '', updated_at = ?
		WHERE user_id = ?`, time.Now().UTC(), userID)
	return err
}
