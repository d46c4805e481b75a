// Package idgen はリレーとクライアントで使う識別子を生成します
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID はエンベロープIDを生成します。同じミリ秒内でも単調に増加します
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewClientID はリアルタイム接続ごとのクライアントIDを生成します
func NewClientID() string {
	return uuid.NewString()
}

// ValidClientID はクライアントIDがUUID形式かどうかを返します
func ValidClientID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
