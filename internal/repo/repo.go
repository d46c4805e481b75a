package repo

import (
	"context"
	"errors"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
)

var ErrMemberNotFound = errors.New("member not found")

// PresenceRepo はチャンネルごとの接続中メンバーを保持します
type PresenceRepo interface {
	AddMember(ctx context.Context, topic string, member models.Member, ttlSec int) error
	RemoveMember(ctx context.Context, topic, clientID string) (remaining int, err error)
	ListMembers(ctx context.Context, topic string) ([]models.Member, error)

	TouchTopic(ctx context.Context, topic string, ttlSec int) error
	ExistsTopic(ctx context.Context, topic string) (bool, error)
	DeleteTopic(ctx context.Context, topic string) error
}
