// Package service はリレーのビジネスロジックを担当します
// チャンネルへの参加・退出、プレゼンスの維持、REST経由の発行の検証を提供します
package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/idgen"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/repo"
)

// SignaturePrefix は X-Bunker-Signature ヘッダー値の接頭辞です
const SignaturePrefix = "sha256="

var topicPattern = regexp.MustCompile(`^[A-Za-z0-9:_-]{1,128}$`)

// ChannelService はチャンネルのプレゼンス管理を提供します
type ChannelService struct {
	repo   repo.PresenceRepo // プレゼンスを保持するリポジトリ
	ttlSec int               // メンバーの有効期限（秒）
	secret []byte            // REST発行の署名鍵（空なら発行を拒否）
	now    func() time.Time
}

// NewChannelService は新しいChannelServiceを作成します
func NewChannelService(r repo.PresenceRepo, ttlSec int, secret string) *ChannelService {
	return &ChannelService{repo: r, ttlSec: ttlSec, secret: []byte(secret), now: time.Now}
}

// ValidateTopic はトピック名を検証します
func (s *ChannelService) ValidateTopic(topic string) error {
	if !topicPattern.MatchString(topic) {
		return ErrInvalidTopic
	}
	return nil
}

// Join はクライアントをチャンネルのメンバーとして登録します
// トピックは最初のメンバーが参加した時点で作成されます
func (s *ChannelService) Join(ctx context.Context, topic, clientID, memberID string) (models.Member, error) {
	if err := s.ValidateTopic(topic); err != nil {
		return models.Member{}, err
	}
	if !idgen.ValidClientID(clientID) {
		return models.Member{}, ErrInvalidClientID
	}
	m := models.Member{ClientID: clientID, MemberID: strings.TrimSpace(memberID), JoinedAt: s.now().Unix()}
	if err := s.repo.AddMember(ctx, topic, m, s.ttlSec); err != nil {
		return models.Member{}, err
	}
	return m, nil
}

// Leave はクライアントをチャンネルから外します
// 最後のメンバーが抜けた場合はトピックごと削除します
func (s *ChannelService) Leave(ctx context.Context, topic, clientID string) error {
	remaining, err := s.repo.RemoveMember(ctx, topic, clientID)
	if err != nil {
		if errors.Is(err, repo.ErrMemberNotFound) {
			return nil
		}
		return err
	}
	if remaining == 0 {
		return s.repo.DeleteTopic(ctx, topic)
	}
	return nil
}

// Touch はチャンネルとメンバーのTTLを延長します
func (s *ChannelService) Touch(ctx context.Context, topic string) error {
	if err := s.ValidateTopic(topic); err != nil {
		return err
	}
	exists, err := s.repo.ExistsTopic(ctx, topic)
	if err != nil {
		return err
	}
	if !exists {
		return ErrTopicNotFound
	}
	return s.repo.TouchTopic(ctx, topic, s.ttlSec)
}

// Members は接続中のメンバー一覧を返します
func (s *ChannelService) Members(ctx context.Context, topic string) ([]models.Member, error) {
	if err := s.ValidateTopic(topic); err != nil {
		return nil, err
	}
	return s.repo.ListMembers(ctx, topic)
}

// Sign は body の署名ヘッダー値を返します
func (s *ChannelService) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature はREST発行リクエストの署名を検証します
func (s *ChannelService) VerifySignature(body []byte, header string) error {
	if len(s.secret) == 0 || !strings.HasPrefix(header, SignaturePrefix) {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(s.Sign(body)), []byte(header)) {
		return ErrInvalidSignature
	}
	return nil
}
