package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
	"github.com/redis/go-redis/v9"
)

type RedisPresenceRepo struct{ rdb *redis.Client }

func NewRedisPresenceRepo(rdb *redis.Client) *RedisPresenceRepo {
	return &RedisPresenceRepo{rdb: rdb}
}

func topicKey(topic string) string {
	return fmt.Sprintf("channels:%s", topic)
}
func membersKey(topic string) string {
	return fmt.Sprintf("channels:%s:members", topic)
}
func memberKey(topic, cid string) string {
	return fmt.Sprintf("members:%s:%s", topic, cid)
}

func sec(v int) time.Duration {
	return time.Duration(v) * time.Second
}

func (rr *RedisPresenceRepo) AddMember(ctx context.Context, topic string, member models.Member, ttlSec int) error {
	b, err := json.Marshal(member)
	if err != nil {
		return err
	}
	d := sec(ttlSec)
	pipe := rr.rdb.TxPipeline()
	pipe.SetNX(ctx, topicKey(topic), member.JoinedAt, d) // 最初の接続でトピックを作成
	pipe.Set(ctx, memberKey(topic, member.ClientID), b, d)
	pipe.SAdd(ctx, membersKey(topic), member.ClientID)
	pipe.Expire(ctx, membersKey(topic), d)
	pipe.Expire(ctx, topicKey(topic), d)
	_, err = pipe.Exec(ctx)
	return err
}

func (rr *RedisPresenceRepo) RemoveMember(ctx context.Context, topic, clientID string) (int, error) {
	pipe := rr.rdb.TxPipeline()
	removed := pipe.SRem(ctx, membersKey(topic), clientID)
	pipe.Del(ctx, memberKey(topic, clientID))
	card := pipe.SCard(ctx, membersKey(topic))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	if removed.Val() == 0 {
		return int(card.Val()), ErrMemberNotFound
	}
	return int(card.Val()), nil
}

func (rr *RedisPresenceRepo) ListMembers(ctx context.Context, topic string) ([]models.Member, error) {
	ids, err := rr.rdb.SMembers(ctx, membersKey(topic)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Member{}, nil
	}

	// メンバーキーを構築
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = memberKey(topic, id)
	}

	// 一括取得
	vals, err := rr.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	res := make([]models.Member, 0, len(ids))
	for _, val := range vals {
		if val == nil { // TTL切れ
			continue
		}
		b, ok := val.(string)
		if !ok {
			continue
		}
		var m models.Member
		if json.Unmarshal([]byte(b), &m) == nil {
			res = append(res, m)
		}
	}
	return res, nil
}

// touchScript はトピック・メンバー集合・各メンバーのTTLをまとめて延長します
var touchScript = redis.NewScript(`
	local topic_key = KEYS[1]
	local members_key = KEYS[2]
	local ttl = tonumber(ARGV[1])
	local topic = ARGV[2]

	redis.call('EXPIRE', topic_key, ttl)
	redis.call('EXPIRE', members_key, ttl)

	local client_ids = redis.call('SMEMBERS', members_key)
	for _, cid in ipairs(client_ids) do
		redis.call('EXPIRE', 'members:' .. topic .. ':' .. cid, ttl)
	end

	return 'OK'
`)

func (rr *RedisPresenceRepo) TouchTopic(ctx context.Context, topic string, ttlSec int) error {
	return touchScript.Run(ctx, rr.rdb, []string{topicKey(topic), membersKey(topic)}, ttlSec, topic).Err()
}

// deleteScript はトピックと全メンバーのキーをアトミックに削除します
var deleteScript = redis.NewScript(`
	local topic_key = KEYS[1]
	local members_key = KEYS[2]
	local topic = ARGV[1]

	local client_ids = redis.call('SMEMBERS', members_key)

	local keys_to_delete = {topic_key, members_key}
	for _, cid in ipairs(client_ids) do
		table.insert(keys_to_delete, 'members:' .. topic .. ':' .. cid)
	end

	redis.call('DEL', unpack(keys_to_delete))
	return 'OK'
`)

func (rr *RedisPresenceRepo) DeleteTopic(ctx context.Context, topic string) error {
	return deleteScript.Run(ctx, rr.rdb, []string{topicKey(topic), membersKey(topic)}, topic).Err()
}

func (rr *RedisPresenceRepo) ExistsTopic(ctx context.Context, topic string) (bool, error) {
	n, err := rr.rdb.Exists(ctx, topicKey(topic)).Result()
	return n == 1, err
}
