package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
)

// MemoryPresenceRepo はRedisを使わない単一インスタンス構成向けの実装です
type MemoryPresenceRepo struct {
	mu     sync.RWMutex
	topics map[string]*memoryTopic
	now    func() time.Time
}

type memoryTopic struct {
	members  map[string]models.Member
	expireAt time.Time
}

func NewMemoryPresenceRepo() *MemoryPresenceRepo {
	return &MemoryPresenceRepo{topics: make(map[string]*memoryTopic), now: time.Now}
}

// liveLocked は期限切れのトピックを削除してから返します
func (m *MemoryPresenceRepo) liveLocked(topic string) (*memoryTopic, bool) {
	t, ok := m.topics[topic]
	if !ok {
		return nil, false
	}
	if !t.expireAt.IsZero() && m.now().After(t.expireAt) {
		delete(m.topics, topic)
		return nil, false
	}
	return t, true
}

func (m *MemoryPresenceRepo) AddMember(_ context.Context, topic string, member models.Member, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.liveLocked(topic)
	if !ok {
		t = &memoryTopic{members: make(map[string]models.Member)}
		m.topics[topic] = t
	}
	t.members[member.ClientID] = member
	t.expireAt = m.now().Add(sec(ttlSec))
	return nil
}

func (m *MemoryPresenceRepo) RemoveMember(_ context.Context, topic, clientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.liveLocked(topic)
	if !ok {
		return 0, ErrMemberNotFound
	}
	if _, ok := t.members[clientID]; !ok {
		return len(t.members), ErrMemberNotFound
	}
	delete(t.members, clientID)
	return len(t.members), nil
}

func (m *MemoryPresenceRepo) ListMembers(_ context.Context, topic string) ([]models.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.liveLocked(topic)
	if !ok {
		return []models.Member{}, nil
	}
	res := make([]models.Member, 0, len(t.members))
	for _, mb := range t.members {
		res = append(res, mb)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].JoinedAt < res[j].JoinedAt })
	return res, nil
}

func (m *MemoryPresenceRepo) TouchTopic(_ context.Context, topic string, ttlSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.liveLocked(topic); ok {
		t.expireAt = m.now().Add(sec(ttlSec))
	}
	return nil
}

func (m *MemoryPresenceRepo) ExistsTopic(_ context.Context, topic string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(topic)
	return ok, nil
}

func (m *MemoryPresenceRepo) DeleteTopic(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topics, topic)
	return nil
}
