package gamesync

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/backend"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
)

// fakeBackend はメモリ上のルーム1つを持つバックエンドです
type fakeBackend struct {
	mu       sync.Mutex
	snap     models.RoomSnapshot
	chat     []models.ChatMessage
	chatByID map[string]models.ChatMessage
	chars    map[string][]models.Characteristic

	fetchErr     error
	joinErrs     []error // 先頭から1回ずつ使う
	spectateErrs []error
	doErr        error
	joinGate     func()
	chatGate     func() // 1件引き直すたびに呼ぶ
	noChars      bool // 参加直後のプレイヤーに特性を付けない

	fetches     int
	joins       int
	spectates   int
	chatFetches int
	charFetches int
	actions     []backend.Action
}

func newFakeBackend(room models.Room, players ...models.Player) *fakeBackend {
	return &fakeBackend{
		snap:     models.RoomSnapshot{Room: room, Players: players},
		chatByID: map[string]models.ChatMessage{},
		chars:    map[string][]models.Characteristic{},
	}
}

func (f *fakeBackend) FetchRoom(ctx context.Context, code string) (models.RoomSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return models.RoomSnapshot{}, f.fetchErr
	}
	if code != f.snap.Room.Code {
		return models.RoomSnapshot{}, &backend.Error{Status: 404, Code: backend.CodeRoomNotFound, Message: "Room not found"}
	}
	snap := f.snap
	snap.Players = make([]models.Player, len(f.snap.Players))
	for i, p := range f.snap.Players {
		p.Characteristics = append([]models.Characteristic(nil), p.Characteristics...)
		snap.Players[i] = p
	}
	snap.Spectators = append([]models.Spectator(nil), f.snap.Spectators...)
	return snap, nil
}

func (f *fakeBackend) FetchChat(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatFetches++
	return append([]models.ChatMessage(nil), f.chat...), nil
}

func (f *fakeBackend) FetchChatMessage(ctx context.Context, id string) (models.ChatMessage, error) {
	if f.chatGate != nil {
		f.chatGate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.chatByID[id]
	if !ok {
		return models.ChatMessage{}, &backend.Error{Status: 404, Code: backend.CodeUnknown, Message: "not found"}
	}
	return m, nil
}

func (f *fakeBackend) FetchCharacteristics(ctx context.Context, playerID string) ([]models.Characteristic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charFetches++
	return append([]models.Characteristic(nil), f.chars[playerID]...), nil
}

func (f *fakeBackend) JoinRoom(ctx context.Context, roomID string, req backend.JoinRequest) (models.Player, error) {
	f.mu.Lock()
	gate := f.joinGate
	f.mu.Unlock()
	if gate != nil {
		gate()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	if len(f.joinErrs) > 0 {
		err := f.joinErrs[0]
		f.joinErrs = f.joinErrs[1:]
		return models.Player{}, err
	}
	for _, p := range f.snap.Players {
		if p.UserID == req.UserID {
			return models.Player{}, &backend.Error{Status: 409, Code: backend.CodeAlreadyJoined, Message: "User already joined this room"}
		}
	}
	p := player("p-"+req.UserID, req.UserID, len(f.snap.Players)+1)
	if !f.noChars {
		p.Characteristics = []models.Characteristic{{ID: "c-" + req.UserID, PlayerID: p.ID, Category: models.CategoryProfession, Value: "Doctor"}}
	}
	f.snap.Players = append(f.snap.Players, p)
	return p, nil
}

func (f *fakeBackend) JoinAsSpectator(ctx context.Context, roomID string, req backend.JoinRequest) (models.Spectator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spectates++
	if len(f.spectateErrs) > 0 {
		err := f.spectateErrs[0]
		f.spectateErrs = f.spectateErrs[1:]
		return models.Spectator{}, err
	}
	sp := models.Spectator{ID: "s-" + req.UserID, RoomID: roomID, UserID: req.UserID, Name: req.Name}
	f.snap.Spectators = append(f.snap.Spectators, sp)
	return sp, nil
}

func (f *fakeBackend) CheckTimer(ctx context.Context, roomID string) (backend.TimerResult, error) {
	return backend.TimerResult{}, nil
}

func (f *fakeBackend) Do(ctx context.Context, a backend.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return f.doErr
}

func (f *fakeBackend) counts() (fetches, joins, spectates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.joins, f.spectates
}

func (f *fakeBackend) actionNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.actions))
	for _, a := range f.actions {
		names = append(names, a.Name)
	}
	return names
}

type published struct {
	topic   string
	event   string
	payload any
}

// fakeTransport は購読を記録し、テストから配信します
type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]realtime.Handler
	states    map[string]realtime.StateFunc
	published []published
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[string]realtime.Handler{}, states: map[string]realtime.StateFunc{}}
}

func (f *fakeTransport) Subscribe(ctx context.Context, topic string, h realtime.Handler, onState realtime.StateFunc) (func(), error) {
	f.mu.Lock()
	f.handlers[topic] = h
	f.states[topic] = onState
	f.mu.Unlock()
	if onState != nil {
		onState(realtime.StateConnected)
	}
	return func() {
		f.mu.Lock()
		delete(f.handlers, topic)
		delete(f.states, topic)
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) Publish(ctx context.Context, topic, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, event: event, payload: payload})
	return nil
}

func (f *fakeTransport) subscribed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeTransport) deliver(t *testing.T, topic, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", topic)
	}
	h(realtime.Envelope{Type: realtime.TypeBroadcast, Topic: topic, Event: event, Payload: raw})
}

func (f *fakeTransport) setState(topic string, cs realtime.ConnState) {
	f.mu.Lock()
	fn := f.states[topic]
	f.mu.Unlock()
	if fn != nil {
		fn(cs)
	}
}

func (f *fakeTransport) events() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

const (
	testCode = "ABC123"
	testRoom = "room-1"
	hostUser = "host-user"
)

func room(phase models.Phase) models.Room {
	return models.Room{
		ID:     testRoom,
		Code:   testCode,
		HostID: hostUser,
		Phase:  phase,
		Settings: models.RoomSettings{
			RoundMode:       models.RoundModeAutomatic,
			HostRole:        models.HostAndPlayer,
			AllowSpectators: true,
			MaxPlayers:      12,
		},
	}
}

func player(id, userID string, slot int, chars ...models.Characteristic) models.Player {
	return models.Player{ID: id, RoomID: testRoom, UserID: userID, Name: userID, Slot: slot, Characteristics: chars}
}

func testOptions(userID string) Options {
	return Options{
		Code:        testCode,
		UserID:      userID,
		Name:        userID,
		Settle:      50 * time.Millisecond,
		MinInterval: -1,
		JoinDelay:   10 * time.Millisecond,
		ResyncDelay: 50 * time.Millisecond,
		Log:         quietLog(),
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// chatIdle は積まれたチャット通知をすべて処理し終えたかを返します
func chatIdle(s *Synchronizer) bool {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	return !s.chatBusy && len(s.chatQueue) == 0
}

type harness struct {
	s    *Synchronizer
	ft   *fakeTransport
	errc chan error
}

// startSync は Run を動かし、読み込みと購読が終わるまで待ちます
func startSync(t *testing.T, fb *fakeBackend, opts Options) *harness {
	t.Helper()
	ft := newFakeTransport()
	s := New(fb, ft, opts)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return")
		}
	})
	waitFor(t, func() bool { return s.State().Loaded && ft.subscribed() == 3 }, "load and subscribe")
	return &harness{s: s, ft: ft, errc: errc}
}

// settled は再読み込みが落ち着くまで待ち、その時点の取得回数を返します
func settled(fb *fakeBackend) int {
	for {
		before, _, _ := fb.counts()
		time.Sleep(200 * time.Millisecond)
		after, _, _ := fb.counts()
		if before == after {
			return after
		}
	}
}
