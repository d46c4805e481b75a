// Package gamesync はルームの初回読み込みとリアルタイムの変更通知を組み合わせて、
// クライアントごとに1つのゲーム状態を保ちます
//
// ゲームを変更する操作はすべてバックエンドへのリクエストを経由し、成功後は
// 間引きされた再読み込みで状態を揃え直します。
package gamesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/backend"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/schedule"
)

const (
	defaultSettle       = 300 * time.Millisecond
	defaultMinInterval  = 2 * time.Second
	defaultJoinAttempts = 3
	defaultJoinDelay    = time.Second
	defaultFastPoll     = 2 * time.Second
	defaultSlowPoll     = 8 * time.Second
	defaultResyncDelay  = 3 * time.Second
	fastPollWindow      = 15 * time.Second
	chatLookupTimeout   = 10 * time.Second
)

var (
	// ErrTerminal はセッションが終了したことを表します。理由は State.Terminal にあります
	ErrTerminal = errors.New("gamesync: session ended")

	ErrNotLoaded             = errors.New("gamesync: room not loaded")
	ErrNotHost               = errors.New("gamesync: host only")
	ErrNotPlayer             = errors.New("gamesync: not an active player")
	ErrPhase                 = errors.New("gamesync: not allowed in current phase")
	ErrManualOnly            = errors.New("gamesync: only in manual round mode")
	ErrInvalidTarget         = errors.New("gamesync: invalid target")
	ErrUnknownCharacteristic = errors.New("gamesync: unknown characteristic")
)

// Backend はゲームバックエンドです。*backend.Client が実装します
type Backend interface {
	FetchRoom(ctx context.Context, code string) (models.RoomSnapshot, error)
	FetchChat(ctx context.Context, roomID string) ([]models.ChatMessage, error)
	FetchChatMessage(ctx context.Context, id string) (models.ChatMessage, error)
	FetchCharacteristics(ctx context.Context, playerID string) ([]models.Characteristic, error)
	JoinRoom(ctx context.Context, roomID string, req backend.JoinRequest) (models.Player, error)
	JoinAsSpectator(ctx context.Context, roomID string, req backend.JoinRequest) (models.Spectator, error)
	CheckTimer(ctx context.Context, roomID string) (backend.TimerResult, error)
	Do(ctx context.Context, a backend.Action) error
}

// Transport はリレーのチャンネルです。*realtime.Client が実装します
type Transport interface {
	Subscribe(ctx context.Context, topic string, h realtime.Handler, onState realtime.StateFunc) (func(), error)
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Options はセッションの参加者情報とタイミングです。時間のゼロ値はデフォルトを使います
type Options struct {
	Code     string // 参加コード
	UserID   string
	Name     string
	Password string

	Settle       time.Duration // 変更通知をまとめる時間
	MinInterval  time.Duration // 再読み込みの最小間隔。負の値で無効
	JoinAttempts int
	JoinDelay    time.Duration
	FastPoll     time.Duration // 締め切りが近いときのタイマー確認間隔
	SlowPoll     time.Duration
	ResyncDelay  time.Duration // 切断後に再読み込みするまでの時間
	Log          *logrus.Entry
}

// Synchronizer は1つのルームに対するクライアント側の状態を持ちます
type Synchronizer struct {
	b    Backend
	t    Transport
	opts Options
	log  *logrus.Entry

	mu         sync.Mutex
	st         State
	chatLoaded bool
	chatIDs    map[string]struct{}
	trigger    *schedule.Trigger
	resync     *time.Timer

	chatMu    sync.Mutex
	chatQueue []json.RawMessage
	chatBusy  bool

	started atomic.Bool
	ended   chan struct{}
	endOnce sync.Once

	snap      atomic.Pointer[State]
	notify    chan struct{}
	listenMu  sync.Mutex
	listeners []func(State)
}

// New は Synchronizer を作成します
func New(b Backend, t Transport, opts Options) *Synchronizer {
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	if opts.MinInterval < 0 {
		opts.MinInterval = 0
	} else if opts.MinInterval == 0 {
		opts.MinInterval = defaultMinInterval
	}
	if opts.JoinAttempts <= 0 {
		opts.JoinAttempts = defaultJoinAttempts
	}
	if opts.JoinDelay <= 0 {
		opts.JoinDelay = defaultJoinDelay
	}
	if opts.FastPoll <= 0 {
		opts.FastPoll = defaultFastPoll
	}
	if opts.SlowPoll <= 0 {
		opts.SlowPoll = defaultSlowPoll
	}
	if opts.ResyncDelay <= 0 {
		opts.ResyncDelay = defaultResyncDelay
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Synchronizer{
		b:       b,
		t:       t,
		opts:    opts,
		log:     log.WithFields(logrus.Fields{"component": "gamesync", "code": opts.Code, "user": opts.UserID}),
		st:      State{Connection: ConnDisconnected, Effects: map[string]string{}},
		chatIDs: make(map[string]struct{}),
		ended:   make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
	initial := s.st.clone()
	s.snap.Store(&initial)
	return s
}

// Run は初回読み込みの後、変更通知の購読とタイマー確認を続けます
// ctx が終わると nil を、セッションが終了すると ErrTerminal を返します
func (s *Synchronizer) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("gamesync: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.notifyLoop(ctx)

	tr := schedule.NewTrigger(ctx, s.opts.Settle, s.opts.MinInterval, func(ctx context.Context) {
		_ = s.Reload(ctx)
	})
	s.mu.Lock()
	s.trigger = tr
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.resync != nil {
			s.resync.Stop()
		}
		s.mu.Unlock()
		tr.Stop()
	}()

	if err := s.Load(ctx); err != nil {
		return err
	}

	unsubscribe, err := s.subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer unsubscribe()
	// 初回読み込みから購読までの間の変更を拾う
	s.scheduleReload()

	go s.pollTimer(ctx)

	select {
	case <-ctx.Done():
		return nil
	case <-s.ended:
		return fmt.Errorf("%w: %s", ErrTerminal, s.State().Terminal)
	}
}

// State は最新のスナップショットを返します
func (s *Synchronizer) State() State {
	return *s.snap.Load()
}

// Done はセッションが終了すると閉じられます
func (s *Synchronizer) Done() <-chan struct{} {
	return s.ended
}

// OnChange は状態が変わるたびに最新のスナップショットで fn を呼びます
// 連続した変更はまとめられることがあります
func (s *Synchronizer) OnChange(fn func(State)) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Synchronizer) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}
		s.listenMu.Lock()
		listeners := append([]func(State){}, s.listeners...)
		s.listenMu.Unlock()
		st := s.State()
		for _, fn := range listeners {
			fn(st)
		}
	}
}

// update は状態を書き換え、スナップショットを作り直します
func (s *Synchronizer) update(fn func(st *State)) {
	s.mu.Lock()
	fn(&s.st)
	snap := s.st.clone()
	s.snap.Store(&snap)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// end はセッションを終了させます。最初の理由だけが残ります
func (s *Synchronizer) end(reason Terminal) error {
	s.endOnce.Do(func() {
		s.update(func(st *State) { st.Terminal = reason })
		s.log.WithField("reason", reason).Info("session ended")
		close(s.ended)
	})
	return fmt.Errorf("%w: %s", ErrTerminal, s.State().Terminal)
}

// scheduleReload は間引きされた再読み込みを予約します。Run の外では何もしません
func (s *Synchronizer) scheduleReload() {
	s.mu.Lock()
	tr := s.trigger
	s.mu.Unlock()
	if tr != nil {
		tr.Fire()
	}
}

// logFailure はエラーの分類に合わせた重要度で記録します
func (s *Synchronizer) logFailure(log *logrus.Entry, msg string, err error) {
	switch {
	case backend.IsCanceled(err), backend.IsBenign(err):
		log.WithError(err).Debug(msg)
	case backend.IsRetryable(err):
		log.WithError(err).Warn(msg)
	default:
		var be *backend.Error
		if errors.As(err, &be) {
			log = log.WithFields(logrus.Fields{"status": be.Status, "code": be.Code})
		}
		log.WithError(err).Error(msg)
	}
}
