// Package mesh はルームの参加者ごとにピア接続を1本ずつ保つフルメッシュの調整役です
//
// Coordinator の状態（接続・受信ストリーム・offer 中フラグ・再接続マーク・名簿）は
// Run のループだけが書き換えます。外部からの操作とピア接続のコールバックは
// クロージャとしてループに送られます。
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/media"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/peer"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/signaling"
)

const (
	defaultRecoverInterval = 6 * time.Second
	defaultHealthInterval  = 10 * time.Second
	defaultResendAfter     = 10 * time.Second
	defaultSignalRetry     = 5 * time.Second
	sendTimeout            = 10 * time.Second
	actionBuffer           = 256
)

// ErrStopped は Run が終了した後の操作で返ります
var ErrStopped = errors.New("mesh: coordinator stopped")

// Signaler はシグナリングチャンネルです。*signaling.Client が実装します
type Signaler interface {
	SelfID() string
	Connect(ctx context.Context, h signaling.Handler) error
	SendOffer(ctx context.Context, to string, sdp any) error
	SendAnswer(ctx context.Context, to string, sdp any) error
	SendICECandidate(ctx context.Context, to string, candidate any) error
	Disconnect()
}

// ManagerFactory はピア接続を作ります。peer.Factory が実装します
type ManagerFactory interface {
	New(peerID string, h peer.Handlers) (*peer.Manager, error)
}

// MediaSource はローカルメディアの取得元です。*media.Acquirer が実装します
type MediaSource interface {
	Acquire(ctx context.Context, userID string) (*media.LocalStream, error)
}

// Options は周期処理の間隔です。ゼロ値はデフォルトを使います
type Options struct {
	RecoverInterval time.Duration // 受信ストリームの組み立て直し
	HealthInterval  time.Duration // 死んだ接続の回収と offer の再送
	ResendAfter     time.Duration // 応答のない offer を再送するまでの時間
	SignalRetry     time.Duration // シグナリング接続の再試行間隔
	Media           MediaSource
	Log             *logrus.Entry
}

// Coordinator は名簿にいる自分以外の参加者それぞれと健全な接続を1本ずつ保ちます
type Coordinator struct {
	selfID  string
	sig     Signaler
	factory ManagerFactory
	opts    Options
	log     *logrus.Entry

	actions chan func()
	done    chan struct{}
	runCtx  context.Context
	started atomic.Bool

	// ループ専用
	roster      map[string]struct{}
	managers    map[string]*peer.Manager
	streams     map[string]*peer.RemoteStream
	offering    map[string]bool
	reconnect   map[string]bool
	offerSentAt map[string]time.Time
	local       *media.LocalStream
	ownsLocal   bool
	sigReady    bool
	sigErr      error
	mediaErr    error

	view      atomic.Pointer[View]
	notify    chan struct{}
	listenMu  sync.Mutex
	listeners []func(View)
}

// New は Coordinator を作成します。Run を呼ぶまで何も接続しません
func New(sig Signaler, factory ManagerFactory, opts Options) *Coordinator {
	if opts.RecoverInterval <= 0 {
		opts.RecoverInterval = defaultRecoverInterval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.ResendAfter <= 0 {
		opts.ResendAfter = defaultResendAfter
	}
	if opts.SignalRetry <= 0 {
		opts.SignalRetry = defaultSignalRetry
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Coordinator{
		selfID:      sig.SelfID(),
		sig:         sig,
		factory:     factory,
		opts:        opts,
		log:         log.WithFields(logrus.Fields{"component": "mesh", "self": sig.SelfID()}),
		actions:     make(chan func(), actionBuffer),
		done:        make(chan struct{}),
		runCtx:      context.Background(),
		roster:      make(map[string]struct{}),
		managers:    make(map[string]*peer.Manager),
		streams:     make(map[string]*peer.RemoteStream),
		offering:    make(map[string]bool),
		reconnect:   make(map[string]bool),
		offerSentAt: make(map[string]time.Time),
		notify:      make(chan struct{}, 1),
	}
	c.view.Store(&View{Streams: map[string]*peer.RemoteStream{}, Peers: map[string]PeerState{}})
	return c
}

// Run はループを動かします。ctx が終わるとすべての接続を閉じて戻ります
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("mesh: already running")
	}
	c.runCtx = ctx
	defer c.shutdown()

	go c.connectSignaling(ctx)
	go c.notifyLoop(ctx)

	recoverTicker := time.NewTicker(c.opts.RecoverInterval)
	defer recoverTicker.Stop()
	healthTicker := time.NewTicker(c.opts.HealthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.actions:
			fn()
		case <-recoverTicker.C:
			c.recoverStreams()
		case <-healthTicker.C:
			c.checkHealth()
		}
	}
}

func (c *Coordinator) shutdown() {
	close(c.done)
	for id, m := range c.managers {
		_ = m.Close()
		delete(c.managers, id)
	}
	if c.ownsLocal && c.local != nil {
		_ = c.local.Close()
	}
	c.sig.Disconnect()
	c.log.Debug("mesh stopped")
}

// post はループにクロージャを送ります。ループ終了後は捨てます
func (c *Coordinator) post(fn func()) {
	select {
	case c.actions <- fn:
	case <-c.done:
	}
}

// do はクロージャを送り、ループで実行されるまで待ちます
func (c *Coordinator) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case c.actions <- func() { fn(); close(ran) }:
	case <-c.done:
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) sendCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.runCtx, sendTimeout)
}

// connectSignaling はつながるまで SignalRetry 間隔で再試行します。失敗は View.Err に残ります
func (c *Coordinator) connectSignaling(ctx context.Context) {
	for {
		err := c.sig.Connect(ctx, func(s signaling.Signal) {
			c.post(func() { c.onSignal(s) })
		})
		if err == nil {
			c.post(func() {
				c.sigReady = true
				c.sigErr = nil
				c.evaluate()
				c.publish()
			})
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.log.WithError(err).Warn("signaling unavailable; retrying")
		c.post(func() {
			c.sigErr = err
			c.publish()
		})
		select {
		case <-time.After(c.opts.SignalRetry):
		case <-ctx.Done():
			return
		}
	}
}

// SetRoster は期待する参加者を設定します。集合として同じなら何もしません
func (c *Coordinator) SetRoster(ids []string) error {
	return c.do(func() { c.setRoster(ids) })
}

func (c *Coordinator) setRoster(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" && id != c.selfID {
			next[id] = struct{}{}
		}
	}
	if sameSet(next, c.roster) {
		return
	}
	for id := range c.roster {
		if _, ok := next[id]; !ok {
			c.drop(id)
			delete(c.reconnect, id)
		}
	}
	c.roster = next
	c.log.WithField("roster", sortedKeys(next)).Debug("roster changed")
	c.evaluate()
	c.publish()
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// evaluate は名簿にいて接続のない参加者の接続を作り、offer できるところに offer します
func (c *Coordinator) evaluate() {
	for id := range c.roster {
		if _, ok := c.managers[id]; !ok {
			if c.reconnect[id] {
				c.log.WithField("peer", id).Info("reconnecting peer")
			}
			if c.create(id) == nil {
				continue
			}
			delete(c.reconnect, id)
		}
		c.maybeOffer(id)
	}
}

// create は接続を作り、ローカルメディアがあれば載せます
func (c *Coordinator) create(id string) *peer.Manager {
	var m *peer.Manager
	m, err := c.factory.New(id, peer.Handlers{
		OnStream: func(pid string, s *peer.RemoteStream) {
			c.post(func() {
				if c.managers[pid] == m {
					c.streams[pid] = s
					c.publish()
				}
			})
		},
		OnICECandidate: func(pid string, cand webrtc.ICECandidateInit) {
			ctx, cancel := c.sendCtx()
			defer cancel()
			if err := c.sig.SendICECandidate(ctx, pid, cand); err != nil {
				c.log.WithError(err).WithField("peer", pid).Debug("ice candidate not sent")
			}
		},
		OnStateChange: func(pid string, s webrtc.PeerConnectionState) {
			c.post(func() { c.onPeerState(pid, m, s) })
		},
	})
	if err != nil {
		c.log.WithError(err).WithField("peer", id).Error("failed to create peer connection")
		return nil
	}
	if c.local != nil {
		if err := m.AddLocalStream(c.local.TrackLocals()); err != nil {
			c.log.WithError(err).WithField("peer", id).Warn("failed to attach local media")
		}
	}
	c.managers[id] = m
	return m
}

// recreate は接続を捨てて作り直します
// 古い接続にためていたリモート候補は相手の接続のものなので、新しい接続に引き継ぎます
func (c *Coordinator) recreate(id string) *peer.Manager {
	var carried []webrtc.ICECandidateInit
	if old := c.managers[id]; old != nil {
		carried = old.TakePendingCandidates()
	}
	c.drop(id)
	m := c.create(id)
	if m == nil {
		return nil
	}
	for _, cand := range carried {
		if err := m.AddICECandidate(cand); err != nil {
			c.log.WithError(err).WithField("peer", id).Debug("carried ice candidate rejected")
		}
	}
	return m
}

// drop は接続を閉じ、その参加者に関するループの状態を消します
func (c *Coordinator) drop(id string) {
	if m, ok := c.managers[id]; ok {
		_ = m.Close()
	}
	delete(c.managers, id)
	delete(c.streams, id)
	delete(c.offering, id)
	delete(c.offerSentAt, id)
}

// teardown は死んだ接続を回収し、次の評価で作り直すよう印をつけます
func (c *Coordinator) teardown(id, reason string) {
	c.log.WithFields(logrus.Fields{"peer": id, "reason": reason}).Info("tearing down peer connection")
	c.drop(id)
	c.reconnect[id] = true
}

func (c *Coordinator) onPeerState(id string, m *peer.Manager, s webrtc.PeerConnectionState) {
	if c.managers[id] != m {
		return
	}
	if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
		c.teardown(id, s.String())
	}
	c.publish()
}

// maybeOffer は offer してよい状態をもう一度確かめてから、ループの外で offer を作って送ります
func (c *Coordinator) maybeOffer(id string) {
	if !c.sigReady || c.local == nil || c.offering[id] {
		return
	}
	m := c.managers[id]
	if m == nil || !m.CanOffer() {
		return
	}
	c.offering[id] = true
	go func() {
		offer, err := m.CreateOffer()
		if err == nil {
			ctx, cancel := c.sendCtx()
			err = c.sig.SendOffer(ctx, id, offer)
			cancel()
		}
		c.post(func() {
			if c.managers[id] != m {
				return
			}
			delete(c.offering, id)
			switch {
			case err == nil:
				c.offerSentAt[id] = time.Now()
			case errors.Is(err, peer.ErrGlare), errors.Is(err, peer.ErrNegotiationInFlight), errors.Is(err, peer.ErrNegotiated), errors.Is(err, peer.ErrClosed):
				c.log.WithError(err).WithField("peer", id).Debug("offer skipped")
			default:
				// 送信に失敗した offer は health の再送で拾う
				c.log.WithError(err).WithField("peer", id).Warn("offer failed")
				if _, pending := m.PendingOffer(); pending {
					c.offerSentAt[id] = time.Time{}
				}
			}
			c.publish()
		})
	}()
}

func (c *Coordinator) onSignal(s signaling.Signal) {
	if s.From == c.selfID || s.To != c.selfID {
		return
	}
	if _, ok := c.roster[s.From]; !ok {
		c.log.WithFields(logrus.Fields{"from": s.From, "type": s.Type}).Debug("signal from unknown participant")
		return
	}
	switch s.Type {
	case signaling.TypeOffer, signaling.TypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(s.Data, &desc); err != nil {
			c.log.WithError(err).WithField("from", s.From).Debug("malformed session description")
			return
		}
		if s.Type == signaling.TypeOffer {
			c.handleOffer(s.From, desc)
		} else {
			c.handleAnswer(s.From, desc)
		}
	case signaling.TypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(s.Data, &cand); err != nil {
			c.log.WithError(err).WithField("from", s.From).Debug("malformed ice candidate")
			return
		}
		if m := c.managers[s.From]; m != nil {
			if err := m.AddICECandidate(cand); err != nil {
				c.log.WithError(err).WithField("from", s.From).Debug("ice candidate rejected")
			}
		}
	}
	c.publish()
}

// handleOffer は相手の offer に応答します
// 自分の offer も応答待ちのとき（glare）は ID の小さい側が自分の接続を捨てて応答し、
// 大きい側は相手の offer を無視して自分の offer を再送します
func (c *Coordinator) handleOffer(from string, offer webrtc.SessionDescription) {
	m := c.managers[from]
	if m == nil {
		if m = c.create(from); m == nil {
			return
		}
	}
	if m.RemoteSDP() == offer.SDP {
		// 同じ offer の再送は answer が届かなかったということなので、同じ answer を送り直す
		if answer, ok := m.LocalAnswer(); ok {
			c.log.WithField("from", from).Debug("duplicate offer, resending answer")
			c.sendAnswer(from, answer)
			return
		}
		c.log.WithField("from", from).Debug("duplicate offer")
		return
	}
	if m.Negotiated() {
		// 相手が接続を作り直した
		if m = c.recreate(from); m == nil {
			return
		}
	}

	answer, err := m.HandleOffer(offer)
	if errors.Is(err, peer.ErrGlare) {
		if c.selfID > from {
			c.log.WithField("from", from).Debug("glare: keeping local offer")
			if pending, ok := m.PendingOffer(); ok {
				c.resendOffer(from, pending)
			}
			return
		}
		c.log.WithField("from", from).Debug("glare: yielding to remote offer")
		if m = c.recreate(from); m == nil {
			return
		}
		answer, err = m.HandleOffer(offer)
	}
	if err != nil {
		c.log.WithError(err).WithField("from", from).Warn("failed to answer offer")
		return
	}
	delete(c.offerSentAt, from)
	c.sendAnswer(from, answer)
}

func (c *Coordinator) sendAnswer(to string, answer webrtc.SessionDescription) {
	go func() {
		ctx, cancel := c.sendCtx()
		defer cancel()
		if err := c.sig.SendAnswer(ctx, to, answer); err != nil {
			c.log.WithError(err).WithField("to", to).Warn("failed to send answer")
		}
	}()
}

func (c *Coordinator) handleAnswer(from string, answer webrtc.SessionDescription) {
	m := c.managers[from]
	if m == nil {
		return
	}
	if err := m.HandleAnswer(answer); err != nil {
		c.log.WithError(err).WithField("from", from).Warn("failed to apply answer")
		return
	}
	if m.Negotiated() {
		delete(c.offerSentAt, from)
	}
}

func (c *Coordinator) resendOffer(id string, offer webrtc.SessionDescription) {
	c.offerSentAt[id] = time.Now()
	go func() {
		ctx, cancel := c.sendCtx()
		defer cancel()
		if err := c.sig.SendOffer(ctx, id, offer); err != nil {
			c.log.WithError(err).WithField("peer", id).Debug("offer resend failed")
		}
	}()
}

// recoverStreams は映像が届いていない接続済みのピアについて、レシーバーからストリームを組み立て直します
func (c *Coordinator) recoverStreams() {
	changed := false
	for id, m := range c.managers {
		if m.ConnectionState() != webrtc.PeerConnectionStateConnected {
			continue
		}
		if s, ok := c.streams[id]; ok && s.HasLiveVideo() {
			continue
		}
		if s, ok := m.ReconstructStream(); ok {
			if c.streams[id] != s {
				c.streams[id] = s
				changed = true
			}
			if err := m.RequestKeyframe(); err != nil {
				c.log.WithError(err).WithField("peer", id).Debug("keyframe request failed")
			}
		}
	}
	if changed {
		c.publish()
	}
}

// checkHealth は failed / closed に到達した接続だけを回収します
// 応答待ちの offer は回収せず、古くなっていれば再送します
func (c *Coordinator) checkHealth() {
	now := time.Now()
	for id := range c.roster {
		if s, ok := c.streams[id]; ok && s.Live() {
			continue
		}
		m := c.managers[id]
		if m == nil {
			continue
		}
		if m.Dead() {
			c.teardown(id, "health check")
			continue
		}
		if pending, ok := m.PendingOffer(); ok && !c.offering[id] && now.Sub(c.offerSentAt[id]) >= c.opts.ResendAfter {
			c.log.WithField("peer", id).Debug("resending unanswered offer")
			c.resendOffer(id, pending)
		}
	}
	c.evaluate()
	c.publish()
}

// Reconnect はすべての接続と受信ストリームを捨てて、名簿から作り直します
func (c *Coordinator) Reconnect() error {
	return c.do(func() {
		c.log.Info("reconnecting all peers")
		for id := range c.managers {
			c.drop(id)
		}
		c.streams = make(map[string]*peer.RemoteStream)
		c.evaluate()
		c.publish()
	})
}

// SetLocalStream はローカルメディアを設定します
// まだ送信トラックがなく、ネゴシエーション前の接続にだけ載せて offer します
func (c *Coordinator) SetLocalStream(s *media.LocalStream) error {
	return c.do(func() { c.setLocal(s, false) })
}

func (c *Coordinator) setLocal(s *media.LocalStream, owned bool) {
	if c.ownsLocal && c.local != nil && c.local != s {
		_ = c.local.Close()
	}
	c.local, c.ownsLocal = s, owned
	c.mediaErr = nil
	if s != nil {
		for id, m := range c.managers {
			if m.HasLocalTracks() || !m.CanOffer() {
				continue
			}
			if err := m.AddLocalStream(s.TrackLocals()); err != nil {
				c.log.WithError(err).WithField("peer", id).Warn("failed to attach local media")
				continue
			}
			c.maybeOffer(id)
		}
	}
	c.publish()
}

// AcquireMedia はカメラ・マイクを取得して設定します
// 権限がない・非対応のときはメディアなしで続行し、エラーを View.MediaErr に残します
func (c *Coordinator) AcquireMedia(ctx context.Context) error {
	if c.opts.Media == nil {
		return media.ErrUnsupported
	}
	s, err := c.opts.Media.Acquire(ctx, c.selfID)
	if err != nil {
		c.log.WithError(err).Warn("continuing without local media")
		if doErr := c.do(func() { c.mediaErr = err; c.publish() }); doErr != nil {
			return doErr
		}
		return err
	}
	if err := c.do(func() { c.setLocal(s, true) }); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

// ToggleAudio は音声のミュートを切り替え、切り替え後に有効かどうかを返します
func (c *Coordinator) ToggleAudio() (bool, error) {
	return c.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo は映像の送信を切り替えます
func (c *Coordinator) ToggleVideo() (bool, error) {
	return c.toggle(webrtc.RTPCodecTypeVideo)
}

func (c *Coordinator) toggle(kind webrtc.RTPCodecType) (bool, error) {
	var on bool
	err := c.do(func() {
		if c.local == nil {
			return
		}
		for _, t := range c.local.Tracks() {
			if t.Kind() == kind {
				t.SetEnabled(!t.Enabled())
			}
		}
		on = c.local.Enabled(kind)
		c.publish()
	})
	return on, err
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
