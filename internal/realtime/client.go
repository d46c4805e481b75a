package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/idgen"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotSubscribed = errors.New("realtime: topic not subscribed")
	ErrClientClosed  = errors.New("realtime: client closed")
)

const (
	defaultPingInterval = 20 * time.Second
	defaultBackoffUnit  = time.Second
	defaultMaxBackoff   = 10 * time.Second
	writeTimeout        = 10 * time.Second
	dedupeWindow        = 256
)

// Handler は broadcast を受け取ります。トピックごとに1つのgoroutineから順に呼ばれます
type Handler func(env Envelope)

// StateFunc は接続状態の変化を受け取ります
type StateFunc func(state ConnState)

// Options はクライアントの挙動を調整します。ゼロ値はデフォルトを使います
type Options struct {
	MemberID     string
	PingInterval time.Duration
	BackoffUnit  time.Duration
	MaxBackoff   time.Duration
	Dialer       *websocket.Dialer
	Log          *logrus.Entry
}

// Client はリレーのチャンネルを購読するWebSocketクライアントです。プロセスに1つ作ります
type Client struct {
	base string
	id   string
	opts Options
	log  *logrus.Entry

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// NewClient は relayURL（http(s):// または ws(s)://）に接続するクライアントを作成します
func NewClient(relayURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(relayURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("realtime: parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("realtime: unsupported relay scheme %q", u.Scheme)
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = defaultBackoffUnit
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := idgen.NewClientID()
	return &Client{
		base: u.String(),
		id:   id,
		opts: opts,
		log:  log.WithField("client", id),
		subs: make(map[string]*subscription),
	}, nil
}

// ID はこのクライアントのIDを返します。リレーは同じIDの送信者に broadcast を返しません
func (c *Client) ID() string { return c.id }

func (c *Client) endpoint(topic string) string {
	q := url.Values{}
	q.Set("clientId", c.id)
	if c.opts.MemberID != "" {
		q.Set("memberId", c.opts.MemberID)
	}
	return c.base + "/api/v1/channel/" + url.PathEscape(topic) + "/ws?" + q.Encode()
}

// Subscribe はトピックに参加し、リレーから joined が届くか ctx が終わるまで待ちます
// 同じトピックへの2回目の呼び出しはハンドラーを置き換え、接続を再利用します
func (c *Client) Subscribe(ctx context.Context, topic string, h Handler, onState StateFunc) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	s, ok := c.subs[topic]
	if ok {
		s.setHandlers(h, onState)
	} else {
		s = newSubscription(c, topic, h, onState)
		c.subs[topic] = s
		go s.run()
	}
	c.mu.Unlock()

	unsubscribe := func() { c.unsubscribe(s) }
	select {
	case <-s.joined:
		return unsubscribe, nil
	case <-s.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		if !ok {
			unsubscribe()
		}
		return nil, ctx.Err()
	}
}

func (c *Client) unsubscribe(s *subscription) {
	c.mu.Lock()
	if c.subs[s.topic] == s {
		delete(c.subs, s.topic)
	}
	c.mu.Unlock()
	s.stop()
}

// Publish はトピックに broadcast を1件送ります
func (c *Client) Publish(ctx context.Context, topic, event string, payload any) error {
	c.mu.Lock()
	s := c.subs[topic]
	c.mu.Unlock()
	if s == nil {
		return ErrNotSubscribed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: encode %s payload: %w", event, err)
	}
	return s.write(ctx, Envelope{ID: idgen.NewULID(), Type: TypeBroadcast, Topic: topic, Event: event, From: c.id, Payload: raw})
}

// Close はすべての購読を終了します
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// subscription は1つのトピックへの接続と再接続ループです
type subscription struct {
	c     *Client
	topic string
	log   *logrus.Entry

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool

	joined     chan struct{}
	joinedOnce sync.Once

	mu      sync.Mutex
	handler Handler
	onState StateFunc
	conn    *websocket.Conn
	writeMu sync.Mutex

	seen  map[string]struct{}
	order []string
}

func newSubscription(c *Client, topic string, h Handler, onState StateFunc) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{
		c:       c,
		topic:   topic,
		log:     c.log.WithField("topic", topic),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		joined:  make(chan struct{}),
		handler: h,
		onState: onState,
		seen:    make(map[string]struct{}, dedupeWindow),
	}
}

func (s *subscription) setHandlers(h Handler, onState StateFunc) {
	s.mu.Lock()
	s.handler = h
	s.onState = onState
	s.mu.Unlock()
}

func (s *subscription) setState(state ConnState) {
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// stop は購読を終了し、受信ループが抜けるまで待ちます。ハンドラー内から呼んではいけません
func (s *subscription) stop() {
	s.stopping.Store(true)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil && s.ctx.Err() == nil {
		_ = s.writeEnvelope(context.Background(), conn, Envelope{Type: TypeLeave, Topic: s.topic})
	}
	s.cancel()
	<-s.done
}

func (s *subscription) write(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotSubscribed
	}
	return s.writeEnvelope(ctx, conn, env)
}

func (s *subscription) writeEnvelope(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(env)
}

// duplicate は直近 dedupeWindow 件に同じIDがあれば true を返します
func (s *subscription) duplicate(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > dedupeWindow {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
	return false
}

func (s *subscription) backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * s.c.opts.BackoffUnit
	if d > s.c.opts.MaxBackoff {
		d = s.c.opts.MaxBackoff
	}
	return d
}

func (s *subscription) run() {
	defer close(s.done)
	defer s.setState(StateClosed)

	attempt := 0
	for first := true; ; first = false {
		if first {
			s.setState(StateConnecting)
		} else {
			s.setState(StateReconnecting)
		}

		err := s.session()
		if s.ctx.Err() != nil || s.stopping.Load() {
			return
		}
		// joined まで届いた接続の後は1回目から数え直す
		if errors.Is(err, errSessionEnded) {
			attempt = 0
		}
		attempt++
		s.log.WithError(err).WithField("attempt", attempt).Debug("realtime connection lost")
		s.setState(StateDisconnected)

		select {
		case <-time.After(s.backoff(attempt)):
		case <-s.ctx.Done():
			return
		}
	}
}

var errSessionEnded = errors.New("realtime: session ended after join")

// session は1回の接続を確立し、切断されるまで受信します
func (s *subscription) session() error {
	conn, _, err := s.c.opts.Dialer.DialContext(s.ctx, s.c.endpoint(s.topic), nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	// stop() と競合した場合に備え、接続を閉じてから抜ける
	stopConn := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stopConn()

	pingDone := make(chan struct{})
	defer close(pingDone)

	joined := false
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if joined {
				return fmt.Errorf("%w: %v", errSessionEnded, err)
			}
			return err
		}

		switch env.Type {
		case TypeJoined:
			if joined {
				continue
			}
			joined = true
			go s.keepalive(conn, pingDone)
			s.setState(StateConnected)
			s.joinedOnce.Do(func() { close(s.joined) })
		case TypeBroadcast:
			if s.duplicate(env.ID) {
				s.log.WithField("id", env.ID).Debug("dropping duplicate delivery")
				continue
			}
			s.mu.Lock()
			h := s.handler
			s.mu.Unlock()
			if h != nil {
				h(env)
			}
		case TypeError:
			s.log.WithField("payload", string(env.Payload)).Warn("relay reported an error")
		case TypePong:
		}
	}
}

func (s *subscription) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(s.c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := s.writeEnvelope(s.ctx, conn, Envelope{Type: TypePing, Topic: s.topic}); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
