// Package signaling はリレーのチャンネル上でWebRTCのシグナル（offer / answer / ICE候補）を送受信します
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
	"github.com/sirupsen/logrus"
)

// シグナルの種類
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

const (
	defaultAttemptTimeout = 15 * time.Second
	defaultAttempts       = 3
	defaultBackoffUnit    = time.Second
)

// ErrConnectFailed は再試行を使い切っても接続できなかったことを表します。呼び出し側は再試行できます
var ErrConnectFailed = errors.New("signaling: connect failed")

// Signal はシグナリングチャンネルで運ばれるメッセージです
type Signal struct {
	Type string          `json:"type"`
	From string          `json:"from"`
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}

// Handler は受信したシグナルを受け取ります。宛先と送信者の絞り込みは受け取る側で行います
type Handler func(sig Signal)

// Transport はシグナリングが使うリアルタイムチャンネルです。*realtime.Client が実装します
type Transport interface {
	Subscribe(ctx context.Context, topic string, h realtime.Handler, onState realtime.StateFunc) (func(), error)
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Options は接続の再試行を調整します。ゼロ値はデフォルトを使います
type Options struct {
	AttemptTimeout time.Duration
	Attempts       int
	BackoffUnit    time.Duration
	Log            *logrus.Entry
}

// Client はルーム単位のシグナリングクライアントです
type Client struct {
	transport Transport
	topic     string
	selfID    string
	opts      Options
	log       *logrus.Entry

	connectMu   sync.Mutex // Connect を直列化する
	mu          sync.Mutex
	unsubscribe func()
	handler     Handler
}

func NewClient(t Transport, roomID, selfID string, opts Options) *Client {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = defaultBackoffUnit
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		transport: t,
		topic:     realtime.SignalingTopic(roomID),
		selfID:    selfID,
		opts:      opts,
		log:       log.WithFields(logrus.Fields{"room": roomID, "component": "signaling"}),
	}
}

// SelfID は自分のプレイヤーIDを返します
func (c *Client) SelfID() string { return c.selfID }

// Connected は購読が確立済みかどうかを返します
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribe != nil
}

// Connect はシグナリングチャンネルに参加します。冪等で、確立済みならハンドラーだけを差し替えます
// 1回の試行は AttemptTimeout で打ち切り、Attempts 回まで 1秒×試行回数 の間隔で再試行します
func (c *Client) Connect(ctx context.Context, h Handler) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	c.handler = h
	connected := c.unsubscribe != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
		unsubscribe, err := c.transport.Subscribe(attemptCtx, c.topic, c.deliver, nil)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.unsubscribe = unsubscribe
			c.mu.Unlock()
			c.log.WithField("attempt", attempt).Debug("signaling connected")
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.WithError(err).WithField("attempt", attempt).Warn("signaling connect attempt failed")
		if attempt == c.opts.Attempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * c.opts.BackoffUnit):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, c.opts.Attempts, lastErr)
}

func (c *Client) deliver(env realtime.Envelope) {
	if env.Event != realtime.EventSignal {
		return
	}
	var sig Signal
	if err := env.Decode(&sig); err != nil {
		c.log.WithError(err).Debug("dropping malformed signal")
		return
	}
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(sig)
	}
}

// SendOffer は to に offer を送ります。到達の確認はしません
func (c *Client) SendOffer(ctx context.Context, to string, sdp any) error {
	return c.send(ctx, TypeOffer, to, sdp)
}

// SendAnswer は to に answer を送ります
func (c *Client) SendAnswer(ctx context.Context, to string, sdp any) error {
	return c.send(ctx, TypeAnswer, to, sdp)
}

// SendICECandidate は to にICE候補を送ります
func (c *Client) SendICECandidate(ctx context.Context, to string, candidate any) error {
	return c.send(ctx, TypeICECandidate, to, candidate)
}

func (c *Client) send(ctx context.Context, typ, to string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("signaling: encode %s: %w", typ, err)
	}
	return c.transport.Publish(ctx, c.topic, realtime.EventSignal, Signal{Type: typ, From: c.selfID, To: to, Data: raw})
}

// Disconnect はチャンネルから抜けます。何度呼んでもよく、終了時のエラーは返しません
func (c *Client) Disconnect() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.handler = nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
