package mesh

import (
	"context"
	"sort"

	"github.com/pion/webrtc/v4"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/media"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/peer"
)

// PeerState は参加者1人ぶんの接続の状態です
type PeerState struct {
	Phase      peer.Phase
	Signaling  webrtc.SignalingState
	Connection webrtc.PeerConnectionState
	Negotiated bool
	HasStream  bool
}

// View は Coordinator の読み取り専用スナップショットです
type View struct {
	Local        *media.LocalStream
	Streams      map[string]*peer.RemoteStream
	AudioEnabled bool
	VideoEnabled bool
	Peers        map[string]PeerState
	Reconnecting []string
	Connected    bool  // シグナリングに参加済み
	Err          error // シグナリングの接続エラー
	MediaErr     error // メディア取得のエラー（メディアなしで続行中）
}

// View は最新のスナップショットを返します
func (c *Coordinator) View() View {
	return *c.view.Load()
}

// OnChange は状態が変わるたびに最新のスナップショットで fn を呼びます
// fn は専用のゴルーチンから呼ばれ、連続した変更はまとめられることがあります
func (c *Coordinator) OnChange(fn func(View)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// publish はループの状態からスナップショットを作り直します。ループからだけ呼びます
func (c *Coordinator) publish() {
	v := &View{
		Local:     c.local,
		Streams:   make(map[string]*peer.RemoteStream, len(c.streams)),
		Peers:     make(map[string]PeerState, len(c.managers)),
		Connected: c.sigReady,
		Err:       c.sigErr,
		MediaErr:  c.mediaErr,
	}
	for id, s := range c.streams {
		v.Streams[id] = s
	}
	for id, m := range c.managers {
		_, hasStream := c.streams[id]
		v.Peers[id] = PeerState{
			Phase:      m.Phase(),
			Signaling:  m.SignalingState(),
			Connection: m.ConnectionState(),
			Negotiated: m.Negotiated(),
			HasStream:  hasStream,
		}
	}
	for id := range c.reconnect {
		v.Reconnecting = append(v.Reconnecting, id)
	}
	sort.Strings(v.Reconnecting)
	if c.local != nil {
		v.AudioEnabled = c.local.Enabled(webrtc.RTPCodecTypeAudio)
		v.VideoEnabled = c.local.Enabled(webrtc.RTPCodecTypeVideo)
	}
	c.view.Store(v)

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Coordinator) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notify:
		}
		c.listenMu.Lock()
		listeners := append([]func(View){}, c.listeners...)
		c.listenMu.Unlock()
		v := c.View()
		for _, fn := range listeners {
			fn(v)
		}
	}
}
