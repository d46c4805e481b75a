package peer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// liveWindow の間にパケットが届いていないトラックは止まっているとみなす
const liveWindow = 3 * time.Second

// PacketSink は受信したRTPパケットを受け取ります（録画や転送用、省略可）
type PacketSink func(peerID string, t *RemoteTrack, p *rtp.Packet)

// RemoteTrack は受信中のトラック1本です
type RemoteTrack struct {
	ID   string
	Kind webrtc.RTPCodecType

	remote     *webrtc.TrackRemote
	lastPacket atomic.Int64 // UnixNano
	ended      atomic.Bool
}

// Live は直近 liveWindow 以内にパケットを受信していれば true を返します
func (t *RemoteTrack) Live() bool {
	if t.ended.Load() {
		return false
	}
	last := t.lastPacket.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < liveWindow
}

// RemoteStream はリモート参加者から受信しているトラックの集合です
type RemoteStream struct {
	PeerID string

	mu     sync.RWMutex
	tracks map[string]*RemoteTrack
	sink   PacketSink
}

func newRemoteStream(peerID string, sink PacketSink) *RemoteStream {
	return &RemoteStream{PeerID: peerID, tracks: make(map[string]*RemoteTrack), sink: sink}
}

// attach はトラックを追加して受信を始めます。同じトラックは一度しか読みません
func (s *RemoteStream) attach(remote *webrtc.TrackRemote) bool {
	s.mu.Lock()
	for _, t := range s.tracks {
		if t.remote == remote {
			s.mu.Unlock()
			return false
		}
	}
	t := &RemoteTrack{ID: remote.ID(), Kind: remote.Kind(), remote: remote}
	s.tracks[t.ID] = t
	s.mu.Unlock()

	go s.pump(t)
	return true
}

func (s *RemoteStream) pump(t *RemoteTrack) {
	defer t.ended.Store(true)
	for {
		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			return
		}
		t.lastPacket.Store(time.Now().UnixNano())
		if s.sink != nil {
			s.sink(s.PeerID, t, pkt)
		}
	}
}

// Tracks はトラックの一覧を返します
func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RemoteTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// HasLiveVideo は映像トラックが受信中かどうかを返します
func (s *RemoteStream) HasLiveVideo() bool {
	for _, t := range s.Tracks() {
		if t.Kind == webrtc.RTPCodecTypeVideo && t.Live() {
			return true
		}
	}
	return false
}

// Live はいずれかのトラックが受信中かどうかを返します
func (s *RemoteStream) Live() bool {
	for _, t := range s.Tracks() {
		if t.Live() {
			return true
		}
	}
	return false
}
