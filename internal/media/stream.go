// Package media はカメラ・マイクの取得と、その再試行ポリシーを扱います
package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// LocalTrack はローカルで取得したトラック1本です
// enabled はミュート状態を表し、再ネゴシエーションなしで切り替えます
type LocalTrack struct {
	track   webrtc.TrackLocal
	closer  func() error
	enabled atomic.Bool
}

// NewLocalTrack はトラックを包みます。closer は省略できます
func NewLocalTrack(t webrtc.TrackLocal, closer func() error) *LocalTrack {
	lt := &LocalTrack{track: t, closer: closer}
	lt.enabled.Store(true)
	return lt
}

func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(on bool) { t.enabled.Store(on) }

// LocalStream はローカルトラックの集合です
type LocalStream struct {
	tracks    []*LocalTrack
	closeOnce sync.Once
	closeErr  error
}

func NewLocalStream(tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{tracks: tracks}
}

func (s *LocalStream) Tracks() []*LocalTrack {
	return append([]*LocalTrack(nil), s.tracks...)
}

// TrackLocals はピア接続に渡すトラックを返します
func (s *LocalStream) TrackLocals() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.track)
	}
	return out
}

// Kind は指定した種類の最初のトラックを返します
func (s *LocalStream) Kind(kind webrtc.RTPCodecType) (*LocalTrack, bool) {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

// Enabled は指定した種類のトラックがあり、有効なら true を返します
func (s *LocalStream) Enabled(kind webrtc.RTPCodecType) bool {
	t, ok := s.Kind(kind)
	return ok && t.Enabled()
}

// Close はすべてのトラックを閉じます。何度呼んでもよい
func (s *LocalStream) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, t := range s.tracks {
			if t.closer != nil {
				errs = append(errs, t.closer())
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
