package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNegotiationInFlight は自分の offer が応答待ちのときに返ります
	ErrNegotiationInFlight = errors.New("peer: negotiation in flight")

	// ErrGlare は相手の offer が先に届いているときに返ります。失敗ではなく情報として扱います
	ErrGlare = errors.New("peer: remote offer arrived first")

	// ErrNegotiated はネゴシエーション済みの接続に offer しようとしたときに返ります
	ErrNegotiated = errors.New("peer: already negotiated")

	ErrClosed = errors.New("peer: connection closed")
)

// Phase はネゴシエーションの段階です
type Phase int

const (
	PhaseIdle          Phase = iota // 記述子なしの stable
	PhaseOfferSent                  // 自分の offer が応答待ち
	PhaseOfferReceived              // 相手の offer を適用し、answer を作成中
	PhaseStable                     // ネゴシエーション完了
	PhaseFailed                     // 接続が failed / closed になった
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOfferSent:
		return "offer-sent"
	case PhaseOfferReceived:
		return "offer-received"
	case PhaseStable:
		return "stable"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Handlers は Manager からの通知先です。Close 後は呼ばれません
type Handlers struct {
	OnStream       func(peerID string, s *RemoteStream)
	OnICECandidate func(peerID string, c webrtc.ICECandidateInit)
	OnStateChange  func(peerID string, s webrtc.PeerConnectionState)
	OnPacket       PacketSink
}

// Factory は共有の API と設定から Manager を作ります
type Factory struct {
	API    *webrtc.API
	Config webrtc.Configuration
	Log    *logrus.Entry
}

func (f Factory) New(peerID string, h Handlers) (*Manager, error) {
	return NewManager(f.API, f.Config, peerID, h, f.Log)
}

// Manager はリモート参加者1人とのピア接続を1つだけ保持します
type Manager struct {
	peerID string
	pc     *webrtc.PeerConnection
	h      Handlers
	log    *logrus.Entry

	mu        sync.Mutex
	phase     Phase
	pending   []webrtc.ICECandidateInit // リモート記述子の適用前に届いた候補
	offer     webrtc.SessionDescription // CreateOffer が返したままの offer（候補行を含まない）
	answer    webrtc.SessionDescription // HandleOffer が返した answer
	remote    string                    // 適用したリモート記述子のSDP
	senders   map[string]*webrtc.RTPSender
	stream    *RemoteStream
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewManager は受信専用の音声・映像トランシーバーを持つ接続を作ります
// ローカルメディアがなくても相手のストリームを受け取れます
func NewManager(api *webrtc.API, cfg webrtc.Configuration, peerID string, h Handlers, log *logrus.Entry) (*Manager, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("peer: new connection: %w", err)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("peer: add %s transceiver: %w", kind, err)
		}
	}

	m := &Manager{
		peerID:  peerID,
		pc:      pc,
		h:       h,
		log:     log.WithField("peer", peerID),
		senders: make(map[string]*webrtc.RTPSender),
		stream:  newRemoteStream(peerID, h.OnPacket),
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if m.closed.Load() {
			return
		}
		m.log.WithFields(logrus.Fields{"track": remote.ID(), "kind": remote.Kind()}).Debug("remote track")
		if m.stream.attach(remote) && m.h.OnStream != nil {
			m.h.OnStream(peerID, m.stream)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || m.closed.Load() || m.h.OnICECandidate == nil {
			return
		}
		m.h.OnICECandidate(peerID, c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if m.closed.Load() {
			return
		}
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			m.mu.Lock()
			m.phase = PhaseFailed
			m.mu.Unlock()
		}
		m.log.WithField("state", s.String()).Debug("connection state")
		if m.h.OnStateChange != nil {
			m.h.OnStateChange(peerID, s)
		}
	})
	return m, nil
}

func (m *Manager) PeerID() string { return m.peerID }

// AddLocalStream はローカルのトラックを送信側に追加します。追加済みのトラックは飛ばします
func (m *Manager) AddLocalStream(tracks []webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return ErrClosed
	}
	for _, track := range tracks {
		if _, ok := m.senders[track.ID()]; ok {
			continue
		}
		sender, err := m.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("peer: add track %s: %w", track.ID(), err)
		}
		m.senders[track.ID()] = sender
		go drainRTCP(sender)
	}
	return nil
}

// RTCPは読み捨てないとインターセプターが動かない
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// HasLocalTracks はローカルトラックを送信しているかどうかを返します
func (m *Manager) HasLocalTracks() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}

// CreateOffer は offer を作ってローカル記述子に設定します
// 既にネゴシエーション中、またはネゴシエーション済みなら記述子を変更せずにすぐ失敗します
func (m *Manager) CreateOffer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	switch m.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		if m.pc.RemoteDescription() != nil {
			return webrtc.SessionDescription{}, ErrNegotiated
		}
	case webrtc.SignalingStateHaveLocalOffer:
		return webrtc.SessionDescription{}, ErrNegotiationInFlight
	case webrtc.SignalingStateHaveRemoteOffer:
		return webrtc.SessionDescription{}, ErrGlare
	default:
		return webrtc.SessionDescription{}, ErrNegotiationInFlight
	}

	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: set local offer: %w", err)
	}
	m.phase = PhaseOfferSent
	m.offer = offer
	return offer, nil
}

// HandleOffer は相手の offer を適用し、answer を作って返します
// 自分の offer が応答待ちなら ErrGlare を返し、どちらが譲るかは呼び出し側が決めます
func (m *Manager) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if m.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		return webrtc.SessionDescription{}, ErrGlare
	}

	if err := m.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: set remote offer: %w", err)
	}
	m.phase = PhaseOfferReceived
	m.remote = offer.SDP
	m.flushCandidatesLocked()

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: set local answer: %w", err)
	}
	m.phase = PhaseStable
	m.answer = answer
	return answer, nil
}

// HandleAnswer は自分の offer への answer を適用します
// 応答待ちでないとき（重複配信や競合）は何もせず nil を返します
func (m *Manager) HandleAnswer(answer webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return nil
	}
	local := m.pc.LocalDescription()
	state := m.pc.SignalingState()
	if state != webrtc.SignalingStateHaveLocalOffer || local == nil || local.Type != webrtc.SDPTypeOffer {
		m.log.WithField("signaling", state.String()).Debug("ignoring answer outside have-local-offer")
		return nil
	}
	if err := m.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("peer: set remote answer: %w", err)
	}
	m.phase = PhaseStable
	m.remote = answer.SDP
	m.flushCandidatesLocked()
	return nil
}

// AddICECandidate はリモートのICE候補を適用します。リモート記述子の適用前ならためておきます
func (m *Manager) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return nil
	}
	if m.pc.RemoteDescription() == nil {
		m.pending = append(m.pending, c)
		return nil
	}
	return m.pc.AddICECandidate(c)
}

func (m *Manager) flushCandidatesLocked() {
	for _, c := range m.pending {
		if err := m.pc.AddICECandidate(c); err != nil {
			m.log.WithError(err).Debug("dropping buffered ice candidate")
		}
	}
	m.pending = nil
}

// PendingOffer は応答待ちの offer を返します（再送用）
// 返すのは最初に送ったものと同じ SDP で、収集済みの候補は含みません
func (m *Manager) PendingOffer() (webrtc.SessionDescription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() || m.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer || m.offer.SDP == "" {
		return webrtc.SessionDescription{}, false
	}
	return m.offer, true
}

// LocalAnswer は相手の offer に返した answer を返します
// 同じ offer が再送されたとき、answer が届かなかった相手に送り直すために使います
func (m *Manager) LocalAnswer() (webrtc.SessionDescription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() || m.answer.SDP == "" {
		return webrtc.SessionDescription{}, false
	}
	return m.answer, true
}

// RemoteSDP は適用済みのリモート記述子のSDPを受け取ったとおりに返します
func (m *Manager) RemoteSDP() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// TakePendingCandidates はリモート記述子の適用前にためた候補を取り出します
// 接続を作り直すとき、相手の生きている接続の候補を新しい Manager に引き継ぐのに使います
func (m *Manager) TakePendingCandidates() []webrtc.ICECandidateInit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// ReconstructStream はレシーバーから直接ストリームを組み立て直します
// OnTrack を取りこぼした場合の回復に使います
func (m *Manager) ReconstructStream() (*RemoteStream, bool) {
	if m.closed.Load() {
		return nil, false
	}
	added := false
	for _, r := range m.pc.GetReceivers() {
		for _, t := range r.Tracks() {
			// コーデック未確定のトラックはまだ OnTrack 前なので触らない
			if t == nil || t.Codec().MimeType == "" {
				continue
			}
			if m.stream.attach(t) {
				added = true
			}
		}
	}
	if added && m.h.OnStream != nil {
		m.h.OnStream(m.peerID, m.stream)
	}
	return m.stream, len(m.stream.Tracks()) > 0
}

// RequestKeyframe は受信中の映像トラックにPLIを送ります
func (m *Manager) RequestKeyframe() error {
	if m.closed.Load() {
		return nil
	}
	var pkts []rtcp.Packet
	for _, t := range m.stream.Tracks() {
		if t.Kind == webrtc.RTPCodecTypeVideo {
			pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: uint32(t.remote.SSRC())})
		}
	}
	if len(pkts) == 0 {
		return nil
	}
	return m.pc.WriteRTCP(pkts)
}

// Stream は受信ストリームを返します。トラックがまだなければ false
func (m *Manager) Stream() (*RemoteStream, bool) {
	return m.stream, len(m.stream.Tracks()) > 0
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) SignalingState() webrtc.SignalingState { return m.pc.SignalingState() }

func (m *Manager) ConnectionState() webrtc.PeerConnectionState { return m.pc.ConnectionState() }

func (m *Manager) ICEConnectionState() webrtc.ICEConnectionState { return m.pc.ICEConnectionState() }

// Negotiated はローカルとリモートの記述子が両方そろっているかを返します
func (m *Manager) Negotiated() bool {
	return m.pc.LocalDescription() != nil && m.pc.RemoteDescription() != nil
}

// CanOffer は offer を作ってよい状態（stable かつ記述子なし）かを返します
func (m *Manager) CanOffer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed.Load() &&
		m.phase == PhaseIdle &&
		m.pc.SignalingState() == webrtc.SignalingStateStable &&
		m.pc.LocalDescription() == nil &&
		m.pc.RemoteDescription() == nil
}

// Dead は接続が failed / closed に到達したかを返します。応答待ちは含みません
func (m *Manager) Dead() bool {
	if m.closed.Load() {
		return true
	}
	switch m.pc.ConnectionState() {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return true
	}
	switch m.pc.ICEConnectionState() {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		return true
	}
	return false
}

// Close は接続を閉じます。何度呼んでもよく、以降コールバックは呼ばれません
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		err = m.pc.Close()
	})
	return err
}
