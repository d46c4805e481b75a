package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/media"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/peer"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/signaling"
)

// switchboard はテスト用のシグナリング中継です。宛先ごとに順序どおり届けます
type switchboard struct {
	mu    sync.Mutex
	peers map[string]*fakeSignaler
	hold  bool
	held  []signaling.Signal
	drop  func(signaling.Signal) bool
	sent  []signaling.Signal
}

func newSwitchboard() *switchboard {
	return &switchboard{peers: make(map[string]*fakeSignaler)}
}

func (sb *switchboard) signaler(id string) *fakeSignaler {
	f := &fakeSignaler{id: id, sb: sb, inbox: make(chan signaling.Signal, 1024)}
	sb.mu.Lock()
	sb.peers[id] = f
	sb.mu.Unlock()
	return f
}

func (sb *switchboard) route(s signaling.Signal) {
	sb.mu.Lock()
	sb.sent = append(sb.sent, s)
	if sb.drop != nil && sb.drop(s) {
		sb.mu.Unlock()
		return
	}
	if sb.hold {
		sb.held = append(sb.held, s)
		sb.mu.Unlock()
		return
	}
	dst := sb.peers[s.To]
	sb.mu.Unlock()
	if dst != nil {
		dst.inbox <- s
	}
}

func (sb *switchboard) release() {
	sb.mu.Lock()
	sb.hold = false
	held := sb.held
	sb.held = nil
	sb.mu.Unlock()
	for _, s := range held {
		sb.mu.Lock()
		dst := sb.peers[s.To]
		sb.mu.Unlock()
		if dst != nil {
			dst.inbox <- s
		}
	}
}

// signals は条件に合う送信済みシグナルを返します
func (sb *switchboard) signals(typ, from, to string) []signaling.Signal {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	var out []signaling.Signal
	for _, s := range sb.sent {
		if s.Type == typ && (from == "" || s.From == from) && (to == "" || s.To == to) {
			out = append(out, s)
		}
	}
	return out
}

type fakeSignaler struct {
	id    string
	sb    *switchboard
	inbox chan signaling.Signal

	failConnect atomic.Int32
	connects    atomic.Int32

	mu        sync.Mutex
	connected bool
	quit      chan struct{}
}

func (f *fakeSignaler) SelfID() string { return f.id }

func (f *fakeSignaler) Connect(ctx context.Context, h signaling.Handler) error {
	f.connects.Add(1)
	if f.failConnect.Add(-1) >= 0 {
		return errors.New("relay unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return nil
	}
	f.connected = true
	f.quit = make(chan struct{})
	quit := f.quit
	go func() {
		for {
			select {
			case s := <-f.inbox:
				h(s)
			case <-quit:
				return
			}
		}
	}()
	return nil
}

func (f *fakeSignaler) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		close(f.quit)
		f.connected = false
	}
}

func (f *fakeSignaler) SendOffer(_ context.Context, to string, sdp any) error {
	return f.send(signaling.TypeOffer, to, sdp)
}

func (f *fakeSignaler) SendAnswer(_ context.Context, to string, sdp any) error {
	return f.send(signaling.TypeAnswer, to, sdp)
}

func (f *fakeSignaler) SendICECandidate(_ context.Context, to string, c any) error {
	return f.send(signaling.TypeICECandidate, to, c)
}

func (f *fakeSignaler) send(typ, to string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.sb.route(signaling.Signal{Type: typ, From: f.id, To: to, Data: raw})
	return nil
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func fastOptions() Options {
	return Options{
		RecoverInterval: 50 * time.Millisecond,
		HealthInterval:  100 * time.Millisecond,
		ResendAfter:     time.Hour,
		SignalRetry:     20 * time.Millisecond,
		Log:             quietLog(),
	}
}

func startCoordinator(t *testing.T, sig Signaler, opts Options) *Coordinator {
	t.Helper()
	api, err := peer.NewAPI(peer.APIOptions{})
	if err != nil {
		t.Fatal(err)
	}
	c := New(sig, peer.Factory{API: api, Log: quietLog()}, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func localStream(t *testing.T, kinds ...webrtc.RTPCodecType) *media.LocalStream {
	t.Helper()
	if len(kinds) == 0 {
		kinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo}
	}
	var tracks []*media.LocalTrack
	for _, kind := range kinds {
		mime := webrtc.MimeTypeVP8
		if kind == webrtc.RTPCodecTypeAudio {
			mime = webrtc.MimeTypeOpus
		}
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), "local")
		if err != nil {
			t.Fatal(err)
		}
		tracks = append(tracks, media.NewLocalTrack(track, nil))
	}
	return media.NewLocalStream(tracks...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func managerFor(t *testing.T, c *Coordinator, id string) *peer.Manager {
	t.Helper()
	var m *peer.Manager
	if err := c.do(func() { m = c.managers[id] }); err != nil {
		t.Fatal(err)
	}
	return m
}

func peerIDs(v View) []string {
	out := make([]string, 0, len(v.Peers))
	for id := range v.Peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func waitWithin(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s not reached within %s", what, d)
}

func connectedWith(c *Coordinator, id string) bool {
	ps, ok := c.View().Peers[id]
	return ok && ps.Connection == webrtc.PeerConnectionStateConnected
}

func negotiatedWith(c *Coordinator, id string) bool {
	ps, ok := c.View().Peers[id]
	return ok && ps.Negotiated && ps.Signaling == webrtc.SignalingStateStable
}

func sdpOf(t *testing.T, s signaling.Signal) string {
	t.Helper()
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(s.Data, &desc); err != nil {
		t.Fatal(err)
	}
	return desc.SDP
}

func remoteOffer(t *testing.T, from, to string) signaling.Signal {
	t.Helper()
	api, err := peer.NewAPI(peer.APIOptions{})
	if err != nil {
		t.Fatal(err)
	}
	m, err := peer.NewManager(api, webrtc.Configuration{}, to, peer.Handlers{}, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	if err := m.AddLocalStream(localStream(t).TrackLocals()); err != nil {
		t.Fatal(err)
	}
	offer, err := m.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(offer)
	return signaling.Signal{Type: signaling.TypeOffer, From: from, To: to, Data: raw}
}

func TestGlareConverges(t *testing.T) {
	sb := newSwitchboard()
	sb.hold = true
	a := startCoordinator(t, sb.signaler("a"), fastOptions())
	b := startCoordinator(t, sb.signaler("b"), fastOptions())

	for _, c := range []*Coordinator{a, b} {
		if err := c.SetLocalStream(localStream(t)); err != nil {
			t.Fatal(err)
		}
		if err := c.SetRoster([]string{"a", "b"}); err != nil {
			t.Fatal(err)
		}
	}
	// 両側の offer が相手に届く前にそろうのを待ってから流す
	waitFor(t, "both offers", func() bool {
		return len(sb.signals(signaling.TypeOffer, "a", "b")) == 1 && len(sb.signals(signaling.TypeOffer, "b", "a")) == 1
	})
	sb.release()

	waitFor(t, "negotiation", func() bool {
		return negotiatedWith(a, "b") && negotiatedWith(b, "a")
	})
	// 両側が同じ組の接続を持っていれば、作り直しを待たずにつながる
	waitWithin(t, 5*time.Second, "connected pair", func() bool {
		return connectedWith(a, "b") && connectedWith(b, "a")
	})
	time.Sleep(300 * time.Millisecond)

	if !negotiatedWith(a, "b") || !negotiatedWith(b, "a") {
		t.Fatal("negotiation did not stay settled")
	}
	if ids := peerIDs(a.View()); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("a peers = %v", ids)
	}
	if ids := peerIDs(b.View()); len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("b peers = %v", ids)
	}
	if n := len(sb.signals(signaling.TypeOffer, "", "")); n > 4 {
		t.Fatalf("offers = %d, exchange did not terminate", n)
	}
}

func TestSingleLostOfferStillConnects(t *testing.T) {
	for _, lost := range []string{"a", "b"} {
		t.Run("lost from "+lost, func(t *testing.T) {
			sb := newSwitchboard()
			var dropped atomic.Bool
			sb.drop = func(s signaling.Signal) bool {
				return s.Type == signaling.TypeOffer && s.From == lost && dropped.CompareAndSwap(false, true)
			}
			sb.hold = true
			opts := fastOptions()
			opts.ResendAfter = 200 * time.Millisecond
			a := startCoordinator(t, sb.signaler("a"), opts)
			b := startCoordinator(t, sb.signaler("b"), opts)
			for _, c := range []*Coordinator{a, b} {
				if err := c.SetLocalStream(localStream(t)); err != nil {
					t.Fatal(err)
				}
				if err := c.SetRoster([]string{"a", "b"}); err != nil {
					t.Fatal(err)
				}
			}
			waitFor(t, "both offers", func() bool {
				return len(sb.signals(signaling.TypeOffer, "a", "b")) >= 1 && len(sb.signals(signaling.TypeOffer, "b", "a")) >= 1
			})
			sb.release()
			if !dropped.Load() {
				t.Fatal("no offer was dropped")
			}
			waitFor(t, "negotiation", func() bool {
				return negotiatedWith(a, "b") && negotiatedWith(b, "a")
			})
		})
	}
}

func TestDuplicateOfferResendsAnswer(t *testing.T) {
	sb := newSwitchboard()
	c := startCoordinator(t, sb.signaler("self"), fastOptions())
	if err := c.SetRoster([]string{"p1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "signaling", func() bool { return c.View().Connected })

	offer := remoteOffer(t, "p1", "self")
	sb.route(offer)
	waitFor(t, "first answer", func() bool { return len(sb.signals(signaling.TypeAnswer, "self", "p1")) == 1 })
	first := managerFor(t, c, "p1")

	sb.route(offer)
	waitFor(t, "second answer", func() bool { return len(sb.signals(signaling.TypeAnswer, "self", "p1")) == 2 })

	answers := sb.signals(signaling.TypeAnswer, "self", "p1")
	if sdpOf(t, answers[0]) != sdpOf(t, answers[1]) {
		t.Fatal("resent answer differs from the first one")
	}
	if managerFor(t, c, "p1") != first {
		t.Fatal("duplicate offer recreated the connection")
	}
}

func TestRecreateCarriesBufferedCandidates(t *testing.T) {
	sb := newSwitchboard()
	c := startCoordinator(t, sb.signaler("a"), fastOptions())
	if err := c.SetRoster([]string{"b"}); err != nil {
		t.Fatal(err)
	}
	early := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"}

	var old, fresh *peer.Manager
	var carried []webrtc.ICECandidateInit
	if err := c.do(func() {
		old = c.managers["b"]
		if err := old.AddICECandidate(early); err != nil {
			t.Error(err)
		}
		fresh = c.recreate("b")
		carried = fresh.TakePendingCandidates()
	}); err != nil {
		t.Fatal(err)
	}
	if fresh == nil || fresh == old {
		t.Fatal("connection not recreated")
	}
	if len(carried) != 1 || carried[0].Candidate != early.Candidate {
		t.Fatalf("carried candidates = %+v", carried)
	}
}

func TestRosterConvergence(t *testing.T) {
	sb := newSwitchboard()
	c := startCoordinator(t, sb.signaler("self"), fastOptions())

	rng := rand.New(rand.NewSource(7))
	pool := []string{"p1", "p2", "p3", "p4", "p5", "self"}
	var removed []*peer.Manager
	for i := 0; i < 40; i++ {
		var roster []string
		for _, id := range pool {
			if rng.Intn(2) == 0 {
				roster = append(roster, id, id)
			}
		}
		rng.Shuffle(len(roster), func(i, j int) { roster[i], roster[j] = roster[j], roster[i] })

		var before map[string]*peer.Manager
		_ = c.do(func() {
			before = make(map[string]*peer.Manager, len(c.managers))
			for id, m := range c.managers {
				before[id] = m
			}
		})
		if err := c.SetRoster(roster); err != nil {
			t.Fatal(err)
		}

		want := map[string]bool{}
		for _, id := range roster {
			if id != "self" {
				want[id] = true
			}
		}
		got := c.View().Peers
		if len(got) != len(want) {
			t.Fatalf("step %d: peers = %v, want %v", i, peerIDs(c.View()), want)
		}
		for id := range want {
			if _, ok := got[id]; !ok {
				t.Fatalf("step %d: missing %s", i, id)
			}
			if m, ok := before[id]; ok && managerFor(t, c, id) != m {
				t.Fatalf("step %d: %s recreated without a roster change", i, id)
			}
		}
		for id, m := range before {
			if !want[id] {
				removed = append(removed, m)
			}
		}
	}
	for _, m := range removed {
		if !m.Dead() {
			t.Fatalf("manager for %s leaked", m.PeerID())
		}
	}
}

func TestOneOfferPerStablePeer(t *testing.T) {
	sb := newSwitchboard()
	c := startCoordinator(t, sb.signaler("self"), fastOptions())
	stream := localStream(t)
	if err := c.SetLocalStream(stream); err != nil {
		t.Fatal(err)
	}
	if err := c.SetRoster([]string{"p1", "p2"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offers", func() bool { return len(sb.signals(signaling.TypeOffer, "self", "")) >= 2 })

	// 同じ入力をもう一度与えても offer は増えない
	if err := c.SetRoster([]string{"p2", "p1", "self"}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLocalStream(stream); err != nil {
		t.Fatal(err)
	}
	time.Sleep(350 * time.Millisecond)

	offers := sb.signals(signaling.TypeOffer, "self", "")
	if len(offers) != 2 {
		t.Fatalf("offers = %d, want 2", len(offers))
	}
	if offers[0].To == offers[1].To {
		t.Fatalf("both offers went to %s", offers[0].To)
	}
}

func TestPendingOfferSurvivesHealthChecks(t *testing.T) {
	sb := newSwitchboard()
	opts := fastOptions()
	opts.HealthInterval = 20 * time.Millisecond
	opts.RecoverInterval = 20 * time.Millisecond
	opts.ResendAfter = 60 * time.Millisecond
	c := startCoordinator(t, sb.signaler("self"), opts)
	if err := c.SetLocalStream(localStream(t)); err != nil {
		t.Fatal(err)
	}
	if err := c.SetRoster([]string{"p1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer", func() bool { return len(sb.signals(signaling.TypeOffer, "self", "p1")) == 1 })
	first := managerFor(t, c, "p1")

	time.Sleep(600 * time.Millisecond)

	if managerFor(t, c, "p1") != first {
		t.Fatal("awaiting-answer peer was torn down")
	}
	if ps := c.View().Peers["p1"]; ps.Phase != peer.PhaseOfferSent || ps.Signaling != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("peer state = %+v", ps)
	}
	offers := sb.signals(signaling.TypeOffer, "self", "p1")
	if len(offers) < 2 {
		t.Fatalf("offers = %d, want resends", len(offers))
	}
	for _, o := range offers[1:] {
		if sdpOf(t, o) != sdpOf(t, offers[0]) {
			t.Fatal("resend carried a different offer")
		}
	}
}

func TestLateMediaSkipsNegotiatedPeers(t *testing.T) {
	sb := newSwitchboard()
	c := startCoordinator(t, sb.signaler("self"), fastOptions())
	if err := c.SetRoster([]string{"p1", "p2"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "signaling", func() bool { return c.View().Connected })
	if n := len(sb.signals(signaling.TypeOffer, "self", "")); n != 0 {
		t.Fatalf("offers without media = %d", n)
	}

	// メディアなしでも相手の offer には応答する
	sb.route(remoteOffer(t, "p1", "self"))
	waitFor(t, "answer to p1", func() bool { return len(sb.signals(signaling.TypeAnswer, "self", "p1")) == 1 })
	waitFor(t, "p1 negotiated", func() bool { return negotiatedWith(c, "p1") })

	if err := c.SetLocalStream(localStream(t)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer to p2", func() bool { return len(sb.signals(signaling.TypeOffer, "self", "p2")) == 1 })
	time.Sleep(200 * time.Millisecond)
	if n := len(sb.signals(signaling.TypeOffer, "self", "p1")); n != 0 {
		t.Fatalf("negotiated peer received %d offers", n)
	}
}

func TestInboundSignalFiltering(t *testing.T) {
	sb := newSwitchboard()
	c := startCoordinator(t, sb.signaler("self"), fastOptions())
	if err := c.SetRoster([]string{"p1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "signaling", func() bool { return c.View().Connected })

	fromSelf := remoteOffer(t, "self", "self")
	toOther := remoteOffer(t, "p1", "someone-else")
	sb.mu.Lock()
	sb.peers["someone-else"] = sb.peers["self"]
	sb.mu.Unlock()
	stranger := remoteOffer(t, "stranger", "self")
	for _, s := range []signaling.Signal{fromSelf, toOther, stranger} {
		sb.route(s)
	}
	sb.route(remoteOffer(t, "p1", "self"))
	waitFor(t, "answer to p1", func() bool { return len(sb.signals(signaling.TypeAnswer, "self", "p1")) == 1 })

	if n := len(sb.signals(signaling.TypeAnswer, "self", "")); n != 1 {
		t.Fatalf("answers = %d, want 1", n)
	}
	if ids := peerIDs(c.View()); len(ids) != 1 || ids[0] != "p1" {
		t.Fatalf("peers = %v", ids)
	}
}

func TestFailedPeerRecreatedOnNextPass(t *testing.T) {
	sb := newSwitchboard()
	c := startCoordinator(t, sb.signaler("self"), fastOptions())
	if err := c.SetLocalStream(localStream(t)); err != nil {
		t.Fatal(err)
	}
	if err := c.SetRoster([]string{"p1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer", func() bool { return len(sb.signals(signaling.TypeOffer, "self", "p1")) == 1 })
	first := managerFor(t, c, "p1")

	_ = c.do(func() { c.onPeerState("p1", first, webrtc.PeerConnectionStateFailed) })
	if !first.Dead() {
		t.Fatal("failed manager not closed")
	}

	waitFor(t, "replacement offer", func() bool {
		return len(sb.signals(signaling.TypeOffer, "self", "p1")) == 2 && len(c.View().Reconnecting) == 0
	})
	second := managerFor(t, c, "p1")
	if second == nil || second == first {
		t.Fatal("peer not recreated")
	}

	// 捨てた接続からの遅れた通知は無視する
	_ = c.do(func() { c.onPeerState("p1", first, webrtc.PeerConnectionStateClosed) })
	if managerFor(t, c, "p1") != second {
		t.Fatal("stale callback tore down the replacement")
	}
}

func TestReconnectResetsEveryPeer(t *testing.T) {
	sb := newSwitchboard()
	c := startCoordinator(t, sb.signaler("self"), fastOptions())
	if err := c.SetLocalStream(localStream(t)); err != nil {
		t.Fatal(err)
	}
	if err := c.SetRoster([]string{"p1", "p2"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offers", func() bool { return len(sb.signals(signaling.TypeOffer, "self", "")) == 2 })
	old := []*peer.Manager{managerFor(t, c, "p1"), managerFor(t, c, "p2")}

	if err := c.Reconnect(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "fresh offers", func() bool { return len(sb.signals(signaling.TypeOffer, "self", "")) == 4 })
	for _, m := range old {
		if !m.Dead() || managerFor(t, c, m.PeerID()) == m {
			t.Fatalf("%s not replaced", m.PeerID())
		}
	}
	if len(c.View().Streams) != 0 {
		t.Fatal("streams not cleared")
	}
}

func TestToggleMirrorsTrackFlags(t *testing.T) {
	sb := newSwitchboard()
	c := startCoordinator(t, sb.signaler("self"), fastOptions())

	if on, err := c.ToggleVideo(); err != nil || on {
		t.Fatalf("toggle without media = %v, %v", on, err)
	}
	stream := localStream(t, webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo)
	if err := c.SetLocalStream(stream); err != nil {
		t.Fatal(err)
	}
	if v := c.View(); !v.AudioEnabled || !v.VideoEnabled {
		t.Fatalf("view = %+v", v)
	}

	on, err := c.ToggleVideo()
	if err != nil || on {
		t.Fatalf("ToggleVideo = %v, %v", on, err)
	}
	video, _ := stream.Kind(webrtc.RTPCodecTypeVideo)
	if video.Enabled() || c.View().VideoEnabled || !c.View().AudioEnabled {
		t.Fatal("video flag not mirrored")
	}
	if on, _ := c.ToggleVideo(); !on {
		t.Fatal("video not re-enabled")
	}
	if on, _ := c.ToggleAudio(); on || c.View().AudioEnabled {
		t.Fatal("audio not muted")
	}
}

type fakeSource struct {
	mu     sync.Mutex
	err    error
	stream *media.LocalStream
}

func (f *fakeSource) Acquire(context.Context, string) (*media.LocalStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream, f.err
}

func TestAcquireMediaDegradesWithoutPermission(t *testing.T) {
	sb := newSwitchboard()
	src := &fakeSource{err: media.ErrPermissionDenied}
	opts := fastOptions()
	opts.Media = src
	c := startCoordinator(t, sb.signaler("self"), opts)
	if err := c.SetRoster([]string{"p1"}); err != nil {
		t.Fatal(err)
	}

	if err := c.AcquireMedia(context.Background()); !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	if v := c.View(); !errors.Is(v.MediaErr, media.ErrPermissionDenied) || v.Local != nil {
		t.Fatalf("view = %+v", v)
	}
	if _, ok := c.View().Peers["p1"]; !ok {
		t.Fatal("peer connection dropped after media failure")
	}

	// 手動で再試行する
	src.mu.Lock()
	src.err, src.stream = nil, localStream(t)
	src.mu.Unlock()
	if err := c.AcquireMedia(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.View().MediaErr != nil {
		t.Fatal("media error not cleared")
	}
	waitFor(t, "offer after media", func() bool { return len(sb.signals(signaling.TypeOffer, "self", "p1")) == 1 })
}

func TestSignalingRetriedInBackground(t *testing.T) {
	sb := newSwitchboard()
	sig := sb.signaler("self")
	sig.failConnect.Store(2)
	c := New(sig, peer.Factory{}, fastOptions())
	var changes atomic.Int32
	c.OnChange(func(View) { changes.Add(1) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, "signaling", func() bool { return c.View().Connected })
	if c.View().Err != nil {
		t.Fatal("error not cleared after connecting")
	}
	if n := sig.connects.Load(); n != 3 {
		t.Fatalf("connect attempts = %d, want 3", n)
	}
	waitFor(t, "change notification", func() bool { return changes.Load() > 0 })
}
