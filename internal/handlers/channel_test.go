package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/bus"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/repo"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type testRelay struct {
	srv *httptest.Server
	svc *service.ChannelService
	hub *ChannelHub
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	svc := service.NewChannelService(repo.NewMemoryPresenceRepo(), 60, "secret")
	b := bus.NewLocal(16)
	hub := NewChannelHub(nil)
	ws := NewWebSocketHandler(svc, hub, b, nil)
	ch := NewChannelHandler(svc, b, nil)

	r := chi.NewRouter()
	r.Route("/api/v1/channel/{topic}", func(r chi.Router) {
		r.Get("/members", ch.Members)
		r.Post("/touch", ch.Touch)
		r.Post("/publish", ch.Publish)
		r.Get("/ws", ws.HandleWebSocket)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Run(ctx, hub.Deliver) }()
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testRelay{srv: srv, svc: svc, hub: hub}
}

func (tr *testRelay) dial(t *testing.T, topic, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/api/v1/channel/" + topic + "/ws?clientId=" + clientID + "&memberId=p1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var env realtime.Envelope
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&env); err != nil || env.Type != realtime.TypeJoined {
		t.Fatalf("first frame = %+v, %v", env, err)
	}
	return conn
}

func TestWebSocketRejectsInvalidClient(t *testing.T) {
	tr := newTestRelay(t)
	cases := map[string]string{
		"missing":  "/api/v1/channel/room:r1:status/ws",
		"not uuid": "/api/v1/channel/room:r1:status/ws?clientId=abc",
		"topic":    "/api/v1/channel/room%20r1/ws?clientId=" + uuid.NewString(),
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Get(tr.srv.URL + path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestMembersAndTouch(t *testing.T) {
	tr := newTestRelay(t)
	topic := "room:r1:status"
	id := uuid.NewString()
	tr.dial(t, topic, id)

	resp, err := http.Get(tr.srv.URL + "/api/v1/channel/" + topic + "/members")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Members []struct {
			ClientID string `json:"clientId"`
			MemberID string `json:"memberId"`
		} `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Members) != 1 || body.Members[0].ClientID != id || body.Members[0].MemberID != "p1" {
		t.Fatalf("members = %+v", body.Members)
	}

	touch, err := http.Post(tr.srv.URL+"/api/v1/channel/"+topic+"/touch", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	touch.Body.Close()
	if touch.StatusCode != http.StatusOK {
		t.Fatalf("touch status = %d", touch.StatusCode)
	}

	missing, err := http.Post(tr.srv.URL+"/api/v1/channel/room:none:status/touch", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("touch of unknown topic status = %d", missing.StatusCode)
	}
}

func TestPublishSignature(t *testing.T) {
	tr := newTestRelay(t)
	topic := realtime.ChangesTopic("r1")
	conn := tr.dial(t, topic, uuid.NewString())

	body := []byte(`{"event":"postgres_changes","payload":{"table":"game_rooms","type":"UPDATE"}}`)
	post := func(sig string) int {
		req, _ := http.NewRequest(http.MethodPost, tr.srv.URL+"/api/v1/channel/"+topic+"/publish", bytes.NewReader(body))
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(""); code != http.StatusUnauthorized {
		t.Fatalf("unsigned publish status = %d", code)
	}
	if code := post(tr.svc.Sign(body)); code != http.StatusOK {
		t.Fatalf("signed publish status = %d", code)
	}

	var env realtime.Envelope
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	var change realtime.Change
	if err := env.Decode(&change); err != nil {
		t.Fatal(err)
	}
	if env.From != realtime.FromServer || env.Event != realtime.EventChanges || change.Table != realtime.TableRooms || env.ID == "" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestSameClientReconnectKeepsPresence(t *testing.T) {
	tr := newTestRelay(t)
	topic := realtime.SignalingTopic("r1")
	id := uuid.NewString()

	old := tr.dial(t, topic, id)
	tr.dial(t, topic, id)

	// 古い接続はサーバー側から閉じられる
	_ = old.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := old.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)

	if n := tr.hub.Count(topic); n != 1 {
		t.Fatalf("hub has %d clients, want 1", n)
	}
	members, err := tr.svc.Members(context.Background(), topic)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("presence lost on reconnect: %+v", members)
	}
}
