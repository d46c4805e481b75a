package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
)

type fakeTransport struct {
	mu           sync.Mutex
	failFirst    int
	subscribes   int
	unsubscribes int
	handler      realtime.Handler
	published    []Signal
}

func (f *fakeTransport) Subscribe(ctx context.Context, topic string, h realtime.Handler, _ realtime.StateFunc) (func(), error) {
	f.mu.Lock()
	f.subscribes++
	fail := f.subscribes <= f.failFirst
	f.mu.Unlock()
	if fail {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubscribes++
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) Publish(_ context.Context, topic, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload.(Signal))
	return nil
}

func fastOptions() Options {
	return Options{AttemptTimeout: 20 * time.Millisecond, BackoffUnit: time.Millisecond}
}

func TestConnectIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	c := NewClient(tr, "r1", "me", fastOptions())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Connect(context.Background(), func(Signal) {}); err != nil {
				t.Errorf("Connect: %v", err)
			}
		}()
	}
	wg.Wait()

	if tr.subscribes != 1 {
		t.Fatalf("subscribes = %d, want 1", tr.subscribes)
	}
	if !c.Connected() {
		t.Fatal("client not connected")
	}
}

func TestConnectRetries(t *testing.T) {
	cases := []struct {
		name      string
		failFirst int
		wantErr   bool
	}{
		{"first attempt", 0, false},
		{"third attempt", 2, false},
		{"exhausted", 3, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &fakeTransport{failFirst: tc.failFirst}
			c := NewClient(tr, "r1", "me", fastOptions())
			err := c.Connect(context.Background(), nil)
			if tc.wantErr {
				if !errors.Is(err, ErrConnectFailed) {
					t.Fatalf("err = %v, want ErrConnectFailed", err)
				}
				if tr.subscribes != defaultAttempts {
					t.Fatalf("subscribes = %d", tr.subscribes)
				}
				// 失敗後も呼び出し側から再試行できる
				tr.failFirst = 0
				if err := c.Connect(context.Background(), nil); err != nil {
					t.Fatalf("retry after failure: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
		})
	}
}

func TestSendAndReceive(t *testing.T) {
	tr := &fakeTransport{}
	c := NewClient(tr, "r1", "me", fastOptions())

	var got []Signal
	if err := c.Connect(context.Background(), func(s Signal) { got = append(got, s) }); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	_ = c.SendOffer(ctx, "p2", map[string]string{"type": "offer", "sdp": "v=0"})
	_ = c.SendAnswer(ctx, "p2", map[string]string{"type": "answer", "sdp": "v=0"})
	_ = c.SendICECandidate(ctx, "p2", map[string]string{"candidate": "c"})

	wantTypes := []string{TypeOffer, TypeAnswer, TypeICECandidate}
	for i, s := range tr.published {
		if s.Type != wantTypes[i] || s.From != "me" || s.To != "p2" || len(s.Data) == 0 {
			t.Fatalf("published[%d] = %+v", i, s)
		}
	}

	raw, _ := json.Marshal(Signal{Type: TypeOffer, From: "p2", To: "me", Data: json.RawMessage(`{}`)})
	tr.handler(realtime.Envelope{Event: realtime.EventSignal, Payload: raw})
	tr.handler(realtime.Envelope{Event: realtime.EventCameraEffect, Payload: raw})
	tr.handler(realtime.Envelope{Event: realtime.EventSignal, Payload: json.RawMessage(`not json`)})
	if len(got) != 1 || got[0].From != "p2" {
		t.Fatalf("delivered = %+v", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	c := NewClient(tr, "r1", "me", fastOptions())
	c.Disconnect()
	if err := c.Connect(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	c.Disconnect()
	c.Disconnect()
	if tr.unsubscribes != 1 || c.Connected() {
		t.Fatalf("unsubscribes = %d, connected = %v", tr.unsubscribes, c.Connected())
	}
}
