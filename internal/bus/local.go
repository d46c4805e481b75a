package bus

import (
	"context"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
)

type message struct {
	topic string
	env   realtime.Envelope
}

// Local は単一プロセス内で完結するBusです
type Local struct {
	ch chan message
}

func NewLocal(buffer int) *Local {
	return &Local{ch: make(chan message, buffer)}
}

func (l *Local) Publish(ctx context.Context, topic string, env realtime.Envelope) error {
	select {
	case l.ch <- message{topic: topic, env: env}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Run(ctx context.Context, deliver DeliverFunc) error {
	for {
		select {
		case m := <-l.ch:
			deliver(m.topic, m.env)
		case <-ctx.Done():
			return nil
		}
	}
}
