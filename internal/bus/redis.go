package bus

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "relay:"

// Redis は PUBLISH / PSUBSCRIBE で複数インスタンスに配送するBusです
type Redis struct {
	rdb *redis.Client
	log *logrus.Entry
}

func NewRedis(rdb *redis.Client, log *logrus.Entry) *Redis {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Redis{rdb: rdb, log: log.WithField("component", "bus")}
}

func (r *Redis) Publish(ctx context.Context, topic string, env realtime.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, channelPrefix+topic, b).Err()
}

func (r *Redis) Run(ctx context.Context, deliver DeliverFunc) error {
	sub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	// 購読の確立を待つ
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env realtime.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.WithError(err).WithField("channel", msg.Channel).Warn("dropping malformed bus message")
				continue
			}
			deliver(strings.TrimPrefix(msg.Channel, channelPrefix), env)
		}
	}
}
