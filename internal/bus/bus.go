// Package bus はリレーのインスタンス間でメッセージを配送します
package bus

import (
	"context"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
)

// DeliverFunc はこのインスタンスの購読者へ届けるコールバックです
type DeliverFunc func(topic string, env realtime.Envelope)

// Bus はトピック単位の発行と購読を提供します
type Bus interface {
	Publish(ctx context.Context, topic string, env realtime.Envelope) error
	// Run は ctx が終わるまで受信したメッセージを deliver に渡します
	Run(ctx context.Context, deliver DeliverFunc) error
}
