// Package schedule は変更通知をまとめて1回の処理にする間引きトリガーを提供します
package schedule

import (
	"context"
	"sync"
	"time"
)

// Trigger は Fire をまとめて fn を実行します
//
//   - settle の間に届いた Fire は1回の実行にまとめる
//   - 実行は重ならない。実行中の Fire は終了後の1回にまとめる
//   - 前回の実行開始から minInterval 経っていなければ、捨てずに後ろへずらす
type Trigger struct {
	ctx         context.Context
	settle      time.Duration
	minInterval time.Duration
	fn          func(ctx context.Context)

	mu       sync.Mutex
	timer    *time.Timer
	pending  bool // Fire 済みで未実行
	running  bool
	lastRun  time.Time
	stopped  bool
	wg       sync.WaitGroup
	runCount int
}

// NewTrigger は Trigger を作成します。ctx が終わると以降の実行は行いません
func NewTrigger(ctx context.Context, settle, minInterval time.Duration, fn func(ctx context.Context)) *Trigger {
	t := &Trigger{ctx: ctx, settle: settle, minInterval: minInterval, fn: fn}
	context.AfterFunc(ctx, t.Stop)
	return t
}

// Fire は実行を予約します
func (t *Trigger) Fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.pending {
		return
	}
	t.pending = true
	if t.running {
		// 実行が終わったら予約し直す
		return
	}
	t.armLocked(t.settle)
}

// MarkRun は Trigger の外で行った実行（初回ロードなど）を最小間隔の基準として記録します
func (t *Trigger) MarkRun() {
	t.mu.Lock()
	t.lastRun = time.Now()
	t.mu.Unlock()
}

// Runs はこれまでの実行回数を返します
func (t *Trigger) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runCount
}

// Stop は予約を取り消し、実行中のものが終わるまで待ちます。何度呼んでもよい
func (t *Trigger) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// armLocked は settle 後、かつ最小間隔を満たす時刻にタイマーを合わせます
func (t *Trigger) armLocked(delay time.Duration) {
	if !t.lastRun.IsZero() {
		if wait := time.Until(t.lastRun.Add(t.minInterval)); wait > delay {
			delay = wait
		}
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(delay, t.run)
}

func (t *Trigger) run() {
	t.mu.Lock()
	if t.stopped || !t.pending || t.running {
		t.mu.Unlock()
		return
	}
	if wait := time.Until(t.lastRun.Add(t.minInterval)); !t.lastRun.IsZero() && wait > 0 {
		t.timer = time.AfterFunc(wait, t.run)
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.running = true
	t.lastRun = time.Now()
	t.runCount++
	t.wg.Add(1)
	t.mu.Unlock()

	defer t.wg.Done()
	t.fn(t.ctx)

	t.mu.Lock()
	t.running = false
	if t.pending && !t.stopped {
		t.armLocked(t.settle)
	}
	t.mu.Unlock()
}
