package gamesync

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/backend"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
)

// errNoop はリクエストを送る必要がないことを表します
var errNoop = errors.New("gamesync: nothing to do")

// act は事前条件の確認、リクエスト、失敗の分類、再読み込みの予約を行います
//
// フェーズの競合による失敗は再読み込みだけで済ませ、呼び出し側には返しません。
// ctx の中断も何もしなかったものとして扱います。
func (s *Synchronizer) act(ctx context.Context, build func(st State) (backend.Action, error), onSuccess func(st State)) error {
	st := s.State()
	if st.Terminal != "" {
		return ErrTerminal
	}
	if !st.Loaded {
		return ErrNotLoaded
	}
	a, err := build(st)
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.HostOnly && !st.IsHost {
		return ErrNotHost
	}

	log := s.log.WithFields(logrus.Fields{"action": a.Name, "room": st.Room.ID})
	err = s.b.Do(ctx, a)
	switch {
	case err == nil:
		log.Debug("action done")
		s.update(func(st *State) { st.Err = "" })
		if onSuccess != nil {
			onSuccess(st)
		}
		s.scheduleReload()
		return nil
	case backend.IsCanceled(err) || ctx.Err() != nil:
		log.Debug("action canceled")
		return nil
	case backend.IsBenign(err):
		log.WithError(err).Debug("action raced with a phase change, refreshing")
		s.scheduleReload()
		return nil
	}

	s.logFailure(log, "action failed", err)
	s.update(func(st *State) { st.Err = backend.Message(err) })
	return err
}

func requirePhase(st State, phases ...models.Phase) error {
	for _, p := range phases {
		if st.Room.Phase == p {
			return nil
		}
	}
	return ErrPhase
}

// activePlayer は脱落していない自分のプレイヤーを返します
func activePlayer(st State) (models.Player, error) {
	me, ok := st.Me()
	if !ok || me.IsEliminated {
		return models.Player{}, ErrNotPlayer
	}
	return me, nil
}

func (s *Synchronizer) StartGame(ctx context.Context) error {
	return s.act(ctx, func(st State) (backend.Action, error) {
		if err := requirePhase(st, models.PhaseWaiting); err != nil {
			return backend.Action{}, err
		}
		return backend.StartGame(st.Room.ID), nil
	}, nil)
}

func (s *Synchronizer) StartVoting(ctx context.Context) error {
	return s.act(ctx, func(st State) (backend.Action, error) {
		if err := requirePhase(st, models.PhasePlaying); err != nil {
			return backend.Action{}, err
		}
		return backend.StartVoting(st.Room.ID), nil
	}, nil)
}

// NextRound は結果表示から次のラウンドへ進めます
func (s *Synchronizer) NextRound(ctx context.Context) error {
	return s.act(ctx, func(st State) (backend.Action, error) {
		if err := requirePhase(st, models.PhaseResults); err != nil {
			return backend.Action{}, err
		}
		return backend.NextRound(st.Room.ID), nil
	}, nil)
}

// FinishGame は手動モードでのみゲームを終了できます
func (s *Synchronizer) FinishGame(ctx context.Context) error {
	return s.act(ctx, func(st State) (backend.Action, error) {
		if !st.Room.Manual() {
			return backend.Action{}, ErrManualOnly
		}
		if st.Room.Phase == models.PhaseWaiting {
			return backend.Action{}, ErrPhase
		}
		return backend.FinishGame(st.Room.ID), nil
	}, nil)
}

func (s *Synchronizer) EndVoting(ctx context.Context) error {
	return s.act(ctx, func(st State) (backend.Action, error) {
		if err := requirePhase(st, models.PhaseVoting); err != nil {
			return backend.Action{}, err
		}
		return backend.EndVoting(st.Room.ID), nil
	}, nil)
}

func (s *Synchronizer) EliminatePlayer(ctx context.Context, playerID string) error {
	return s.act(ctx, func(st State) (backend.Action, error) {
		if err := requirePhase(st, models.PhasePlaying, models.PhaseVoting, models.PhaseResults); err != nil {
			return backend.Action{}, err
		}
		p, ok := st.Player(playerID)
		if !ok || p.IsEliminated {
			return backend.Action{}, ErrInvalidTarget
		}
		return backend.EliminatePlayer(st.Room.ID, playerID), nil
	}, nil)
}

// CastVote は投票します。失敗時のメッセージは入れ子になったペイロードからでも1行にまとめて State.Err に残ります
func (s *Synchronizer) CastVote(ctx context.Context, targetID string) error {
	return s.act(ctx, func(st State) (backend.Action, error) {
		if err := requirePhase(st, models.PhaseVoting); err != nil {
			return backend.Action{}, err
		}
		me, err := activePlayer(st)
		if err != nil {
			return backend.Action{}, err
		}
		target, ok := st.Player(targetID)
		if !ok || target.IsEliminated || target.ID == me.ID || target.Metadata.BlocksVoteFrom(me.ID) {
			return backend.Action{}, ErrInvalidTarget
		}
		return backend.CastVote(st.Room.ID, me.ID, targetID), nil
	}, nil)
}

// RevealCharacteristic は自分の特性を公開します
// broadcast は送信者に返らないので、自分の状態にはその場で反映します
func (s *Synchronizer) RevealCharacteristic(ctx context.Context, characteristicID string) error {
	var revealed CharacteristicRevealed
	return s.act(ctx, func(st State) (backend.Action, error) {
		if err := requirePhase(st, models.PhasePlaying); err != nil {
			return backend.Action{}, err
		}
		me, err := activePlayer(st)
		if err != nil {
			return backend.Action{}, err
		}
		c, ok := me.Characteristic(characteristicID)
		if !ok {
			return backend.Action{}, ErrUnknownCharacteristic
		}
		if c.IsRevealed {
			return backend.Action{}, errNoop
		}
		revealed = CharacteristicRevealed{PlayerID: me.ID, CharacteristicID: c.ID, Category: c.Category, Value: c.Value}
		return backend.RevealCharacteristic(st.Room.ID, me.ID, c.ID), nil
	}, func(st State) {
		s.publish(ctx, st.Room.ID, realtime.EventRevealed, revealed)
		s.markRevealed(revealed)
	})
}

func (s *Synchronizer) UpdateCharacteristic(ctx context.Context, characteristicID, value string) error {
	return s.act(ctx, func(st State) (backend.Action, error) {
		if _, ok := st.characteristic(characteristicID); !ok {
			return backend.Action{}, ErrUnknownCharacteristic
		}
		return backend.UpdateCharacteristic(st.Room.ID, characteristicID, value), nil
	}, nil)
}

func (s *Synchronizer) RandomizeCharacteristic(ctx context.Context, characteristicID string) error {
	return s.act(ctx, func(st State) (backend.Action, error) {
		if _, ok := st.characteristic(characteristicID); !ok {
			return backend.Action{}, ErrUnknownCharacteristic
		}
		return backend.RandomizeCharacteristic(st.Room.ID, characteristicID), nil
	}, nil)
}

// ExchangeCharacteristic は2人のプレイヤーの同じカテゴリの特性を入れ替えます
func (s *Synchronizer) ExchangeCharacteristic(ctx context.Context, playerA, playerB string, category models.Category) error {
	return s.act(ctx, func(st State) (backend.Action, error) {
		if !category.Valid() || playerA == playerB {
			return backend.Action{}, ErrInvalidTarget
		}
		if _, ok := st.Player(playerA); !ok {
			return backend.Action{}, ErrInvalidTarget
		}
		if _, ok := st.Player(playerB); !ok {
			return backend.Action{}, ErrInvalidTarget
		}
		return backend.ExchangeCharacteristic(st.Room.ID, playerA, playerB, category), nil
	}, nil)
}

func (s *Synchronizer) ToggleReady(ctx context.Context) error {
	return s.act(ctx, func(st State) (backend.Action, error) {
		if err := requirePhase(st, models.PhaseWaiting); err != nil {
			return backend.Action{}, err
		}
		me, ok := st.Me()
		if !ok {
			return backend.Action{}, ErrNotPlayer
		}
		return backend.ToggleReady(st.Room.ID, me.ID), nil
	}, nil)
}

// UseSpecialCard は特殊カードを使い、使用を全員に知らせます。targetID は対象のないカードでは空です
func (s *Synchronizer) UseSpecialCard(ctx context.Context, characteristicID, targetID string) error {
	var used SpecialCardUsed
	return s.act(ctx, func(st State) (backend.Action, error) {
		if err := requirePhase(st, models.PhasePlaying, models.PhaseVoting); err != nil {
			return backend.Action{}, err
		}
		me, err := activePlayer(st)
		if err != nil {
			return backend.Action{}, err
		}
		c, ok := me.Characteristic(characteristicID)
		if !ok || c.Category != models.CategorySpecial {
			return backend.Action{}, ErrUnknownCharacteristic
		}
		if targetID != "" {
			if _, ok := st.Player(targetID); !ok {
				return backend.Action{}, ErrInvalidTarget
			}
		}
		used = SpecialCardUsed{PlayerID: me.ID, CharacteristicID: c.ID, TargetID: targetID, Text: c.Value}
		return backend.UseSpecialCard(st.Room.ID, me.ID, c.ID, targetID), nil
	}, func(st State) {
		s.publish(ctx, st.Room.ID, realtime.EventSpecialCard, used)
		s.announce(used)
	})
}

// publish は broadcast を送ります。失敗しても操作自体は成功しているので記録だけします
func (s *Synchronizer) publish(ctx context.Context, roomID, event string, payload any) {
	if err := s.t.Publish(ctx, realtime.BroadcastTopic(roomID), event, payload); err != nil {
		s.log.WithError(err).WithField("event", event).Warn("broadcast failed")
	}
}

// pollTimer はラウンド中にサーバー側のタイマー判定を呼び続けます。手動モードでは何もしません
func (s *Synchronizer) pollTimer(ctx context.Context) {
	for {
		wait := s.pollInterval(s.State().Room, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		st := s.State()
		if !st.Loaded || st.Terminal != "" || !st.Room.Phase.InRound() || st.Room.Manual() {
			continue
		}
		res, err := s.b.CheckTimer(ctx, st.Room.ID)
		if err != nil {
			s.logFailure(s.log.WithField("room", st.Room.ID), "check timer failed", err)
			continue
		}
		if res.Advanced || (res.Phase != "" && res.Phase != st.Room.Phase) {
			s.scheduleReload()
		}
	}
}

// pollInterval は締め切りが近いか過ぎていれば短い間隔を返します
func (s *Synchronizer) pollInterval(room models.Room, now time.Time) time.Duration {
	if deadline, ok := room.RoundDeadline(); ok && deadline.Sub(now) <= fastPollWindow {
		return s.opts.FastPoll
	}
	return s.opts.SlowPoll
}
