package gamesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/backend"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
)

// Load はルームを読み込み、必要なら参加します。ページの再読み込みのたびに呼ばれても安全です
//
//  1. 参加コードでスナップショットを取得する
//  2. 見つからなければルーム削除として終了する
//  3. 既にプレイヤーか観戦者ならそのまま復帰する。待機中ならプレイヤーとして、
//     開始後なら観戦者として参加する（ホスト専任のホストは参加しない）
//  4. 「参加済み」は成功として扱う
//  5. パスワードが必要なら再試行せずに終了する
//  6. ネットワーク系の失敗だけを回数を決めて再試行する
//  7. 参加を試みたらスナップショットを取り直す
//  8. 自分の特性が空なら直接取得する
func (s *Synchronizer) Load(ctx context.Context) error {
	snap, err := s.fetchRoom(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrRoomNotFound) {
			return s.end(TerminalRoomDeleted)
		}
		if backend.IsCanceled(err) {
			return err
		}
		s.logFailure(s.log, "load room failed", err)
		s.update(func(st *State) { st.Err = backend.Message(err) })
		return fmt.Errorf("gamesync: load room: %w", err)
	}
	if snap.Room.Phase == models.PhaseFinished {
		s.apply(snap)
		return s.end(TerminalFinished)
	}

	uid := s.opts.UserID
	req := backend.JoinRequest{UserID: uid, Name: s.opts.Name, Password: s.opts.Password}
	_, isPlayer := snap.PlayerByUser(uid)
	_, isSpectator := snap.SpectatorByUser(uid)
	hostOnly := snap.Room.HostOnly() && snap.Room.HostID == uid
	log := s.log.WithField("room", snap.Room.ID)

	attempted := false
	var joinErr error
	switch {
	case isPlayer, isSpectator:
		log.Debug("already a member, restoring")
	case hostOnly:
		log.Debug("host-only host, not joining")
	case snap.Room.Phase == models.PhaseWaiting:
		attempted = true
		joinErr = s.retry(ctx, func() error {
			_, err := s.b.JoinRoom(ctx, snap.Room.ID, req)
			return err
		})
	case !snap.Room.Settings.AllowSpectators:
		s.apply(snap)
		return s.end(TerminalSpectatorsDisabled)
	default:
		attempted = true
		joinErr = s.retry(ctx, func() error {
			_, err := s.b.JoinAsSpectator(ctx, snap.Room.ID, req)
			return err
		})
	}

	if joinErr != nil {
		switch {
		case backend.IsCanceled(joinErr):
			return joinErr
		case backend.IsBenign(joinErr):
			log.WithError(joinErr).Debug("join raced with another load")
		case errors.Is(joinErr, backend.ErrPasswordRequired):
			s.apply(snap)
			return s.end(TerminalPasswordRequired)
		case errors.Is(joinErr, backend.ErrPasswordInvalid):
			s.apply(snap)
			return s.end(TerminalPasswordInvalid)
		case errors.Is(joinErr, backend.ErrSpectatorsDisabled):
			s.apply(snap)
			return s.end(TerminalSpectatorsDisabled)
		default:
			// 取得済みのルームで描画は続ける
			s.logFailure(log, "join failed", joinErr)
			s.update(func(st *State) { st.Err = backend.Message(joinErr) })
		}
	}

	if attempted {
		fresh, err := s.b.FetchRoom(ctx, s.opts.Code)
		switch {
		case err == nil:
			models.SortPlayers(fresh.Players)
			snap = fresh
		case errors.Is(err, backend.ErrRoomNotFound):
			return s.end(TerminalRoomDeleted)
		case backend.IsCanceled(err):
			return err
		default:
			s.logFailure(log, "refetch after join failed", err)
		}
	}

	s.fillCharacteristics(ctx, &snap)
	s.loadChat(ctx, snap.Room.ID)
	s.apply(snap)

	s.mu.Lock()
	tr := s.trigger
	s.mu.Unlock()
	if tr != nil {
		tr.MarkRun()
	}
	st := s.State()
	log.WithFields(logrus.Fields{"phase": st.Room.Phase, "player": st.CurrentPlayerID, "spectator": st.CurrentSpectatorID}).Info("room loaded")
	return nil
}

// Reload はルーム・プレイヤー・観戦者を取り直します。チャットログには触れません
func (s *Synchronizer) Reload(ctx context.Context) error {
	snap, err := s.b.FetchRoom(ctx, s.opts.Code)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrRoomNotFound):
			return s.end(TerminalRoomDeleted)
		case backend.IsCanceled(err):
			return nil
		}
		s.logFailure(s.log, "reload failed", err)
		return err
	}
	models.SortPlayers(snap.Players)
	s.apply(snap)
	if snap.Room.Phase == models.PhaseFinished {
		return s.end(TerminalFinished)
	}
	return nil
}

// fetchRoom は一時的な失敗だけを再試行して取得します
func (s *Synchronizer) fetchRoom(ctx context.Context) (models.RoomSnapshot, error) {
	var snap models.RoomSnapshot
	err := s.retry(ctx, func() error {
		var err error
		snap, err = s.b.FetchRoom(ctx, s.opts.Code)
		return err
	})
	if err != nil {
		return models.RoomSnapshot{}, err
	}
	models.SortPlayers(snap.Players)
	return snap, nil
}

// retry は fn を JoinAttempts 回まで JoinDelay おきに呼びます。一時的でない失敗はすぐ返します
func (s *Synchronizer) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !backend.IsRetryable(err) || attempt >= s.opts.JoinAttempts {
			return err
		}
		s.log.WithError(err).WithField("attempt", attempt).Warn("retrying backend call")
		select {
		case <-time.After(s.opts.JoinDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fillCharacteristics は自分の特性がスナップショットに入っていないときに直接取得します
func (s *Synchronizer) fillCharacteristics(ctx context.Context, snap *models.RoomSnapshot) {
	for i, p := range snap.Players {
		if p.UserID != s.opts.UserID || len(p.Characteristics) > 0 {
			continue
		}
		cs, err := s.b.FetchCharacteristics(ctx, p.ID)
		if err != nil {
			s.logFailure(s.log.WithField("player", p.ID), "fetch characteristics failed", err)
			return
		}
		snap.Players[i].Characteristics = cs
		return
	}
}

// loadChat はチャットログ全体を1度だけ読み込みます。以降は追記だけで保ちます
func (s *Synchronizer) loadChat(ctx context.Context, roomID string) {
	s.mu.Lock()
	loaded := s.chatLoaded
	s.mu.Unlock()
	if loaded {
		return
	}
	msgs, err := s.b.FetchChat(ctx, roomID)
	if err != nil {
		s.logFailure(s.log, "load chat failed", err)
		return
	}
	s.update(func(st *State) {
		// 読み込み中に届いた追記分は後ろに残す
		appended := st.Chat
		st.Chat = nil
		seen := make(map[string]struct{}, len(msgs)+len(appended))
		for _, m := range append(msgs, appended...) {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			st.Chat = append(st.Chat, m)
		}
		s.chatIDs = seen
		s.chatLoaded = true
	})
}

// apply はスナップショットを状態に反映します。チャットログは置き換えません
func (s *Synchronizer) apply(snap models.RoomSnapshot) {
	uid := s.opts.UserID
	players := visiblePlayers(snap)
	s.update(func(st *State) {
		st.Room = snap.Room
		st.Players = players
		st.Spectators = snap.Spectators
		st.CurrentPlayerID = ""
		for _, p := range players {
			if p.UserID == uid {
				st.CurrentPlayerID = p.ID
				break
			}
		}
		st.CurrentSpectatorID = ""
		if sp, ok := snap.SpectatorByUser(uid); ok {
			st.CurrentSpectatorID = sp.ID
		}
		st.IsHost = snap.Room.HostID == uid
		st.Loaded = true
	})
}

// visiblePlayers はホスト専任のホストを除いたプレイヤー一覧を返します
func visiblePlayers(snap models.RoomSnapshot) []models.Player {
	if !snap.Room.HostOnly() {
		return snap.Players
	}
	out := make([]models.Player, 0, len(snap.Players))
	for _, p := range snap.Players {
		if p.UserID != snap.Room.HostID {
			out = append(out, p)
		}
	}
	return out
}
