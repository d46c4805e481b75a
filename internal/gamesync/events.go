package gamesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/models"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
)

// broadcast トピックのペイロード
type (
	GameStateUpdate struct {
		Phase        models.Phase `json:"phase,omitempty"`
		CurrentRound int          `json:"current_round,omitempty"`
	}

	CharacteristicRevealed struct {
		PlayerID         string          `json:"player_id"`
		CharacteristicID string          `json:"characteristic_id"`
		Category         models.Category `json:"category,omitempty"`
		Value            string          `json:"value,omitempty"`
	}

	SpecialCardUsed struct {
		PlayerID         string `json:"player_id"`
		CharacteristicID string `json:"characteristic_id"`
		TargetID         string `json:"target_id,omitempty"`
		Text             string `json:"text,omitempty"`
	}

	// CameraEffect は見た目だけの演出です。Effect が空なら解除
	CameraEffect struct {
		PlayerID string `json:"player_id"`
		Effect   string `json:"effect"`
	}
)

// subscribe は status・changes・broadcast の順に購読します
func (s *Synchronizer) subscribe(ctx context.Context) (func(), error) {
	roomID := s.State().Room.ID
	var unsubs []func()
	unsubscribe := func() {
		for i := len(unsubs) - 1; i >= 0; i-- {
			unsubs[i]()
		}
	}

	topics := []struct {
		topic   string
		h       realtime.Handler
		onState realtime.StateFunc
	}{
		{realtime.StatusTopic(roomID), func(realtime.Envelope) {}, s.onConnState},
		{realtime.ChangesTopic(roomID), s.handleChange, nil},
		{realtime.BroadcastTopic(roomID), s.handleBroadcast, nil},
	}
	for _, t := range topics {
		unsub, err := s.t.Subscribe(ctx, t.topic, t.h, t.onState)
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("gamesync: subscribe %s: %w", t.topic, err)
		}
		unsubs = append(unsubs, unsub)
	}
	return unsubscribe, nil
}

func (s *Synchronizer) handleChange(env realtime.Envelope) {
	if env.Event != realtime.EventChanges {
		return
	}
	var ch realtime.Change
	if err := env.Decode(&ch); err != nil {
		s.log.WithError(err).Warn("malformed change notification")
		return
	}
	switch ch.Table {
	case realtime.TableRooms:
		if ch.Type == realtime.ChangeDelete {
			_ = s.end(TerminalRoomDeleted)
			return
		}
		s.scheduleReload()
	case realtime.TablePlayers, realtime.TableCharacteristics:
		s.scheduleReload()
	case realtime.TableChat:
		if ch.Type == realtime.ChangeInsert {
			s.queueChat(ch.Record)
		}
	}
}

// queueChat は追加通知を順番待ちに積みます。引き直しは別のゴルーチンで届いた順に行います
func (s *Synchronizer) queueChat(record json.RawMessage) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	s.chatQueue = append(s.chatQueue, record)
	if !s.chatBusy {
		s.chatBusy = true
		go s.drainChat()
	}
}

func (s *Synchronizer) drainChat() {
	for {
		s.chatMu.Lock()
		if len(s.chatQueue) == 0 {
			s.chatBusy = false
			s.chatMu.Unlock()
			return
		}
		record := s.chatQueue[0]
		s.chatQueue = s.chatQueue[1:]
		s.chatMu.Unlock()
		s.appendChat(record)
	}
}

// appendChat は追加されたメッセージをIDで引き直して末尾に足します。同じIDは1度だけ
func (s *Synchronizer) appendChat(record json.RawMessage) {
	var row models.ChatMessage
	if err := json.Unmarshal(record, &row); err != nil || row.ID == "" {
		s.log.WithError(err).Warn("chat insert without id")
		return
	}
	if s.hasChat(row.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), chatLookupTimeout)
	defer cancel()
	msg, err := s.b.FetchChatMessage(ctx, row.ID)
	if err != nil {
		if row.Message == "" {
			s.logFailure(s.log.WithField("message", row.ID), "chat lookup failed", err)
			return
		}
		// 通知に載っていた行で代用する
		msg = row
	}

	s.update(func(st *State) {
		if _, dup := s.chatIDs[msg.ID]; dup {
			return
		}
		s.chatIDs[msg.ID] = struct{}{}
		st.Chat = append(st.Chat, msg)
	})
}

func (s *Synchronizer) hasChat(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chatIDs[id]
	return ok
}

func (s *Synchronizer) handleBroadcast(env realtime.Envelope) {
	log := s.log.WithField("event", env.Event)
	switch env.Event {
	case realtime.EventGameState:
		var u GameStateUpdate
		if err := env.Decode(&u); err != nil {
			log.WithError(err).Warn("malformed broadcast")
			return
		}
		room := s.State().Room
		if (u.Phase != "" && u.Phase != room.Phase) || (u.CurrentRound != 0 && u.CurrentRound != room.CurrentRound) {
			s.scheduleReload()
		}
	case realtime.EventRevealed:
		var r CharacteristicRevealed
		if err := env.Decode(&r); err != nil {
			log.WithError(err).Warn("malformed broadcast")
			return
		}
		s.markRevealed(r)
	case realtime.EventSpecialCard:
		var u SpecialCardUsed
		if err := env.Decode(&u); err != nil {
			log.WithError(err).Warn("malformed broadcast")
			return
		}
		s.announce(u)
		s.scheduleReload()
	case realtime.EventCameraEffect:
		var e CameraEffect
		if err := env.Decode(&e); err != nil {
			log.WithError(err).Warn("malformed broadcast")
			return
		}
		s.setEffect(e)
	}
}

func (s *Synchronizer) markRevealed(r CharacteristicRevealed) {
	s.update(func(st *State) {
		for i := range st.Players {
			if st.Players[i].ID != r.PlayerID {
				continue
			}
			cs := st.Players[i].Characteristics
			for j := range cs {
				if cs[j].ID == r.CharacteristicID {
					cs[j].IsRevealed = true
					if r.Value != "" {
						cs[j].Value = r.Value
					}
				}
			}
		}
	})
}

func (s *Synchronizer) announce(u SpecialCardUsed) {
	s.update(func(st *State) {
		st.Announcements = append(st.Announcements, Announcement{
			PlayerID:         u.PlayerID,
			TargetID:         u.TargetID,
			CharacteristicID: u.CharacteristicID,
			Text:             u.Text,
			At:               time.Now(),
		})
		if n := len(st.Announcements); n > maxAnnouncements {
			st.Announcements = st.Announcements[n-maxAnnouncements:]
		}
	})
}

func (s *Synchronizer) setEffect(e CameraEffect) {
	if e.PlayerID == "" {
		return
	}
	s.update(func(st *State) {
		if e.Effect == "" {
			delete(st.Effects, e.PlayerID)
			return
		}
		st.Effects[e.PlayerID] = e.Effect
	})
}

// onConnState は status チャンネルの接続状態を反映します
// 切断されたら reconnecting にして、しばらく後に全体を読み込み直します
func (s *Synchronizer) onConnState(cs realtime.ConnState) {
	switch cs {
	case realtime.StateConnected:
		var recovered bool
		s.update(func(st *State) {
			recovered = st.Connection == ConnReconnecting
			st.Connection = ConnConnected
		})
		if recovered {
			s.scheduleReload()
		}
	case realtime.StateDisconnected, realtime.StateReconnecting:
		var armed bool
		s.update(func(st *State) {
			if st.Connection == ConnReconnecting {
				return
			}
			st.Connection = ConnReconnecting
			armed = true
		})
		if !armed {
			return
		}
		s.log.Warn("realtime connection lost, resync scheduled")
		s.mu.Lock()
		if s.resync != nil {
			s.resync.Stop()
		}
		s.resync = time.AfterFunc(s.opts.ResyncDelay, s.scheduleReload)
		s.mu.Unlock()
	case realtime.StateClosed:
		s.update(func(st *State) { st.Connection = ConnDisconnected })
	}
}

// SetCameraEffect は自分のカメラエフェクトを全員に配り、自分にも反映します
func (s *Synchronizer) SetCameraEffect(ctx context.Context, effect string) error {
	st := s.State()
	me, ok := st.Me()
	if !ok {
		return ErrNotPlayer
	}
	e := CameraEffect{PlayerID: me.ID, Effect: effect}
	if err := s.t.Publish(ctx, realtime.BroadcastTopic(st.Room.ID), realtime.EventCameraEffect, e); err != nil {
		return fmt.Errorf("gamesync: publish camera effect: %w", err)
	}
	s.setEffect(e)
	return nil
}
