package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/bus"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/idgen"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 << 10
)

// ChannelHub はトピックごとのWebSocket接続を管理します
// 配送は各クライアントの送信キューを経由し、書き込みは接続ごとに1つのgoroutineだけが行います
type ChannelHub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Client // トピック → クライアントID → クライアント
	log    *logrus.Entry
}

// Client は1つのWebSocket接続を表します
type Client struct {
	topic    string
	clientID string
	memberID string
	conn     *websocket.Conn
	send     chan realtime.Envelope
	closed   bool // hub.mu で保護
}

func NewChannelHub(log *logrus.Entry) *ChannelHub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ChannelHub{topics: make(map[string]map[string]*Client), log: log}
}

// register はクライアントを登録します。同じクライアントIDの古い接続は閉じられます
func (hub *ChannelHub) register(c *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	clients, ok := hub.topics[c.topic]
	if !ok {
		clients = make(map[string]*Client)
		hub.topics[c.topic] = clients
	}
	if old, ok := clients[c.clientID]; ok {
		hub.closeLocked(old)
	}
	clients[c.clientID] = c
}

// unregister はクライアントの登録を解除します
// トピックが空になった場合はトピック自体を削除します
func (hub *ChannelHub) unregister(c *Client) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	clients := hub.topics[c.topic]
	current := clients[c.clientID] == c
	if current {
		delete(clients, c.clientID)
		if len(clients) == 0 {
			delete(hub.topics, c.topic)
		}
	}
	hub.closeLocked(c)
	return current
}

func (hub *ChannelHub) closeLocked(c *Client) {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// enqueue はクライアントの送信キューに積みます。満杯なら false
func (hub *ChannelHub) enqueue(c *Client, env realtime.Envelope) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Deliver はトピック内の全クライアントにメッセージを配送します（送信者を除く）
func (hub *ChannelHub) Deliver(topic string, env realtime.Envelope) {
	hub.mu.RLock()
	var slow []*Client
	for id, c := range hub.topics[topic] {
		if id == env.From || c.closed {
			continue
		}
		select {
		case c.send <- env:
		default:
			slow = append(slow, c)
		}
	}
	hub.mu.RUnlock()

	// 受信が追いつかない接続は切断し、クライアント側の再接続に任せる
	for _, c := range slow {
		hub.log.WithFields(logrus.Fields{"topic": topic, "client": c.clientID}).Warn("send queue full, dropping client")
		_ = c.conn.Close()
	}
}

// Count はトピックに接続中のクライアント数を返します
func (hub *ChannelHub) Count(topic string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.topics[topic])
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	svc      *service.ChannelService
	hub      *ChannelHub
	bus      bus.Bus
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(s *service.ChannelService, hub *ChannelHub, b bus.Bus, log *logrus.Entry) *WebSocketHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WebSocketHandler{
		svc: s,
		hub: hub,
		bus: b,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Originの制限はCORS設定とリバースプロキシに任せる
				return true
			},
		},
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. トピックとクライアントIDの検証、アップグレード
// 2. クライアントの登録とプレゼンスへの参加、joined の送信
// 3. メッセージ受信ループ
// 4. 切断時のプレゼンスからの退出とクリーンアップ
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	topic := normalizeID(chi.URLParam(r, "topic"))
	clientID := normalizeID(r.URL.Query().Get("clientId"))
	memberID := normalizeID(r.URL.Query().Get("memberId"))

	if err := h.svc.ValidateTopic(topic); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateClientID(clientID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	log := h.log.WithFields(logrus.Fields{"topic": topic, "client": clientID})
	c := &Client{
		topic:    topic,
		clientID: clientID,
		memberID: memberID,
		conn:     conn,
		send:     make(chan realtime.Envelope, sendBuffer),
	}
	h.hub.register(c)
	go c.writePump()

	defer func() {
		if h.hub.unregister(c) {
			// 再接続で置き換えられた場合はプレゼンスを残す
			if err := h.svc.Leave(context.Background(), topic, clientID); err != nil {
				log.WithError(err).Warn("failed to leave presence on disconnect")
			}
		}
		// 接続は writePump が残りを送り切ってから閉じる
		log.Debug("websocket disconnected")
	}()

	member, err := h.svc.Join(r.Context(), topic, clientID, memberID)
	if err != nil {
		log.WithError(err).Error("failed to join presence")
		h.hub.enqueue(c, errorEnvelope(topic, "failed to join channel"))
		return
	}
	payload, _ := json.Marshal(member)
	h.hub.enqueue(c, realtime.Envelope{ID: idgen.NewULID(), Type: realtime.TypeJoined, Topic: topic, Payload: payload})
	log.Debug("websocket connected")

	h.readPump(c, log)
}

// readPump はメッセージ受信ループです
func (h *WebSocketHandler) readPump(c *Client, log *logrus.Entry) {
	for {
		var env realtime.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).Debug("websocket read error")
			}
			return
		}

		// メッセージタイプに応じて処理
		switch env.Type {
		case realtime.TypeBroadcast:
			if env.Event == "" {
				h.hub.enqueue(c, errorEnvelope(c.topic, "event required"))
				continue
			}
			if env.ID == "" {
				env.ID = idgen.NewULID()
			}
			env.Topic = c.topic
			env.From = c.clientID
			if err := h.bus.Publish(context.Background(), c.topic, env); err != nil {
				log.WithError(err).Warn("failed to publish broadcast")
				h.hub.enqueue(c, errorEnvelope(c.topic, "failed to publish"))
			}
		case realtime.TypePing:
			// ping/pongで接続とプレゼンスを維持
			if err := h.svc.Touch(context.Background(), c.topic); err != nil {
				log.WithError(err).Debug("touch on ping failed")
			}
			h.hub.enqueue(c, realtime.Envelope{Type: realtime.TypePong, Topic: c.topic})
		case realtime.TypeLeave:
			return
		default:
			log.WithField("type", env.Type).Debug("unknown message type")
			h.hub.enqueue(c, errorEnvelope(c.topic, "unknown message type"))
		}
	}
}

// writePump は送信キューの内容を接続に書き込みます。接続への書き込みはここだけで行います
func (c *Client) writePump() {
	defer c.conn.Close()

	for env := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func errorEnvelope(topic, msg string) realtime.Envelope {
	payload, _ := json.Marshal(errorResponse{Message: msg})
	return realtime.Envelope{Type: realtime.TypeError, Topic: topic, Payload: payload}
}
