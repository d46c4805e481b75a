package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/bus"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/idgen"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// SignatureHeader はREST発行の署名ヘッダー名です
const SignatureHeader = "X-Bunker-Signature"

type ChannelHandler struct {
	svc *service.ChannelService
	bus bus.Bus
	log *logrus.Entry
}

func NewChannelHandler(s *service.ChannelService, b bus.Bus, log *logrus.Entry) *ChannelHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ChannelHandler{svc: s, bus: b, log: log}
}

type publishRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (r publishRequest) validate() error {
	return validateEvent(r.Event)
}

func (h *ChannelHandler) Members(w http.ResponseWriter, r *http.Request) {
	topic := normalizeID(chi.URLParam(r, "topic"))
	members, err := h.svc.Members(r.Context(), topic)
	if err != nil {
		h.writeServiceError(w, topic, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"topic": topic, "members": members})
}

func (h *ChannelHandler) Touch(w http.ResponseWriter, r *http.Request) {
	topic := normalizeID(chi.URLParam(r, "topic"))
	if err := h.svc.Touch(r.Context(), topic); err != nil {
		h.writeServiceError(w, topic, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Publish はバックエンドからのイベントをトピックの全購読者に配送します
// ボディのHMAC-SHA256署名が一致しない場合は拒否します
func (h *ChannelHandler) Publish(w http.ResponseWriter, r *http.Request) {
	topic := normalizeID(chi.URLParam(r, "topic"))
	if err := h.svc.ValidateTopic(topic); err != nil {
		h.writeServiceError(w, topic, err)
		return
	}
	var in publishRequest
	body, ok := decodeJSON(w, r, &in)
	if !ok {
		return
	}
	if err := h.svc.VerifySignature(body, r.Header.Get(SignatureHeader)); err != nil {
		h.writeServiceError(w, topic, err)
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	env := realtime.Envelope{
		ID:      idgen.NewULID(),
		Type:    realtime.TypeBroadcast,
		Topic:   topic,
		Event:   in.Event,
		From:    realtime.FromServer,
		Payload: in.Payload,
	}
	if err := h.bus.Publish(r.Context(), topic, env); err != nil {
		h.log.WithError(err).WithField("topic", topic).Error("publish failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "id": env.ID})
}

func (h *ChannelHandler) writeServiceError(w http.ResponseWriter, topic string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidTopic):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrTopicNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidSignature):
		respondError(w, http.StatusUnauthorized, err.Error())
	default:
		h.log.WithError(err).WithField("topic", topic).Error("channel request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
