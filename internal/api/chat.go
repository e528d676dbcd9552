package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/clawdash/internal/audit"
	"github.com/basket/clawdash/internal/bus"
	"github.com/basket/clawdash/internal/gateway"
)

const defaultMessageLimit = 50

// field returns data[key] when data is an object holding key, otherwise
// data itself. Gateway replies wrap lists inconsistently.
func field(data json.RawMessage, key string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil {
		if v, ok := obj[key]; ok {
			return v
		}
	}
	if len(data) == 0 {
		return json.RawMessage("[]")
	}
	return data
}

func (s *Server) handleChatChannels(w http.ResponseWriter, r *http.Request) {
	if !s.gw.IsConnected() {
		writeJSON(w, http.StatusOK, map[string]any{"channels": []any{}, "error": errGatewayDown.Error()})
		return
	}
	env, err := s.gw.Request(r.Context(), gateway.TypeChannelsList, nil, gateway.TypeChannelsListResponse, s.gwWait)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": field(env.Data, "channels")})
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultMessageLimit
	}
	if !s.gw.IsConnected() {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []any{}, "error": errGatewayDown.Error()})
		return
	}
	env, err := s.gw.Request(r.Context(), gateway.TypeChatMessagesGet,
		map[string]any{"channelId": channelID, "limit": limit},
		gateway.TypeChatMessagesResponse, s.gwWait)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": field(env.Data, "messages")})
}

// handleChatSend relays a message. While the socket is down the message is
// queued and the response is 202.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	var body struct {
		Message string `json:"message"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	text := body.Message
	if text == "" {
		text = body.Content
	}
	if strings.TrimSpace(text) == "" {
		writeError(w, badRequest("Message required"))
		return
	}
	ctx := r.Context()

	if !s.gw.IsConnected() {
		if _, err := s.gw.SendChatMessage(ctx, channelID, text); err != nil {
			writeError(w, err)
			return
		}
		audit.Record(ctx, "chat.send", "queued", "channel="+channelID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"queued":  true,
			"message": "Gateway not connected; message queued",
		})
		return
	}

	env, err := s.gw.Request(ctx, gateway.TypeChatMessage, gateway.ChatMessage{
		ChannelID: channelID,
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
	}, gateway.TypeChatMessageSent, s.gwWait)
	if err != nil {
		audit.RecordErr(ctx, "chat.send", err, "channel="+channelID)
		writeError(w, err)
		return
	}
	var sent struct {
		MessageID string `json:"messageId"`
	}
	_ = env.Decode(&sent)
	audit.Record(ctx, "chat.send", audit.OutcomeOK, "channel="+channelID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messageId": sent.MessageID})
}

func (s *Server) handleChatDelete(w http.ResponseWriter, r *http.Request) {
	channelID, messageID := r.PathValue("channelId"), r.PathValue("messageId")
	ctx := r.Context()
	if !s.gw.IsConnected() {
		writeError(w, errGatewayDown)
		return
	}
	_, err := s.gw.Request(ctx, gateway.TypeChatMessageDelete,
		map[string]string{"channelId": channelID, "messageId": messageID},
		gateway.TypeChatMessageDeleted, s.gwWait)
	if err != nil {
		audit.RecordErr(ctx, "chat.delete", err, "channel="+channelID+" message="+messageID)
		writeError(w, err)
		return
	}
	audit.Record(ctx, "chat.delete", audit.OutcomeOK, "channel="+channelID+" message="+messageID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Message deleted"})
}

// handleChatStream forwards chat messages for one channel plus gateway
// connectivity changes, with a periodic heartbeat.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	stream, ok := openSSE(w)
	if !ok {
		return
	}
	ctx := r.Context()
	s.metrics.StreamOpened(ctx, "chat")
	defer s.metrics.StreamClosed(ctx, "chat")

	msgs := s.gw.Subscribe(gateway.TypeChatMessage)
	defer s.gw.Unsubscribe(msgs)
	errs := s.gw.Subscribe(gateway.TopicError)
	defer s.gw.Unsubscribe(errs)
	downs := s.gw.Subscribe(gateway.TopicDisconnected)
	defer s.gw.Unsubscribe(downs)
	ups := s.gw.Subscribe(gateway.TopicConnected)
	defer s.gw.Unsubscribe(ups)

	_, _, _, _, heartbeat := s.settings()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	if err := stream.send(map[string]any{
		"type":             "connected",
		"channelId":        channelID,
		"gatewayConnected": s.gw.IsConnected(),
	}); err != nil {
		return
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-msgs.Ch():
			if !ok {
				return
			}
			err = s.forwardChat(stream, channelID, ev)
		case ev, ok := <-errs.Ch():
			if !ok {
				return
			}
			msg := "gateway error"
			if e, isErr := ev.Payload.(error); isErr && e != nil {
				msg = e.Error()
			}
			err = stream.send(map[string]string{"type": "error", "error": msg})
		case _, ok := <-downs.Ch():
			if !ok {
				return
			}
			err = stream.send(map[string]string{"type": "gateway_disconnected"})
		case _, ok := <-ups.Ch():
			if !ok {
				return
			}
			err = stream.send(map[string]string{"type": "gateway_connected"})
		case <-ticker.C:
			err = stream.send(map[string]any{
				"type":             "heartbeat",
				"timestamp":        time.Now().UnixMilli(),
				"gatewayConnected": s.gw.IsConnected(),
			})
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) forwardChat(stream *sseStream, channelID string, ev bus.Event) error {
	env, ok := ev.Payload.(gateway.Envelope)
	if !ok {
		return nil
	}
	var msg struct {
		ChannelID string `json:"channelId"`
	}
	if err := env.Decode(&msg); err != nil || msg.ChannelID != channelID {
		return nil
	}
	return stream.send(map[string]any{"type": "message", "data": env.Data})
}

func (s *Server) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Stats())
}

func (s *Server) handleGatewayReconnect(w http.ResponseWriter, r *http.Request) {
	if s.gw.IsConnected() {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Already connected"})
		return
	}
	ctx := r.Context()
	if err := s.gw.Connect(ctx); err != nil {
		audit.RecordErr(ctx, "gateway.reconnect", err, "")
		if !errors.Is(err, gateway.ErrConnectTimeout) {
			err = &httpError{status: http.StatusBadGateway, msg: err.Error()}
		}
		writeError(w, err)
		return
	}
	audit.Record(ctx, "gateway.reconnect", audit.OutcomeOK, "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Connected to gateway"})
}
