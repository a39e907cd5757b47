package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animahub/bitrixbridge/internal/anima"
	"github.com/animahub/bitrixbridge/internal/models"
)

const botDisabledReply = "Este bot está temporalmente desactivado."

// chatBotKeyPrefix and bridgeUserPrefix shape the identifiers the chat
// bridge expects for Open Lines conversations.
const (
	chatBotKeyPrefix = "1001"
	bridgeUserPrefix = "user-b"
)

// webhookHandler is the single endpoint Open Lines invokes for every user
// or bot message. It always answers 200 once the payload validated, so the
// portal does not retry messages that failed inside the bridge.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	norm, raw, err := ParsePayload(r)
	if err != nil {
		slog.Warn("Server.webhookHandler: unreadable payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}
	portal := norm.Portal()

	logID := uuid.NewString()
	if err := s.store.CreateWebhookLog(&models.WebhookLog{
		ID:        logID,
		Portal:    portal,
		Payload:   string(raw),
		Status:    models.WebhookLogReceived,
		CreatedAt: time.Now(),
	}); err != nil {
		slog.Error("Server.webhookHandler: webhook log insert failed", "error", err, "portal", portal)
	}

	norm.EnsureInstanceComplete(s.store)
	msg := norm.Message()
	if !msg.Valid() {
		slog.Warn("Server.webhookHandler: missing required fields",
			"portal", portal, "user_id", msg.UserID, "chat_id", msg.ChatID)
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}

	fail := func(step string, err error) {
		slog.Error("Server.webhookHandler: processing failed", "step", step, "error", err, "portal", portal)
		if uerr := s.store.UpdateWebhookLog(logID, models.WebhookLogFailure, err.Error()); uerr != nil {
			slog.Error("Server.webhookHandler: webhook log update failed", "error", uerr, "log_id", logID)
		}
		writeJSONResponse(w, http.StatusOK, map[string]string{"error": "Processing failed"})
	}

	bridgeUserID := bridgeUserPrefix + msg.UserID

	opGroupID, err := s.connector.ConnectUser(ctx, anima.ConnectParams{
		ChatbotKey:     chatBotKeyPrefix + msg.ChatID,
		AttentionGroup: msg.ChatID,
		UserID:         bridgeUserID,
		Portal:         portal,
		ChannelID:      msg.ChannelID,
	})
	if err != nil {
		slog.Warn("Server.webhookHandler: bridge connect failed, continuing without operator group",
			"error", err, "portal", portal)
	}

	// Mirror the user's message to the bridge so operators see both sides.
	if err := s.connector.SendMessage(ctx, "user", bridgeUserID, msg.Message); err != nil {
		slog.Warn("Server.webhookHandler: user message mirror failed", "error", err, "user_id", bridgeUserID)
	}

	inst, err := s.store.GetInstance(portal)
	if err != nil {
		fail("instance lookup", err)
		return
	}
	if inst == nil {
		inst = &models.Instance{Portal: portal, Enabled: true}
		if err := s.store.SaveInstance(inst); err != nil {
			fail("instance create", err)
			return
		}
		slog.Info("Server.webhookHandler: instance registered for portal", "portal", portal)
	}

	if !inst.Enabled {
		slog.Info("Server.webhookHandler: bot disabled for portal", "portal", portal)
		writeJSONResponse(w, http.StatusOK, models.FlowResult{
			Reply:           botDisabledReply,
			TransferToHuman: true,
		})
		return
	}

	if msg.ChannelID != "" && inst.ChannelID != msg.ChannelID {
		inst.ChannelID = msg.ChannelID
		if err := s.store.SaveInstance(inst); err != nil {
			slog.Error("Server.webhookHandler: channel id save failed", "error", err, "portal", portal)
		} else {
			slog.Info("Server.webhookHandler: channel id updated", "channel_id", msg.ChannelID, "portal", portal)
		}
	}

	session, err := s.sessions.LoadOrCreate(ctx, bridgeUserID, msg.ChatID, inst, opGroupID)
	if err != nil {
		fail("session load", err)
		return
	}
	if err := s.sessions.EnsureIdentity(ctx, session, inst.Hash); err != nil {
		fail("identity", err)
		return
	}

	if session.DialogID == "" && msg.DialogID != "" {
		session.DialogID = msg.DialogID
		if err := s.store.UpdateSession(session); err != nil {
			slog.Error("Server.webhookHandler: dialog id save failed", "error", err, "uid", session.UID)
		} else {
			slog.Info("Server.webhookHandler: dialog id stored", "uid", session.UID, "dialog_id", msg.DialogID)
		}
	}

	result := s.engine.ProcessMessage(ctx, session, inst.Hash, msg.Message)

	// Mirror the bot's side of the conversation as the operator.
	if result.Reply != "" {
		if err := s.connector.SendMessage(ctx, "op", bridgeUserID, result.Reply); err != nil {
			slog.Warn("Server.webhookHandler: reply mirror failed", "error", err, "user_id", bridgeUserID)
		}
	}

	if result.TransferToHuman && !session.TransferredToHuman {
		session.TransferredToHuman = true
		if err := s.store.UpdateSession(session); err != nil {
			slog.Error("Server.webhookHandler: transfer flag save failed", "error", err, "uid", session.UID)
		}
	}

	if err := s.store.UpdateWebhookLog(logID, models.WebhookLogSuccess, msg.DialogID); err != nil {
		slog.Error("Server.webhookHandler: webhook log update failed", "error", err, "log_id", logID)
	}

	writeJSONResponse(w, http.StatusOK, result)
}

// instanceHandler toggles a portal's bot on or off:
// POST /instances/{portal}/toggle.
func (s *Server) instanceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	rest := strings.TrimPrefix(r.URL.Path, "/instances/")
	portal, action, _ := strings.Cut(rest, "/")
	if portal == "" || action != "toggle" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	inst, err := s.store.GetInstance(portal)
	if err != nil {
		slog.Error("Server.instanceHandler: instance lookup failed", "error", err, "portal", portal)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load instance"))
		return
	}
	if inst == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown portal"))
		return
	}

	inst.Enabled = !inst.Enabled
	if err := s.store.SaveInstance(inst); err != nil {
		slog.Error("Server.instanceHandler: instance save failed", "error", err, "portal", portal)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save instance"))
		return
	}

	slog.Info("Server.instanceHandler: bot toggled", "portal", portal, "enabled", inst.Enabled)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"portal":  inst.Portal,
		"enabled": inst.Enabled,
	}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
