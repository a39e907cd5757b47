package flow

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/animahub/bitrixbridge/internal/anima"
	"github.com/animahub/bitrixbridge/internal/models"
	"github.com/animahub/bitrixbridge/internal/store"
)

// Notifier tells the tree service that an operator group conversation ended.
type Notifier interface {
	Finalize(ctx context.Context, payload map[string]any) (*anima.BridgeResponse, error)
}

// PortalChannel is the chat surface of one portal: message delivery for the
// engine and open line shutdown for the finalizer.
type PortalChannel interface {
	SendText(ctx context.Context, dialogID, message string) error
	SendImage(ctx context.Context, dialogID, imageURL, alt string) error
	SendAudio(ctx context.Context, dialogID, audioURL string) error
	FinishSession(ctx context.Context, chatID int64) error
	CloseChat(ctx context.Context, dialogID string) error
	Instance() *models.Instance
}

// ChannelResolver resolves the chat surface for a portal.
type ChannelResolver interface {
	ForPortal(portal string) (PortalChannel, error)
}

// Finalizer closes a session everywhere at once: the local store, the tree
// service and the portal's open line. Every step is best effort; a failed
// notification never blocks the rest of the shutdown.
type Finalizer struct {
	store    store.Store
	notifier Notifier
	portals  ChannelResolver
}

func NewFinalizer(st store.Store, notifier Notifier, portals ChannelResolver) *Finalizer {
	return &Finalizer{store: st, notifier: notifier, portals: portals}
}

// Finalize closes the session. Calling it on an already closed session is a
// no-op, so overlapping shutdown paths stay safe.
func (f *Finalizer) Finalize(ctx context.Context, session *models.Session) {
	if session.Status == models.SessionStatusClosed {
		slog.Info("Finalizer.Finalize: session already closed, skipping", "uid", session.UID)
		return
	}

	session.Status = models.SessionStatusClosed
	if err := f.store.UpdateSession(session); err != nil {
		slog.Error("Finalizer.Finalize: session update failed", "error", err, "session_id", session.ID)
	}

	if session.OpGroupID == "" || session.UserID == "" {
		slog.Warn("Finalizer.Finalize: missing identifiers, close not notified",
			"uid", session.UID, "op_group_id", session.OpGroupID, "user_id", session.UserID)
		return
	}

	if _, err := f.notifier.Finalize(ctx, map[string]any{
		"opGroupId": session.OpGroupID,
		"userId":    session.UserID,
	}); err != nil {
		slog.Error("Finalizer.Finalize: close notification failed", "error", err, "uid", session.UID)
	} else {
		slog.Info("Finalizer.Finalize: session closed and notified", "uid", session.UID, "op_group_id", session.OpGroupID)
	}

	channel, err := f.portals.ForPortal(session.Portal)
	if err != nil {
		slog.Error("Finalizer.Finalize: portal channel unavailable", "error", err, "portal", session.Portal)
		return
	}

	if err := channel.SendText(ctx, session.DialogID, chatFinishedReply); err != nil {
		slog.Error("Finalizer.Finalize: closing message failed", "error", err, "dialog_id", session.DialogID)
	}

	if session.ChatID == "" {
		slog.Warn("Finalizer.Finalize: no chat id, open line left as is", "uid", session.UID)
		return
	}

	inst := channel.Instance()
	if inst == nil || inst.AccessToken == "" {
		slog.Error("Finalizer.Finalize: no usable portal instance to close the chat",
			"portal", session.Portal, "uid", session.UID)
		return
	}

	chatID, err := strconv.ParseInt(session.ChatID, 10, 64)
	if err != nil {
		slog.Error("Finalizer.Finalize: invalid chat id", "error", err, "chat_id", session.ChatID)
		return
	}

	if err := channel.FinishSession(ctx, chatID); err != nil {
		slog.Error("Finalizer.Finalize: open line session finish failed", "error", err, "chat_id", chatID)
	}
	if err := channel.CloseChat(ctx, session.DialogID); err != nil {
		slog.Error("Finalizer.Finalize: chat close failed", "error", err, "dialog_id", session.DialogID)
	}

	slog.Info("Finalizer.Finalize: chat closed on portal",
		"chat_id", session.ChatID, "dialog_id", session.DialogID, "uid", session.UID)
}
