package bitrix

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/animahub/bitrixbridge/internal/models"
)

// TransferGreeting is sent to the user right after a successful queue
// transfer.
const TransferGreeting = "🔔 Has sido transferido a un agente. Un momento, por favor."

// Operator moves live dialogs out of the bot and into a human agent queue.
type Operator struct {
	gateway *Gateway
}

// NewOperator creates an operator service on top of the gateway.
func NewOperator(gateway *Gateway) *Operator {
	return &Operator{gateway: gateway}
}

// TransferNowIfNeeded hands the session's dialog to the agent queue bound to
// the portal's bot. Missing chat or portal data aborts the transfer with a
// warning; the conversation keeps running bot-side.
func (o *Operator) TransferNowIfNeeded(ctx context.Context, session *models.Session) {
	if session.ChatID == "" {
		slog.Warn("Operator.TransferNowIfNeeded: session has no chat id", "uid", session.UID)
		return
	}
	if session.Portal == "" {
		slog.Warn("Operator.TransferNowIfNeeded: session has no portal", "uid", session.UID)
		return
	}

	client, err := o.gateway.ForPortal(session.Portal)
	if err != nil {
		slog.Warn("Operator.TransferNowIfNeeded: portal unavailable", "error", err, "portal", session.Portal)
		return
	}
	if client.Instance().BotID == 0 {
		slog.Warn("Operator.TransferNowIfNeeded: no bot registered for portal", "portal", session.Portal)
		return
	}

	dialogID := session.ChatID
	if !strings.HasPrefix(dialogID, "chat") {
		dialogID = "chat" + dialogID
	}

	configID, err := client.ConfigIDForBot(ctx, client.Instance().BotID)
	if err != nil {
		slog.Warn("Operator.TransferNowIfNeeded: no open line config for bot", "error", err, "bot_id", client.Instance().BotID)
		return
	}

	if err := o.TransferToQueue(ctx, client, dialogID, configID); err != nil {
		slog.Error("Operator.TransferNowIfNeeded: transfer failed", "error", err, "uid", session.UID, "dialog_id", dialogID)
		return
	}
	slog.Debug("Operator.TransferNowIfNeeded: transfer completed", "uid", session.UID, "dialog_id", dialogID)
}

// TransferToQueue moves a dialog into an agent queue, starts the operator
// session, and greets the user.
func (o *Operator) TransferToQueue(ctx context.Context, client *PortalClient, dialogID string, queueID int64) error {
	chatID, _ := strconv.ParseInt(strings.TrimPrefix(dialogID, "chat"), 10, 64)

	resp, err := client.Call(ctx, "imopenlines.bot.session.transfer", map[string]string{
		"DIALOG_ID": dialogID,
		"CHAT_ID":   fmt.Sprintf("%d", chatID),
		"QUEUE_ID":  fmt.Sprintf("%d", queueID),
	})
	if err != nil {
		return fmt.Errorf("queue transfer failed: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("queue transfer rejected: %s", resp.ErrorDescription)
	}

	// Simulates the agent clicking "Start conversation".
	if _, err := client.Call(ctx, "imopenlines.operator.startSession", map[string]string{
		"CHAT_ID": fmt.Sprintf("%d", chatID),
	}); err != nil {
		slog.Warn("Operator.TransferToQueue: start session failed", "error", err, "chat_id", chatID)
	}

	if err := client.SendText(ctx, dialogID, TransferGreeting); err != nil {
		slog.Warn("Operator.TransferToQueue: greeting failed", "error", err, "dialog_id", dialogID)
	}
	return nil
}
