// Package models defines the core data structures for bitrixbridge.
//
// It includes the persisted entities (sessions, menu options, conversation
// threads, tenant instances) and the types exchanged between the flow engine,
// the node interpreter and the HTTP layer.
package models

import (
	"errors"
	"time"
)

// Reserved menu tokens and sentinel values understood by the flow engine.
const (
	// MainMenuRestartCommand restarts the conversation from the durable main menu.
	MainMenuRestartCommand = "main_menu_restart"
	// EndChatCommand finalizes the session on behalf of the user.
	EndChatCommand = "end_chat"
	// RestartToken is the literal the user types to go back to the main menu.
	RestartToken = "#"
	// EndChatToken is the literal the user types to finish the chat.
	EndChatToken = "*"
)

// SessionMaxAge is how long a session stays reusable after creation.
const SessionMaxAge = 24 * time.Hour

// Error variables for better error handling and testability
var (
	ErrIdentityUnavailable = errors.New("could not obtain a conversational identity from the tree service")
	ErrInstanceDisabled    = errors.New("bot is disabled for this instance")
	ErrInvalidWebhook      = errors.New("webhook payload is missing required fields")
	ErrSessionNotFound     = errors.New("session not found")
)

// SessionStatus represents the lifecycle state of a chat session.
type SessionStatus string

const (
	// SessionStatusActive indicates the session is walking the tree normally.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusAwaitingRestart indicates the flow ended and the session is
	// waiting for the restart/end-chat choice.
	SessionStatusAwaitingRestart SessionStatus = "awaiting_restart_option"
	// SessionStatusClosed indicates the session was finalized.
	SessionStatusClosed SessionStatus = "closed"
)

// Session is the persisted state of one (end-user, chat) conversation.
type Session struct {
	ID                   int64         `json:"id"`
	UserID               string        `json:"user_id"`
	ChatID               string        `json:"chat_id"`
	UID                  string        `json:"uid"`
	DialogID             string        `json:"dialog_id"`
	PathBase             string        `json:"path_base"`
	Portal               string        `json:"portal"`
	Current              Position      `json:"current_node"`
	NextNodeID           *int64        `json:"next_node_id"`
	Status               SessionStatus `json:"status"`
	TransferredToHuman   bool          `json:"transferred_to_human"`
	ShowRestartMenuAfter bool          `json:"show_restart_menu_after"`
	OpGroupID            string        `json:"op_group_id"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Expired reports whether the session is too old to be reused.
func (s *Session) Expired(now time.Time) bool {
	return s.CreatedAt.Before(now.Add(-SessionMaxAge))
}

// Reusable reports whether an inbound message may continue this session
// instead of minting a fresh one.
func (s *Session) Reusable(now time.Time) bool {
	return !s.Expired(now) && s.Status != SessionStatusClosed
}

// MenuOption is a persisted set of selectable tokens for a session.
// Tokens map to a target node id (rendered as a decimal string) or to one of
// the sentinel commands (MainMenuRestartCommand, EndChatCommand).
type MenuOption struct {
	ID         int64             `json:"id"`
	SessionID  int64             `json:"session_id"`
	UID        string            `json:"uid"`
	NodeID     *int64            `json:"node_id"`
	IsMainMenu bool              `json:"is_main_menu"`
	Options    map[string]string `json:"options"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ConversationThread records one free-text exchange routed to the AI sub-flow.
type ConversationThread struct {
	ID          int64     `json:"id"`
	SessionID   int64     `json:"session_id"`
	UID         string    `json:"uid"`
	NodeID      int64     `json:"node_id"`
	UserMessage string    `json:"user_message"`
	AIResponse  string    `json:"ai_response"`
	ThreadID    string    `json:"thread_id"`
	IsAnswered  bool      `json:"is_answered"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserInput is a raw value the user typed into an input-type node, captured
// before it is submitted to the remote form endpoint.
type UserInput struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	NodeID    int64     `json:"node_id"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Instance is the per-tenant configuration for one Bitrix24 portal.
// The flow core reads Hash and Enabled; credential lifecycle belongs to the
// OAuth handshake, which is out of scope here except for token refresh.
type Instance struct {
	ID               int64      `json:"id"`
	Portal           string     `json:"portal"`
	Hash             string     `json:"hash"`
	Enabled          bool       `json:"enabled"`
	ClientID         string     `json:"client_id"`
	ClientSecret     string     `json:"client_secret"`
	AuthToken        string     `json:"auth_token"`
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token"`
	ApplicationToken string     `json:"application_token"`
	BotID            int64      `json:"bot_id"`
	BotCode          string     `json:"bot_code"`
	ChannelID        string     `json:"channel_id"`
	Expires          *time.Time `json:"expires"`
}

// WebhookLogStatus tracks the processing outcome of one inbound webhook.
type WebhookLogStatus string

const (
	WebhookLogReceived WebhookLogStatus = "received"
	WebhookLogSuccess  WebhookLogStatus = "success"
	WebhookLogFailure  WebhookLogStatus = "failure"
)

// WebhookLog is the audit record of one raw inbound webhook payload.
type WebhookLog struct {
	ID        string           `json:"id"`
	Portal    string           `json:"portal"`
	Payload   string           `json:"payload"`
	Status    WebhookLogStatus `json:"status"`
	DialogID  string           `json:"dialog_id"`
	Error     string           `json:"error"`
	CreatedAt time.Time        `json:"created_at"`
}

// InboundMessage is the normalized form of one inbound webhook event.
type InboundMessage struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	DialogID  string `json:"dialog_id"`
	Message   string `json:"message"`
	ChannelID string `json:"channel_id"`
}

// Valid reports whether the message carries the fields required for flow
// processing.
func (m InboundMessage) Valid() bool {
	return m.UserID != "" && m.ChatID != "" && m.Message != ""
}

// FlowResult is the normalized outcome of processing one user message,
// returned to the webhook caller.
type FlowResult struct {
	Reply           string       `json:"reply"`
	RichContent     *RichContent `json:"rich_content,omitempty"`
	TransferToHuman bool         `json:"transfer_to_human"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
