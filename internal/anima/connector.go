package anima

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/animahub/bitrixbridge/internal/models"
)

// apiBasePath is the versioned prefix of every chat bridge endpoint.
const apiBasePath = "/api/v1.0.0"

// DefaultTag groups bridged conversations in the operator console.
const DefaultTag = "#soporte"

// InstanceSource supplies and persists per-portal instance records for the
// connect handshake.
type InstanceSource interface {
	GetInstance(portal string) (*models.Instance, error)
	SaveInstance(inst *models.Instance) error
}

// BridgeResponse is the generic envelope of chat bridge responses. Raw keeps
// the full body for endpoints that reply outside the envelope.
type BridgeResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Raw     json.RawMessage `json:"-"`
}

// ConnectorOpts holds configuration options for the chat bridge connector.
type ConnectorOpts struct {
	BaseURL   string
	Token     string
	Client    *http.Client
	Instances InstanceSource
}

// ConnectorOption defines a configuration option for the connector.
type ConnectorOption func(*ConnectorOpts)

// WithConnectorBaseURL sets the chat bridge base URL.
func WithConnectorBaseURL(url string) ConnectorOption {
	return func(o *ConnectorOpts) { o.BaseURL = url }
}

// WithConnectorToken sets the bearer token for bridge calls.
func WithConnectorToken(token string) ConnectorOption {
	return func(o *ConnectorOpts) { o.Token = token }
}

// WithConnectorHTTPClient sets the HTTP client used for requests.
func WithConnectorHTTPClient(c *http.Client) ConnectorOption {
	return func(o *ConnectorOpts) { o.Client = c }
}

// WithInstanceSource sets the instance lookup used during the handshake.
func WithInstanceSource(src InstanceSource) ConnectorOption {
	return func(o *ConnectorOpts) { o.Instances = src }
}

// Connector mirrors bridged conversations into the Ánima chat platform so
// operators can watch and take over bot conversations.
type Connector struct {
	baseURL   string
	token     string
	http      *http.Client
	instances InstanceSource
}

// NewConnector creates a chat bridge connector.
func NewConnector(opts ...ConnectorOption) *Connector {
	var cfg ConnectorOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Connector{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		http:      cfg.Client,
		instances: cfg.Instances,
	}
}

// call posts a JSON payload to a bridge endpoint. The Authorization header
// satisfies the outer gateway; BearerToken is read by the bridge middleware
// itself. Non-JSON bodies are reported as an error envelope rather than a
// transport failure.
func (c *Connector) call(ctx context.Context, uri string, payload map[string]any) (*BridgeResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bridge payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiBasePath+uri, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("BearerToken", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge request to %s failed: %w", uri, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bridge response: %w", err)
	}

	var out BridgeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return &BridgeResponse{Status: "ERROR", Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}, nil
	}
	out.Raw = body
	return &out, nil
}

// Connect ensures the operator group for a chatbot key exists and returns it.
func (c *Connector) Connect(ctx context.Context, payload map[string]any) (*BridgeResponse, error) {
	return c.call(ctx, "/chat/connect", payload)
}

// Insert broadcasts a freshly created operator group to the console.
func (c *Connector) Insert(ctx context.Context, payload map[string]any) (*BridgeResponse, error) {
	return c.call(ctx, "/chat/insert", payload)
}

// NewUser registers a user in an operator group.
func (c *Connector) NewUser(ctx context.Context, payload map[string]any) (*BridgeResponse, error) {
	return c.call(ctx, "/chat/new-user", payload)
}

// Assign attaches an operator (the bot) to the group, activating the chat.
func (c *Connector) Assign(ctx context.Context, payload map[string]any) (*BridgeResponse, error) {
	return c.call(ctx, "/chat/assign", payload)
}

// Unassign detaches the operator, leaving the chat pending.
func (c *Connector) Unassign(ctx context.Context, payload map[string]any) (*BridgeResponse, error) {
	return c.call(ctx, "/chat/unassign", payload)
}

// Finalize marks the bridged chat as finished.
func (c *Connector) Finalize(ctx context.Context, payload map[string]any) (*BridgeResponse, error) {
	return c.call(ctx, "/chat/finalized", payload)
}

// ChatData reports whether the conversation with a user is active.
func (c *Connector) ChatData(ctx context.Context, userID string) (*BridgeResponse, error) {
	return c.call(ctx, "/chat/data", map[string]any{"userId": userID})
}

// SendMessage mirrors one chat message. msgType is "user" for inbound
// messages and "op" for bot replies.
func (c *Connector) SendMessage(ctx context.Context, msgType, userID, message string) error {
	if msgType != "user" && msgType != "op" {
		msgType = "user"
	}
	resp, err := c.call(ctx, "/chat/send/"+msgType, map[string]any{
		"userId":  userID,
		"message": message,
		"origen":  originHeader,
	})
	if err != nil {
		return err
	}
	if resp.Status == "ERROR" {
		slog.Warn("Connector.SendMessage: bridge rejected message", "type", msgType, "user_id", userID, "message", resp.Message)
	}
	return nil
}

// ConnectParams carries everything the connect handshake needs.
type ConnectParams struct {
	ChatbotKey     string
	AttentionGroup string
	UserID         string
	Portal         string
	Tag            string
	ChannelID      string
}

// ConnectUser runs the full bridge handshake for one user: ensure the
// operator group exists, and when the group is new or the chat inactive,
// broadcast it, register the user, and assign the bot as operator. Returns
// the operator group id, which may be empty when the bridge is unavailable.
func (c *Connector) ConnectUser(ctx context.Context, p ConnectParams) (string, error) {
	tag := p.Tag
	if tag == "" {
		tag = DefaultTag
	}

	group, err := c.Connect(ctx, map[string]any{
		"attention_group": p.AttentionGroup,
		"chatbot_key":     p.ChatbotKey,
		"tag":             tag,
		"origen":          originHeader,
	})
	if err != nil {
		return "", fmt.Errorf("bridge connect failed: %w", err)
	}

	var groupData struct {
		OpGroupID string `json:"op_group_id"`
		Exist     bool   `json:"exist"`
	}
	if len(group.Data) > 0 {
		if err := json.Unmarshal(group.Data, &groupData); err != nil {
			slog.Warn("Connector.ConnectUser: unreadable connect payload", "error", err)
		}
	}
	if groupData.OpGroupID == "" {
		return "", nil
	}

	active, err := c.chatActive(ctx, p.UserID)
	if err != nil {
		slog.Warn("Connector.ConnectUser: chat data lookup failed", "error", err, "user_id", p.UserID)
	}

	if groupData.Exist && active {
		return groupData.OpGroupID, nil
	}

	if _, err := c.Insert(ctx, map[string]any{"opGroupId": groupData.OpGroupID}); err != nil {
		slog.Warn("Connector.ConnectUser: insert failed", "error", err)
	}

	if _, err := c.NewUser(ctx, map[string]any{
		"attention_group": p.AttentionGroup,
		"userId":          p.UserID,
		"chatbot_id":      p.ChatbotKey,
		"chatbot_key":     p.ChatbotKey,
		"payloadUser":     map[string]any{"name": "bitrix-" + p.UserID},
		"tag":             tag,
		"opQueueType":     "auto",
		"origen":          originHeader,
	}); err != nil {
		slog.Warn("Connector.ConnectUser: new-user failed", "error", err)
	}

	if c.instances != nil {
		inst, err := c.instances.GetInstance(p.Portal)
		if err != nil {
			slog.Warn("Connector.ConnectUser: instance lookup failed", "error", err, "portal", p.Portal)
		}
		if inst != nil && inst.BotID != 0 {
			if _, err := c.Assign(ctx, map[string]any{
				"opGroupId":       groupData.OpGroupID,
				"userId":          p.UserID,
				"opId":            p.AttentionGroup,
				"payloadOperador": map[string]any{"nombre": "BotBitrix"},
				"origen":          originHeader,
			}); err != nil {
				slog.Warn("Connector.ConnectUser: assign failed", "error", err)
			}

			if p.ChannelID != "" && inst.ChannelID != p.ChannelID {
				inst.ChannelID = p.ChannelID
				if err := c.instances.SaveInstance(inst); err != nil {
					slog.Warn("Connector.ConnectUser: channel update failed", "error", err, "portal", p.Portal)
				}
			}
		}
	}

	return groupData.OpGroupID, nil
}

// chatActive resolves the bridge-side status of a user's conversation.
func (c *Connector) chatActive(ctx context.Context, userID string) (bool, error) {
	resp, err := c.ChatData(ctx, userID)
	if err != nil {
		return false, err
	}
	var body struct {
		ChatData struct {
			Data struct {
				Status int `json:"status"`
			} `json:"data"`
		} `json:"chatData"`
	}
	if len(resp.Raw) > 0 {
		if err := json.Unmarshal(resp.Raw, &body); err == nil {
			return body.ChatData.Data.Status == 1, nil
		}
	}
	return false, nil
}
