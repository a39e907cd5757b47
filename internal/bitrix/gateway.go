// Package bitrix is the outbound side of the bridge: a REST client for the
// Bitrix24 portal APIs used to drive Open Lines chats from a bot.
package bitrix

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/animahub/bitrixbridge/internal/models"
)

// Request timeouts matching the portal's slow REST endpoints.
const (
	DefaultTimeout        = 120 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// InstanceStore supplies and persists per-portal credentials.
type InstanceStore interface {
	GetInstance(portal string) (*models.Instance, error)
	SaveInstance(inst *models.Instance) error
}

// RestResponse is the envelope of a Bitrix REST call.
type RestResponse struct {
	Result           json.RawMessage `json:"result"`
	ErrorCode        string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// OK reports whether the call carried a result and no error code.
func (r *RestResponse) OK() bool {
	return r != nil && r.ErrorCode == "" && len(r.Result) > 0
}

// Opts holds configuration options for the gateway.
type Opts struct {
	Client    *http.Client
	Instances InstanceStore
}

// Option defines a configuration option for the gateway.
type Option func(*Opts)

// WithHTTPClient sets the HTTP client used for portal calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.Client = c }
}

// WithInstanceStore sets the credential source.
func WithInstanceStore(s InstanceStore) Option {
	return func(o *Opts) { o.Instances = s }
}

// Gateway creates portal-bound clients from stored instance credentials.
type Gateway struct {
	http      *http.Client
	instances InstanceStore
}

// NewGateway creates a gateway.
func NewGateway(opts ...Option) *Gateway {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Gateway{http: cfg.Client, instances: cfg.Instances}
}

// ForPortal binds the gateway to one portal's credentials.
func (g *Gateway) ForPortal(portal string) (*PortalClient, error) {
	inst, err := g.instances.GetInstance(portal)
	if err != nil {
		return nil, fmt.Errorf("failed to load instance for portal %s: %w", portal, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("no instance registered for portal %s", portal)
	}
	return &PortalClient{
		http:      g.http,
		instances: g.instances,
		inst:      inst,
		baseURL:   fmt.Sprintf("https://%s/rest", portal),
	}, nil
}

// PortalClient calls the REST API of a single Bitrix24 portal.
type PortalClient struct {
	http      *http.Client
	instances InstanceStore
	inst      *models.Instance
	baseURL   string
}

// Instance exposes the bound credentials.
func (c *PortalClient) Instance() *models.Instance { return c.inst }

// Call invokes one REST method with form-encoded parameters. On a 401 the
// access token is refreshed and the call retried once.
func (c *PortalClient) Call(ctx context.Context, method string, params map[string]string) (*RestResponse, error) {
	resp, status, err := c.post(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		slog.Debug("PortalClient.Call: access token rejected, refreshing", "method", method, "portal", c.inst.Portal)
		if err := c.refreshAccessToken(ctx); err != nil {
			return nil, fmt.Errorf("token refresh after 401 failed: %w", err)
		}
		resp, status, err = c.post(ctx, method, params)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status >= 300 {
		if resp != nil && resp.ErrorCode != "" {
			return resp, nil
		}
		return nil, fmt.Errorf("portal returned status %d for %s", status, method)
	}
	return resp, nil
}

func (c *PortalClient) post(ctx context.Context, method string, params map[string]string) (*RestResponse, int, error) {
	form := url.Values{}
	form.Set("auth", c.inst.AccessToken)
	for k, v := range params {
		form.Set(k, v)
	}

	endpoint := fmt.Sprintf("%s/%s.json", c.baseURL, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build portal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("portal request for %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read portal response: %w", err)
	}

	var out RestResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("portal response for %s is not JSON: %w", method, err)
		}
	}
	return &out, resp.StatusCode, nil
}

// refreshAccessToken trades the stored refresh token for a new access token
// and persists the rotated pair.
func (c *PortalClient) refreshAccessToken(ctx context.Context) error {
	if c.inst.RefreshToken == "" {
		return fmt.Errorf("no refresh token available for portal %s", c.inst.Portal)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.inst.ClientID)
	form.Set("client_secret", c.inst.ClientSecret)
	form.Set("refresh_token", c.inst.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://oauth.bitrix.info/oauth/token/", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	var data struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if data.AccessToken == "" {
		slog.Error("PortalClient.refreshAccessToken: refresh rejected", "portal", c.inst.Portal, "status", resp.StatusCode)
		return fmt.Errorf("token refresh rejected for portal %s", c.inst.Portal)
	}

	c.inst.AccessToken = data.AccessToken
	if data.RefreshToken != "" {
		c.inst.RefreshToken = data.RefreshToken
	}
	expires := time.Now().Add(time.Duration(data.ExpiresIn) * time.Second)
	c.inst.Expires = &expires

	if err := c.instances.SaveInstance(c.inst); err != nil {
		return fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	slog.Debug("PortalClient.refreshAccessToken: token refreshed", "portal", c.inst.Portal)
	return nil
}

// RegisterOpenLineBot registers the bot as an Open Line bot so the portal
// delivers chat events to the webhook.
func (c *PortalClient) RegisterOpenLineBot(ctx context.Context, code, name, webhookURL string) (*RestResponse, error) {
	return c.Call(ctx, "imbot.register", map[string]string{
		"CODE":                 code,
		"TYPE":                 "O",
		"EVENT_MESSAGE_ADD":    webhookURL,
		"EVENT_WELCOME_MESSAGE": webhookURL,
		"EVENT_BOT_DELETE":     webhookURL,
		"OPENLINE":             "Y",
		"PROPERTIES[NAME]":     name,
	})
}

// SendText sends a plain text message to a dialog. HTML arriving from the
// tree service is flattened to the markup Bitrix chats render.
func (c *PortalClient) SendText(ctx context.Context, dialogID, message string) error {
	resp, err := c.Call(ctx, "imbot.message.add", map[string]string{
		"DIALOG_ID": dialogID,
		"MESSAGE":   SanitizeHTML(message),
	})
	if err != nil {
		slog.Error("PortalClient.SendText failed", "error", err, "dialog_id", dialogID)
		return err
	}
	if resp.ErrorCode != "" {
		return fmt.Errorf("message rejected by portal: %s", resp.ErrorDescription)
	}
	return nil
}

// SendImage sends an image as a captioned link.
func (c *PortalClient) SendImage(ctx context.Context, dialogID, imageURL, alt string) error {
	message := imageURL
	if alt != "" {
		message = fmt.Sprintf("📷 Ver imagen:\n\n %s", imageURL)
	}
	resp, err := c.Call(ctx, "imbot.message.add", map[string]string{
		"DIALOG_ID": dialogID,
		"MESSAGE":   message,
	})
	if err != nil {
		slog.Error("PortalClient.SendImage failed", "error", err, "dialog_id", dialogID)
		return err
	}
	if resp.ErrorCode != "" {
		return fmt.Errorf("image rejected by portal: %s", resp.ErrorDescription)
	}
	return nil
}

// SendAudio sends an audio clip as a bare link on its own line.
func (c *PortalClient) SendAudio(ctx context.Context, dialogID, audioURL string) error {
	return c.SendText(ctx, dialogID, "\n"+audioURL)
}

// CloseChat marks the Open Lines conversation as finished for the dialog.
func (c *PortalClient) CloseChat(ctx context.Context, dialogID string) error {
	resp, err := c.Call(ctx, "imbot.chat.finish", map[string]string{"DIALOG_ID": dialogID})
	if err != nil {
		return err
	}
	if resp.ErrorCode != "" {
		return fmt.Errorf("chat finish rejected: %s", resp.ErrorDescription)
	}
	return nil
}

// FinishSession finishes a bot-held Open Line session by chat id.
func (c *PortalClient) FinishSession(ctx context.Context, chatID int64) error {
	resp, err := c.Call(ctx, "imopenlines.bot.session.finish", map[string]string{
		"CHAT_ID": fmt.Sprintf("%d", chatID),
	})
	if err != nil {
		return err
	}
	if resp.ErrorCode != "" {
		return fmt.Errorf("session finish rejected: %s", resp.ErrorDescription)
	}
	return nil
}

// ConfigIDForBot walks the Open Line configs until it finds the one whose
// welcome bot is the given bot id.
func (c *PortalClient) ConfigIDForBot(ctx context.Context, botID int64) (int64, error) {
	for index := 1; ; index++ {
		resp, err := c.Call(ctx, "imopenlines.config.get", map[string]string{
			"CONFIG_ID": fmt.Sprintf("%d", index),
		})
		if err != nil {
			return 0, err
		}
		if !resp.OK() {
			break
		}
		var config struct {
			ID           json.Number `json:"ID"`
			WelcomeBotID json.Number `json:"WELCOME_BOT_ID"`
		}
		if err := json.Unmarshal(resp.Result, &config); err != nil {
			return 0, fmt.Errorf("failed to decode open line config %d: %w", index, err)
		}
		if welcome, err := config.WelcomeBotID.Int64(); err == nil && welcome == botID {
			id, err := config.ID.Int64()
			if err != nil {
				return 0, fmt.Errorf("open line config %d has a non-numeric id: %w", index, err)
			}
			return id, nil
		}
	}
	return 0, fmt.Errorf("no open line config found for bot %d", botID)
}

var (
	boldTags    = regexp.MustCompile(`(?i)</?(strong|b)>`)
	italicTags  = regexp.MustCompile(`(?i)</?(em|i)>`)
	breakTags   = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>`)
	openBlocks  = regexp.MustCompile(`(?i)<p>|<div>`)
	anyTag      = regexp.MustCompile(`<[^>]*>`)
)

// SanitizeHTML flattens the HTML fragments the tree service emits into the
// plain-text markup Bitrix chat renders: *bold*, _italic_, real newlines.
func SanitizeHTML(s string) string {
	s = boldTags.ReplaceAllString(s, "*")
	s = italicTags.ReplaceAllString(s, "_")
	s = breakTags.ReplaceAllString(s, "\n")
	s = openBlocks.ReplaceAllString(s, "")
	s = anyTag.ReplaceAllString(html.UnescapeString(s), "")
	return strings.TrimSpace(s)
}
