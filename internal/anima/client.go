// Package anima talks to the Ánima platform: the decision-tree service that
// hosts conversation flows and the chat bridge that mirrors conversations for
// operator tooling.
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
	"time"

	"github.com/animahub/bitrixbridge/internal/models"
)

// DefaultTimeout bounds every request to the tree service.
const DefaultTimeout = 30 * time.Second

// originHeader identifies this bridge to the tree service.
const originHeader = "bitrix"

// ThreadSource supplies the pending conversation thread used to backfill the
// Thread-Id header on free-text questions.
type ThreadSource interface {
	LatestUnansweredThreadByUID(uid string) (*models.ConversationThread, error)
}

// TreeFlow is the tree service's response to a flow fetch: the reachable
// nodes plus the base path media URLs resolve against.
type TreeFlow struct {
	Nodes []models.Node `json:"nodes"`
	Path  string        `json:"path"`
}

// AIAnswer is the tree service's response to a natural-language question.
type AIAnswer struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

// Opts holds configuration options for the tree client.
type Opts struct {
	BaseURL string
	Client  *http.Client
	Threads ThreadSource
}

// Option defines a configuration option for the tree client.
type Option func(*Opts)

// WithBaseURL sets the tree service base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.Client = c }
}

// WithThreadSource sets the source of pending conversation threads.
func WithThreadSource(ts ThreadSource) Option {
	return func(o *Opts) { o.Threads = ts }
}

// Client is the HTTP client for the decision-tree service.
type Client struct {
	baseURL string
	http    *http.Client
	threads ThreadSource
}

// NewClient creates a tree service client.
func NewClient(opts ...Option) *Client {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.Client,
		threads: cfg.Threads,
	}
}

// RequestNewIdentity asks the tree service for a fresh conversational uid.
func (c *Client) RequestNewIdentity(ctx context.Context, hash string) (string, error) {
	url := fmt.Sprintf("%s/connect/stats/new-user/%s", c.baseURL, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build identity request: %w", err)
	}
	req.Header.Set("channel", "Web")

	var body struct {
		UID string `json:"uid"`
	}
	if err := c.do(req, &body); err != nil {
		slog.Error("Client.RequestNewIdentity: tree service call failed", "error", err, "hash", hash)
		return "", err
	}
	if body.UID == "" {
		slog.Warn("Client.RequestNewIdentity: no uid in response", "hash", hash)
		return "", models.ErrIdentityUnavailable
	}
	return body.UID, nil
}

// FetchFlow retrieves the partial flow rooted at nodeID. The virtual AI node
// has no server-side representation; asking for it is refused before any
// request is made.
func (c *Client) FetchFlow(ctx context.Context, nodeID int64, hash, uid string) (*TreeFlow, error) {
	if nodeID == models.VirtualNodeID {
		slog.Warn("Client.FetchFlow: refused fetch of virtual AI node", "uid", uid)
		return nil, fmt.Errorf("node %d is virtual and cannot be fetched", nodeID)
	}

	url := fmt.Sprintf("%s/connect/%d/%s", c.baseURL, nodeID, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build flow request: %w", err)
	}
	req.Header.Set("uid", uid)

	var flow TreeFlow
	if err := c.do(req, &flow); err != nil {
		slog.Error("Client.FetchFlow: tree service call failed", "error", err, "node_id", nodeID, "hash", hash)
		return nil, err
	}
	return &flow, nil
}

// FetchTree retrieves the full conversation tree for a hash.
func (c *Client) FetchTree(ctx context.Context, hash, uid string) (*TreeFlow, error) {
	url := fmt.Sprintf("%s/connect/%s", c.baseURL, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tree request: %w", err)
	}
	req.Header.Set("uid", uid)

	var flow TreeFlow
	if err := c.do(req, &flow); err != nil {
		slog.Error("Client.FetchTree: tree service call failed", "error", err, "hash", hash)
		return nil, err
	}
	return &flow, nil
}

// PostFreeText forwards a natural-language question to the AI sub-flow.
// When threadID is empty the latest pending thread for the uid, if any,
// supplies the Thread-Id header so the AI keeps conversational context.
func (c *Client) PostFreeText(ctx context.Context, hash, uid, question, threadID string) (*AIAnswer, error) {
	if threadID == "" && c.threads != nil {
		if pending, err := c.threads.LatestUnansweredThreadByUID(uid); err == nil && pending != nil {
			threadID = pending.ThreadID
		}
	}

	payload, err := json.Marshal(map[string]string{"question": question})
	if err != nil {
		return nil, fmt.Errorf("failed to encode question: %w", err)
	}

	url := fmt.Sprintf("%s/ia/natural-language/%s", c.baseURL, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build question request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("uid", uid)
	req.Header.Set("origen", originHeader)
	if threadID != "" {
		req.Header.Set("Thread-Id", threadID)
	}

	var answer AIAnswer
	if err := c.do(req, &answer); err != nil {
		slog.Error("Client.PostFreeText: tree service call failed", "error", err, "uid", uid)
		return nil, err
	}
	return &answer, nil
}

// PostStructuredAnswer submits the value typed into an input node so the tree
// service can resolve the next node of the flow. A nil node means the service
// had no continuation for the answer.
func (c *Client) PostStructuredAnswer(ctx context.Context, hash, uid string, nodeID int64, value string) (*models.Node, error) {
	payload, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return nil, fmt.Errorf("failed to encode input value: %w", err)
	}

	url := fmt.Sprintf("%s/form/%d/%s", c.baseURL, nodeID, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build input request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("uid", uid)

	var out struct {
		NextItem *models.Node `json:"next_item"`
	}
	if err := c.do(req, &out); err != nil {
		slog.Error("Client.PostStructuredAnswer: tree service call failed", "error", err, "node_id", nodeID, "uid", uid)
		return nil, err
	}
	return out.NextItem, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to tree service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read tree service response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tree service returned status %d", resp.StatusCode)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode tree service response: %w", err)
	}
	return nil
}
