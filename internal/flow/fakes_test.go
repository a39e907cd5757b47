package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/animahub/bitrixbridge/internal/anima"
	"github.com/animahub/bitrixbridge/internal/models"
)

// fakeTree serves canned flows keyed by node id. Node 0 doubles as the root.
type fakeTree struct {
	flows    map[int64]*anima.TreeFlow
	treeResp *anima.TreeFlow

	answer     *anima.AIAnswer
	answerErr  error
	structured *models.Node

	uid           string
	identityCalls int
	freeTextCalls int
}

func newFakeTree() *fakeTree {
	return &fakeTree{flows: make(map[int64]*anima.TreeFlow), uid: "uid-test"}
}

func (f *fakeTree) addNode(n models.Node) {
	f.flows[n.ID] = &anima.TreeFlow{Nodes: []models.Node{n}}
}

func (f *fakeTree) FetchFlow(ctx context.Context, nodeID int64, hash, uid string) (*anima.TreeFlow, error) {
	if flow, ok := f.flows[nodeID]; ok {
		return flow, nil
	}
	return nil, fmt.Errorf("node %d not found", nodeID)
}

func (f *fakeTree) FetchTree(ctx context.Context, hash, uid string) (*anima.TreeFlow, error) {
	if f.treeResp != nil {
		return f.treeResp, nil
	}
	return &anima.TreeFlow{}, nil
}

func (f *fakeTree) PostFreeText(ctx context.Context, hash, uid, question, threadID string) (*anima.AIAnswer, error) {
	f.freeTextCalls++
	return f.answer, f.answerErr
}

func (f *fakeTree) PostStructuredAnswer(ctx context.Context, hash, uid string, nodeID int64, value string) (*models.Node, error) {
	return f.structured, nil
}

func (f *fakeTree) RequestNewIdentity(ctx context.Context, hash string) (string, error) {
	f.identityCalls++
	return f.uid, nil
}

// fakeChannel records everything the engine pushes to the chat.
type fakeChannel struct {
	mu       sync.Mutex
	texts    []string
	images   []string
	audios   []string
	finished []int64
	closed   []string
	inst     *models.Instance
}

func (c *fakeChannel) SendText(ctx context.Context, dialogID, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, message)
	return nil
}

func (c *fakeChannel) SendImage(ctx context.Context, dialogID, imageURL, alt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images = append(c.images, imageURL)
	return nil
}

func (c *fakeChannel) SendAudio(ctx context.Context, dialogID, audioURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audios = append(c.audios, audioURL)
	return nil
}

func (c *fakeChannel) FinishSession(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, chatID)
	return nil
}

func (c *fakeChannel) CloseChat(ctx context.Context, dialogID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, dialogID)
	return nil
}

func (c *fakeChannel) Instance() *models.Instance { return c.inst }

func (c *fakeChannel) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.texts))
	copy(out, c.texts)
	return out
}

func (c *fakeChannel) contains(message string) bool {
	for _, t := range c.sent() {
		if t == message {
			return true
		}
	}
	return false
}

type fakeResolver struct {
	channel *fakeChannel
}

func (r fakeResolver) ForPortal(portal string) (PortalChannel, error) {
	return r.channel, nil
}

type fakeOperator struct {
	calls int
}

func (o *fakeOperator) TransferNowIfNeeded(ctx context.Context, session *models.Session) {
	o.calls++
}

type fakeNotifier struct {
	payloads []map[string]any
}

func (n *fakeNotifier) Finalize(ctx context.Context, payload map[string]any) (*anima.BridgeResponse, error) {
	n.payloads = append(n.payloads, payload)
	return &anima.BridgeResponse{Status: "OK"}, nil
}
