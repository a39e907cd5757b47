package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/animahub/bitrixbridge/internal/anima"
	"github.com/animahub/bitrixbridge/internal/flow"
	"github.com/animahub/bitrixbridge/internal/models"
	"github.com/animahub/bitrixbridge/internal/store"
)

// stubTree serves canned tree flows keyed by node id. Node 0 doubles as the
// tree root.
type stubTree struct {
	flows       map[int64]*anima.TreeFlow
	identityErr error
}

func (s *stubTree) FetchFlow(ctx context.Context, nodeID int64, hash, uid string) (*anima.TreeFlow, error) {
	f, ok := s.flows[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %d not found", nodeID)
	}
	return f, nil
}

func (s *stubTree) FetchTree(ctx context.Context, hash, uid string) (*anima.TreeFlow, error) {
	return &anima.TreeFlow{}, nil
}

func (s *stubTree) PostFreeText(ctx context.Context, hash, uid, question, threadID string) (*anima.AIAnswer, error) {
	return &anima.AIAnswer{Message: "ok", ThreadID: "th-1"}, nil
}

func (s *stubTree) PostStructuredAnswer(ctx context.Context, hash, uid string, nodeID int64, value string) (*models.Node, error) {
	return nil, nil
}

func (s *stubTree) RequestNewIdentity(ctx context.Context, hash string) (string, error) {
	if s.identityErr != nil {
		return "", s.identityErr
	}
	return "uid-1", nil
}

type stubChannel struct {
	mu    sync.Mutex
	texts []string
}

func (c *stubChannel) SendText(ctx context.Context, dialogID, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, message)
	return nil
}

func (c *stubChannel) SendImage(ctx context.Context, dialogID, imageURL, alt string) error {
	return nil
}
func (c *stubChannel) SendAudio(ctx context.Context, dialogID, audioURL string) error { return nil }
func (c *stubChannel) FinishSession(ctx context.Context, chatID int64) error          { return nil }
func (c *stubChannel) CloseChat(ctx context.Context, dialogID string) error           { return nil }
func (c *stubChannel) Instance() *models.Instance                                     { return nil }

func (c *stubChannel) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

type stubResolver struct{ channel *stubChannel }

func (r stubResolver) ForPortal(portal string) (flow.PortalChannel, error) {
	return r.channel, nil
}

type stubOperator struct{}

func (stubOperator) TransferNowIfNeeded(ctx context.Context, session *models.Session) {}

// serverRig assembles a full API server over in-memory collaborators and an
// httptest chat bridge that acknowledges every call.
type serverRig struct {
	st      *store.InMemoryStore
	tree    *stubTree
	channel *stubChannel
}

func newServerRig(t *testing.T) (*serverRig, http.Handler) {
	t.Helper()

	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "OK"}`)
	}))
	t.Cleanup(bridge.Close)

	st := store.NewInMemoryStore()
	tree := &stubTree{flows: make(map[int64]*anima.TreeFlow)}
	channel := &stubChannel{}
	resolver := stubResolver{channel: channel}

	connector := anima.NewConnector(
		anima.WithConnectorBaseURL(bridge.URL),
		anima.WithConnectorToken("tok"),
		anima.WithInstanceSource(st),
	)
	finalizer := flow.NewFinalizer(st, connector, resolver)
	engine := flow.NewEngine(st, tree, resolver, stubOperator{}, finalizer)
	sessions := flow.NewSessions(st, tree)

	server := NewServer(st, sessions, engine, connector, "")
	return &serverRig{st: st, tree: tree, channel: channel}, server.Handler()
}

func webhookBody(message string) string {
	return fmt.Sprintf(`{
		"event": "ONIMBOTMESSAGEADD",
		"auth": {"domain": "acme.bitrix24.es"},
		"data": {
			"USER": {"ID": 7},
			"PARAMS": {"CHAT_ID": "33", "DIALOG_ID": "chat33", "MESSAGE": %q}
		}
	}`, message)
}

func postWebhook(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	_, h := newServerRig(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("response = %+v", resp)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", rec.Code)
	}
}

func TestToggleInstance(t *testing.T) {
	rig, h := newServerRig(t)
	if err := rig.st.SaveInstance(&models.Instance{Portal: "acme.bitrix24.es", Enabled: true}); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/instances/acme.bitrix24.es/toggle", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	inst, _ := rig.st.GetInstance("acme.bitrix24.es")
	if inst.Enabled {
		t.Error("Expected the toggle to disable the bot")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/instances/nobody.bitrix24.es/toggle", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown portal status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/instances/acme.bitrix24.es/toggle", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}
}

func TestWebhookRejectsNonPost(t *testing.T) {
	_, h := newServerRig(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWebhookInvalidPayload(t *testing.T) {
	_, h := newServerRig(t)

	rec := postWebhook(t, h, "{broken")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["error"] != "Invalid payload" {
		t.Errorf("body = %v", resp)
	}
}

func TestWebhookMissingFields(t *testing.T) {
	_, h := newServerRig(t)

	rec := postWebhook(t, h, `{"auth": {"domain": "acme.bitrix24.es"}, "data": {}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWebhookDisabledBot(t *testing.T) {
	rig, h := newServerRig(t)
	if err := rig.st.SaveInstance(&models.Instance{Portal: "acme.bitrix24.es", Enabled: false}); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	rec := postWebhook(t, h, webhookBody("hola"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var result models.FlowResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Reply != botDisabledReply || !result.TransferToHuman {
		t.Errorf("result = %+v", result)
	}
	if sessions, _ := rig.st.FindSessionByUser("user-b7", "33"); sessions != nil {
		t.Error("No session should be created for a disabled bot")
	}
}

func TestWebhookCreatesSessionAndRendersRoot(t *testing.T) {
	rig, h := newServerRig(t)
	if err := rig.st.SaveInstance(&models.Instance{Portal: "acme.bitrix24.es", Hash: "hash123", Enabled: true}); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	root := &anima.TreeFlow{
		Nodes: []models.Node{{
			ID:     1,
			TypeID: models.NodeTypeMenu,
			Data:   models.StringData("Elige una opción:"),
			Children: []models.Node{
				{ID: 2, TypeID: models.NodeTypeMenuOption, Title: "Facturación"},
				{ID: 3, TypeID: models.NodeTypeMenuOption, Title: "Soporte"},
			},
		}},
		Path: "https://cdn.example.com/media",
	}
	rig.tree.flows[0] = root
	rig.tree.flows[1] = root

	rec := postWebhook(t, h, webhookBody("hola"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result models.FlowResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}

	session, err := rig.st.FindSessionByUser("user-b7", "33")
	if err != nil || session == nil {
		t.Fatalf("session = %v, err = %v", session, err)
	}
	if session.UID != "uid-1" || session.PathBase != "https://cdn.example.com/media" {
		t.Errorf("session = %+v", session)
	}
	if session.DialogID != "chat33" {
		t.Errorf("dialog id = %q", session.DialogID)
	}

	sent := rig.channel.sent()
	if len(sent) != 2 || sent[0] != "Elige una opción:" || sent[1] != "1. Facturación\n2. Soporte" {
		t.Errorf("chat messages = %v", sent)
	}
	if hasMain, _ := rig.st.HasMainMenu(session.ID); !hasMain {
		t.Error("Expected the root menu to be stored as main")
	}
}

func TestWebhookProcessingFailure(t *testing.T) {
	rig, h := newServerRig(t)
	if err := rig.st.SaveInstance(&models.Instance{Portal: "acme.bitrix24.es", Hash: "hash123", Enabled: true}); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	rig.tree.identityErr = fmt.Errorf("bridge unavailable")

	rec := postWebhook(t, h, webhookBody("hola"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["error"] != "Processing failed" {
		t.Errorf("body = %v", resp)
	}
}
