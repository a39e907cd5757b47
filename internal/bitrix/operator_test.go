package bitrix

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/animahub/bitrixbridge/internal/models"
	"github.com/animahub/bitrixbridge/internal/store"
)

// restRecorder captures the REST methods called on a portal and answers each
// from a canned body map.
type restRecorder struct {
	mu        sync.Mutex
	methods   []string
	responses map[string]string
}

func (rec *restRecorder) roundTrip(r *http.Request) (*http.Response, error) {
	method := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/rest/"), ".json")
	rec.mu.Lock()
	rec.methods = append(rec.methods, method)
	rec.mu.Unlock()

	if body, ok := rec.responses[method]; ok {
		return jsonResponse(200, body), nil
	}
	return jsonResponse(200, `{"result": true}`), nil
}

func (rec *restRecorder) called(method string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, m := range rec.methods {
		if m == method {
			return true
		}
	}
	return false
}

func TestTransferNowIfNeeded(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveInstance(&models.Instance{
		Portal:      "acme.bitrix24.es",
		AccessToken: "tok",
		BotID:       41,
	})

	rec := &restRecorder{responses: map[string]string{
		"imopenlines.config.get": `{"result": {"ID": "2", "WELCOME_BOT_ID": "41"}}`,
	}}
	g := testGateway(t, st, rec.roundTrip)
	op := NewOperator(g)

	session := &models.Session{UID: "uid-test", ChatID: "33", Portal: "acme.bitrix24.es"}
	op.TransferNowIfNeeded(context.Background(), session)

	for _, method := range []string{
		"imopenlines.config.get",
		"imopenlines.bot.session.transfer",
		"imopenlines.operator.startSession",
		"imbot.message.add",
	} {
		if !rec.called(method) {
			t.Errorf("Expected %s to be called, got %v", method, rec.methods)
		}
	}
}

func TestTransferNowIfNeededWithoutBot(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveInstance(&models.Instance{Portal: "acme.bitrix24.es", AccessToken: "tok"})

	rec := &restRecorder{}
	g := testGateway(t, st, rec.roundTrip)
	op := NewOperator(g)

	session := &models.Session{UID: "uid-test", ChatID: "33", Portal: "acme.bitrix24.es"}
	op.TransferNowIfNeeded(context.Background(), session)

	if len(rec.methods) != 0 {
		t.Errorf("No REST calls expected without a bot, got %v", rec.methods)
	}
}

func TestTransferToQueueRejected(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveInstance(&models.Instance{Portal: "acme.bitrix24.es", AccessToken: "tok"})

	rec := &restRecorder{responses: map[string]string{
		"imopenlines.bot.session.transfer": `{"error": "ACCESS_DENIED", "error_description": "bot is not in the chat"}`,
	}}
	g := testGateway(t, st, rec.roundTrip)
	op := NewOperator(g)

	client, err := g.ForPortal("acme.bitrix24.es")
	if err != nil {
		t.Fatalf("ForPortal failed: %v", err)
	}
	if err := op.TransferToQueue(context.Background(), client, "chat33", 2); err == nil {
		t.Error("Expected error for rejected transfer")
	}
	if rec.called("imopenlines.operator.startSession") {
		t.Error("Rejected transfer must not start an operator session")
	}
}
