package bitrix

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/animahub/bitrixbridge/internal/models"
	"github.com/animahub/bitrixbridge/internal/store"
)

// roundTripFunc lets a test intercept every outbound request, including the
// fixed oauth endpoint used by token refresh.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testGateway(t *testing.T, st InstanceStore, rt roundTripFunc) *Gateway {
	t.Helper()
	return NewGateway(WithInstanceStore(st), WithHTTPClient(&http.Client{Transport: rt}))
}

func TestForPortalUnknown(t *testing.T) {
	g := testGateway(t, store.NewInMemoryStore(), func(r *http.Request) (*http.Response, error) {
		t.Errorf("unexpected request to %s", r.URL)
		return nil, fmt.Errorf("no requests expected")
	})
	if _, err := g.ForPortal("ghost.bitrix24.es"); err == nil {
		t.Error("Expected error for unregistered portal")
	}
}

func TestCallRefreshesTokenOn401(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveInstance(&models.Instance{
		Portal:       "acme.bitrix24.es",
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ClientID:     "cid",
		ClientSecret: "secret",
	})

	var portalCalls int
	g := testGateway(t, st, func(r *http.Request) (*http.Response, error) {
		if r.URL.Host == "oauth.bitrix.info" {
			r.ParseForm()
			if got := r.PostForm.Get("refresh_token"); got != "refresh-1" {
				t.Errorf("refresh_token = %q", got)
			}
			return jsonResponse(200, `{"access_token": "fresh", "refresh_token": "refresh-2", "expires_in": 3600}`), nil
		}
		portalCalls++
		r.ParseForm()
		if portalCalls == 1 {
			return jsonResponse(http.StatusUnauthorized, `{"error": "expired_token"}`), nil
		}
		if got := r.PostForm.Get("auth"); got != "fresh" {
			t.Errorf("retry used auth %q, want fresh", got)
		}
		return jsonResponse(200, `{"result": true}`), nil
	})

	client, err := g.ForPortal("acme.bitrix24.es")
	if err != nil {
		t.Fatalf("ForPortal failed: %v", err)
	}
	resp, err := client.Call(context.Background(), "imbot.message.add", map[string]string{"MESSAGE": "hola"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !resp.OK() {
		t.Errorf("Expected OK response, got %+v", resp)
	}
	if portalCalls != 2 {
		t.Errorf("Expected exactly one retry, portal was called %d times", portalCalls)
	}

	inst, _ := st.GetInstance("acme.bitrix24.es")
	if inst.AccessToken != "fresh" || inst.RefreshToken != "refresh-2" {
		t.Errorf("Expected rotated tokens persisted, got %+v", inst)
	}
}

func TestCallRefreshFailureWithoutRefreshToken(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveInstance(&models.Instance{Portal: "acme.bitrix24.es", AccessToken: "stale"})

	g := testGateway(t, st, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, `{"error": "expired_token"}`), nil
	})
	client, _ := g.ForPortal("acme.bitrix24.es")
	if _, err := client.Call(context.Background(), "imbot.message.add", nil); err == nil {
		t.Error("Expected error when no refresh token is stored")
	}
}

func TestSendTextSanitizesMarkup(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveInstance(&models.Instance{Portal: "acme.bitrix24.es", AccessToken: "tok"})

	var gotMessage string
	g := testGateway(t, st, func(r *http.Request) (*http.Response, error) {
		r.ParseForm()
		gotMessage = r.PostForm.Get("MESSAGE")
		return jsonResponse(200, `{"result": 1}`), nil
	})
	client, _ := g.ForPortal("acme.bitrix24.es")

	if err := client.SendText(context.Background(), "chat33", "<p>Hola <strong>mundo</strong></p>"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if gotMessage != "Hola *mundo*" {
		t.Errorf("MESSAGE = %q, want %q", gotMessage, "Hola *mundo*")
	}
}

func TestConfigIDForBot(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveInstance(&models.Instance{Portal: "acme.bitrix24.es", AccessToken: "tok"})

	g := testGateway(t, st, func(r *http.Request) (*http.Response, error) {
		r.ParseForm()
		switch r.PostForm.Get("CONFIG_ID") {
		case "1":
			return jsonResponse(200, `{"result": {"ID": "1", "WELCOME_BOT_ID": "99"}}`), nil
		case "2":
			return jsonResponse(200, `{"result": {"ID": "2", "WELCOME_BOT_ID": "41"}}`), nil
		default:
			return jsonResponse(200, `{}`), nil
		}
	})
	client, _ := g.ForPortal("acme.bitrix24.es")

	id, err := client.ConfigIDForBot(context.Background(), 41)
	if err != nil {
		t.Fatalf("ConfigIDForBot failed: %v", err)
	}
	if id != 2 {
		t.Errorf("config id = %d, want 2", id)
	}

	if _, err := client.ConfigIDForBot(context.Background(), 7); err == nil {
		t.Error("Expected error when no config matches the bot")
	}
}

func TestSanitizeHTML(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"<strong>Hola</strong>", "*Hola*"},
		{"<b>negrita</b> y <em>cursiva</em>", "*negrita* y _cursiva_"},
		{"línea uno<br>línea dos", "línea uno\nlínea dos"},
		{"<p>uno</p><p>dos</p>", "uno\ndos"},
		{"sin etiquetas", "sin etiquetas"},
		{"&iquest;Qu&eacute; tal?", "¿Qué tal?"},
		{`<a href="https://x">enlace</a>`, "enlace"},
	}
	for _, tc := range cases {
		if got := SanitizeHTML(tc.in); got != tc.want {
			t.Errorf("SanitizeHTML(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
