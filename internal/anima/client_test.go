package anima

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/animahub/bitrixbridge/internal/models"
)

type fakeThreads struct {
	pending *models.ConversationThread
}

func (f *fakeThreads) LatestUnansweredThreadByUID(uid string) (*models.ConversationThread, error) {
	return f.pending, nil
}

func TestRequestNewIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/connect/stats/new-user/hash123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("channel"); got != "Web" {
			t.Errorf("channel header = %q", got)
		}
		w.Write([]byte(`{"uid": "uid-777"}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	uid, err := c.RequestNewIdentity(context.Background(), "hash123")
	if err != nil {
		t.Fatalf("RequestNewIdentity failed: %v", err)
	}
	if uid != "uid-777" {
		t.Errorf("uid = %q, want uid-777", uid)
	}
}

func TestRequestNewIdentityEmptyUID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	if _, err := c.RequestNewIdentity(context.Background(), "h"); err != models.ErrIdentityUnavailable {
		t.Errorf("Expected ErrIdentityUnavailable, got %v", err)
	}
}

func TestFetchFlowRefusesVirtualNode(t *testing.T) {
	c := NewClient(WithBaseURL("http://unused"))
	if _, err := c.FetchFlow(context.Background(), models.VirtualNodeID, "h", "u"); err == nil {
		t.Error("Expected error fetching the virtual AI node")
	}
}

func TestFetchFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/connect/3/hash123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("uid"); got != "uid-1" {
			t.Errorf("uid header = %q", got)
		}
		w.Write([]byte(`{"nodes": [{"id": 3, "type_id": 1}], "path": "https://cdn.example.com/media"}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	flow, err := c.FetchFlow(context.Background(), 3, "hash123", "uid-1")
	if err != nil {
		t.Fatalf("FetchFlow failed: %v", err)
	}
	if len(flow.Nodes) != 1 || flow.Nodes[0].ID != 3 {
		t.Errorf("unexpected nodes: %+v", flow.Nodes)
	}
	if flow.Path != "https://cdn.example.com/media" {
		t.Errorf("path = %q", flow.Path)
	}
}

func TestFetchFlowServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	if _, err := c.FetchFlow(context.Background(), 3, "h", "u"); err == nil {
		t.Error("Expected error on 500 response")
	}
}

func TestPostFreeTextBackfillsThreadHeader(t *testing.T) {
	var gotThread string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ia/natural-language/hash123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("origen"); got != "bitrix" {
			t.Errorf("origen header = %q", got)
		}
		gotThread = r.Header.Get("Thread-Id")
		w.Write([]byte(`{"message": "La respuesta", "thread_id": "th-9"}`))
	}))
	defer srv.Close()

	threads := &fakeThreads{pending: &models.ConversationThread{ThreadID: "th-prev"}}
	c := NewClient(WithBaseURL(srv.URL), WithThreadSource(threads))

	answer, err := c.PostFreeText(context.Background(), "hash123", "uid-1", "¿Qué hora es?", "")
	if err != nil {
		t.Fatalf("PostFreeText failed: %v", err)
	}
	if gotThread != "th-prev" {
		t.Errorf("Thread-Id header = %q, want th-prev", gotThread)
	}
	if answer.Message != "La respuesta" || answer.ThreadID != "th-9" {
		t.Errorf("unexpected answer: %+v", answer)
	}

	// An explicit thread id wins over the pending lookup.
	if _, err := c.PostFreeText(context.Background(), "hash123", "uid-1", "otra", "th-explicit"); err != nil {
		t.Fatalf("PostFreeText failed: %v", err)
	}
	if gotThread != "th-explicit" {
		t.Errorf("Thread-Id header = %q, want th-explicit", gotThread)
	}
}

func TestPostStructuredAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/form/8/hash123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"next_item": {"id": 12, "type_id": 1}}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	next, err := c.PostStructuredAnswer(context.Background(), "hash123", "uid-1", 8, "30123456")
	if err != nil {
		t.Fatalf("PostStructuredAnswer failed: %v", err)
	}
	if next == nil || next.ID != 12 {
		t.Errorf("next = %+v, want id 12", next)
	}
}

func TestPostStructuredAnswerNoContinuation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"next_item": null}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	next, err := c.PostStructuredAnswer(context.Background(), "h", "u", 8, "x")
	if err != nil {
		t.Fatalf("PostStructuredAnswer failed: %v", err)
	}
	if next != nil {
		t.Errorf("Expected nil continuation, got %+v", next)
	}
}
