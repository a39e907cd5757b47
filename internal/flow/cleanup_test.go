package flow

import (
	"context"
	"testing"
	"time"

	"github.com/animahub/bitrixbridge/internal/models"
	"github.com/animahub/bitrixbridge/internal/store"
)

func TestCloseStaleSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	notifier := &fakeNotifier{}
	channel := &fakeChannel{}
	janitor := NewJanitor(st, NewFinalizer(st, notifier, fakeResolver{channel: channel}))

	active := &models.Session{UserID: "u1", ChatID: "1", UID: "a", Status: models.SessionStatusActive, OpGroupID: "og-1"}
	st.CreateSession(active)
	closed := &models.Session{UserID: "u2", ChatID: "2", UID: "b", Status: models.SessionStatusClosed}
	st.CreateSession(closed)

	// Nothing is stale while the sessions are fresh.
	if n := janitor.CloseStaleSessions(context.Background()); n != 0 {
		t.Errorf("closed %d sessions, want 0", n)
	}

	// A day later the active session has aged out.
	orig := nowFunc
	nowFunc = func() time.Time { return time.Now().Add(2 * models.SessionMaxAge) }
	defer func() { nowFunc = orig }()

	if n := janitor.CloseStaleSessions(context.Background()); n != 1 {
		t.Errorf("closed %d sessions, want 1", n)
	}
	stored, _ := st.GetSession(active.ID)
	if stored.Status != models.SessionStatusClosed {
		t.Errorf("status = %q, want closed", stored.Status)
	}
	if len(notifier.payloads) != 1 {
		t.Errorf("Expected one finalize notification, got %v", notifier.payloads)
	}

	// The sweep is idempotent once everything is closed.
	if n := janitor.CloseStaleSessions(context.Background()); n != 0 {
		t.Errorf("closed %d sessions on the second sweep, want 0", n)
	}
}

func TestSessionLocksSerializeSameKey(t *testing.T) {
	locks := newSessionLocks()

	release := locks.Acquire("user|chat")
	acquired := make(chan struct{})
	go func() {
		r := locks.Acquire("user|chat")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("Second acquire must block until the first release")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Second acquire never proceeded after release")
	}

	// Independent keys do not contend.
	r1 := locks.Acquire("a")
	r2 := locks.Acquire("b")
	r1()
	r2()
}
