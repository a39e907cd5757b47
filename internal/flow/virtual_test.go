package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/animahub/bitrixbridge/internal/anima"
	"github.com/animahub/bitrixbridge/internal/models"
)

func TestOpenQuestionRoutedToAI(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	s.Current = models.PositionNode(3)
	r.store.UpdateSession(s)
	r.tree.addNode(models.Node{ID: 3, TypeID: models.NodeTypeText, Data: models.StringData("Info")})
	r.tree.answer = &anima.AIAnswer{Message: "La oficina abre a las 9.", ThreadID: "th-1"}

	out := r.engine.ProcessMessage(context.Background(), s, "hash", "¿A qué hora abre la oficina?")
	if out.Reply != "La oficina abre a las 9." {
		t.Errorf("reply = %q", out.Reply)
	}
	if !s.Current.IsVirtualAI() {
		t.Errorf("Expected session parked on the AI turn, got %v", s.Current)
	}
	if s.Status != models.SessionStatusAwaitingRestart {
		t.Errorf("status = %q, want awaiting restart", s.Status)
	}

	sent := r.channel.sent()
	if len(sent) < 2 || sent[0] != "La oficina abre a las 9." || sent[len(sent)-1] != RestartMenuText {
		t.Errorf("unexpected messages: %v", sent)
	}

	if pending, _ := r.store.LatestUnansweredThreadByUID(s.UID); pending != nil {
		t.Errorf("Expected the question thread settled, got %+v", pending)
	}
	answered, _ := r.store.LatestAnsweredThread(s.ID)
	if answered == nil || answered.AIResponse != "La oficina abre a las 9." || answered.ThreadID != "th-1" {
		t.Errorf("answered thread = %+v", answered)
	}
}

func TestDuplicateQuestionSuppressed(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	s.Current = models.PositionNode(3)
	r.store.UpdateSession(s)
	r.tree.addNode(models.Node{ID: 3, TypeID: models.NodeTypeText, Data: models.StringData("Info")})
	r.store.CreateThread(&models.ConversationThread{
		SessionID:   s.ID,
		UID:         s.UID,
		NodeID:      models.VirtualNodeID,
		UserMessage: "cómo pago la factura",
	})

	out := r.engine.ProcessMessage(context.Background(), s, "hash", "La Factura")
	if out.Reply != stillProcessing {
		t.Errorf("reply = %q, want %q", out.Reply, stillProcessing)
	}
	if r.tree.freeTextCalls != 0 {
		t.Errorf("AI must not be asked again, got %d calls", r.tree.freeTextCalls)
	}
}

func TestVirtualAIFailureApologizes(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	s.Current = models.PositionVirtualAI()
	r.store.UpdateSession(s)
	r.tree.answerErr = errors.New("service down")

	out := r.engine.ProcessMessage(context.Background(), s, "hash", "algo raro")
	if out.Reply != "" {
		t.Errorf("Expected no direct reply, got %q", out.Reply)
	}

	const apology = "Lo siento, no pude entender tu pregunta."
	if !r.channel.contains(apology + "\n\n" + RestartMenuText) {
		t.Errorf("Expected apology with restart options, got %v", r.channel.sent())
	}
	if has, _ := r.store.HasRestartMenu(s.ID); !has {
		t.Error("Expected the token restart menu stored")
	}

	answered, _ := r.store.LatestAnsweredThread(s.ID)
	if answered == nil || answered.AIResponse != apology || answered.ThreadID != "" {
		t.Errorf("Expected the question settled with the apology, got %+v", answered)
	}
}

func TestVirtualAICarriesThreadForward(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	s.Current = models.PositionVirtualAI()
	r.store.UpdateSession(s)

	r.store.CreateThread(&models.ConversationThread{
		SessionID:   s.ID,
		UID:         s.UID,
		NodeID:      models.VirtualNodeID,
		UserMessage: "primera pregunta",
		AIResponse:  "primera respuesta",
		ThreadID:    "th-old",
		IsAnswered:  true,
	})
	r.tree.answer = &anima.AIAnswer{Message: "Segunda respuesta.", ThreadID: "th-new"}

	r.engine.ProcessMessage(context.Background(), s, "hash", "segunda pregunta")

	// The stored thread's correlation id follows the service's rotation.
	threads, _ := r.store.ThreadsBySession(s.ID)
	var sawRotated bool
	for _, th := range threads {
		if th.UserMessage == "primera pregunta" && th.ThreadID == "th-new" {
			sawRotated = true
		}
	}
	if !sawRotated {
		t.Errorf("Expected the previous thread rotated to th-new, got %+v", threads)
	}
}

func TestVirtualAISkipsThreadsWithoutCorrelation(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	s.Current = models.PositionVirtualAI()
	r.store.UpdateSession(s)

	r.store.CreateThread(&models.ConversationThread{
		SessionID:   s.ID,
		UID:         s.UID,
		NodeID:      models.VirtualNodeID,
		UserMessage: "primera pregunta",
		AIResponse:  "primera respuesta",
		ThreadID:    "th-old",
		IsAnswered:  true,
	})
	// A failed exchange settles with an apology and no correlation id.
	r.store.CreateThread(&models.ConversationThread{
		SessionID:   s.ID,
		UID:         s.UID,
		NodeID:      models.VirtualNodeID,
		UserMessage: "pregunta fallida",
		AIResponse:  "Lo siento, no pude entender tu pregunta.",
		IsAnswered:  true,
	})
	r.tree.answer = &anima.AIAnswer{Message: "Tercera respuesta.", ThreadID: "th-new"}

	r.engine.ProcessMessage(context.Background(), s, "hash", "tercera pregunta")

	threads, _ := r.store.ThreadsBySession(s.ID)
	var rotatedOld, apologyUntouched bool
	for _, th := range threads {
		switch th.UserMessage {
		case "primera pregunta":
			rotatedOld = th.ThreadID == "th-new"
		case "pregunta fallida":
			apologyUntouched = th.ThreadID == ""
		}
	}
	if !rotatedOld {
		t.Errorf("Expected the correlated thread rotated to th-new, got %+v", threads)
	}
	if !apologyUntouched {
		t.Errorf("Expected the apology thread left without a correlation id, got %+v", threads)
	}
}

func TestOpenQuestionWithMenuMismatch(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	r.store.CreateMenu(&models.MenuOption{
		SessionID: s.ID,
		UID:       s.UID,
		Options:   map[string]string{"1": "5"},
	})
	r.tree.answer = &anima.AIAnswer{Message: "Respuesta libre.", ThreadID: "th-2"}

	out := r.engine.ProcessMessage(context.Background(), s, "hash", "una pregunta que no es opción")
	if out.Reply != "Respuesta libre." {
		t.Errorf("reply = %q", out.Reply)
	}
	if r.tree.freeTextCalls != 1 {
		t.Errorf("AI calls = %d, want 1", r.tree.freeTextCalls)
	}
}

func TestOpenQuestionDuringRestartGoesToAI(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	s.Status = models.SessionStatusAwaitingRestart
	r.store.UpdateSession(s)
	r.tree.answer = &anima.AIAnswer{Message: "Claro, te cuento.", ThreadID: "th-3"}

	out := r.engine.ProcessMessage(context.Background(), s, "hash", "tengo otra duda")
	if out.Reply != "Claro, te cuento." {
		t.Errorf("reply = %q", out.Reply)
	}
	if !s.Current.IsVirtualAI() {
		t.Errorf("Expected session parked on the AI turn, got %v", s.Current)
	}
}
