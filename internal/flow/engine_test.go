package flow

import (
	"context"
	"testing"

	"github.com/animahub/bitrixbridge/internal/models"
	"github.com/animahub/bitrixbridge/internal/store"
)

// rig wires an engine to in-memory collaborators.
type rig struct {
	store    *store.InMemoryStore
	tree     *fakeTree
	channel  *fakeChannel
	operator *fakeOperator
	notifier *fakeNotifier
	engine   *Engine
}

func newRig() *rig {
	st := store.NewInMemoryStore()
	tree := newFakeTree()
	channel := &fakeChannel{inst: &models.Instance{Portal: "acme.bitrix24.es", AccessToken: "tok"}}
	operator := &fakeOperator{}
	notifier := &fakeNotifier{}
	resolver := fakeResolver{channel: channel}
	finalizer := NewFinalizer(st, notifier, resolver)
	return &rig{
		store:    st,
		tree:     tree,
		channel:  channel,
		operator: operator,
		notifier: notifier,
		engine:   NewEngine(st, tree, resolver, operator, finalizer),
	}
}

func (r *rig) newSession(t *testing.T) *models.Session {
	t.Helper()
	s := &models.Session{
		UserID:    "user-b7",
		ChatID:    "33",
		UID:       "uid-test",
		DialogID:  "chat33",
		Portal:    "acme.bitrix24.es",
		OpGroupID: "og-1",
		Status:    models.SessionStatusActive,
	}
	if err := r.store.CreateSession(s); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return s
}

func TestProcessMessageTransferredSession(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	s.TransferredToHuman = true

	out := r.engine.ProcessMessage(context.Background(), s, "hash", "hola")
	if !out.TransferToHuman {
		t.Error("Expected transfer flag for a transferred session")
	}
	if out.Reply != "" {
		t.Errorf("Expected no reply, got %q", out.Reply)
	}
	if len(r.channel.sent()) != 0 {
		t.Errorf("No messages should reach the chat, got %v", r.channel.sent())
	}
}

func TestStartFromRootRendersMainMenu(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	r.tree.addNode(models.Node{
		ID:     1,
		TypeID: models.NodeTypeMenu,
		Data:   models.StringData("Elige una opción:"),
		Children: []models.Node{
			{ID: 2, TypeID: models.NodeTypeMenuOption, Title: "Facturación"},
			{ID: 3, TypeID: models.NodeTypeMenuOption, Title: "Soporte"},
		},
	})
	r.tree.flows[0] = r.tree.flows[1]

	if err := r.engine.StartFromRoot(context.Background(), s, "hash"); err != nil {
		t.Fatalf("StartFromRoot failed: %v", err)
	}

	sent := r.channel.sent()
	if len(sent) != 2 || sent[0] != "Elige una opción:" {
		t.Fatalf("unexpected messages: %v", sent)
	}
	if sent[1] != "1. Facturación\n2. Soporte" {
		t.Errorf("menu rendering = %q", sent[1])
	}

	hasMain, _ := r.store.HasMainMenu(s.ID)
	if !hasMain {
		t.Error("Expected the first rendered menu to be stored as main")
	}
	main, _ := r.store.MainMenu(s.ID)
	if main.Options["1"] != "2" || main.Options["1. Facturación"] != "2" {
		t.Errorf("main menu options = %v", main.Options)
	}
	if id, ok := s.Current.NodeID(); !ok || id != 1 {
		t.Errorf("Expected session parked at the menu node, got %v", s.Current)
	}
}

func TestMenuSelectionWalksToDeadEnd(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	nodeID := int64(1)
	r.store.CreateMenu(&models.MenuOption{
		SessionID:  s.ID,
		UID:        s.UID,
		NodeID:     &nodeID,
		IsMainMenu: true,
		Options:    map[string]string{"1": "5", "1. Facturación": "5"},
	})
	r.tree.addNode(models.Node{
		ID:     5,
		TypeID: models.NodeTypeText,
		Data:   models.StringData("Los pagos se acreditan en 48 horas."),
	})

	out := r.engine.ProcessMessage(context.Background(), s, "hash", "1")
	if out.Reply != "" {
		t.Errorf("Menu selections answer through the channel, got reply %q", out.Reply)
	}

	sent := r.channel.sent()
	if len(sent) != 2 || sent[0] != "Los pagos se acreditan en 48 horas." || sent[1] != RestartMenuText {
		t.Fatalf("unexpected messages: %v", sent)
	}
	if s.Status != models.SessionStatusAwaitingRestart {
		t.Errorf("status = %q, want awaiting restart", s.Status)
	}
	if s.ShowRestartMenuAfter {
		t.Error("Restart menu flag must clear once the menu was sent")
	}
	if has, _ := r.store.HasRestartMenu(s.ID); !has {
		t.Error("Expected the token restart menu to be stored")
	}
}

func TestMenuSelectionEndChat(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	r.store.CreateMenu(&models.MenuOption{
		SessionID: s.ID,
		UID:       s.UID,
		Options:   map[string]string{models.EndChatToken: models.EndChatCommand},
	})

	r.engine.ProcessMessage(context.Background(), s, "hash", "*")

	if s.Status != models.SessionStatusClosed {
		t.Errorf("status = %q, want closed", s.Status)
	}
	if len(r.notifier.payloads) != 1 || r.notifier.payloads[0]["opGroupId"] != "og-1" {
		t.Errorf("Expected one finalize notification, got %v", r.notifier.payloads)
	}
	if !r.channel.contains(chatEndedByUser) {
		t.Errorf("Expected goodbye message, got %v", r.channel.sent())
	}
	if len(r.channel.finished) != 1 || r.channel.finished[0] != 33 {
		t.Errorf("Expected open line session 33 finished, got %v", r.channel.finished)
	}
	if m, _ := r.store.LatestMenu(s.ID); m != nil {
		t.Errorf("Expected menus deleted, got %+v", m)
	}
}

func TestRestartOptionEndsChat(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	s.Status = models.SessionStatusAwaitingRestart
	r.store.UpdateSession(s)

	out := r.engine.ProcessMessage(context.Background(), s, "hash", "*")
	if out.Reply != chatFinishedReply {
		t.Errorf("reply = %q, want the finished message", out.Reply)
	}
	if s.Status != models.SessionStatusClosed {
		t.Errorf("status = %q, want closed", s.Status)
	}
	// The plain restart option closes locally without the full shutdown.
	if len(r.notifier.payloads) != 0 {
		t.Errorf("Expected no finalize notification, got %v", r.notifier.payloads)
	}
}

func TestRestartOptionReturnsToMainMenu(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	s.Status = models.SessionStatusAwaitingRestart
	r.store.UpdateSession(s)

	nodeID := int64(1)
	r.store.CreateMenu(&models.MenuOption{
		SessionID:  s.ID,
		UID:        s.UID,
		NodeID:     &nodeID,
		IsMainMenu: true,
		Options:    map[string]string{"1": "2"},
	})
	r.tree.addNode(models.Node{
		ID:     1,
		TypeID: models.NodeTypeMenu,
		Data:   models.StringData("Elige una opción:"),
		Children: []models.Node{
			{ID: 2, TypeID: models.NodeTypeMenuOption, Title: "Facturación"},
		},
	})

	out := r.engine.ProcessMessage(context.Background(), s, "hash", "#")
	if out.Reply != "Elige una opción:" {
		t.Errorf("reply = %q", out.Reply)
	}
	if s.Status != models.SessionStatusActive {
		t.Errorf("status = %q, want active again", s.Status)
	}
	if !r.channel.contains("1. Facturación") {
		t.Errorf("Expected menu re-rendered, got %v", r.channel.sent())
	}
}

func TestRestartWithoutMainMenu(t *testing.T) {
	r := newRig()
	s := r.newSession(t)

	out := r.engine.ProcessMessage(context.Background(), s, "hash", models.MainMenuRestartCommand)
	if out.Reply != restartFailed {
		t.Errorf("reply = %q, want %q", out.Reply, restartFailed)
	}
}

func TestTransferNodeHandsOverToOperator(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	r.store.CreateMenu(&models.MenuOption{
		SessionID: s.ID,
		UID:       s.UID,
		Options:   map[string]string{"1": "13"},
	})
	r.tree.addNode(models.Node{
		ID:     13,
		TypeID: models.NodeTypeTransfer,
		Data:   models.StringData("label=Te derivamos con un agente."),
	})

	r.engine.ProcessMessage(context.Background(), s, "hash", "1")

	if !s.TransferredToHuman {
		t.Error("Expected session marked as transferred")
	}
	if r.operator.calls != 1 {
		t.Errorf("operator transfer calls = %d, want 1", r.operator.calls)
	}
	if len(r.notifier.payloads) != 1 {
		t.Errorf("Expected one finalize notification, got %v", r.notifier.payloads)
	}
	if !r.channel.contains("Te derivamos con un agente.") {
		t.Errorf("Expected transfer message, got %v", r.channel.sent())
	}
	if s.Status != models.SessionStatusClosed {
		t.Errorf("status = %q, want closed by the finalizer", s.Status)
	}
}

func TestExpectedInputAdvancesFlow(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	s.Current = models.PositionNode(7)
	r.store.UpdateSession(s)

	r.tree.addNode(models.Node{
		ID:       7,
		TypeID:   models.NodeTypeInput,
		Data:     models.StringData("label=Escribí tu DNI"),
		Children: []models.Node{{ID: 9}},
	})
	r.tree.structured = &models.Node{
		ID:     9,
		TypeID: models.NodeTypeText,
		Data:   models.StringData("Gracias, quedó registrado."),
	}

	out := r.engine.ProcessMessage(context.Background(), s, "hash", "30123456")
	if out.Reply != "Gracias, quedó registrado." {
		t.Errorf("reply = %q", out.Reply)
	}

	inputs := r.store.UserInputs()
	if len(inputs) != 1 || inputs[0].NodeID != 7 || inputs[0].Value != "30123456" {
		t.Errorf("captured inputs = %+v", inputs)
	}
	if id, ok := s.Current.NodeID(); !ok || id != 9 {
		t.Errorf("Expected session moved to node 9, got %v", s.Current)
	}
	if s.Status != models.SessionStatusAwaitingRestart {
		t.Errorf("status = %q, want awaiting restart after a dead-end reply", s.Status)
	}
}

func TestExpectedInputWithoutContinuation(t *testing.T) {
	r := newRig()
	s := r.newSession(t)
	s.Current = models.PositionNode(7)
	r.store.UpdateSession(s)

	r.tree.addNode(models.Node{
		ID:     7,
		TypeID: models.NodeTypeInputAlt,
		Data:   models.StringData("label=Tu consulta"),
	})
	r.tree.structured = nil

	out := r.engine.ProcessMessage(context.Background(), s, "hash", "dato suelto")
	if out.Reply != thanksReply {
		t.Errorf("reply = %q, want %q", out.Reply, thanksReply)
	}
}
