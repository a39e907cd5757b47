package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/animahub/bitrixbridge/internal/anima"
	"github.com/animahub/bitrixbridge/internal/models"
	"github.com/animahub/bitrixbridge/internal/store"
)

// RestartMenuText lists the restart options shown when a path reaches its end.
const RestartMenuText = "#. 🔄 Volver al menú principal\n*. ❌ Finalizar chat"

const (
	endOfFlowNotice   = "🟡 Hemos llegado al final del recorrido."
	chatEndedByUser   = "✅ El chat ha finalizado. ¡Gracias por tu consulta!"
	chatFinishedReply = "✅ El chat ha sido finalizado. ¡Gracias por comunicarte con nosotros!"
	thanksReply       = "Gracias por tu respuesta."
	stillProcessing   = "Tu pregunta anterior sigue siendo procesada. Por favor, espera o reformúlala."
	fallbackApology   = `Perdón, no entendí tu mensaje. ¿Podés intentar otra vez o escribir "ayuda"?`
	restartFailed     = "No se encontró el menú principal para reiniciar."
	nextStepMissing   = "No se encontró el siguiente paso."
	currentNodeLost   = "No se pudo recuperar el nodo actual para procesar tu mensaje."
)

// TreeClient reads the decision tree and posts answers back to it.
type TreeClient interface {
	FetchFlow(ctx context.Context, nodeID int64, hash, uid string) (*anima.TreeFlow, error)
	FetchTree(ctx context.Context, hash, uid string) (*anima.TreeFlow, error)
	PostFreeText(ctx context.Context, hash, uid, question, threadID string) (*anima.AIAnswer, error)
	PostStructuredAnswer(ctx context.Context, hash, uid string, nodeID int64, value string) (*models.Node, error)
	RequestNewIdentity(ctx context.Context, hash string) (string, error)
}

// OperatorService routes a transferred session to a human queue.
type OperatorService interface {
	TransferNowIfNeeded(ctx context.Context, session *models.Session)
}

// Engine is the conversational state machine. One ProcessMessage call walks
// the message through a fixed chain of handlers until one claims it.
type Engine struct {
	store     store.Store
	tree      TreeClient
	channels  ChannelResolver
	operator  OperatorService
	finalizer *Finalizer
	interp    *Interpreter
	locks     *sessionLocks
}

func NewEngine(st store.Store, tree TreeClient, channels ChannelResolver, operator OperatorService, finalizer *Finalizer) *Engine {
	return &Engine{
		store:     st,
		tree:      tree,
		channels:  channels,
		operator:  operator,
		finalizer: finalizer,
		interp:    NewInterpreter(tree, st),
		locks:     newSessionLocks(),
	}
}

// ProcessMessage handles one inbound user message for the session. Messages
// for the same user and chat are serialized so two deliveries cannot race on
// session state.
func (e *Engine) ProcessMessage(ctx context.Context, session *models.Session, hash, message string) *models.FlowResult {
	release := e.locks.Acquire(session.UserID + "|" + session.ChatID)
	defer release()

	r := &run{
		e:        e,
		session:  session,
		hash:     hash,
		dialogID: session.DialogID,
		channel:  e.resolveChannel(session.Portal),
	}
	if menu, err := e.store.FirstMenuByUID(session.UID); err != nil {
		slog.Error("Engine.ProcessMessage: menu lookup failed", "error", err, "uid", session.UID)
	} else if menu != nil {
		r.menu = menu.Options
	}

	res := r.process(ctx, message)

	out := &models.FlowResult{
		Reply:           res.reply,
		RichContent:     res.rich,
		TransferToHuman: res.transfer,
	}
	slog.Info("Engine.ProcessMessage: message processed",
		"uid", session.UID, "status", session.Status, "transfer", out.TransferToHuman)
	return out
}

// StartFromRoot kicks off the flow at the tree root for a fresh session.
func (e *Engine) StartFromRoot(ctx context.Context, session *models.Session, hash string) error {
	if session.TransferredToHuman {
		slog.Info("Engine.StartFromRoot: session transferred, flow not started", "uid", session.UID)
		return nil
	}

	r := &run{e: e, session: session, hash: hash, dialogID: session.DialogID, channel: e.resolveChannel(session.Portal)}
	flow, err := e.tree.FetchFlow(ctx, 0, hash, session.UID)
	if err != nil {
		return fmt.Errorf("failed to fetch root flow: %w", err)
	}
	if len(flow.Nodes) == 0 {
		return fmt.Errorf("root node not found")
	}

	r.chainFrom(ctx, flow.Nodes[0].ID)
	return nil
}

// resolveChannel binds the session's portal to its chat surface. A resolution
// failure downgrades the run to store-only processing; sends are dropped.
func (e *Engine) resolveChannel(portal string) PortalChannel {
	channel, err := e.channels.ForPortal(portal)
	if err != nil {
		slog.Error("Engine.resolveChannel: portal channel unavailable", "error", err, "portal", portal)
		return nil
	}
	return channel
}

// run is the per-message state: the engine, the session under its lock and
// the menu snapshot taken before routing.
type run struct {
	e        *Engine
	session  *models.Session
	hash     string
	dialogID string
	channel  PortalChannel
	menu     map[string]string
}

// result mirrors the shape handlers produce. empty marks an intentionally
// blank response, which some callers treat as "handler did not run".
type result struct {
	reply    string
	rich     *models.RichContent
	transfer bool
	empty    bool
}

// process routes the message through the handler chain. Order matters: each
// handler inspects session state and either claims the message or passes.
func (r *run) process(ctx context.Context, message string) result {
	if r.session.TransferredToHuman {
		slog.Info("run.process: session transferred, message ignored", "uid", r.session.UID)
		return result{transfer: true}
	}

	if message == models.MainMenuRestartCommand {
		return r.restartFromMainMenu(ctx)
	}

	if _, matched := r.menuSelection(ctx, message); matched {
		return result{}
	}

	if res, matched := r.restartOptions(ctx, message); matched {
		return res
	}

	if res, matched := r.openQuestionDuringRestart(ctx, message); matched {
		return res
	}

	if res, matched := r.openQuestionWithoutMenu(ctx, message); matched {
		return res
	}

	if res, matched := r.openQuestionWithMenu(ctx, message); matched {
		return res
	}

	if res, matched := r.menuMessage(ctx, message); matched {
		return res
	}

	if res, matched := r.virtualAIInProgress(ctx, message); matched {
		return res
	}

	if res, matched := r.expectedInputResponse(ctx, message); matched {
		return res
	}

	if res, matched := r.restartMenuDisplay(); matched {
		return res
	}

	if res, matched := r.fallbackNodeChain(ctx); matched {
		return res
	}

	if r.session.Status == models.SessionStatusAwaitingRestart {
		return r.awaitingRestartFallback()
	}

	if r.session.Current.IsVirtualAI() && !r.restartToken(message) {
		return r.reprocessVirtualAI(ctx, message)
	}

	if !r.session.Current.IsNone() {
		return r.openQuestionWithNode(ctx, message)
	}

	slog.Warn("run.process: no handler claimed the message", "uid", r.session.UID, "message", message)
	return result{reply: fallbackApology, transfer: true}
}

// restartToken reports whether the message is a restart menu token while the
// session waits for one.
func (r *run) restartToken(message string) bool {
	if r.session.Status != models.SessionStatusAwaitingRestart {
		return false
	}
	t := strings.TrimSpace(message)
	return t == models.RestartToken || t == models.EndChatToken
}

// menuSelection resolves the message against the most recent stored menu.
func (r *run) menuSelection(ctx context.Context, message string) (result, bool) {
	menu, err := r.e.store.LatestMenu(r.session.ID)
	if err != nil {
		slog.Error("run.menuSelection: latest menu lookup failed", "error", err, "session_id", r.session.ID)
		return result{}, false
	}
	if menu == nil {
		return result{}, false
	}
	selected, ok := menu.Options[message]
	if !ok {
		return result{}, false
	}

	if strings.EqualFold(strings.TrimSpace(selected), models.EndChatCommand) {
		if err := r.e.store.DeleteMenus(r.session.ID); err != nil {
			slog.Error("run.menuSelection: menu cleanup failed", "error", err, "session_id", r.session.ID)
		}
		r.e.finalizer.Finalize(ctx, r.session)
		r.send(ctx, chatEndedByUser)
		slog.Info("run.menuSelection: chat ended by user choice", "uid", r.session.UID)
		return result{}, true
	}

	slog.Info("run.menuSelection: option selected", "text", message, "value", selected)

	id, perr := strconv.ParseInt(selected, 10, 64)
	var fetchID int64
	if perr == nil {
		fetchID = id
	}

	// Keep menus around while the next node still collects input.
	keepMenus := false
	if flow, err := r.e.tree.FetchFlow(ctx, fetchID, r.hash, r.session.UID); err == nil && len(flow.Nodes) > 0 {
		keepMenus = flow.Nodes[0].TypeID == models.NodeTypeInputAlt
	}
	if !keepMenus {
		if err := r.e.store.DeleteSecondaryMenus(r.session.ID); err != nil {
			slog.Error("run.menuSelection: secondary menu cleanup failed", "error", err, "session_id", r.session.ID)
		}
	}

	// Option values that are not node ids are canned answers (Sí, No). They
	// re-enter the router as if the user had typed them.
	if perr != nil {
		res := r.process(ctx, selected)
		if res.empty {
			return result{}, false
		}
		return result{}, true
	}

	r.chainFrom(ctx, id)
	return result{}, true
}

func (r *run) restartOptions(ctx context.Context, message string) (result, bool) {
	if r.session.Status != models.SessionStatusAwaitingRestart {
		return result{}, false
	}
	switch strings.TrimSpace(message) {
	case models.RestartToken:
		return r.process(ctx, models.MainMenuRestartCommand), true
	case models.EndChatToken:
		r.session.Status = models.SessionStatusClosed
		r.updateSession()
		return result{reply: chatFinishedReply}, true
	}
	return result{}, false
}

// openQuestionDuringRestart treats any non-token message in the restart
// state as a free question for the AI.
func (r *run) openQuestionDuringRestart(ctx context.Context, message string) (result, bool) {
	if r.session.Status != models.SessionStatusAwaitingRestart {
		return result{}, false
	}

	switch strings.TrimSpace(message) {
	case models.RestartToken:
		return r.menuSelection(ctx, models.MainMenuRestartCommand)
	case models.EndChatToken:
		return r.menuSelection(ctx, models.EndChatCommand)
	}

	r.setPosition(models.PositionVirtualAI(), nil)
	return r.processVirtual(ctx, message), true
}

func (r *run) openQuestionWithoutMenu(ctx context.Context, message string) (result, bool) {
	if len(r.menu) > 0 {
		return result{}, false
	}
	if r.session.Current.IsNone() {
		return result{}, false
	}
	if r.currentNodeCollectsInput(ctx) {
		return result{}, false
	}

	if r.duplicateQuestion(message) {
		slog.Info("run.openQuestionWithoutMenu: duplicate pending question", "uid", r.session.UID, "message", message)
		return result{reply: stillProcessing}, true
	}

	r.createUnansweredThread(models.VirtualNodeID, message)
	r.setPosition(models.PositionVirtualAI(), nil)

	slog.Info("run.openQuestionWithoutMenu: free question routed to AI", "uid", r.session.UID, "message", message)
	return r.processVirtual(ctx, message), true
}

func (r *run) openQuestionWithMenu(ctx context.Context, message string) (result, bool) {
	if len(r.menu) == 0 {
		return result{}, false
	}
	if _, ok := r.menu[message]; ok {
		return result{}, false
	}
	if r.currentNodeCollectsInput(ctx) {
		return result{}, false
	}

	if r.duplicateQuestion(message) {
		return result{reply: stillProcessing}, true
	}

	r.createUnansweredThread(models.VirtualNodeID, message)
	r.setPosition(models.PositionVirtualAI(), nil)

	slog.Info("run.openQuestionWithMenu: free question routed to AI", "uid", r.session.UID, "message", message)
	return r.processVirtual(ctx, message), true
}

// currentNodeCollectsInput checks whether the current node is an input type,
// in which case the message is an answer rather than an open question.
func (r *run) currentNodeCollectsInput(ctx context.Context) bool {
	id, ok := r.session.Current.NodeID()
	if !ok {
		return false
	}
	flow, err := r.e.tree.FetchFlow(ctx, id, r.hash, r.session.UID)
	if err != nil || len(flow.Nodes) == 0 {
		return false
	}
	return flow.Nodes[0].TypeID.IsInputType()
}

// duplicateQuestion reports whether an unanswered thread already covers the
// message. Matching is case-insensitive and either side may contain the
// other, so rephrasings of a pending question do not pile up.
func (r *run) duplicateQuestion(message string) bool {
	threads, err := r.e.store.ThreadsBySession(r.session.ID)
	if err != nil {
		slog.Error("run.duplicateQuestion: thread lookup failed", "error", err, "session_id", r.session.ID)
		return false
	}

	msg := strings.ToLower(strings.TrimSpace(message))
	for _, t := range threads {
		if t.IsAnswered {
			continue
		}
		stored := strings.ToLower(strings.TrimSpace(t.UserMessage))
		if stored == "" {
			continue
		}
		if stored == msg || strings.Contains(msg, stored) || strings.Contains(stored, msg) {
			return true
		}
	}
	return false
}

func (r *run) createUnansweredThread(nodeID int64, message string) {
	t := &models.ConversationThread{
		SessionID:   r.session.ID,
		UID:         r.session.UID,
		NodeID:      nodeID,
		UserMessage: message,
	}
	if err := r.e.store.CreateThread(t); err != nil {
		slog.Error("run.createUnansweredThread: thread insert failed", "error", err, "uid", r.session.UID)
	}
}

// menuMessage handles a message that matches the menu snapshot taken at the
// start of processing, even after newer menus replaced it.
func (r *run) menuMessage(ctx context.Context, message string) (result, bool) {
	if len(r.menu) == 0 {
		return result{}, false
	}
	selected, ok := r.menu[message]
	if !ok {
		return result{}, false
	}

	// A bare number maps back to the full option text for logging parity.
	if _, err := strconv.Atoi(message); err == nil {
		for key, val := range r.menu {
			if _, nerr := strconv.Atoi(key); nerr != nil && val == selected {
				slog.Info("run.menuMessage: numeric input replaced by option text", "input", message, "text", key)
				message = key
				break
			}
		}
	}

	if err := r.e.store.DeleteSecondaryMenus(r.session.ID); err != nil {
		slog.Error("run.menuMessage: secondary menu cleanup failed", "error", err, "session_id", r.session.ID)
	}

	id, err := strconv.ParseInt(selected, 10, 64)
	if err != nil {
		return result{}, false
	}

	flow, err := r.e.tree.FetchFlow(ctx, id, r.hash, r.session.UID)
	if err != nil || len(flow.Nodes) == 0 {
		return result{}, false
	}

	return r.nodeChain(ctx, &flow.Nodes[0]), true
}

func (r *run) virtualAIInProgress(ctx context.Context, message string) (result, bool) {
	if !r.session.Current.IsVirtualAI() || r.restartToken(message) {
		return result{}, false
	}
	return r.processVirtual(ctx, message), true
}

// expectedInputResponse consumes the message as the answer of an input node
// and advances to whatever the structured-answer endpoint returns.
func (r *run) expectedInputResponse(ctx context.Context, message string) (result, bool) {
	id, ok := r.session.Current.NodeID()
	if !ok {
		return result{}, false
	}

	flow, err := r.e.tree.FetchFlow(ctx, id, r.hash, r.session.UID)
	if err != nil || len(flow.Nodes) == 0 {
		return result{}, false
	}
	node := &flow.Nodes[0]
	if !node.TypeID.IsInputType() {
		return result{}, false
	}

	if err := r.e.store.CreateUserInput(&models.UserInput{UID: r.session.UID, NodeID: node.ID, Value: message}); err != nil {
		slog.Error("run.expectedInputResponse: input insert failed", "error", err, "uid", r.session.UID)
	}
	slog.Info("run.expectedInputResponse: input captured", "uid", r.session.UID, "value", message)

	if err := r.e.store.DeleteSecondaryMenus(r.session.ID); err != nil {
		slog.Error("run.expectedInputResponse: secondary menu cleanup failed", "error", err, "session_id", r.session.ID)
	}

	next, err := r.e.tree.PostStructuredAnswer(ctx, r.hash, r.session.UID, node.ID, message)
	if err != nil {
		slog.Warn("run.expectedInputResponse: structured answer failed", "error", err, "node_id", node.ID)
	}
	if next == nil {
		return result{reply: thanksReply}, true
	}

	firstChild, hasChild := next.FirstChildID()

	// The endpoint may answer with the same input node. Jump to its child
	// when there is one; otherwise hold position and wait for more input.
	if next.ID == node.ID && expectsInput(next) {
		if hasChild {
			r.setPosition(models.PositionNode(firstChild), nil)
			if err := r.e.store.DeleteSecondaryMenus(r.session.ID); err != nil {
				slog.Error("run.expectedInputResponse: secondary menu cleanup failed", "error", err, "session_id", r.session.ID)
			}
			return r.chainFrom(ctx, firstChild), true
		}
		r.setPosition(models.PositionNode(next.ID), nil)
		return result{}, true
	}

	var nextPtr *int64
	if hasChild {
		nextPtr = &firstChild
	}
	r.setPosition(models.PositionNode(next.ID), nextPtr)

	out := r.e.interp.Handle(ctx, next, Context{
		Session: *r.session,
		Hash:    r.hash,
		Message: message,
		Nodes:   []models.Node{*node, *next},
	})
	r.applyEffects(ctx, out.Effects)
	return r.resultFromOutcome(out), true
}

func (r *run) restartMenuDisplay() (result, bool) {
	if r.session.Status != models.SessionStatusAwaitingRestart {
		return result{}, false
	}
	r.createRestartMenu()
	return result{reply: RestartMenuText}, true
}

// fallbackNodeChain resumes the stored flow position when no specialized
// handler applied.
func (r *run) fallbackNodeChain(ctx context.Context) (result, bool) {
	var fetchID int64
	switch {
	case r.session.NextNodeID != nil:
		fetchID = *r.session.NextNodeID
	default:
		if id, ok := r.session.Current.NodeID(); ok {
			fetchID = id
		} else if r.session.Current.IsVirtualAI() {
			fetchID = models.VirtualNodeID
		}
	}

	flow, err := r.e.tree.FetchFlow(ctx, fetchID, r.hash, r.session.UID)

	if derr := r.e.store.DeleteSecondaryMenus(r.session.ID); derr != nil {
		slog.Error("run.fallbackNodeChain: secondary menu cleanup failed", "error", derr, "session_id", r.session.ID)
	}

	if err != nil || len(flow.Nodes) == 0 {
		return result{}, false
	}
	return r.nodeChain(ctx, &flow.Nodes[0]), true
}

func (r *run) awaitingRestartFallback() result {
	exists, err := r.e.store.HasRestartMenu(r.session.ID)
	if err != nil {
		slog.Error("run.awaitingRestartFallback: restart menu lookup failed", "error", err, "session_id", r.session.ID)
	}
	if !exists {
		r.createRestartMenu()
	}
	return result{reply: RestartMenuText}
}

// reprocessVirtualAI re-asks the AI without touching session state. Used
// when the session is already parked on the virtual node.
func (r *run) reprocessVirtualAI(ctx context.Context, message string) result {
	out := r.e.interp.VirtualAI(ctx, Context{Session: *r.session, Hash: r.hash, Message: message})
	r.applyEffects(ctx, out.Effects)
	return r.resultFromOutcome(out)
}

func (r *run) openQuestionWithNode(ctx context.Context, message string) result {
	id, _ := r.session.Current.NodeID()
	flow, err := r.e.tree.FetchFlow(ctx, id, r.hash, r.session.UID)
	if err != nil || len(flow.Nodes) == 0 {
		return result{reply: currentNodeLost, transfer: true}
	}

	r.createUnansweredThread(flow.Nodes[0].ID, message)
	return r.processVirtual(ctx, message)
}

func (r *run) restartFromMainMenu(ctx context.Context) result {
	menu, err := r.e.store.MainMenu(r.session.ID)
	if err != nil {
		slog.Error("run.restartFromMainMenu: main menu lookup failed", "error", err, "session_id", r.session.ID)
	}
	if menu == nil || menu.NodeID == nil {
		return result{reply: restartFailed}
	}

	slog.Info("run.restartFromMainMenu: restarting from main menu", "uid", r.session.UID, "node_id", *menu.NodeID)

	if err := r.e.store.DeleteSecondaryMenus(r.session.ID); err != nil {
		slog.Error("run.restartFromMainMenu: secondary menu cleanup failed", "error", err, "session_id", r.session.ID)
	}

	r.session.Status = models.SessionStatusActive
	r.session.ShowRestartMenuAfter = true
	r.updateSession()

	return r.chainFrom(ctx, *menu.NodeID)
}

// processVirtual runs the AI node and delivers its outcome to the chat,
// including the deferred restart menu when the session asks for it.
func (r *run) processVirtual(ctx context.Context, message string) result {
	out := r.e.interp.VirtualAI(ctx, Context{Session: *r.session, Hash: r.hash, Message: message})
	r.applyEffects(ctx, out.Effects)

	if out.Reply != "" && !strings.HasPrefix(out.Reply, "http") {
		r.send(ctx, out.Reply)
	}
	r.renderRich(ctx, &out, nil)

	r.setPosition(models.PositionVirtualAI(), out.Next.StorageID())
	r.maybeSendRestartMenu(ctx)

	return r.resultFromOutcome(out)
}

// nodeChain interprets the node and follows its continuation links until a
// node expects input, opens a menu or the path ends. A finished path flips
// the session into the restart state.
func (r *run) nodeChain(ctx context.Context, node *models.Node) result {
	all := r.allNodes(ctx)

	last := r.e.interp.Handle(ctx, node, Context{Session: *r.session, Hash: r.hash, Nodes: all})
	r.applyEffects(ctx, last.Effects)

	if last.Reply != "" && !strings.HasPrefix(last.Reply, "http") {
		r.send(ctx, last.Reply)
	} else if r.session.Status == models.SessionStatusAwaitingRestart && r.session.ShowRestartMenuAfter {
		r.send(ctx, endOfFlowNotice)
	}
	r.renderRich(ctx, &last, node)
	r.setPosition(models.PositionNode(node.ID), last.Next.StorageID())

	for !last.Next.IsNone() && !last.ExpectsInput {
		nextID, _ := last.Next.NodeID()
		flow, err := r.e.tree.FetchFlow(ctx, nextID, r.hash, r.session.UID)
		if err != nil || len(flow.Nodes) == 0 {
			break
		}
		nextNode := &flow.Nodes[0]

		last = r.e.interp.Handle(ctx, nextNode, Context{Session: *r.session, Hash: r.hash, Nodes: r.allNodes(ctx)})
		r.applyEffects(ctx, last.Effects)

		if last.Reply != "" && !strings.HasPrefix(last.Reply, "http") {
			r.send(ctx, last.Reply)
		}
		// Menus opened mid-chain stay attached to the entry node.
		r.renderRich(ctx, &last, node)
		r.setPosition(models.PositionNode(nextNode.ID), last.Next.StorageID())
	}

	if r.session.TransferredToHuman {
		slog.Info("run.nodeChain: session transferred, restart state untouched", "uid", r.session.UID)
		return r.resultFromOutcome(last)
	}

	hasMenu := len(last.Menu) > 0
	if last.EndOfPath ||
		(last.Next.IsNone() && !last.ExpectsInput && !hasMenu && restartAfter(node.TypeID)) {
		r.session.Status = models.SessionStatusAwaitingRestart
		r.session.ShowRestartMenuAfter = true
		r.updateSession()
		slog.Info("run.nodeChain: path finished, queueing restart menu",
			"uid", r.session.UID, "node_id", node.ID, "type_id", int(node.TypeID))
	}

	r.maybeSendRestartMenu(ctx)
	return r.resultFromOutcome(last)
}

// restartAfter reports whether finishing a chain that started at this node
// type should offer the restart menu.
func restartAfter(t models.NodeType) bool {
	switch t {
	case models.NodeTypeImage, models.NodeTypeVideo, models.NodeTypeAudio,
		models.NodeTypeFile, models.NodeTypeRedirect, models.NodeTypeHTTP,
		models.NodeTypeVirtualAI:
		return true
	}
	return false
}

func (r *run) chainFrom(ctx context.Context, nodeID int64) result {
	flow, err := r.e.tree.FetchFlow(ctx, nodeID, r.hash, r.session.UID)
	if err != nil || len(flow.Nodes) == 0 {
		slog.Warn("run.chainFrom: node not found", "node_id", nodeID, "error", err)
		return result{reply: nextStepMissing, transfer: true}
	}
	return r.nodeChain(ctx, &flow.Nodes[0])
}

// renderRich delivers the outcome's media and menu to the chat. menuNode is
// the node the stored menu is attributed to; nil leaves the menu unattached.
func (r *run) renderRich(ctx context.Context, out *models.NodeOutcome, menuNode *models.Node) {
	if out.Rich != nil {
		switch out.Rich.Type {
		case models.RichImage:
			if r.channel == nil {
				break
			}
			if err := r.channel.SendImage(ctx, r.dialogID, out.Rich.Src, out.Rich.Alt); err != nil {
				slog.Error("run.renderRich: image send failed", "error", err, "src", out.Rich.Src)
			}
		case models.RichVideo:
			title := out.Rich.Title
			if title == "" {
				title = "Video"
			}
			r.send(ctx, "▶️ "+title+"\n"+out.Rich.Src)
		case models.RichAudio:
			if r.channel == nil {
				break
			}
			if err := r.channel.SendAudio(ctx, r.dialogID, out.Rich.Src); err != nil {
				slog.Error("run.renderRich: audio send failed", "error", err, "src", out.Rich.Src)
			}
		case models.RichFile:
			// The file link already travels in the reply text.
		}
	}

	if len(out.Menu) == 0 {
		return
	}

	texts := make([]string, 0, len(out.Menu))
	options := make(map[string]string, len(out.Menu)*2)
	for i, entry := range out.Menu {
		texts = append(texts, entry.Text)
		options[entry.Text] = entry.Value
		options[strconv.Itoa(i+1)] = entry.Value
	}
	r.send(ctx, strings.Join(texts, "\n"))

	var nodeID *int64
	if menuNode != nil {
		id := menuNode.ID
		nodeID = &id
	}
	r.storeMenuIfNeeded(options, nodeID)
}

// storeMenuIfNeeded persists the option map once. The first menu carrying a
// node id becomes the main menu; duplicates of stored menus are skipped.
func (r *run) storeMenuIfNeeded(options map[string]string, nodeID *int64) {
	if len(options) == 0 {
		return
	}

	hasMain, err := r.e.store.HasMainMenu(r.session.ID)
	if err != nil {
		slog.Error("run.storeMenuIfNeeded: main menu lookup failed", "error", err, "session_id", r.session.ID)
		return
	}
	isMain := !hasMain && nodeID != nil

	if hasMain && nodeID != nil {
		exists, err := r.e.store.SecondaryMenuExists(r.session.ID, nodeID)
		if err != nil {
			slog.Error("run.storeMenuIfNeeded: secondary menu lookup failed", "error", err, "session_id", r.session.ID)
			return
		}
		if exists {
			slog.Info("run.storeMenuIfNeeded: menu already stored for node", "node_id", *nodeID)
			return
		}
	}

	if !isMain {
		exists, err := r.e.store.SecondaryMenuExistsWithOptions(r.session.ID, options)
		if err != nil {
			slog.Error("run.storeMenuIfNeeded: option lookup failed", "error", err, "session_id", r.session.ID)
			return
		}
		if exists {
			slog.Info("run.storeMenuIfNeeded: identical secondary menu already stored", "session_id", r.session.ID)
			return
		}
	}

	menu := &models.MenuOption{
		SessionID:  r.session.ID,
		UID:        r.session.UID,
		NodeID:     nodeID,
		IsMainMenu: isMain,
		Options:    options,
	}
	if err := r.e.store.CreateMenu(menu); err != nil {
		slog.Error("run.storeMenuIfNeeded: menu insert failed", "error", err, "session_id", r.session.ID)
		return
	}
	slog.Info("run.storeMenuIfNeeded: menu stored", "session_id", r.session.ID, "main", isMain)
}

// maybeSendRestartMenu sends the deferred restart menu once, then clears
// the flag so follow-up nodes do not repeat it.
func (r *run) maybeSendRestartMenu(ctx context.Context) {
	if r.session.Status != models.SessionStatusAwaitingRestart || !r.session.ShowRestartMenuAfter {
		return
	}

	r.send(ctx, RestartMenuText)
	r.createRestartMenu()

	r.session.ShowRestartMenuAfter = false
	r.updateSession()

	slog.Info("run.maybeSendRestartMenu: restart menu sent", "uid", r.session.UID)
}

func (r *run) createRestartMenu() {
	menu := &models.MenuOption{
		SessionID: r.session.ID,
		UID:       r.session.UID,
		Options: map[string]string{
			models.RestartToken: models.MainMenuRestartCommand,
			models.EndChatToken: models.EndChatCommand,
		},
	}
	if err := r.e.store.CreateMenu(menu); err != nil {
		slog.Error("run.createRestartMenu: menu insert failed", "error", err, "session_id", r.session.ID)
	}
}

func restartMenuEntries() []models.MenuEntry {
	return []models.MenuEntry{
		{Text: models.RestartToken, Value: models.MainMenuRestartCommand},
		{Text: models.EndChatToken, Value: models.EndChatCommand},
	}
}

// applyEffects executes the interpreter's requested state changes in order.
func (r *run) applyEffects(ctx context.Context, effects []models.SideEffect) {
	for _, effect := range effects {
		switch ef := effect.(type) {
		case models.SetSessionStatus:
			r.session.Status = ef.Status
			r.updateSession()
		case models.ShowRestartMenuLater:
			r.session.ShowRestartMenuAfter = ef.Show
			r.updateSession()
		case models.PersistMenu:
			options := make(map[string]string, len(ef.Entries))
			for _, entry := range ef.Entries {
				options[entry.Text] = entry.Value
			}
			menu := &models.MenuOption{
				SessionID:  r.session.ID,
				UID:        r.session.UID,
				NodeID:     ef.NodeID,
				IsMainMenu: ef.IsMainMenu,
				Options:    options,
			}
			if err := r.e.store.CreateMenu(menu); err != nil {
				slog.Error("run.applyEffects: menu insert failed", "error", err, "session_id", r.session.ID)
			}
		case models.UpsertMenuOptions:
			r.upsertMenuOptions(ef.Options)
		case models.PurgeSecondaryMenus:
			if err := r.e.store.DeleteSecondaryMenus(r.session.ID); err != nil {
				slog.Error("run.applyEffects: secondary menu cleanup failed", "error", err, "session_id", r.session.ID)
			}
		case models.MarkTransferred:
			r.session.TransferredToHuman = true
			r.updateSession()
		case models.NotifyFinalize:
			r.e.finalizer.Finalize(ctx, r.session)
		case models.OperatorTransfer:
			r.e.operator.TransferNowIfNeeded(ctx, r.session)
		case models.SendText:
			r.send(ctx, ef.Text)
		case models.CreateThread:
			t := &models.ConversationThread{
				SessionID:   r.session.ID,
				UID:         r.session.UID,
				NodeID:      ef.NodeID,
				UserMessage: ef.UserMessage,
				AIResponse:  ef.AIResponse,
				ThreadID:    ef.ThreadID,
				IsAnswered:  ef.IsAnswered,
			}
			if err := r.e.store.CreateThread(t); err != nil {
				slog.Error("run.applyEffects: thread insert failed", "error", err, "uid", r.session.UID)
			}
		case models.UpsertThread:
			r.upsertThread(ef)
		case models.SetThreadRef:
			r.setThreadRef(ef)
		case models.MarkThreadAnswered:
			r.markThreadAnswered(ef)
		}
	}
}

// upsertMenuOptions merges captured input options into the first stored menu
// for the identity, creating it when none exists yet.
func (r *run) upsertMenuOptions(options map[string]string) {
	menu, err := r.e.store.FirstMenuByUID(r.session.UID)
	if err != nil {
		slog.Error("run.upsertMenuOptions: menu lookup failed", "error", err, "uid", r.session.UID)
		return
	}
	if menu == nil {
		menu = &models.MenuOption{
			SessionID: r.session.ID,
			UID:       r.session.UID,
			Options:   options,
		}
		if err := r.e.store.CreateMenu(menu); err != nil {
			slog.Error("run.upsertMenuOptions: menu insert failed", "error", err, "uid", r.session.UID)
		}
		return
	}

	if menu.Options == nil {
		menu.Options = make(map[string]string, len(options))
	}
	for k, v := range options {
		menu.Options[k] = v
	}
	if err := r.e.store.UpdateMenu(menu); err != nil {
		slog.Error("run.upsertMenuOptions: menu update failed", "error", err, "uid", r.session.UID)
	}
}

// upsertThread closes the newest unanswered thread matching the question, or
// records a fresh answered one when no open thread matches.
func (r *run) upsertThread(ef models.UpsertThread) {
	threads, err := r.e.store.ThreadsBySession(r.session.ID)
	if err != nil {
		slog.Error("run.upsertThread: thread lookup failed", "error", err, "session_id", r.session.ID)
		return
	}

	msg := strings.ToLower(strings.TrimSpace(ef.UserMessage))
	for idx := len(threads) - 1; idx >= 0; idx-- {
		t := threads[idx]
		if t.IsAnswered {
			continue
		}
		stored := strings.ToLower(strings.TrimSpace(t.UserMessage))
		if stored != msg && !strings.Contains(msg, stored) && !strings.Contains(stored, msg) {
			continue
		}

		t.AIResponse = ef.AIResponse
		t.ThreadID = ef.ThreadID
		t.IsAnswered = ef.IsAnswered
		if err := r.e.store.UpdateThread(&t); err != nil {
			slog.Error("run.upsertThread: thread update failed", "error", err, "thread_row", t.ID)
		}
		return
	}

	t := &models.ConversationThread{
		SessionID:   r.session.ID,
		UID:         r.session.UID,
		NodeID:      ef.NodeID,
		UserMessage: ef.UserMessage,
		AIResponse:  ef.AIResponse,
		ThreadID:    ef.ThreadID,
		IsAnswered:  ef.IsAnswered,
	}
	if err := r.e.store.CreateThread(t); err != nil {
		slog.Error("run.upsertThread: thread insert failed", "error", err, "uid", r.session.UID)
	}
}

func (r *run) setThreadRef(ef models.SetThreadRef) {
	threads, err := r.e.store.ThreadsBySession(r.session.ID)
	if err != nil {
		slog.Error("run.setThreadRef: thread lookup failed", "error", err, "session_id", r.session.ID)
		return
	}
	for _, t := range threads {
		if t.ID != ef.ThreadRowID {
			continue
		}
		t.ThreadID = ef.ThreadID
		if err := r.e.store.UpdateThread(&t); err != nil {
			slog.Error("run.setThreadRef: thread update failed", "error", err, "thread_row", t.ID)
		}
		return
	}
}

// markThreadAnswered settles the newest unanswered thread whose question is
// exactly the failed message, recording the apology as its answer.
func (r *run) markThreadAnswered(ef models.MarkThreadAnswered) {
	threads, err := r.e.store.ThreadsBySession(r.session.ID)
	if err != nil {
		slog.Error("run.markThreadAnswered: thread lookup failed", "error", err, "session_id", r.session.ID)
		return
	}
	for idx := len(threads) - 1; idx >= 0; idx-- {
		t := threads[idx]
		if t.IsAnswered || t.UserMessage != ef.UserMessage {
			continue
		}
		t.AIResponse = ef.AIResponse
		t.ThreadID = ""
		t.IsAnswered = true
		if err := r.e.store.UpdateThread(&t); err != nil {
			slog.Error("run.markThreadAnswered: thread update failed", "error", err, "thread_row", t.ID)
		}
		return
	}
}

func (r *run) resultFromOutcome(out models.NodeOutcome) result {
	rich := out.Rich
	if rich == nil && len(out.Menu) > 0 {
		rich = &models.RichContent{Type: models.RichList, Entries: out.Menu}
	}
	return result{
		reply:    out.Reply,
		rich:     rich,
		transfer: out.Transfer,
		empty:    out.Terminal,
	}
}

func (r *run) allNodes(ctx context.Context) []models.Node {
	tree, err := r.e.tree.FetchTree(ctx, r.hash, r.session.UID)
	if err != nil {
		slog.Warn("run.allNodes: full tree fetch failed", "error", err, "uid", r.session.UID)
		return nil
	}
	return tree.Nodes
}

func (r *run) send(ctx context.Context, message string) {
	if r.channel == nil {
		return
	}
	if err := r.channel.SendText(ctx, r.dialogID, message); err != nil {
		slog.Error("run.send: message send failed", "error", err, "dialog_id", r.dialogID)
	}
}

func (r *run) setPosition(pos models.Position, next *int64) {
	r.session.Current = pos
	r.session.NextNodeID = next
	r.updateSession()
}

func (r *run) updateSession() {
	if err := r.e.store.UpdateSession(r.session); err != nil {
		slog.Error("run.updateSession: session update failed", "error", err, "session_id", r.session.ID)
	}
}
