// Package flow walks remote decision trees for Open Lines conversations: it
// interprets tree nodes, routes user messages through the session state
// machine and mirrors every outcome to the chat channel and the store.
package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/animahub/bitrixbridge/internal/anima"
	"github.com/animahub/bitrixbridge/internal/models"
)

// Context carries the immutable inputs for interpreting a single node. The
// session is a value snapshot; the interpreter requests state changes through
// the outcome's effect list instead of mutating shared state.
type Context struct {
	Session models.Session
	Hash    string
	Message string
	Nodes   []models.Node
}

// AIService asks the tree service's natural-language endpoint.
type AIService interface {
	PostFreeText(ctx context.Context, hash, uid, question, threadID string) (*anima.AIAnswer, error)
}

// ThreadReader looks up stored conversation threads.
type ThreadReader interface {
	LatestAnsweredThread(sessionID int64) (*models.ConversationThread, error)
}

// Interpreter turns tree nodes into outcomes. It performs remote reads (AI
// questions, HTTP action nodes) but leaves every write to the engine.
type Interpreter struct {
	ai      AIService
	threads ThreadReader
	http    *http.Client
}

func NewInterpreter(ai AIService, threads ThreadReader) *Interpreter {
	return &Interpreter{
		ai:      ai,
		threads: threads,
		http:    &http.Client{Timeout: anima.DefaultTimeout},
	}
}

// Handle dispatches the node to its type handler. Closing effects for
// dead-end text and HTTP nodes are prepended to the handler's own effects.
func (i *Interpreter) Handle(ctx context.Context, node *models.Node, ic Context) models.NodeOutcome {
	pre := i.closeEffects(node, ic)

	var out models.NodeOutcome
	switch node.TypeID {
	case models.NodeTypeText, models.NodeTypeTextAlt:
		out = i.textNode(node, ic)
	case models.NodeTypeMenu:
		out = i.menuNode(node)
	case models.NodeTypeMenuOption:
		out = i.menuOptionNode(node, ic)
	case models.NodeTypeInput, models.NodeTypeInputAlt:
		out = i.inputNode(node, ic)
	case models.NodeTypeLink:
		out = i.linkNode(node, ic)
	case models.NodeTypeImage:
		out = i.imageNode(node, ic)
	case models.NodeTypeVideo:
		out = i.videoNode(node, ic)
	case models.NodeTypeFile:
		out = i.fileNode(node, ic)
	case models.NodeTypeAudio:
		out = i.audioNode(node, ic)
	case models.NodeTypeRedirect:
		out = i.redirectNode(node)
	case models.NodeTypeTransfer:
		out = i.transferNode(node, ic)
	case models.NodeTypeHTTP:
		out = i.httpNode(ctx, node, ic)
	case models.NodeTypeVirtualAI:
		out = i.VirtualAI(ctx, ic)
	default:
		out = unknownNode()
	}

	if len(pre) > 0 {
		out.Effects = append(pre, out.Effects...)
	}
	return out
}

// closeEffects detects dead-end text and HTTP nodes ahead of dispatch: when
// nothing follows the node, the session moves to awaiting_restart_option and
// a numeric restart menu is stored for the follow-up message.
func (i *Interpreter) closeEffects(node *models.Node, ic Context) []models.SideEffect {
	switch node.TypeID {
	case models.NodeTypeText, models.NodeTypeTextAlt, models.NodeTypeHTTP:
	default:
		return nil
	}
	if ic.Session.UID == "" || ic.Session.TransferredToHuman {
		return nil
	}
	if node.HasChildren() || node.RedirectItem.Valid() {
		return nil
	}

	slog.Info("Interpreter.closeEffects: final node reached, queueing restart options",
		"uid", ic.Session.UID, "node_id", node.ID, "type_id", int(node.TypeID))

	return []models.SideEffect{
		models.SetSessionStatus{Status: models.SessionStatusAwaitingRestart},
		models.ShowRestartMenuLater{Show: true},
		models.PersistMenu{Entries: []models.MenuEntry{
			{Text: "1", Value: models.MainMenuRestartCommand},
			{Text: "2", Value: models.EndChatCommand},
		}},
	}
}

func (i *Interpreter) textNode(node *models.Node, ic Context) models.NodeOutcome {
	if node.IsEmpty() {
		return nodeError(fmt.Sprintf("Nodo de texto vacío (id=%d)", node.ID))
	}

	text := models.ParseLabelValue(node.Data.Text())
	next := nextFromChildren(node, ic.Nodes)
	if next == nil {
		return i.withoutNextStep(text, false, node, ic)
	}

	return models.NodeOutcome{
		Reply:    text,
		Current:  models.PositionNode(node.ID),
		Next:     models.PositionNode(*next),
		Transfer: node.TransferToHuman,
	}
}

func (i *Interpreter) menuNode(node *models.Node) models.NodeOutcome {
	var entries []models.MenuEntry
	for _, child := range node.Children {
		if child.ID == 0 || strings.TrimSpace(child.Title) == "" {
			continue
		}
		entries = append(entries, models.MenuEntry{
			Text:  fmt.Sprintf("%d. %s", len(entries)+1, child.Title),
			Value: strconv.FormatInt(child.ID, 10),
		})
	}
	if len(entries) == 0 {
		return nodeError(fmt.Sprintf("El nodo menú no tiene opciones válidas (id=%d)", node.ID))
	}

	return models.NodeOutcome{
		Reply:    node.Data.Text(),
		Menu:     entries,
		Current:  models.PositionNode(node.ID),
		Transfer: node.TransferToHuman,
	}
}

func (i *Interpreter) menuOptionNode(node *models.Node, ic Context) models.NodeOutcome {
	if node.IsEmpty() {
		return nodeError(fmt.Sprintf("Nodo de texto vacío (id=%d)", node.ID))
	}

	reply := node.Data.Text()

	if id, ok := node.FirstChildID(); ok {
		return models.NodeOutcome{
			Reply:    reply,
			Current:  models.PositionNode(node.ID),
			Next:     models.PositionNode(id),
			Transfer: node.TransferToHuman,
		}
	}

	// No child: fall back to re-rendering the parent menu when there is one.
	if node.Parent != 0 {
		if parent, ok := models.FindNode(ic.Nodes, node.Parent); ok && parent.TypeID == models.NodeTypeMenu {
			var entries []models.MenuEntry
			for _, sibling := range ic.Nodes {
				if sibling.Parent == node.Parent {
					entries = append(entries, models.MenuEntry{
						Text:  sibling.Title,
						Value: strconv.FormatInt(sibling.ID, 10),
					})
				}
			}
			return models.NodeOutcome{
				Reply:    reply,
				Menu:     entries,
				Current:  models.PositionNode(node.ID),
				Transfer: node.TransferToHuman,
			}
		}
	}

	return i.withoutNextStep(reply, true, node, ic)
}

func (i *Interpreter) inputNode(node *models.Node, ic Context) models.NodeOutcome {
	label := node.Data.Label("¿Podés escribir tu respuesta?")

	var next *int64
	if node.RedirectItem.Valid() {
		id := node.RedirectItem.ID
		next = &id
	} else if id, ok := node.FirstChildID(); ok {
		next = &id
	}

	values := node.Data.Values()
	if len(values) > 0 {
		entries := make([]models.MenuEntry, 0, len(values))
		options := make(map[string]string, len(values)*3)
		for idx, v := range values {
			entries = append(entries, models.MenuEntry{Text: fmt.Sprintf("%d. %s", idx+1, v), Value: v})
			options[strconv.Itoa(idx)] = v
			options[strconv.Itoa(idx+1)] = v
			options[v] = v
		}

		slog.Info("Interpreter.inputNode: menu options captured from input node", "node_id", node.ID, "values", values)

		return models.NodeOutcome{
			Reply:        label,
			Menu:         entries,
			Current:      models.PositionNode(node.ID),
			Next:         position(next),
			ExpectsInput: true,
			Transfer:     node.TransferToHuman,
			Effects:      []models.SideEffect{models.UpsertMenuOptions{Options: options}},
		}
	}

	if next == nil {
		return models.NodeOutcome{
			Reply:        label,
			Current:      models.PositionNode(node.ID),
			ExpectsInput: true,
			EndOfPath:    true,
		}
	}

	// The prompt is only shown once; a non-empty message means the user is
	// already answering it.
	reply := ""
	if ic.Message == "" {
		reply = label
	}

	return models.NodeOutcome{
		Reply:        reply,
		Current:      models.PositionNode(node.ID),
		Next:         models.PositionNode(*next),
		ExpectsInput: true,
		Transfer:     node.TransferToHuman,
	}
}

func (i *Interpreter) linkNode(node *models.Node, ic Context) models.NodeOutcome {
	if node.IsEmpty() {
		return nodeError(fmt.Sprintf("Nodo de texto vacío (id=%d)", node.ID))
	}

	text := node.Title
	if text == "" {
		text = "Consulta este enlace"
	}
	url := node.Data.Text()
	if url == "" {
		url = "#"
	}

	next := nextFromChildren(node, ic.Nodes)
	if next == nil {
		return i.withoutNextStep(text+"\n"+url, false, node, ic)
	}

	return models.NodeOutcome{
		Reply:    text + "\n" + url,
		Current:  models.PositionNode(node.ID),
		Next:     models.PositionNode(*next),
		Transfer: node.TransferToHuman,
	}
}

func (i *Interpreter) imageNode(node *models.Node, ic Context) models.NodeOutcome {
	if node.IsEmpty() {
		return nodeError(fmt.Sprintf("Nodo de imagen vacío (id=%d)", node.ID))
	}

	url := resolveURL(node.Data.Text(), ic.Session.PathBase)
	next := nextFromChildren(node, ic.Nodes)
	if next == nil {
		title := node.Title
		if title == "" {
			title = "Imagen sin siguiente paso"
		}
		return i.withoutNextStep(title, false, node, ic)
	}

	if ic.Session.DialogID == "" {
		return models.NodeOutcome{
			Current:  models.PositionNode(node.ID),
			Next:     models.PositionNode(*next),
			Transfer: node.TransferToHuman,
		}
	}

	return models.NodeOutcome{
		Rich:     &models.RichContent{Type: models.RichImage, Src: url, Alt: node.Title},
		Current:  models.PositionNode(node.ID),
		Next:     models.PositionNode(*next),
		Transfer: node.TransferToHuman,
	}
}

func (i *Interpreter) videoNode(node *models.Node, ic Context) models.NodeOutcome {
	if node.IsEmpty() {
		return nodeError(fmt.Sprintf("Nodo de video vacío (id=%d)", node.ID))
	}

	next := nextFromChildren(node, ic.Nodes)

	return models.NodeOutcome{
		Rich:     &models.RichContent{Type: models.RichVideo, Src: node.Data.Text(), Title: node.Title},
		Current:  models.PositionNode(node.ID),
		Next:     position(next),
		Transfer: node.TransferToHuman,
	}
}

func (i *Interpreter) audioNode(node *models.Node, ic Context) models.NodeOutcome {
	if node.IsEmpty() {
		return nodeError(fmt.Sprintf("Nodo de audio vacío (id=%d)", node.ID))
	}

	title := node.Title
	if title == "" {
		title = "Audio"
	}
	url := resolveURL(node.Data.Text(), ic.Session.PathBase)

	next := nextFromChildren(node, ic.Nodes)
	if next == nil {
		return i.withoutNextStep(title, false, node, ic)
	}

	out := models.NodeOutcome{
		Reply:    title,
		Current:  models.PositionNode(node.ID),
		Next:     models.PositionNode(*next),
		Transfer: node.TransferToHuman,
	}
	if url != "" {
		out.Rich = &models.RichContent{Type: models.RichAudio, Src: url}
	}
	return out
}

func (i *Interpreter) fileNode(node *models.Node, ic Context) models.NodeOutcome {
	if node.IsEmpty() {
		return nodeError(fmt.Sprintf("Nodo de archivo vacío (id=%d)", node.ID))
	}

	title := node.Title
	if title == "" {
		title = "Archivo"
	}
	url := resolveURL(node.Data.Text(), ic.Session.PathBase)

	next := nextFromChildren(node, ic.Nodes)
	if next == nil {
		return i.withoutNextStep(title, false, node, ic)
	}

	return models.NodeOutcome{
		Reply:    title + ":\n" + url,
		Rich:     &models.RichContent{Type: models.RichFile, Src: url, Title: title},
		Current:  models.PositionNode(node.ID),
		Next:     models.PositionNode(*next),
		Transfer: node.TransferToHuman,
	}
}

func (i *Interpreter) redirectNode(node *models.Node) models.NodeOutcome {
	if node.IsEmpty() {
		return nodeError(fmt.Sprintf("Nodo de redirección vacío (id=%d)", node.ID))
	}
	if !node.RedirectItem.Valid() {
		return nodeError(fmt.Sprintf("Nodo de redirección sin destino definido (id=%d)", node.ID))
	}

	return models.NodeOutcome{
		Reply:   node.Data.Text(),
		Current: models.PositionNode(node.ID),
		Next:    models.PositionNode(node.RedirectItem.ID),
	}
}

func (i *Interpreter) transferNode(node *models.Node, ic Context) models.NodeOutcome {
	if node.IsEmpty() {
		return nodeError(fmt.Sprintf("Nodo de transferencia vacío (id=%d)", node.ID))
	}
	if ic.Session.UID == "" {
		return nodeError("UID no disponible en el contexto para transferencia a humano.")
	}

	text := models.ParseLabelValue(node.Data.Text())
	if text == "" {
		text = "En un momento un agente humano te responderá."
	}

	return models.NodeOutcome{
		Reply:     text,
		Current:   models.PositionNode(node.ID),
		Transfer:  true,
		EndOfPath: true,
		Effects: []models.SideEffect{
			models.MarkTransferred{},
			models.PurgeSecondaryMenus{},
			models.NotifyFinalize{},
			models.OperatorTransfer{},
		},
	}
}

func (i *Interpreter) httpNode(ctx context.Context, node *models.Node, ic Context) models.NodeOutcome {
	action, ok := node.Data.HTTPAction()
	if !ok {
		return unknownNode()
	}

	reply, err := i.executeAction(ctx, action)
	if err != nil {
		slog.Error("Interpreter.httpNode: action request failed", "error", err, "node_id", node.ID, "url", action.URL)
		return models.NodeOutcome{
			Reply:     "Ocurrió un error al procesar la solicitud.",
			Current:   models.PositionNode(node.ID),
			Transfer:  node.TransferToHuman,
			EndOfPath: true,
		}
	}

	next, hasNext := node.FirstChildID()
	if !hasNext {
		return i.withoutNextStep(reply, false, node, ic)
	}

	return models.NodeOutcome{
		Reply:    reply,
		Current:  models.PositionNode(node.ID),
		Next:     models.PositionNode(next),
		Transfer: node.TransferToHuman,
	}
}

// executeAction performs the HTTP request an action node describes and
// returns the reply text resolved through the node's api_response_key.
func (i *Interpreter) executeAction(ctx context.Context, action models.HTTPAction) (string, error) {
	method := strings.ToUpper(action.Method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return "", fmt.Errorf("unsupported method %q", action.Method)
	}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, action.URL, nil)
		if err != nil {
			return "", fmt.Errorf("failed to build action request: %w", err)
		}
		if len(action.Body) > 0 {
			q := req.URL.Query()
			for k, v := range action.Body {
				q.Set(k, fmt.Sprint(v))
			}
			req.URL.RawQuery = q.Encode()
		}
	} else {
		payload, merr := json.Marshal(action.Body)
		if merr != nil {
			return "", fmt.Errorf("failed to encode action body: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, method, action.URL, bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("failed to build action request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range action.Headers {
		req.Header.Set(k, v)
	}

	resp, err := i.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("action request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read action response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("action endpoint returned status %d", resp.StatusCode)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode action response: %w", err)
	}
	if v, ok := decoded[action.APIResponseKey]; ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}
	encoded, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// VirtualAI answers a free-text question through the tree service's
// natural-language endpoint, carrying forward the thread correlation id of
// the latest answered question.
func (i *Interpreter) VirtualAI(ctx context.Context, ic Context) models.NodeOutcome {
	uid, hash, message := ic.Session.UID, ic.Hash, ic.Message
	if uid == "" || hash == "" || message == "" {
		return models.NodeOutcome{Reply: "No se pudo procesar tu pregunta. Faltan datos.", EndOfPath: true}
	}

	prev, err := i.threads.LatestAnsweredThread(ic.Session.ID)
	if err != nil {
		slog.Error("Interpreter.VirtualAI: thread lookup failed", "error", err, "uid", uid)
	}
	threadID := ""
	if prev != nil {
		threadID = prev.ThreadID
	}

	answer, err := i.ai.PostFreeText(ctx, hash, uid, message, threadID)
	if err != nil {
		slog.Warn("Interpreter.VirtualAI: natural language call failed", "error", err, "uid", uid)
	}

	var effects []models.SideEffect
	if answer != nil && answer.ThreadID != "" {
		if prev != nil && prev.ThreadID != answer.ThreadID {
			effects = append(effects, models.SetThreadRef{ThreadRowID: prev.ID, ThreadID: answer.ThreadID})
		} else if prev == nil {
			effects = append(effects, models.CreateThread{
				NodeID:      models.VirtualNodeID,
				UserMessage: message,
				AIResponse:  answer.Message,
				ThreadID:    answer.ThreadID,
				IsAnswered:  true,
			})
			slog.Info("Interpreter.VirtualAI: new conversation thread opened", "uid", uid, "thread_id", answer.ThreadID)
		}
	}

	if answer == nil || answer.Message == "" {
		slog.Warn("Interpreter.VirtualAI: empty or invalid answer", "uid", uid, "message", message)

		const apology = "Lo siento, no pude entender tu pregunta."
		effects = append(effects,
			models.SendText{Text: apology + "\n\n" + RestartMenuText},
			models.PersistMenu{Entries: restartMenuEntries()},
			models.MarkThreadAnswered{UserMessage: message, AIResponse: apology},
		)
		return models.NodeOutcome{
			Current:   models.PositionVirtualAI(),
			Terminal:  true,
			EndOfPath: true,
			Effects:   effects,
		}
	}

	effects = append(effects,
		models.UpsertThread{
			NodeID:      models.VirtualNodeID,
			UserMessage: message,
			AIResponse:  answer.Message,
			ThreadID:    answer.ThreadID,
			IsAnswered:  true,
		},
		models.SetSessionStatus{Status: models.SessionStatusAwaitingRestart},
		models.ShowRestartMenuLater{Show: true},
	)

	return models.NodeOutcome{
		Reply:   answer.Message,
		Current: models.PositionVirtualAI(),
		Effects: effects,
	}
}

// withoutNextStep settles a node with no continuation. Media nodes still
// deliver their content with a type-specific caption.
func (i *Interpreter) withoutNextStep(reply string, expectsInput bool, node *models.Node, ic Context) models.NodeOutcome {
	out := models.NodeOutcome{
		Reply:        reply,
		Current:      models.PositionNode(node.ID),
		ExpectsInput: expectsInput,
		Transfer:     node.TransferToHuman,
		EndOfPath:    true,
	}

	path := node.Data.Text()
	if path != "" && node.TypeID.IsMediaType() {
		url := resolveURL(path, ic.Session.PathBase)
		title := node.Title
		if title == "" {
			title = "Contenido"
		}
		switch node.TypeID {
		case models.NodeTypeImage:
			out.Rich = &models.RichContent{Type: models.RichImage, Src: url, Alt: title}
			out.Reply = "🖼️ Mira esta imagen:"
		case models.NodeTypeVideo:
			out.Rich = &models.RichContent{Type: models.RichVideo, Src: url, Title: title}
			out.Reply = "▶️ Mira este video:"
		case models.NodeTypeFile:
			out.Rich = &models.RichContent{Type: models.RichFile, Src: url, Title: title}
			out.Reply = fmt.Sprintf("📎 %s: %s", title, url)
		case models.NodeTypeAudio:
			out.Rich = &models.RichContent{Type: models.RichAudio, Src: url}
			out.Reply = "🎧 Escucha este audio:"
		}
	}

	slog.Debug("Interpreter.withoutNextStep: node has no continuation", "node_id", node.ID, "type_id", int(node.TypeID))
	return out
}

func unknownNode() models.NodeOutcome {
	return models.NodeOutcome{Reply: "Este tipo de nodo aún no está soportado.", EndOfPath: true}
}

func nodeError(message string) models.NodeOutcome {
	return models.NodeOutcome{Reply: "Error: " + message}
}

// expectsInput reports whether the node type requires a user answer before
// the flow can continue.
func expectsInput(node *models.Node) bool {
	switch node.TypeID {
	case models.NodeTypeInput, models.NodeTypeInputAlt, models.NodeTypeLink, models.NodeTypeNatural:
		return true
	}
	return false
}

// nextFromChildren resolves the follow-up node: the first child, or a child
// found in the full tree when the partial fetch came without children.
func nextFromChildren(node *models.Node, all []models.Node) *int64 {
	if id, ok := node.FirstChildID(); ok {
		return &id
	}
	if id, ok := models.FindChildOf(all, node.ID); ok {
		return &id
	}
	return nil
}

func position(id *int64) models.Position {
	if id == nil {
		return models.PositionNone()
	}
	return models.PositionNode(*id)
}

// resolveURL turns node media paths into absolute URLs against the session's
// base path. Absolute URLs pass through untouched.
func resolveURL(path, base string) string {
	if strings.HasPrefix(path, "http") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
