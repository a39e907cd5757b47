package models

// RichContent describes non-text payloads attached to a reply: a single media
// item or, for menus, the rendered option list.
type RichContent struct {
	Type    string      `json:"type"`
	Src     string      `json:"src,omitempty"`
	Title   string      `json:"title,omitempty"`
	Alt     string      `json:"alt,omitempty"`
	Entries []MenuEntry `json:"entries,omitempty"`
}

// Rich content types.
const (
	RichImage = "image"
	RichVideo = "video"
	RichFile  = "file"
	RichAudio = "audio"
	RichList  = "list"
)

// MenuEntry is one selectable option rendered to the user. Text is the line
// shown in the chat, Value the token the selection resolves to (a node id or
// a reserved command).
type MenuEntry struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

// NodeOutcome is the interpreter's verdict for a single node. The interpreter
// never writes session or menu state itself; everything it wants changed is
// listed in Effects and applied by the engine.
type NodeOutcome struct {
	Reply        string
	Rich         *RichContent
	Menu         []MenuEntry
	Current      Position
	Next         Position
	ExpectsInput bool
	Transfer     bool
	// EndOfPath marks a node with no continuation at all. The engine reacts
	// by offering the restart menu once the chain settles.
	EndOfPath bool
	// Terminal marks an intentionally empty outcome: the interpreter already
	// delivered everything user-visible through Effects.
	Terminal bool
	Effects  []SideEffect
}

// SideEffect is a state change requested by the interpreter. Implementations
// are plain data; the engine translates them into store and channel calls.
type SideEffect interface {
	isSideEffect()
}

// SetSessionStatus moves the session to the given status.
type SetSessionStatus struct {
	Status SessionStatus
}

// ShowRestartMenuLater flips the flag that makes the engine append the
// restart menu after the current node's output.
type ShowRestartMenuLater struct {
	Show bool
}

// PersistMenu stores a menu row for the session as-is, without the
// duplicate checks the engine applies to organically rendered menus.
type PersistMenu struct {
	NodeID     *int64
	IsMainMenu bool
	Entries    []MenuEntry
}

// UpsertMenuOptions replaces the option map of the user's first stored menu,
// creating the row when none exists yet.
type UpsertMenuOptions struct {
	Options map[string]string
}

// PurgeSecondaryMenus deletes every non-main menu of the session.
type PurgeSecondaryMenus struct{}

// MarkTransferred flags the session as handed over to a human.
type MarkTransferred struct{}

// NotifyFinalize runs the finalize-and-notify procedure on the session.
type NotifyFinalize struct{}

// OperatorTransfer moves the dialog into the portal's operator queue.
type OperatorTransfer struct{}

// SendText delivers a message to the dialog immediately, ahead of the
// outcome's own reply.
type SendText struct {
	Text string
}

// CreateThread records a new conversation thread row.
type CreateThread struct {
	NodeID      int64
	UserMessage string
	AIResponse  string
	ThreadID    string
	IsAnswered  bool
}

// UpsertThread updates the latest thread whose stored question matches
// UserMessage (case-insensitive, substring-tolerant) or creates a new row.
type UpsertThread struct {
	NodeID      int64
	UserMessage string
	AIResponse  string
	ThreadID    string
	IsAnswered  bool
}

// SetThreadRef rewrites the remote thread correlation id of a stored row.
type SetThreadRef struct {
	ThreadRowID int64
	ThreadID    string
}

// MarkThreadAnswered closes the latest unanswered thread carrying exactly
// UserMessage, recording AIResponse and clearing the correlation id.
type MarkThreadAnswered struct {
	UserMessage string
	AIResponse  string
}

func (SetSessionStatus) isSideEffect()     {}
func (ShowRestartMenuLater) isSideEffect() {}
func (PersistMenu) isSideEffect()          {}
func (UpsertMenuOptions) isSideEffect()    {}
func (PurgeSecondaryMenus) isSideEffect()  {}
func (MarkTransferred) isSideEffect()      {}
func (NotifyFinalize) isSideEffect()       {}
func (OperatorTransfer) isSideEffect()     {}
func (SendText) isSideEffect()             {}
func (CreateThread) isSideEffect()         {}
func (UpsertThread) isSideEffect()         {}
func (SetThreadRef) isSideEffect()         {}
func (MarkThreadAnswered) isSideEffect()   {}
