package models

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// NodeType is the discriminator the tree service attaches to every node.
type NodeType int

// Node types understood by the interpreter. Anything else is answered with a
// generic "not supported" reply.
const (
	NodeTypeText       NodeType = 1
	NodeTypeMenu       NodeType = 2
	NodeTypeMenuOption NodeType = 3
	NodeTypeTextAlt    NodeType = 4
	NodeTypeInput      NodeType = 5
	NodeTypeLink       NodeType = 6
	NodeTypeNatural    NodeType = 7
	NodeTypeImage      NodeType = 8
	NodeTypeVideo      NodeType = 9
	NodeTypeFile       NodeType = 10
	NodeTypeAudio      NodeType = 11
	NodeTypeRedirect   NodeType = 12
	NodeTypeTransfer   NodeType = 13
	NodeTypeInputAlt   NodeType = 14
	NodeTypeHTTP       NodeType = 15
	NodeTypeVirtualAI  NodeType = 91
)

// IsInputType reports whether the type expects a free-text or constrained
// response from the user before the flow can continue.
func (t NodeType) IsInputType() bool {
	return t == NodeTypeInput || t == NodeTypeInputAlt
}

// IsMediaType reports whether the type carries media content resolved against
// the session path base.
func (t NodeType) IsMediaType() bool {
	switch t {
	case NodeTypeImage, NodeTypeVideo, NodeTypeFile, NodeTypeAudio:
		return true
	}
	return false
}

// Node is one step of the remotely hosted conversation tree. It is read-only
// data fetched from the tree service; the bridge never writes nodes.
type Node struct {
	ID              int64    `json:"id"`
	TypeID          NodeType `json:"type_id"`
	Title           string   `json:"title"`
	Data            NodeData `json:"data"`
	Children        []Node   `json:"children"`
	Parent          int64    `json:"parent"`
	RedirectItem    NodeRef  `json:"redirect_item"`
	TransferToHuman bool     `json:"transfer_to_human"`
}

// HasChildren reports whether the node declares at least one child.
func (n *Node) HasChildren() bool { return len(n.Children) > 0 }

// FirstChildID returns the id of the first declared child, if any.
func (n *Node) FirstChildID() (int64, bool) {
	if len(n.Children) == 0 {
		return 0, false
	}
	return n.Children[0].ID, true
}

// IsEmpty reports whether the node carries neither textual data nor a title.
// Tree authors occasionally publish such placeholder nodes; the interpreter
// answers them with an in-band error.
func (n *Node) IsEmpty() bool {
	return strings.TrimSpace(n.Data.Text()) == "" && strings.TrimSpace(n.Title) == ""
}

// FindChildOf scans a full node set for the first node whose parent is the
// given id. Used as the fallback next-step lookup when a node declares no
// children inline.
func FindChildOf(all []Node, parentID int64) (int64, bool) {
	for _, n := range all {
		if n.Parent == parentID {
			return n.ID, true
		}
	}
	return 0, false
}

// FindNode returns the node with the given id from a full node set.
func FindNode(all []Node, id int64) (*Node, bool) {
	for i := range all {
		if all[i].ID == id {
			return &all[i], true
		}
	}
	return nil, false
}

// NodeRef is a reference to another node. The tree service serializes it
// either as a bare id or as an object carrying an "id" field; both decode to
// the same thing here. A zero ID means no reference.
type NodeRef struct {
	ID int64 `json:"id"`
}

// UnmarshalJSON accepts a number, a numeric string, an {"id": n} object, or
// null.
func (r *NodeRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		r.ID = 0
		return nil
	}
	if data[0] == '{' {
		var obj struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		r.ID = obj.ID
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		var id int64
		if err := json.Unmarshal([]byte(s), &id); err != nil {
			r.ID = 0
			return nil
		}
		r.ID = id
		return nil
	}
	return json.Unmarshal(data, &r.ID)
}

// Valid reports whether the reference points somewhere.
func (r NodeRef) Valid() bool { return r.ID != 0 }

// NodeData is the type-dependent payload of a node. Depending on the node
// type and the tree author it arrives as a plain string (possibly in the
// legacy "label=...|values=a,b" encoding), as a structured object with a
// data_node envelope, or as a JSON document encoded inside a string (HTTP
// action nodes).
type NodeData struct {
	raw json.RawMessage
}

var (
	labelPattern  = regexp.MustCompile(`label=([^|]+)`)
	valuesPattern = regexp.MustCompile(`values=([^|]+)`)
)

// UnmarshalJSON keeps the raw payload for lazy, shape-tolerant access.
func (d *NodeData) UnmarshalJSON(data []byte) error {
	d.raw = append(d.raw[:0], data...)
	return nil
}

// MarshalJSON round-trips the original payload.
func (d NodeData) MarshalJSON() ([]byte, error) {
	if len(d.raw) == 0 {
		return []byte("null"), nil
	}
	return d.raw, nil
}

// StringData builds a NodeData from a plain string (used in tests and when
// synthesizing nodes).
func StringData(s string) NodeData {
	raw, _ := json.Marshal(s)
	return NodeData{raw: raw}
}

// Text returns the payload as a plain string when it is one, otherwise "".
func (d NodeData) Text() string {
	raw := bytes.TrimSpace(d.raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}

type dataEnvelope struct {
	DataNode struct {
		Label  string      `json:"label"`
		Values interface{} `json:"values"`
	} `json:"data_node"`
}

func (d NodeData) envelope() (dataEnvelope, bool) {
	raw := bytes.TrimSpace(d.raw)
	if len(raw) == 0 || raw[0] != '{' {
		return dataEnvelope{}, false
	}
	var env dataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return dataEnvelope{}, false
	}
	return env, true
}

// Label extracts the prompt label from either the structured envelope or the
// legacy "label=...|..." string encoding, falling back to def.
func (d NodeData) Label(def string) string {
	if env, ok := d.envelope(); ok && env.DataNode.Label != "" {
		return env.DataNode.Label
	}
	if m := labelPattern.FindStringSubmatch(d.Text()); m != nil {
		return strings.TrimSpace(m[1])
	}
	return def
}

// Values extracts the enumerated selectable values, if the node declares any,
// from either the structured envelope (string or list) or the legacy
// "values=a,b,c" string encoding.
func (d NodeData) Values() []string {
	if env, ok := d.envelope(); ok {
		switch v := env.DataNode.Values.(type) {
		case string:
			return splitTrimmed(v)
		case []interface{}:
			var out []string
			for _, item := range v {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, strings.TrimSpace(s))
				}
			}
			return out
		}
		return nil
	}
	if m := valuesPattern.FindStringSubmatch(d.Text()); m != nil {
		return splitTrimmed(m[1])
	}
	return nil
}

func splitTrimmed(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// HTTPAction describes the out-of-band call an HTTP action node performs.
type HTTPAction struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           map[string]any    `json:"body"`
	APIResponseKey string            `json:"api_response_key"`
}

// HTTPAction decodes the payload of an HTTP action node. The tree service
// stores it as a JSON document encoded inside the data string; a bare object
// is tolerated too.
func (d NodeData) HTTPAction() (HTTPAction, bool) {
	var action HTTPAction
	if text := d.Text(); text != "" {
		if err := json.Unmarshal([]byte(text), &action); err == nil && action.URL != "" && action.Method != "" {
			return action, true
		}
		return HTTPAction{}, false
	}
	raw := bytes.TrimSpace(d.raw)
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &action); err == nil && action.URL != "" && action.Method != "" {
			return action, true
		}
	}
	return HTTPAction{}, false
}

// ParseLabelValue extracts the label text when the content uses the legacy
// "label=...|value=..." encoding, otherwise returns the text unchanged.
func ParseLabelValue(text string) string {
	if !strings.HasPrefix(text, "label=") {
		return text
	}
	for _, part := range strings.Split(text, "|") {
		if strings.HasPrefix(part, "label=") {
			return strings.TrimSpace(strings.TrimPrefix(part, "label="))
		}
	}
	return text
}
