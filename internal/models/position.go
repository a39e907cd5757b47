package models

import "fmt"

// VirtualNodeID is the legacy sentinel the tree service reserves for "not a
// real tree node, currently answering via the AI sub-flow". It never appears
// in fetched trees and must never be requested from the tree service. Inside
// this codebase the sentinel only exists at the storage boundary; everywhere
// else the tagged Position type is used instead.
const VirtualNodeID int64 = 999999

type positionKind int

const (
	positionNone positionKind = iota
	positionNode
	positionVirtualAI
)

// Position is the tagged "where is this session in the conversation" value:
// either a concrete tree node, the virtual AI turn, or nowhere (fresh session).
type Position struct {
	kind   positionKind
	nodeID int64
}

// PositionNone is the zero Position: the session has not visited a node yet.
func PositionNone() Position { return Position{} }

// PositionNode places the session at a concrete tree node.
func PositionNode(id int64) Position {
	if id == VirtualNodeID {
		return PositionVirtualAI()
	}
	return Position{kind: positionNode, nodeID: id}
}

// PositionVirtualAI places the session in the open-ended AI sub-flow.
func PositionVirtualAI() Position { return Position{kind: positionVirtualAI} }

// NodeID returns the concrete node id and true when the position is a real
// tree node.
func (p Position) NodeID() (int64, bool) {
	if p.kind != positionNode {
		return 0, false
	}
	return p.nodeID, true
}

// IsVirtualAI reports whether the session is in the AI sub-flow.
func (p Position) IsVirtualAI() bool { return p.kind == positionVirtualAI }

// IsNone reports whether the session has no current node.
func (p Position) IsNone() bool { return p.kind == positionNone }

// StorageID maps the position to the legacy storage representation: nil for
// none, VirtualNodeID for the AI turn, the node id otherwise.
func (p Position) StorageID() *int64 {
	switch p.kind {
	case positionNode:
		id := p.nodeID
		return &id
	case positionVirtualAI:
		id := VirtualNodeID
		return &id
	default:
		return nil
	}
}

// PositionFromStorage rebuilds a Position from the legacy storage column.
func PositionFromStorage(id *int64) Position {
	if id == nil {
		return PositionNone()
	}
	return PositionNode(*id)
}

func (p Position) String() string {
	switch p.kind {
	case positionNode:
		return fmt.Sprintf("node(%d)", p.nodeID)
	case positionVirtualAI:
		return "virtual-ai"
	default:
		return "none"
	}
}
