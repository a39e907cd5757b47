package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/animahub/bitrixbridge/internal/models"
	"github.com/animahub/bitrixbridge/internal/store"
)

// Sessions creates and reuses conversation sessions. A session outlives a
// single message but not the day; expired ones are replaced on sight.
type Sessions struct {
	store store.Store
	tree  TreeClient
}

func NewSessions(st store.Store, tree TreeClient) *Sessions {
	return &Sessions{store: st, tree: tree}
}

// LoadOrCreate returns the live session for the user and chat, creating a
// fresh one with a new tree identity when none is reusable.
func (s *Sessions) LoadOrCreate(ctx context.Context, userID, chatID string, inst *models.Instance, opGroupID string) (*models.Session, error) {
	existing, err := s.store.FindSessionByUser(userID, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if existing != nil {
		if existing.Reusable(nowFunc()) {
			slog.Debug("Sessions.LoadOrCreate: reusing session", "uid", existing.UID, "session_id", existing.ID)
			return existing, nil
		}
		slog.Info("Sessions.LoadOrCreate: session expired or closed, replacing",
			"uid", existing.UID, "status", existing.Status)
		if err := s.store.DeleteSession(existing.ID); err != nil {
			return nil, fmt.Errorf("failed to delete stale session: %w", err)
		}
	}

	uid, err := s.tree.RequestNewIdentity(ctx, inst.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain tree identity: %w", err)
	}

	pathBase := ""
	if flow, err := s.tree.FetchFlow(ctx, 0, inst.Hash, uid); err != nil {
		slog.Warn("Sessions.LoadOrCreate: root flow fetch failed, media base unset", "error", err, "uid", uid)
	} else {
		pathBase = flow.Path
	}

	session := &models.Session{
		UserID:    userID,
		ChatID:    chatID,
		UID:       uid,
		PathBase:  pathBase,
		Portal:    inst.Portal,
		Status:    models.SessionStatusActive,
		OpGroupID: opGroupID,
	}
	if err := s.store.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("Sessions.LoadOrCreate: session created",
		"uid", uid, "user_id", userID, "chat_id", chatID, "portal", inst.Portal)
	return session, nil
}

// EnsureIdentity backfills the tree identity on sessions persisted before
// the identity request succeeded.
func (s *Sessions) EnsureIdentity(ctx context.Context, session *models.Session, hash string) error {
	if session.UID != "" {
		return nil
	}

	uid, err := s.tree.RequestNewIdentity(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to obtain tree identity: %w", err)
	}
	session.UID = uid
	if err := s.store.UpdateSession(session); err != nil {
		return fmt.Errorf("failed to persist tree identity: %w", err)
	}

	slog.Info("Sessions.EnsureIdentity: identity backfilled", "uid", uid, "session_id", session.ID)
	return nil
}
