package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/animahub/bitrixbridge/internal/models"
)

// scanner abstracts sql.Row and sql.Rows so scan helpers work on both.
type scanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, user_id, chat_id, uid, dialog_id, path_base, portal, current_node_id, next_node_id, status, transferred_to_human, show_restart_menu_after, op_group_id, created_at, updated_at`

func scanSession(s scanner) (*models.Session, error) {
	var sess models.Session
	var current, next sql.NullInt64
	var status string
	err := s.Scan(
		&sess.ID, &sess.UserID, &sess.ChatID, &sess.UID, &sess.DialogID, &sess.PathBase, &sess.Portal,
		&current, &next, &status, &sess.TransferredToHuman, &sess.ShowRestartMenuAfter, &sess.OpGroupID,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	if current.Valid {
		sess.Current = models.PositionFromStorage(&current.Int64)
	} else {
		sess.Current = models.PositionNone()
	}
	if next.Valid {
		v := next.Int64
		sess.NextNodeID = &v
	}
	return &sess, nil
}

const menuColumns = `id, session_id, uid, node_id, is_main_menu, options, created_at`

func scanMenu(s scanner) (*models.MenuOption, error) {
	var m models.MenuOption
	var nodeID sql.NullInt64
	var optionsJSON string
	err := s.Scan(&m.ID, &m.SessionID, &m.UID, &nodeID, &m.IsMainMenu, &optionsJSON, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if nodeID.Valid {
		v := nodeID.Int64
		m.NodeID = &v
	}
	if err := json.Unmarshal([]byte(optionsJSON), &m.Options); err != nil {
		return nil, fmt.Errorf("failed to decode menu options: %w", err)
	}
	return &m, nil
}

func encodeOptions(options map[string]string) (string, error) {
	if options == nil {
		options = map[string]string{}
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("failed to encode menu options: %w", err)
	}
	return string(raw), nil
}

const threadColumns = `id, session_id, uid, node_id, user_message, ai_response, thread_id, is_answered, created_at, updated_at`

func scanThread(s scanner) (*models.ConversationThread, error) {
	var t models.ConversationThread
	err := s.Scan(
		&t.ID, &t.SessionID, &t.UID, &t.NodeID, &t.UserMessage, &t.AIResponse,
		&t.ThreadID, &t.IsAnswered, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const instanceColumns = `id, portal, hash, enabled, client_id, client_secret, auth_token, access_token, refresh_token, application_token, bot_id, bot_code, channel_id, expires`

func scanInstance(s scanner) (*models.Instance, error) {
	var inst models.Instance
	var expires sql.NullTime
	err := s.Scan(
		&inst.ID, &inst.Portal, &inst.Hash, &inst.Enabled, &inst.ClientID, &inst.ClientSecret,
		&inst.AuthToken, &inst.AccessToken, &inst.RefreshToken, &inst.ApplicationToken,
		&inst.BotID, &inst.BotCode, &inst.ChannelID, &expires,
	)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		inst.Expires = &t
	}
	return &inst, nil
}

// nullableID converts an optional node id to a driver value.
func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}
