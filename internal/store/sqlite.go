// Package store provides storage backends for the bridge.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/animahub/bitrixbridge/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path to the SQLite database file; the parent directory is
// created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSession(sess *models.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	res, err := s.db.Exec(`INSERT INTO sessions (user_id, chat_id, uid, dialog_id, path_base, portal, current_node_id, next_node_id, status, transferred_to_human, show_restart_menu_after, op_group_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.UserID, sess.ChatID, sess.UID, sess.DialogID, sess.PathBase, sess.Portal,
		nullableID(sess.Current.StorageID()), nullableID(sess.NextNodeID), string(sess.Status),
		sess.TransferredToHuman, sess.ShowRestartMenuAfter, sess.OpGroupID, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "user_id", sess.UserID)
		return fmt.Errorf("failed to insert session for %s: %w", sess.UserID, err)
	}
	sess.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read session id: %w", err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "session_id", sess.ID, "user_id", sess.UserID)
	return nil
}

func (s *SQLiteStore) GetSession(id int64) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to query session %d: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) FindSessionByUser(userID, chatID string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND chat_id = ? ORDER BY id DESC LIMIT 1`, userID, chatID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindSessionByUser failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to query session for %s: %w", userID, err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`UPDATE sessions SET dialog_id = ?, path_base = ?, portal = ?, current_node_id = ?, next_node_id = ?, status = ?, transferred_to_human = ?, show_restart_menu_after = ?, op_group_id = ?, updated_at = ? WHERE id = ?`,
		sess.DialogID, sess.PathBase, sess.Portal, nullableID(sess.Current.StorageID()), nullableID(sess.NextNodeID),
		string(sess.Status), sess.TransferredToHuman, sess.ShowRestartMenuAfter, sess.OpGroupID, sess.UpdatedAt, sess.ID)
	if err != nil {
		slog.Error("SQLiteStore UpdateSession failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to update session %d: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(id int64) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "session_id", id)
		return fmt.Errorf("failed to delete session %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListStaleActiveSessions(cutoff time.Time) ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE status = ? AND created_at < ?`, string(models.SessionStatusActive), cutoff)
	if err != nil {
		slog.Error("SQLiteStore ListStaleActiveSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Error("SQLiteStore ListStaleActiveSessions scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) CreateMenu(m *models.MenuOption) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	optionsJSON, err := encodeOptions(m.Options)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`INSERT INTO menu_options (session_id, uid, node_id, is_main_menu, options, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.UID, nullableID(m.NodeID), m.IsMainMenu, optionsJSON, m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateMenu failed", "error", err, "session_id", m.SessionID)
		return fmt.Errorf("failed to insert menu for session %d: %w", m.SessionID, err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read menu id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMenu(m *models.MenuOption) error {
	optionsJSON, err := encodeOptions(m.Options)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE menu_options SET session_id = ?, uid = ?, node_id = ?, is_main_menu = ?, options = ? WHERE id = ?`,
		m.SessionID, m.UID, nullableID(m.NodeID), m.IsMainMenu, optionsJSON, m.ID)
	if err != nil {
		slog.Error("SQLiteStore UpdateMenu failed", "error", err, "menu_id", m.ID)
		return fmt.Errorf("failed to update menu %d: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LatestMenu(sessionID int64) (*models.MenuOption, error) {
	row := s.db.QueryRow(`SELECT `+menuColumns+` FROM menu_options WHERE session_id = ? ORDER BY id DESC LIMIT 1`, sessionID)
	m, err := scanMenu(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LatestMenu failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query latest menu for session %d: %w", sessionID, err)
	}
	return m, nil
}

func (s *SQLiteStore) FirstMenuByUID(uid string) (*models.MenuOption, error) {
	row := s.db.QueryRow(`SELECT `+menuColumns+` FROM menu_options WHERE uid = ? ORDER BY id ASC LIMIT 1`, uid)
	m, err := scanMenu(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FirstMenuByUID failed", "error", err, "uid", uid)
		return nil, fmt.Errorf("failed to query first menu for uid %s: %w", uid, err)
	}
	return m, nil
}

func (s *SQLiteStore) MainMenu(sessionID int64) (*models.MenuOption, error) {
	row := s.db.QueryRow(`SELECT `+menuColumns+` FROM menu_options WHERE session_id = ? AND is_main_menu = 1 AND node_id IS NOT NULL ORDER BY id ASC LIMIT 1`, sessionID)
	m, err := scanMenu(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore MainMenu failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query main menu for session %d: %w", sessionID, err)
	}
	return m, nil
}

func (s *SQLiteStore) HasMainMenu(sessionID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM menu_options WHERE session_id = ? AND is_main_menu = 1`, sessionID).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore HasMainMenu failed", "error", err, "session_id", sessionID)
		return false, fmt.Errorf("failed to count main menus for session %d: %w", sessionID, err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) SecondaryMenuExistsWithOptions(sessionID int64, options map[string]string) (bool, error) {
	optionsJSON, err := encodeOptions(options)
	if err != nil {
		return false, err
	}
	var count int
	err = s.db.QueryRow(`SELECT COUNT(1) FROM menu_options WHERE session_id = ? AND is_main_menu = 0 AND options = ?`, sessionID, optionsJSON).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore SecondaryMenuExistsWithOptions failed", "error", err, "session_id", sessionID)
		return false, fmt.Errorf("failed to match menu options for session %d: %w", sessionID, err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) HasRestartMenu(sessionID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM menu_options WHERE session_id = ? AND is_main_menu = 0 AND options LIKE '%"*":"end_chat"%'`, sessionID).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore HasRestartMenu failed", "error", err, "session_id", sessionID)
		return false, fmt.Errorf("failed to look up restart menu for session %d: %w", sessionID, err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) SecondaryMenuExists(sessionID int64, nodeID *int64) (bool, error) {
	var count int
	var err error
	if nodeID == nil {
		err = s.db.QueryRow(`SELECT COUNT(1) FROM menu_options WHERE session_id = ? AND is_main_menu = 0 AND node_id IS NULL`, sessionID).Scan(&count)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(1) FROM menu_options WHERE session_id = ? AND is_main_menu = 0 AND node_id = ?`, sessionID, *nodeID).Scan(&count)
	}
	if err != nil {
		slog.Error("SQLiteStore SecondaryMenuExists failed", "error", err, "session_id", sessionID)
		return false, fmt.Errorf("failed to count secondary menus for session %d: %w", sessionID, err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) DeleteSecondaryMenus(sessionID int64) error {
	_, err := s.db.Exec(`DELETE FROM menu_options WHERE session_id = ? AND is_main_menu = 0`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore DeleteSecondaryMenus failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to delete secondary menus for session %d: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMenus(sessionID int64) error {
	_, err := s.db.Exec(`DELETE FROM menu_options WHERE session_id = ?`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore DeleteMenus failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to delete menus for session %d: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) CreateThread(t *models.ConversationThread) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	res, err := s.db.Exec(`INSERT INTO conversation_threads (session_id, uid, node_id, user_message, ai_response, thread_id, is_answered, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.UID, t.NodeID, t.UserMessage, t.AIResponse, t.ThreadID, t.IsAnswered, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateThread failed", "error", err, "session_id", t.SessionID)
		return fmt.Errorf("failed to insert thread for session %d: %w", t.SessionID, err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read thread id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateThread(t *models.ConversationThread) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`UPDATE conversation_threads SET ai_response = ?, thread_id = ?, is_answered = ?, updated_at = ? WHERE id = ?`,
		t.AIResponse, t.ThreadID, t.IsAnswered, t.UpdatedAt, t.ID)
	if err != nil {
		slog.Error("SQLiteStore UpdateThread failed", "error", err, "thread_id", t.ID)
		return fmt.Errorf("failed to update thread %d: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LatestAnsweredThread(sessionID int64) (*models.ConversationThread, error) {
	row := s.db.QueryRow(`SELECT `+threadColumns+` FROM conversation_threads WHERE session_id = ? AND is_answered = 1 AND thread_id != '' ORDER BY id DESC LIMIT 1`, sessionID)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LatestAnsweredThread failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query answered thread for session %d: %w", sessionID, err)
	}
	return t, nil
}

func (s *SQLiteStore) LatestUnansweredThreadByUID(uid string) (*models.ConversationThread, error) {
	row := s.db.QueryRow(`SELECT `+threadColumns+` FROM conversation_threads WHERE uid = ? AND is_answered = 0 ORDER BY id DESC LIMIT 1`, uid)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LatestUnansweredThreadByUID failed", "error", err, "uid", uid)
		return nil, fmt.Errorf("failed to query unanswered thread for uid %s: %w", uid, err)
	}
	return t, nil
}

func (s *SQLiteStore) ThreadsBySession(sessionID int64) ([]models.ConversationThread, error) {
	rows, err := s.db.Query(`SELECT `+threadColumns+` FROM conversation_threads WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore ThreadsBySession query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query threads for session %d: %w", sessionID, err)
	}
	defer rows.Close()

	var threads []models.ConversationThread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		threads = append(threads, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate thread rows: %w", err)
	}
	return threads, nil
}

func (s *SQLiteStore) CreateUserInput(in *models.UserInput) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO user_inputs (uid, node_id, value, created_at) VALUES (?, ?, ?, ?)`,
		in.UID, in.NodeID, in.Value, in.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateUserInput failed", "error", err, "uid", in.UID)
		return fmt.Errorf("failed to insert user input for uid %s: %w", in.UID, err)
	}
	in.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read user input id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInstance(portal string) (*models.Instance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE portal = ?`, portal)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetInstance failed", "error", err, "portal", portal)
		return nil, fmt.Errorf("failed to query instance %s: %w", portal, err)
	}
	return inst, nil
}

func (s *SQLiteStore) SaveInstance(inst *models.Instance) error {
	var expires interface{}
	if inst.Expires != nil {
		expires = *inst.Expires
	}
	res, err := s.db.Exec(`INSERT INTO instances (portal, hash, enabled, client_id, client_secret, auth_token, access_token, refresh_token, application_token, bot_id, bot_code, channel_id, expires) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(portal) DO UPDATE SET hash = excluded.hash, enabled = excluded.enabled, client_id = excluded.client_id, client_secret = excluded.client_secret, auth_token = excluded.auth_token, access_token = excluded.access_token, refresh_token = excluded.refresh_token, application_token = excluded.application_token, bot_id = excluded.bot_id, bot_code = excluded.bot_code, channel_id = excluded.channel_id, expires = excluded.expires`,
		inst.Portal, inst.Hash, inst.Enabled, inst.ClientID, inst.ClientSecret, inst.AuthToken,
		inst.AccessToken, inst.RefreshToken, inst.ApplicationToken, inst.BotID, inst.BotCode, inst.ChannelID, expires)
	if err != nil {
		slog.Error("SQLiteStore SaveInstance failed", "error", err, "portal", inst.Portal)
		return fmt.Errorf("failed to save instance %s: %w", inst.Portal, err)
	}
	if inst.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			inst.ID = id
		}
	}
	return nil
}

func (s *SQLiteStore) CreateWebhookLog(l *models.WebhookLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO webhook_logs (id, portal, payload, status, dialog_id, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Portal, l.Payload, string(l.Status), l.DialogID, l.Error, l.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateWebhookLog failed", "error", err, "log_id", l.ID)
		return fmt.Errorf("failed to insert webhook log %s: %w", l.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateWebhookLog(id string, status models.WebhookLogStatus, detail string) error {
	_, err := s.db.Exec(`UPDATE webhook_logs SET status = ?, error = ? WHERE id = ?`, string(status), detail, id)
	if err != nil {
		slog.Error("SQLiteStore UpdateWebhookLog failed", "error", err, "log_id", id)
		return fmt.Errorf("failed to update webhook log %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
