// Package store provides storage backends for the bridge.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/animahub/bitrixbridge/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateSession(sess *models.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	err := s.db.QueryRow(`INSERT INTO sessions (user_id, chat_id, uid, dialog_id, path_base, portal, current_node_id, next_node_id, status, transferred_to_human, show_restart_menu_after, op_group_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		sess.UserID, sess.ChatID, sess.UID, sess.DialogID, sess.PathBase, sess.Portal,
		nullableID(sess.Current.StorageID()), nullableID(sess.NextNodeID), string(sess.Status),
		sess.TransferredToHuman, sess.ShowRestartMenuAfter, sess.OpGroupID, sess.CreatedAt, sess.UpdatedAt).Scan(&sess.ID)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "user_id", sess.UserID)
		return fmt.Errorf("failed to insert session for %s: %w", sess.UserID, err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "session_id", sess.ID, "user_id", sess.UserID)
	return nil
}

func (s *PostgresStore) GetSession(id int64) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to query session %d: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) FindSessionByUser(userID, chatID string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 AND chat_id = $2 ORDER BY id DESC LIMIT 1`, userID, chatID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindSessionByUser failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to query session for %s: %w", userID, err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSession(sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`UPDATE sessions SET dialog_id = $1, path_base = $2, portal = $3, current_node_id = $4, next_node_id = $5, status = $6, transferred_to_human = $7, show_restart_menu_after = $8, op_group_id = $9, updated_at = $10 WHERE id = $11`,
		sess.DialogID, sess.PathBase, sess.Portal, nullableID(sess.Current.StorageID()), nullableID(sess.NextNodeID),
		string(sess.Status), sess.TransferredToHuman, sess.ShowRestartMenuAfter, sess.OpGroupID, sess.UpdatedAt, sess.ID)
	if err != nil {
		slog.Error("PostgresStore UpdateSession failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to update session %d: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(id int64) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "session_id", id)
		return fmt.Errorf("failed to delete session %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListStaleActiveSessions(cutoff time.Time) ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE status = $1 AND created_at < $2`, string(models.SessionStatusActive), cutoff)
	if err != nil {
		slog.Error("PostgresStore ListStaleActiveSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Error("PostgresStore ListStaleActiveSessions scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) CreateMenu(m *models.MenuOption) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	optionsJSON, err := encodeOptions(m.Options)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(`INSERT INTO menu_options (session_id, uid, node_id, is_main_menu, options, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		m.SessionID, m.UID, nullableID(m.NodeID), m.IsMainMenu, optionsJSON, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		slog.Error("PostgresStore CreateMenu failed", "error", err, "session_id", m.SessionID)
		return fmt.Errorf("failed to insert menu for session %d: %w", m.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateMenu(m *models.MenuOption) error {
	optionsJSON, err := encodeOptions(m.Options)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE menu_options SET session_id = $1, uid = $2, node_id = $3, is_main_menu = $4, options = $5 WHERE id = $6`,
		m.SessionID, m.UID, nullableID(m.NodeID), m.IsMainMenu, optionsJSON, m.ID)
	if err != nil {
		slog.Error("PostgresStore UpdateMenu failed", "error", err, "menu_id", m.ID)
		return fmt.Errorf("failed to update menu %d: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) LatestMenu(sessionID int64) (*models.MenuOption, error) {
	row := s.db.QueryRow(`SELECT `+menuColumns+` FROM menu_options WHERE session_id = $1 ORDER BY id DESC LIMIT 1`, sessionID)
	m, err := scanMenu(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LatestMenu failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query latest menu for session %d: %w", sessionID, err)
	}
	return m, nil
}

func (s *PostgresStore) FirstMenuByUID(uid string) (*models.MenuOption, error) {
	row := s.db.QueryRow(`SELECT `+menuColumns+` FROM menu_options WHERE uid = $1 ORDER BY id ASC LIMIT 1`, uid)
	m, err := scanMenu(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FirstMenuByUID failed", "error", err, "uid", uid)
		return nil, fmt.Errorf("failed to query first menu for uid %s: %w", uid, err)
	}
	return m, nil
}

func (s *PostgresStore) MainMenu(sessionID int64) (*models.MenuOption, error) {
	row := s.db.QueryRow(`SELECT `+menuColumns+` FROM menu_options WHERE session_id = $1 AND is_main_menu = TRUE AND node_id IS NOT NULL ORDER BY id ASC LIMIT 1`, sessionID)
	m, err := scanMenu(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore MainMenu failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query main menu for session %d: %w", sessionID, err)
	}
	return m, nil
}

func (s *PostgresStore) HasMainMenu(sessionID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM menu_options WHERE session_id = $1 AND is_main_menu = TRUE`, sessionID).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore HasMainMenu failed", "error", err, "session_id", sessionID)
		return false, fmt.Errorf("failed to count main menus for session %d: %w", sessionID, err)
	}
	return count > 0, nil
}

func (s *PostgresStore) SecondaryMenuExistsWithOptions(sessionID int64, options map[string]string) (bool, error) {
	optionsJSON, err := encodeOptions(options)
	if err != nil {
		return false, err
	}
	var count int
	err = s.db.QueryRow(`SELECT COUNT(1) FROM menu_options WHERE session_id = $1 AND is_main_menu = FALSE AND options = $2`, sessionID, optionsJSON).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore SecondaryMenuExistsWithOptions failed", "error", err, "session_id", sessionID)
		return false, fmt.Errorf("failed to match menu options for session %d: %w", sessionID, err)
	}
	return count > 0, nil
}

func (s *PostgresStore) HasRestartMenu(sessionID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM menu_options WHERE session_id = $1 AND is_main_menu = FALSE AND options LIKE '%"*":"end_chat"%'`, sessionID).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore HasRestartMenu failed", "error", err, "session_id", sessionID)
		return false, fmt.Errorf("failed to look up restart menu for session %d: %w", sessionID, err)
	}
	return count > 0, nil
}

func (s *PostgresStore) SecondaryMenuExists(sessionID int64, nodeID *int64) (bool, error) {
	var count int
	var err error
	if nodeID == nil {
		err = s.db.QueryRow(`SELECT COUNT(1) FROM menu_options WHERE session_id = $1 AND is_main_menu = FALSE AND node_id IS NULL`, sessionID).Scan(&count)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(1) FROM menu_options WHERE session_id = $1 AND is_main_menu = FALSE AND node_id = $2`, sessionID, *nodeID).Scan(&count)
	}
	if err != nil {
		slog.Error("PostgresStore SecondaryMenuExists failed", "error", err, "session_id", sessionID)
		return false, fmt.Errorf("failed to count secondary menus for session %d: %w", sessionID, err)
	}
	return count > 0, nil
}

func (s *PostgresStore) DeleteSecondaryMenus(sessionID int64) error {
	_, err := s.db.Exec(`DELETE FROM menu_options WHERE session_id = $1 AND is_main_menu = FALSE`, sessionID)
	if err != nil {
		slog.Error("PostgresStore DeleteSecondaryMenus failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to delete secondary menus for session %d: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteMenus(sessionID int64) error {
	_, err := s.db.Exec(`DELETE FROM menu_options WHERE session_id = $1`, sessionID)
	if err != nil {
		slog.Error("PostgresStore DeleteMenus failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to delete menus for session %d: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) CreateThread(t *models.ConversationThread) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	err := s.db.QueryRow(`INSERT INTO conversation_threads (session_id, uid, node_id, user_message, ai_response, thread_id, is_answered, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		t.SessionID, t.UID, t.NodeID, t.UserMessage, t.AIResponse, t.ThreadID, t.IsAnswered, t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
	if err != nil {
		slog.Error("PostgresStore CreateThread failed", "error", err, "session_id", t.SessionID)
		return fmt.Errorf("failed to insert thread for session %d: %w", t.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateThread(t *models.ConversationThread) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`UPDATE conversation_threads SET ai_response = $1, thread_id = $2, is_answered = $3, updated_at = $4 WHERE id = $5`,
		t.AIResponse, t.ThreadID, t.IsAnswered, t.UpdatedAt, t.ID)
	if err != nil {
		slog.Error("PostgresStore UpdateThread failed", "error", err, "thread_id", t.ID)
		return fmt.Errorf("failed to update thread %d: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) LatestAnsweredThread(sessionID int64) (*models.ConversationThread, error) {
	row := s.db.QueryRow(`SELECT `+threadColumns+` FROM conversation_threads WHERE session_id = $1 AND is_answered = TRUE AND thread_id != '' ORDER BY id DESC LIMIT 1`, sessionID)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LatestAnsweredThread failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query answered thread for session %d: %w", sessionID, err)
	}
	return t, nil
}

func (s *PostgresStore) LatestUnansweredThreadByUID(uid string) (*models.ConversationThread, error) {
	row := s.db.QueryRow(`SELECT `+threadColumns+` FROM conversation_threads WHERE uid = $1 AND is_answered = FALSE ORDER BY id DESC LIMIT 1`, uid)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LatestUnansweredThreadByUID failed", "error", err, "uid", uid)
		return nil, fmt.Errorf("failed to query unanswered thread for uid %s: %w", uid, err)
	}
	return t, nil
}

func (s *PostgresStore) ThreadsBySession(sessionID int64) ([]models.ConversationThread, error) {
	rows, err := s.db.Query(`SELECT `+threadColumns+` FROM conversation_threads WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		slog.Error("PostgresStore ThreadsBySession query failed", "error", err, "session_id", sessionID)
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

func (s *PostgresStore) CreateUserInput(in *models.UserInput) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRow(`INSERT INTO user_inputs (uid, node_id, value, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		in.UID, in.NodeID, in.Value, in.CreatedAt).Scan(&in.ID)
	if err != nil {
		slog.Error("PostgresStore CreateUserInput failed", "error", err, "uid", in.UID)
		return fmt.Errorf("failed to insert user input for uid %s: %w", in.UID, err)
	}
	return nil
}

func (s *PostgresStore) GetInstance(portal string) (*models.Instance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE portal = $1`, portal)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetInstance failed", "error", err, "portal", portal)
		return nil, fmt.Errorf("failed to query instance %s: %w", portal, err)
	}
	return inst, nil
}

func (s *PostgresStore) SaveInstance(inst *models.Instance) error {
	var expires interface{}
	if inst.Expires != nil {
		expires = *inst.Expires
	}
	err := s.db.QueryRow(`INSERT INTO instances (portal, hash, enabled, client_id, client_secret, auth_token, access_token, refresh_token, application_token, bot_id, bot_code, channel_id, expires) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (portal) DO UPDATE SET hash = EXCLUDED.hash, enabled = EXCLUDED.enabled, client_id = EXCLUDED.client_id, client_secret = EXCLUDED.client_secret, auth_token = EXCLUDED.auth_token, access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token, application_token = EXCLUDED.application_token, bot_id = EXCLUDED.bot_id, bot_code = EXCLUDED.bot_code, channel_id = EXCLUDED.channel_id, expires = EXCLUDED.expires RETURNING id`,
		inst.Portal, inst.Hash, inst.Enabled, inst.ClientID, inst.ClientSecret, inst.AuthToken,
		inst.AccessToken, inst.RefreshToken, inst.ApplicationToken, inst.BotID, inst.BotCode, inst.ChannelID, expires).Scan(&inst.ID)
	if err != nil {
		slog.Error("PostgresStore SaveInstance failed", "error", err, "portal", inst.Portal)
		return fmt.Errorf("failed to save instance %s: %w", inst.Portal, err)
	}
	return nil
}

func (s *PostgresStore) CreateWebhookLog(l *models.WebhookLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO webhook_logs (id, portal, payload, status, dialog_id, error, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.Portal, l.Payload, string(l.Status), l.DialogID, l.Error, l.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateWebhookLog failed", "error", err, "log_id", l.ID)
		return fmt.Errorf("failed to insert webhook log %s: %w", l.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateWebhookLog(id string, status models.WebhookLogStatus, detail string) error {
	_, err := s.db.Exec(`UPDATE webhook_logs SET status = $1, error = $2 WHERE id = $3`, string(status), detail, id)
	if err != nil {
		slog.Error("PostgresStore UpdateWebhookLog failed", "error", err, "log_id", id)
		return fmt.Errorf("failed to update webhook log %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
