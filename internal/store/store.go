// Package store provides storage backends for the bridge.
//
// It includes SQLite and PostgreSQL implementations selected by DSN shape,
// plus an in-memory store used by tests.
package store

import (
	"strings"
	"time"

	"github.com/animahub/bitrixbridge/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". Anything that
// does not look like a Postgres URL or key=value connection string is treated
// as an SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.Contains(dsn, "postgres://") || strings.Contains(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persistence surface the bridge needs. Lookups return nil
// without error when no row matches.
type Store interface {
	// Sessions
	CreateSession(s *models.Session) error
	GetSession(id int64) (*models.Session, error)
	FindSessionByUser(userID, chatID string) (*models.Session, error)
	UpdateSession(s *models.Session) error
	DeleteSession(id int64) error
	ListStaleActiveSessions(cutoff time.Time) ([]models.Session, error)

	// Menus
	CreateMenu(m *models.MenuOption) error
	UpdateMenu(m *models.MenuOption) error
	LatestMenu(sessionID int64) (*models.MenuOption, error)
	FirstMenuByUID(uid string) (*models.MenuOption, error)
	MainMenu(sessionID int64) (*models.MenuOption, error)
	HasMainMenu(sessionID int64) (bool, error)
	SecondaryMenuExists(sessionID int64, nodeID *int64) (bool, error)
	SecondaryMenuExistsWithOptions(sessionID int64, options map[string]string) (bool, error)
	HasRestartMenu(sessionID int64) (bool, error)
	DeleteSecondaryMenus(sessionID int64) error
	DeleteMenus(sessionID int64) error

	// Conversation threads
	CreateThread(t *models.ConversationThread) error
	UpdateThread(t *models.ConversationThread) error
	LatestAnsweredThread(sessionID int64) (*models.ConversationThread, error)
	LatestUnansweredThreadByUID(uid string) (*models.ConversationThread, error)
	ThreadsBySession(sessionID int64) ([]models.ConversationThread, error)

	// User inputs
	CreateUserInput(in *models.UserInput) error

	// Instances
	GetInstance(portal string) (*models.Instance, error)
	SaveInstance(inst *models.Instance) error

	// Webhook audit log
	CreateWebhookLog(l *models.WebhookLog) error
	UpdateWebhookLog(id string, status models.WebhookLogStatus, detail string) error

	Close() error
}
