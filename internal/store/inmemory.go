package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/animahub/bitrixbridge/internal/models"
)

// InMemoryStore is a map-backed Store used by tests and local development.
type InMemoryStore struct {
	mu        sync.Mutex
	sessions  map[int64]*models.Session
	menus     []*models.MenuOption
	threads   map[int64]*models.ConversationThread
	inputs    []*models.UserInput
	instances map[string]*models.Instance
	logs      map[string]*models.WebhookLog

	nextSessionID  int64
	nextMenuID     int64
	nextThreadID   int64
	nextInputID    int64
	nextInstanceID int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[int64]*models.Session),
		threads:   make(map[int64]*models.ConversationThread),
		instances: make(map[string]*models.Instance),
		logs:      make(map[string]*models.WebhookLog),
	}
}

func (s *InMemoryStore) CreateSession(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSessionID++
	sess.ID = s.nextSessionID
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetSession(id int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *InMemoryStore) FindSessionByUser(userID, chatID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.ChatID == chatID {
			if latest == nil || sess.ID > latest.ID {
				latest = sess
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *InMemoryStore) UpdateSession(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return models.ErrSessionNotFound
	}
	sess.UpdatedAt = time.Now().UTC()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *InMemoryStore) DeleteSession(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) ListStaleActiveSessions(cutoff time.Time) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Status == models.SessionStatusActive && sess.CreatedAt.Before(cutoff) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateMenu(m *models.MenuOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMenuID++
	m.ID = s.nextMenuID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	s.menus = append(s.menus, &cp)
	return nil
}

func (s *InMemoryStore) UpdateMenu(m *models.MenuOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.menus {
		if existing.ID == m.ID {
			cp := *m
			s.menus[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("menu %d not found", m.ID)
}

func (s *InMemoryStore) LatestMenu(sessionID int64) (*models.MenuOption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.menus) - 1; i >= 0; i-- {
		if s.menus[i].SessionID == sessionID {
			cp := *s.menus[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) FirstMenuByUID(uid string) (*models.MenuOption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.menus {
		if m.UID == uid {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) MainMenu(sessionID int64) (*models.MenuOption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.menus {
		if m.SessionID == sessionID && m.IsMainMenu && m.NodeID != nil {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) HasMainMenu(sessionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.menus {
		if m.SessionID == sessionID && m.IsMainMenu {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) SecondaryMenuExistsWithOptions(sessionID int64, options map[string]string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.menus {
		if m.SessionID != sessionID || m.IsMainMenu || len(m.Options) != len(options) {
			continue
		}
		same := true
		for k, v := range options {
			if m.Options[k] != v {
				same = false
				break
			}
		}
		if same {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) HasRestartMenu(sessionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.menus {
		if m.SessionID == sessionID && !m.IsMainMenu && m.Options[models.EndChatToken] == models.EndChatCommand {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) SecondaryMenuExists(sessionID int64, nodeID *int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.menus {
		if m.SessionID != sessionID || m.IsMainMenu {
			continue
		}
		if nodeID == nil && m.NodeID == nil {
			return true, nil
		}
		if nodeID != nil && m.NodeID != nil && *nodeID == *m.NodeID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) DeleteSecondaryMenus(sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.menus[:0]
	for _, m := range s.menus {
		if m.SessionID == sessionID && !m.IsMainMenu {
			continue
		}
		kept = append(kept, m)
	}
	s.menus = kept
	return nil
}

func (s *InMemoryStore) DeleteMenus(sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.menus[:0]
	for _, m := range s.menus {
		if m.SessionID == sessionID {
			continue
		}
		kept = append(kept, m)
	}
	s.menus = kept
	return nil
}

func (s *InMemoryStore) CreateThread(t *models.ConversationThread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextThreadID++
	t.ID = s.nextThreadID
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	s.threads[t.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateThread(t *models.ConversationThread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	s.threads[t.ID] = &cp
	return nil
}

func (s *InMemoryStore) LatestAnsweredThread(sessionID int64) (*models.ConversationThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.ConversationThread
	for _, t := range s.threads {
		if t.SessionID == sessionID && t.IsAnswered && t.ThreadID != "" {
			if latest == nil || t.ID > latest.ID {
				latest = t
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *InMemoryStore) LatestUnansweredThreadByUID(uid string) (*models.ConversationThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.ConversationThread
	for _, t := range s.threads {
		if t.UID == uid && !t.IsAnswered {
			if latest == nil || t.ID > latest.ID {
				latest = t
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *InMemoryStore) ThreadsBySession(sessionID int64) ([]models.ConversationThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConversationThread
	for id := int64(1); id <= s.nextThreadID; id++ {
		if t, ok := s.threads[id]; ok && t.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateUserInput(in *models.UserInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextInputID++
	in.ID = s.nextInputID
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	cp := *in
	s.inputs = append(s.inputs, &cp)
	return nil
}

// UserInputs returns all captured inputs (for tests).
func (s *InMemoryStore) UserInputs() []models.UserInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UserInput, 0, len(s.inputs))
	for _, in := range s.inputs {
		out = append(out, *in)
	}
	return out
}

func (s *InMemoryStore) GetInstance(portal string) (*models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[portal]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) SaveInstance(inst *models.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instances[inst.Portal]; ok {
		inst.ID = existing.ID
	} else {
		s.nextInstanceID++
		inst.ID = s.nextInstanceID
	}
	cp := *inst
	s.instances[inst.Portal] = &cp
	return nil
}

func (s *InMemoryStore) CreateWebhookLog(l *models.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	cp := *l
	s.logs[l.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateWebhookLog(id string, status models.WebhookLogStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[id]; ok {
		l.Status = status
		l.Error = detail
	}
	return nil
}

// WebhookLog returns a stored log entry (for tests).
func (s *InMemoryStore) WebhookLog(id string) *models.WebhookLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[id]; ok {
		cp := *l
		return &cp
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
