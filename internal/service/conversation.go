// Package service provides business logic for the companion service.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/therepai/companion/internal/model"
	"github.com/therepai/companion/internal/store"
	"github.com/therepai/companion/pkg/logger"
	"github.com/therepai/companion/pkg/metrics"
)

// ConversationService owns every user's threads. Each owner gets a session
// that is hydrated from the backend on first use and always has an active
// thread. Writes go through to the backend; a failed write is reported as a
// *PersistenceError next to a valid result.
type ConversationService struct {
	backend store.Backend
	logger  *logger.Logger
	now     func() time.Time
	newID   func() string

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu      sync.Mutex
	owner   string
	threads map[string]*model.Thread
	order   []string // newest first
	active  string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConversationService creates a new conversation service.
func NewConversationService(backend store.Backend, log *logger.Logger) *ConversationService {
	return &ConversationService{
		backend:  backend,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
		sessions: make(map[string]*session),
	}
}

// session returns the owner's session, hydrating it on first use. A load
// failure yields an empty session plus a persistence warning.
func (s *ConversationService) session(ctx context.Context, owner string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[owner]; ok {
		return sess, nil
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		owner:   owner,
		threads: make(map[string]*model.Thread),
		ctx:     sessCtx,
		cancel:  cancel,
	}

	var warn error
	threads, err := s.backend.Load(ctx, owner)
	if err != nil {
		warn = s.persistenceFailure(owner, "", "load", err)
	}
	for _, t := range threads {
		if _, dup := sess.threads[t.ID]; dup {
			continue
		}
		if t.Messages == nil {
			t.Messages = []model.Message{}
		}
		sess.threads[t.ID] = t
		sess.order = append(sess.order, t.ID)
	}

	if len(sess.order) > 0 {
		sess.active = sess.order[0]
	} else if _, err := s.createLocked(ctx, sess, ""); err != nil && warn == nil {
		warn = err
	}

	s.sessions[owner] = sess
	s.logger.Info("session hydrated",
		zap.String("user_id", owner),
		zap.Int("threads", len(sess.order)),
		zap.String("backend", s.backend.Name()),
	)
	return sess, warn
}

// SessionContext returns a context cancelled when the owner's session ends.
func (s *ConversationService) SessionContext(ctx context.Context, owner string) (context.Context, error) {
	sess, err := s.session(ctx, owner)
	return sess.ctx, err
}

// EndSession cancels in-flight work for owner and drops the cached session.
// The next call for the owner hydrates a fresh session from the backend.
func (s *ConversationService) EndSession(owner string) {
	s.mu.Lock()
	sess, ok := s.sessions[owner]
	delete(s.sessions, owner)
	s.mu.Unlock()

	if ok {
		sess.cancel()
		s.logger.Info("session ended", zap.String("user_id", owner))
	}
}

// Create allocates a new thread, makes it active and returns it. A blank
// title means the default title.
func (s *ConversationService) Create(ctx context.Context, owner, title string) (*model.Thread, error) {
	sess, warn := s.session(ctx, owner)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	t, err := s.createLocked(ctx, sess, title)
	return t.Clone(), firstErr(warn, err)
}

func (s *ConversationService) createLocked(ctx context.Context, sess *session, title string) (*model.Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultTitle
	}

	t := &model.Thread{
		ID:        s.newID(),
		Owner:     sess.owner,
		Title:     title,
		CreatedAt: s.now(),
		Messages:  []model.Message{},
	}

	sess.threads[t.ID] = t
	sess.order = append([]string{t.ID}, sess.order...)
	sess.active = t.ID

	metrics.ThreadsTotal.Inc()
	s.logger.Info("thread created",
		zap.String("user_id", sess.owner),
		zap.String("thread_id", t.ID),
	)

	return t, s.save(ctx, t)
}

// Get returns a copy of the thread.
func (s *ConversationService) Get(ctx context.Context, owner, id string) (*model.Thread, error) {
	sess, warn := s.session(ctx, owner)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	t, ok := sess.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), warn
}

// Append adds a message to the end of the thread. The first user message of
// a thread still carrying the default title also becomes its title.
func (s *ConversationService) Append(ctx context.Context, owner, id string, role model.Role, content string) (*model.Thread, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	sess, warn := s.session(ctx, owner)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	t, ok := sess.threads[id]
	if !ok {
		return nil, ErrNotFound
	}

	t.Messages = append(t.Messages, model.Message{
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	})
	metrics.MessagesTotal.WithLabelValues(string(role)).Inc()

	if role == model.RoleUser && t.Title == model.DefaultTitle {
		if title := TitleFromMessage(content); title != "" {
			t.Title = title
		}
	}

	return t.Clone(), firstErr(warn, s.save(ctx, t))
}

// Rename sets the thread title. A title that is blank after trimming leaves
// the previous title in place.
func (s *ConversationService) Rename(ctx context.Context, owner, id, title string) (*model.Thread, error) {
	sess, warn := s.session(ctx, owner)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	t, ok := sess.threads[id]
	if !ok {
		return nil, ErrNotFound
	}

	title = strings.TrimSpace(title)
	if title == "" || title == t.Title {
		return t.Clone(), warn
	}

	t.Title = title
	return t.Clone(), firstErr(warn, s.save(ctx, t))
}

// Delete removes the thread and returns the active thread id afterwards.
// Deleting the active thread selects the newest remaining thread, or creates
// a fresh one when none remain.
func (s *ConversationService) Delete(ctx context.Context, owner, id string) (string, error) {
	sess, warn := s.session(ctx, owner)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, ok := sess.threads[id]; !ok {
		return "", ErrNotFound
	}

	delete(sess.threads, id)
	for i, tid := range sess.order {
		if tid == id {
			sess.order = append(sess.order[:i], sess.order[i+1:]...)
			break
		}
	}

	if err := s.backend.Delete(ctx, owner, id); err != nil {
		warn = firstErr(warn, s.persistenceFailure(owner, id, "delete", err))
	}

	s.logger.Info("thread deleted",
		zap.String("user_id", owner),
		zap.String("thread_id", id),
	)

	if sess.active == id {
		if len(sess.order) > 0 {
			sess.active = sess.order[0]
		} else if _, err := s.createLocked(ctx, sess, ""); err != nil {
			warn = firstErr(warn, err)
		}
	}

	return sess.active, warn
}

// List returns {id, title} rows newest first and the active thread id.
func (s *ConversationService) List(ctx context.Context, owner string) ([]model.IndexEntry, string, error) {
	sess, warn := s.session(ctx, owner)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	out := make([]model.IndexEntry, 0, len(sess.order))
	for _, id := range sess.order {
		out = append(out, sess.threads[id].Entry())
	}
	return out, sess.active, warn
}

// Active returns the owner's active thread.
func (s *ConversationService) Active(ctx context.Context, owner string) (*model.Thread, error) {
	sess, warn := s.session(ctx, owner)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return sess.threads[sess.active].Clone(), warn
}

// Select makes id the active thread.
func (s *ConversationService) Select(ctx context.Context, owner, id string) error {
	sess, warn := s.session(ctx, owner)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, ok := sess.threads[id]; !ok {
		return ErrNotFound
	}
	sess.active = id
	return warn
}

// TitleFromMessage derives a thread title from the first user message: the
// trimmed content cut to model.TitleMaxRunes characters.
func TitleFromMessage(content string) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) > model.TitleMaxRunes {
		runes = runes[:model.TitleMaxRunes]
	}
	return strings.TrimSpace(string(runes))
}

func (s *ConversationService) save(ctx context.Context, t *model.Thread) error {
	if err := s.backend.Save(ctx, t.Clone()); err != nil {
		return s.persistenceFailure(t.Owner, t.ID, "save", err)
	}
	return nil
}

func (s *ConversationService) persistenceFailure(owner, threadID, op string, err error) error {
	metrics.PersistenceFailuresTotal.WithLabelValues(s.backend.Name(), op).Inc()
	s.logger.Warn("persistence failure",
		zap.String("user_id", owner),
		zap.String("thread_id", threadID),
		zap.String("op", op),
		zap.String("backend", s.backend.Name()),
		zap.Error(err),
	)
	return &PersistenceError{Backend: s.backend.Name(), Op: op, Err: err}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
