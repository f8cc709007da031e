package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/bryan-buckman/bookvore/internal/common"
	"github.com/bryan-buckman/bookvore/internal/logging"
	"github.com/bryan-buckman/bookvore/internal/model"
)

// Status is the sign-in state of a Manager.
type Status string

const (
	StatusLoading        Status = "loading"
	StatusAnonymous      Status = "anonymous"
	StatusAuthenticating Status = "authenticating"
	StatusAuthenticated  Status = "authenticated"
)

// Loginer performs the credential exchange. *Authenticator satisfies it.
type Loginer interface {
	Login(ctx context.Context, p model.LoginPayload) (model.Session, error)
}

// SessionStore persists the current session across restarts.
type SessionStore interface {
	SaveSession(ctx context.Context, s model.Session) error
	LoadSession(ctx context.Context) (model.Session, error)
	ClearSession(ctx context.Context) error
}

// settingsWriter is implemented by stores that also keep login defaults.
type settingsWriter interface {
	SetSetting(ctx context.Context, key, value string) error
}

// Manager holds the process-wide current session.
type Manager struct {
	mu      sync.RWMutex
	session *model.Session
	status  Status

	login  Loginer
	store  SessionStore
	logger *zap.Logger
}

// NewManager creates a Manager. store may be nil for a session that lives
// only as long as the process.
func NewManager(login Loginer, store SessionStore) *Manager {
	return &Manager{
		status: StatusLoading,
		login:  login,
		store:  store,
		logger: logging.L(),
	}
}

// Restore loads the persisted session, if any.
func (m *Manager) Restore(ctx context.Context) (model.Session, error) {
	if m.store == nil {
		m.setStatus(StatusAnonymous)
		return model.Session{}, common.ErrNoSession
	}
	s, err := m.store.LoadSession(ctx)
	if err != nil {
		m.setStatus(StatusAnonymous)
		return model.Session{}, err
	}

	m.mu.Lock()
	m.session = &s
	m.status = StatusAuthenticated
	m.mu.Unlock()
	return s, nil
}

// Current returns the signed-in session or ErrNoSession.
func (m *Manager) Current() (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return model.Session{}, common.ErrNoSession
	}
	return *m.session, nil
}

// Status reports the sign-in state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SignIn authenticates and makes the result the current session. A failed
// attempt leaves any previous session in place.
func (m *Manager) SignIn(ctx context.Context, p model.LoginPayload) (model.Session, error) {
	m.setStatus(StatusAuthenticating)

	s, err := m.login.Login(ctx, p)
	if err != nil {
		m.mu.Lock()
		m.status = StatusAnonymous
		if m.session != nil {
			m.status = StatusAuthenticated
		}
		m.mu.Unlock()
		return model.Session{}, err
	}

	m.mu.Lock()
	m.session = &s
	m.status = StatusAuthenticated
	m.mu.Unlock()

	m.persist(ctx, s)
	if sw, ok := m.store.(settingsWriter); ok {
		if err := sw.SetSetting(ctx, model.SettingLastHost, s.Host); err != nil {
			m.logger.Warn("save last host", zap.Error(err))
		}
		if err := sw.SetSetting(ctx, model.SettingLastUsername, s.Username); err != nil {
			m.logger.Warn("save last username", zap.Error(err))
		}
	}
	m.logger.Info("signed in", zap.String("base_url", s.BaseURL), zap.String("username", s.Username))
	return s, nil
}

// SignOut drops the current session and its persisted copy.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	m.session = nil
	m.status = StatusAnonymous
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	return m.store.ClearSession(ctx)
}

// SetAPIKey stores the OPDS API key on the current session. An empty key
// clears it.
func (m *Manager) SetAPIKey(ctx context.Context, key string) (model.Session, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return model.Session{}, common.ErrNoSession
	}
	m.session.APIKey = strings.TrimSpace(key)
	s := *m.session
	m.mu.Unlock()

	m.persist(ctx, s)
	return s, nil
}

// persist writes s to the store. Persistence failures are logged, not
// returned: the in-memory session stays usable.
func (m *Manager) persist(ctx context.Context, s model.Session) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("persist session", zap.Error(err))
	}
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}
