// Package session composes the storage cache and the API client into the
// cookie-session auth flows: checking, logging in, registering and logging
// out, with the current identity cached under a well-known key.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hoangphuc173/web1/pkg/cache"
	"github.com/hoangphuc173/web1/pkg/client"
	"github.com/hoangphuc173/web1/pkg/logging"
	"github.com/rs/zerolog"
)

// ErrRejected is returned when the server answers a login or register
// request with success=false.
var ErrRejected = errors.New("rejected by server")

// DefaultUserTTL is how long a cached identity stays valid.
const DefaultUserTTL = 24 * time.Hour

// User is the session identity returned by the auth endpoints.
type User struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Subscription string `json:"subscription,omitempty"`
}

// IsPremium reports a paid subscription.
func (u *User) IsPremium() bool {
	return u != nil && (u.Subscription == "premium" || u.Subscription == "vip")
}

// Endpoints are the auth endpoint paths.
type Endpoints struct {
	CheckAuth string
	Login     string
	Register  string
	Logout    string
}

// DefaultEndpoints returns the standard auth endpoint paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		CheckAuth: "/api/check-auth",
		Login:     "/api/login",
		Register:  "/api/register",
		Logout:    "/api/logout",
	}
}

// AuthCallback is notified with the current user (nil when logged out)
// after every auth state change.
type AuthCallback func(user *User)

type callbackEntry struct {
	id uint64
	fn AuthCallback
}

// Manager tracks the current user.
type Manager struct {
	api       *client.Client
	store     *cache.Manager
	endpoints Endpoints
	userKey   string
	userTTL   time.Duration
	logger    zerolog.Logger

	mu        sync.RWMutex
	current   *User
	callbacks []callbackEntry
	nextID    uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithEndpoints overrides the auth endpoint paths.
func WithEndpoints(e Endpoints) Option {
	return func(m *Manager) { m.endpoints = e }
}

// WithUserKey sets the cache key of the current user.
func WithUserKey(key string) Option {
	return func(m *Manager) { m.userKey = key }
}

// WithUserTTL sets the TTL of the cached user.
func WithUserTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.userTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates an auth manager. A user cached by a previous process
// is picked up until CheckAuth asks the server.
func NewManager(api *client.Client, store *cache.Manager, opts ...Option) *Manager {
	m := &Manager{
		api:       api,
		store:     store,
		endpoints: DefaultEndpoints(),
		userKey:   store.SessionKey(),
		userTTL:   DefaultUserTTL,
		logger:    logging.NewLogger("auth"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if u, ok := cache.GetAs[*User](store, m.userKey); ok && u != nil {
		m.current = u
	}
	return m
}

type checkAuthResponse struct {
	Authenticated bool  `json:"authenticated"`
	User          *User `json:"user"`
}

// CheckAuth asks the server whether the cookie session is still valid and
// updates the cached user. Failures count as logged out.
func (m *Manager) CheckAuth(ctx context.Context) *User {
	var resp checkAuthResponse
	err := m.api.Get(ctx, m.endpoints.CheckAuth, nil, &resp)

	switch {
	case err != nil:
		m.logger.Warn().Err(err).Msg("Auth check failed, assuming logged out")
		m.clear()
	case resp.Authenticated && resp.User != nil:
		m.logger.Info().Str("user", resp.User.Email).Msg("User is authenticated")
		m.setCurrent(resp.User)
	default:
		m.clear()
	}

	m.notify()
	return m.CurrentUser()
}

type credentials struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates with email and password.
func (m *Manager) Login(ctx context.Context, email, password string) (*User, error) {
	m.logger.Info().Str("email", email).Msg("Attempting login")

	u, err := m.authenticate(ctx, m.endpoints.Login, credentials{Email: email, Password: password}, "login failed")
	if err != nil {
		m.logger.Error().Err(err).Str("email", email).Msg("Login failed")
		return nil, err
	}

	m.logger.Info().Str("user", u.Email).Msg("Login successful")
	return u, nil
}

// Register creates an account and logs it in.
func (m *Manager) Register(ctx context.Context, name, email, password string) (*User, error) {
	m.logger.Info().Str("email", email).Msg("Attempting registration")

	u, err := m.authenticate(ctx, m.endpoints.Register, credentials{Name: name, Email: email, Password: password}, "registration failed")
	if err != nil {
		m.logger.Error().Err(err).Str("email", email).Msg("Registration failed")
		return nil, err
	}

	m.logger.Info().Str("user", u.Email).Msg("Registration successful")
	return u, nil
}

func (m *Manager) authenticate(ctx context.Context, endpoint string, body credentials, fallback string) (*User, error) {
	var env client.Envelope[*User]
	if err := m.api.Post(ctx, endpoint, body, &env); err != nil {
		return nil, err
	}
	if !env.Success || env.Data == nil {
		msg := env.Error
		if msg == "" {
			msg = fallback
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	m.setCurrent(env.Data)
	m.notify()
	return m.CurrentUser(), nil
}

// Logout ends the server session. Local state is cleared even when the
// request fails; the request error is returned.
func (m *Manager) Logout(ctx context.Context) error {
	if u := m.CurrentUser(); u != nil {
		m.logger.Info().Str("user", u.Email).Msg("Logging out")
	}

	err := m.api.Post(ctx, m.endpoints.Logout, nil, nil)

	m.clear()
	m.notify()

	if err != nil {
		m.logger.Error().Err(err).Msg("Logout failed but local data cleared")
		return err
	}
	m.logger.Info().Msg("Logout successful")
	return nil
}

// IsAuthenticated reports whether a user is logged in.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil
}

// CurrentUser returns a copy of the current user, or nil.
func (m *Manager) CurrentUser() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	u := *m.current
	return &u
}

// UpdateUser applies update to the current user, re-caches it and
// notifies callbacks. It returns false when nobody is logged in.
func (m *Manager) UpdateUser(update func(u *User)) bool {
	u := m.CurrentUser()
	if u == nil {
		return false
	}
	update(u)
	m.setCurrent(u)
	m.notify()

	m.logger.Info().Str("user", u.Email).Msg("User updated")
	return true
}

// OnAuthStateChange registers fn for auth state changes. It is not called
// with the current state on registration.
func (m *Manager) OnAuthStateChange(fn AuthCallback) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.callbacks = append(m.callbacks, callbackEntry{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, cb := range m.callbacks {
				if cb.id == id {
					m.callbacks = append(m.callbacks[:i:i], m.callbacks[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) setCurrent(u *User) {
	copied := *u

	m.mu.Lock()
	m.current = &copied
	m.mu.Unlock()

	m.store.Set(m.userKey, copied, cache.WithTTL(m.userTTL))
}

func (m *Manager) clear() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	m.store.Remove(m.userKey)
}

func (m *Manager) notify() {
	m.mu.RLock()
	callbacks := append([]callbackEntry(nil), m.callbacks...)
	m.mu.RUnlock()

	user := m.CurrentUser()
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Msg("Error in auth callback")
				}
			}()
			cb.fn(user)
		}()
	}
}
