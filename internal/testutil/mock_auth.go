package testutil

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// MockUser is a user record held by MockAuth.
type MockUser struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"-"`
}

// MockAuth serves cookie-session auth endpoints on a MockAPI:
// /api/check-auth, /api/login, /api/register and /api/logout.
type MockAuth struct {
	mu       sync.Mutex
	users    map[string]*MockUser // by email
	sessions map[string]*MockUser // by session id
	nextID   int
}

// InstallMockAuth registers the auth endpoints on m.
func InstallMockAuth(m *MockAPI) *MockAuth {
	a := &MockAuth{
		users:    make(map[string]*MockUser),
		sessions: make(map[string]*MockUser),
	}

	m.SetHandler("/api/check-auth", a.checkAuth)
	m.SetHandler("/api/login", a.login)
	m.SetHandler("/api/register", a.register)
	m.SetHandler("/api/logout", a.logout)

	return a
}

// AddUser registers a user that can log in.
func (a *MockAuth) AddUser(name, email, password string) *MockUser {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addUserLocked(name, email, password)
}

// SessionCount returns the number of active sessions.
func (a *MockAuth) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *MockAuth) addUserLocked(name, email, password string) *MockUser {
	a.nextID++
	u := &MockUser{ID: a.nextID, Name: name, Email: email, Password: password}
	a.users[email] = u
	return u
}

func (a *MockAuth) startSession(w http.ResponseWriter, u *MockUser) {
	id := uuid.NewString()
	a.sessions[id] = u
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: id, Path: "/", HttpOnly: true})
}

func (a *MockAuth) currentUser(r *http.Request) (*MockUser, string) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return nil, ""
	}
	return a.sessions[cookie.Value], cookie.Value
}

func (a *MockAuth) checkAuth(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	u, _ := a.currentUser(r)
	a.mu.Unlock()

	if u == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": u})
}

type credentials struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *MockAuth) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid request body"})
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.users[req.Email]
	if !ok || u.Password != req.Password {
		WriteJSON(w, http.StatusOK, map[string]any{"success": false, "error": "Invalid email or password"})
		return
	}
	a.startSession(w, u)
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": u})
}

func (a *MockAuth) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid request body"})
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.users[req.Email]; exists {
		WriteJSON(w, http.StatusOK, map[string]any{"success": false, "error": "Email already registered"})
		return
	}
	u := a.addUserLocked(req.Name, req.Email, req.Password)
	a.startSession(w, u)
	w.Header().Set("X-User-ID", strconv.Itoa(u.ID))
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": u})
}

func (a *MockAuth) logout(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, id := a.currentUser(r); id != "" {
		delete(a.sessions, id)
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}
