package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionStorageKey = "blogUser"
	csrfCookieName    = "csrf"
	csrfFieldName     = "csrf_token"
	csrfCookieMaxAge  = 24 * time.Hour

	msgInvalidCredentials = "invalid credentials"
	msgLoginFailed        = "login failed"
)

// ErrValidation marks input rejected before any remote call.
var ErrValidation = errors.New("validation failed")

// ErrLoginSuperseded is returned when a logout or a newer login settled
// while this attempt was in flight. The state is left to the newer call.
var ErrLoginSuperseded = errors.New("sign-in was interrupted, please try again")

var secureCookies bool

type testUser struct {
	Session
	Password string
}

var testUsers = []testUser{
	{Session: Session{ID: 1, Email: "admin@blog.com", Name: "Admin User", Role: RoleAdmin}, Password: "admin123"},
	{Session: Session{ID: 2, Email: "user@blog.com", Name: "Normal User", Role: RoleUser}, Password: "user123"},
}

type credential struct {
	session      Session
	passwordHash string
}

// credentials hashes the fixed user table once per process.
var credentials = sync.OnceValue(func() []credential {
	creds := make([]credential, 0, len(testUsers))
	for _, u := range testUsers {
		creds = append(creds, credential{
			session:      u.Session,
			passwordHash: mustHashPassword(u.Password),
		})
	}
	return creds
})

func mustHashPassword(password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}

func checkPassword(hash, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

type AuthState struct {
	User            *Session
	IsAuthenticated bool
	IsLoading       bool
	Error           string
}

// AuthStore owns the current session. Only the most recently started
// login may settle the state; logout invalidates any login in flight.
type AuthStore struct {
	mu    sync.Mutex
	state AuthState
	seq   uint64

	storage     Storage
	credentials []credential
	delay       time.Duration
	logger      *zap.Logger
}

func NewAuthStore(storage Storage, delay time.Duration, logger *zap.Logger) *AuthStore {
	return &AuthStore{
		storage:     storage,
		credentials: credentials(),
		delay:       delay,
		logger:      logger,
	}
}

func (a *AuthStore) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *AuthStore) snapshotLocked() AuthState {
	s := a.state
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

func (a *AuthStore) IsAdmin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.User.IsAdmin()
}

func (a *AuthStore) Login(ctx context.Context, email, password string) (AuthState, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return a.State(), fmt.Errorf("%w: email and password are required", ErrValidation)
	}

	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.state.IsLoading = true
	a.state.Error = ""
	a.mu.Unlock()

	sess, err := a.authenticate(ctx, email, password)

	a.mu.Lock()
	defer a.mu.Unlock()

	if seq != a.seq {
		a.logger.Debug("discarding stale login result", zap.String("email", email))
		return a.snapshotLocked(), ErrLoginSuperseded
	}

	a.state.IsLoading = false
	if err == nil {
		err = a.persistLocked(ctx, sess)
	}
	if err != nil {
		a.state.User = nil
		a.state.IsAuthenticated = false
		a.state.Error = err.Error()
		a.logger.Info("login rejected", zap.String("email", email), zap.Error(err))
		return a.snapshotLocked(), nil
	}

	a.state.User = &sess
	a.state.IsAuthenticated = true
	a.state.Error = ""
	a.logger.Info("login succeeded", zap.String("email", email), zap.String("role", string(sess.Role)))
	return a.snapshotLocked(), nil
}

// authenticate waits out the simulated round trip, then checks the
// credential table.
func (a *AuthStore) authenticate(ctx context.Context, email, password string) (Session, error) {
	if a.delay > 0 {
		timer := time.NewTimer(a.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Session{}, errors.New(msgLoginFailed)
		case <-timer.C:
		}
	}

	for _, c := range a.credentials {
		if c.session.Email == email && checkPassword(c.passwordHash, password) {
			return c.session, nil
		}
	}
	return Session{}, errors.New(msgInvalidCredentials)
}

func (a *AuthStore) persistLocked(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		a.logger.Error("encoding session", zap.Error(err))
		return errors.New(msgLoginFailed)
	}
	if err := a.storage.Set(ctx, sessionStorageKey, string(data)); err != nil {
		a.logger.Error("persisting session", zap.Error(err))
		return errors.New(msgLoginFailed)
	}
	return nil
}

// Logout always succeeds. A storage failure is logged and otherwise
// ignored.
func (a *AuthStore) Logout(ctx context.Context) AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	a.state = AuthState{}
	if err := a.storage.Delete(ctx, sessionStorageKey); err != nil {
		a.logger.Warn("removing persisted session", zap.Error(err))
	}
	return a.snapshotLocked()
}

// RestoreSession loads the persisted snapshot. A corrupt snapshot is
// deleted and the store stays signed out.
func (a *AuthStore) RestoreSession(ctx context.Context) AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.User = nil
	a.state.IsAuthenticated = false

	raw, ok, err := a.storage.Get(ctx, sessionStorageKey)
	if err != nil {
		a.logger.Warn("reading persisted session", zap.Error(err))
		return a.snapshotLocked()
	}
	if !ok {
		return a.snapshotLocked()
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || !validSession(sess) {
		a.logger.Warn("discarding corrupt persisted session", zap.Error(err))
		if err := a.storage.Delete(ctx, sessionStorageKey); err != nil {
			a.logger.Warn("removing persisted session", zap.Error(err))
		}
		return a.snapshotLocked()
	}

	a.state.User = &sess
	a.state.IsAuthenticated = true
	a.logger.Info("session restored", zap.String("email", sess.Email))
	return a.snapshotLocked()
}

func validSession(s Session) bool {
	return s.ID > 0 && s.Email != "" && (s.Role == RoleAdmin || s.Role == RoleUser)
}

func (a *AuthStore) ClearError() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Error = ""
	return a.snapshotLocked()
}

// CSRF protection using double-submit cookie pattern

func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func setCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(csrfCookieMaxAge.Seconds()),
	})
}

func getCSRFToken(r *http.Request) string {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func validateCSRF(r *http.Request) bool {
	cookieToken := getCSRFToken(r)
	formToken := r.FormValue(csrfFieldName)

	if cookieToken == "" || formToken == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(formToken)) == 1
}

func parseFormWithCSRF(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return false
	}
	if !validateCSRF(r) {
		http.Error(w, "Invalid CSRF token", http.StatusForbidden)
		return false
	}
	return true
}

// ensureCSRFToken returns existing token or creates a new one
func ensureCSRFToken(w http.ResponseWriter, r *http.Request) string {
	token := getCSRFToken(r)
	if token != "" {
		return token
	}

	token, err := generateToken()
	if err != nil {
		return ""
	}
	setCSRFCookie(w, token)
	return token
}

// requireAuth redirects to the login page, remembering where the visitor
// was headed, when no session is active.
func (b *Blog) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.auth.State().IsAuthenticated {
			http.Redirect(w, r, "/login?from="+url.QueryEscape(r.URL.Path), http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin must run after requireAuth.
func (b *Blog) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.auth.IsAdmin() {
			b.renderStatus(w, http.StatusForbidden, "denied.html", b.pageData(w, r, "Access denied"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
