package access

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tether/internal/ratelimit"
)

const (
	// DefaultSessionTimeout is the inactivity window after which a session dies.
	DefaultSessionTimeout = 24 * time.Hour
	// DefaultAdminUsername is created by EnsureDefaultAdmin.
	DefaultAdminUsername = "admin"
)

// maxAuthAttempts bounds how often authentication reloads a user that was
// modified while it was being authenticated.
const maxAuthAttempts = 3

// DefaultRateLimit applies to users created without an explicit limit.
var DefaultRateLimit = ratelimit.Limit{MaxRequests: 100, Window: time.Minute}

// Config configures the Controller.
type Config struct {
	SessionTimeout   time.Duration   // Default: 24h.
	DefaultRateLimit ratelimit.Limit // Default: 100 requests per minute.
}

// Controller owns users (through its UserStore) and the session table.
// The session table is guarded by mu; cleanup and authentication serialize on it.
type Controller struct {
	users   UserStore
	limiter *ratelimit.Limiter
	timeout time.Duration
	defLim  ratelimit.Limit
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	// gen is bumped under mu by every user mutation. A session is only
	// issued if no mutation happened since its user record was loaded.
	gen uint64
	now func() time.Time
}

// NewController creates an access controller.
func NewController(users UserStore, limiter *ratelimit.Limiter, cfg Config, logger *slog.Logger) *Controller {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.DefaultRateLimit.Unlimited() {
		cfg.DefaultRateLimit = DefaultRateLimit
	}
	return &Controller{
		users:    users,
		limiter:  limiter,
		timeout:  cfg.SessionTimeout,
		defLim:   cfg.DefaultRateLimit,
		logger:   logger,
		sessions: make(map[uuid.UUID]*Session),
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// AuthenticateUser checks a username and password and issues a session.
// Unknown user, inactive user and wrong password are indistinguishable to
// the caller; the reason is only logged at debug level.
func (c *Controller) AuthenticateUser(ctx context.Context, username, password string) (uuid.UUID, bool) {
	for range maxAuthAttempts {
		gen := c.generation()
		u, err := c.users.GetByUsername(ctx, username)
		if err != nil {
			VerifyPassword(password, dummyHash)
			c.logger.DebugContext(ctx, "authentication failed: unknown user", slog.String("username", username))
			return uuid.Nil, false
		}
		if !VerifyPassword(password, u.PasswordHash) {
			c.logger.DebugContext(ctx, "authentication failed: wrong password", slog.String("username", username))
			return uuid.Nil, false
		}
		if !u.IsActive {
			c.logger.DebugContext(ctx, "authentication failed: user inactive", slog.String("username", username))
			return uuid.Nil, false
		}
		if id, ok := c.issue(ctx, u, "password", gen); ok {
			return id, true
		}
	}
	c.logger.WarnContext(ctx, "authentication failed: user kept changing", slog.String("username", username))
	return uuid.Nil, false
}

// AuthenticateAPIKey resolves an API key to its user and issues a session.
func (c *Controller) AuthenticateAPIKey(ctx context.Context, key string) (uuid.UUID, bool) {
	if !strings.HasPrefix(key, apiKeyPrefix) {
		c.logger.DebugContext(ctx, "authentication failed: malformed api key")
		return uuid.Nil, false
	}
	hash := HashAPIKey(key)
	for range maxAuthAttempts {
		gen := c.generation()
		u, err := c.users.GetByAPIKeyHash(ctx, hash)
		if err != nil || subtle.ConstantTimeCompare([]byte(hash), []byte(u.APIKeyHash)) != 1 {
			c.logger.DebugContext(ctx, "authentication failed: unknown api key")
			return uuid.Nil, false
		}
		if !u.IsActive {
			c.logger.DebugContext(ctx, "authentication failed: user inactive", slog.String("username", u.Username))
			return uuid.Nil, false
		}
		if id, ok := c.issue(ctx, u, "api_key", gen); ok {
			return id, true
		}
	}
	c.logger.WarnContext(ctx, "authentication failed: user kept changing")
	return uuid.Nil, false
}

func (c *Controller) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// issue mints a session from u unless a user mutation happened after gen
// was read, in which case u may be stale and the caller reloads it.
func (c *Controller) issue(ctx context.Context, u *User, method string, gen uint64) (uuid.UUID, bool) {
	limit := u.RateLimit
	if limit.Unlimited() {
		limit = c.defLim
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return uuid.Nil, false
	}
	now := c.now()
	s := &Session{
		ID:           uuid.New(),
		UserID:       u.ID,
		Username:     u.Username,
		CreatedAt:    now,
		LastActivity: now,
		Permissions:  slices.Clone(u.Permissions),
		RateLimit:    limit,
		Valid:        true,
	}
	c.sessions[s.ID] = s
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "session issued",
		slog.String("user", u.Username),
		slog.String("method", method),
	)
	return s.ID, true
}

// touch returns a live session and bumps its activity. Expired sessions
// are marked invalid on the way. Caller must hold c.mu.
func (c *Controller) touch(id uuid.UUID) (*Session, bool) {
	s, ok := c.sessions[id]
	if !ok || !s.Valid {
		return nil, false
	}
	now := c.now()
	if now.Sub(s.LastActivity) >= c.timeout {
		s.Valid = false
		return nil, false
	}
	s.LastActivity = now
	return s, true
}

// ValidateSession reports whether id is a live session and records activity.
func (c *Controller) ValidateSession(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.touch(id)
	return ok
}

// Session returns a copy of a live session and records activity.
func (c *Controller) Session(id uuid.UUID) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.touch(id)
	if !ok {
		return Session{}, false
	}
	out := *s
	out.Permissions = slices.Clone(s.Permissions)
	return out, true
}

// HasPermission reports whether a live session's snapshot grants perm.
// admin implies every permission.
func (c *Controller) HasPermission(id uuid.UUID, perm Permission) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.touch(id)
	return ok && s.Has(perm)
}

// CheckRateLimit consumes one request from the session user's window.
// Returns false when the window is exhausted or the session is not live.
func (c *Controller) CheckRateLimit(id uuid.UUID) bool {
	c.mu.Lock()
	s, ok := c.touch(id)
	var userID string
	var limit ratelimit.Limit
	if ok {
		userID, limit = s.UserID.String(), s.RateLimit
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if err := c.limiter.Allow(userID, limit); err != nil {
		c.logger.Warn("rate limit exceeded", slog.String("user_id", userID))
		return false
	}
	return true
}

// Authorize combines session, permission and rate limit checks into one
// error-returning call for transports.
func (c *Controller) Authorize(id uuid.UUID, perm Permission) error {
	if !c.ValidateSession(id) {
		return ErrSessionInvalid
	}
	if !c.HasPermission(id, perm) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
	}
	if !c.CheckRateLimit(id) {
		return ratelimit.ErrRateLimited
	}
	return nil
}

// InvalidateSession kills a session permanently.
func (c *Controller) InvalidateSession(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		s.Valid = false
	}
}

// InvalidateUserSessions kills every session of a user and returns the count.
// Authentications of any user in flight at that moment reload their record.
func (c *Controller) InvalidateUserSessions(userID uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	n := 0
	for _, s := range c.sessions {
		if s.UserID == userID && s.Valid {
			s.Valid = false
			n++
		}
	}
	return n
}

// ActiveSessions returns the number of live sessions.
func (c *Controller) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, s := range c.sessions {
		if s.Valid && now.Sub(s.LastActivity) < c.timeout {
			n++
		}
	}
	return n
}

// CleanupSessions removes invalidated and expired sessions.
func (c *Controller) CleanupSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for id, s := range c.sessions {
		if !s.Valid || now.Sub(s.LastActivity) >= c.timeout {
			delete(c.sessions, id)
			removed++
		}
	}
	return removed
}

// StartCleanup runs CleanupSessions and a rate-limit sweep every interval
// until ctx is done or the returned stop function is called.
func (c *Controller) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := c.CleanupSessions()
				swept := c.limiter.Sweep()
				if removed > 0 || swept > 0 {
					c.logger.Debug("session cleanup",
						slog.Int("sessions_removed", removed),
						slog.Int("windows_swept", swept),
					)
				}
			}
		}
	}()
	return cancel
}

// CreateUser provisions a new active user.
func (c *Controller) CreateUser(ctx context.Context, username, password string, perms []Permission, limit ratelimit.Limit) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}
	for _, p := range perms {
		if !slices.Contains(AllPermissions(), p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
	}
	if _, err := c.users.GetByUsername(ctx, username); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	u := &User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
		Permissions:  slices.Clone(perms),
		RateLimit:    limit,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.users.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	c.logger.InfoContext(ctx, "user created",
		slog.String("username", username),
		slog.Any("permissions", perms),
	)
	return u, nil
}

// UpdatePermissions replaces a user's permissions and invalidates all of
// their sessions, since sessions carry the old snapshot.
func (c *Controller) UpdatePermissions(ctx context.Context, userID uuid.UUID, perms []Permission) error {
	for _, p := range perms {
		if !slices.Contains(AllPermissions(), p) {
			return fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
	}
	return c.mutate(ctx, userID, func(u *User) {
		u.Permissions = slices.Clone(perms)
	})
}

// SetActive enables or disables a user. Disabling invalidates sessions.
func (c *Controller) SetActive(ctx context.Context, userID uuid.UUID, active bool) error {
	return c.mutate(ctx, userID, func(u *User) {
		u.IsActive = active
	})
}

// RegenerateAPIKey issues a new API key for a user, replacing any previous
// key. The key is returned once; only its hash is stored.
func (c *Controller) RegenerateAPIKey(ctx context.Context, userID uuid.UUID) (string, error) {
	key, hash, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}
	if err := c.mutate(ctx, userID, func(u *User) { u.APIKeyHash = hash }); err != nil {
		return "", err
	}
	return key, nil
}

// RevokeAPIKey removes a user's API key. Password login is unaffected.
func (c *Controller) RevokeAPIKey(ctx context.Context, userID uuid.UUID) error {
	return c.mutate(ctx, userID, func(u *User) { u.APIKeyHash = "" })
}

func (c *Controller) mutate(ctx context.Context, userID uuid.UUID, fn func(*User)) error {
	u, err := c.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	if err := c.users.Update(ctx, u); err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	if n := c.InvalidateUserSessions(userID); n > 0 {
		c.logger.InfoContext(ctx, "user sessions invalidated",
			slog.String("username", u.Username),
			slog.Int("count", n),
		)
	}
	return nil
}

// Users lists all users.
func (c *Controller) Users(ctx context.Context) ([]*User, error) {
	return c.users.List(ctx)
}

// UserByName looks up a user by username.
func (c *Controller) UserByName(ctx context.Context, username string) (*User, error) {
	return c.users.GetByUsername(ctx, username)
}

// EnsureDefaultAdmin creates the admin user when no users exist. An empty
// password is replaced by a generated one, which is returned so the caller
// can show it once. Returns "" when nothing was created.
func (c *Controller) EnsureDefaultAdmin(ctx context.Context, password string) (string, error) {
	n, err := c.users.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("counting users: %w", err)
	}
	if n > 0 {
		return "", nil
	}
	if password == "" {
		if password, err = GeneratePassword(); err != nil {
			return "", err
		}
	}
	if _, err := c.CreateUser(ctx, DefaultAdminUsername, password, []Permission{PermAdmin}, ratelimit.Limit{}); err != nil {
		return "", err
	}
	return password, nil
}
