package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"retail-pos/internal/domain"
	"retail-pos/internal/repository"
	"retail-pos/internal/repository/sqlite"
	"retail-pos/internal/storage"
	"retail-pos/internal/store"
)

// Store is the part of the store manager the session layer needs.
type Store interface {
	View(ctx context.Context, fn func(q store.Querier) error) error
	Update(ctx context.Context, fn func(q store.Querier) error) error
}

// errRejected aborts a transaction for a request that fails authentication or
// a target check. It never leaves this package.
var errRejected = errors.New("rejected")

type SessionConfig struct {
	Passwords *PasswordVerifier
	Logger    *logrus.Logger
}

// SessionService owns the authenticated identity of the process and the
// privileged user operations gated on it.
//
// Methods returning (bool, error) report false with a nil error when the
// caller is not allowed or the request violates a constraint. A non-nil error
// means the store or the session slot failed.
type SessionService struct {
	store     Store
	kv        storage.KV
	passwords *PasswordVerifier
	audit     *AuditLog
	users     func(q sqlite.Querier) repository.UserRepository
	log       *logrus.Entry

	mu      sync.RWMutex
	session domain.Session
}

func NewSessionService(st Store, kv storage.KV, cfg SessionConfig) *SessionService {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Passwords == nil {
		cfg.Passwords = &PasswordVerifier{mode: PasswordPlaintext}
	}
	s := &SessionService{
		store:     st,
		kv:        kv,
		passwords: cfg.Passwords,
		users:     sqlite.NewUserRepository,
		log:       cfg.Logger.WithField("component", "session"),
		session:   domain.Session{State: domain.SessionAnonymous},
	}
	s.audit = NewAuditLog(st, s.CurrentUser, cfg.Logger)
	return s
}

// Audit returns the audit log bound to this session.
func (s *SessionService) Audit() *AuditLog {
	return s.audit
}

// CurrentUser returns a copy of the logged in user, or nil.
func (s *SessionService) CurrentUser() *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session.CurrentUser == nil {
		return nil
	}
	u := *s.session.CurrentUser
	return &u
}

func (s *SessionService) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.IsAuthenticated()
}

func (s *SessionService) State() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.State
}

func (s *SessionService) adopt(user *domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user == nil {
		s.session = domain.Session{State: domain.SessionAnonymous}
		return
	}
	s.session = domain.Session{CurrentUser: user, State: domain.SessionAuthenticated}
}

// Login authenticates against the active user rows. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (s *SessionService) Login(ctx context.Context, username, password string) (bool, error) {
	s.mu.Lock()
	prev := s.session
	s.session.State = domain.SessionAuthenticating
	s.mu.Unlock()

	var user *domain.User
	err := s.store.Update(ctx, func(q store.Querier) error {
		users := s.users(q)
		u, err := users.GetActiveByUsername(ctx, username)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		ok, upgrade := false, false
		if u != nil {
			ok, upgrade = s.passwords.Verify(u.Password, password)
		}
		if !ok {
			return s.audit.RecordTx(ctx, q, domain.AuditLoginFailed, fmt.Sprintf("Failed login attempt for %s", username), nil)
		}

		if upgrade {
			encoded, err := s.passwords.Encode(password)
			if err != nil {
				return err
			}
			if err := users.UpdatePassword(ctx, u.ID, encoded); err != nil {
				return err
			}
		}
		if err := users.TouchLastLogin(ctx, u.ID); err != nil {
			return err
		}
		if u, err = users.GetByID(ctx, u.ID); err != nil {
			return err
		}
		if err := s.audit.RecordTx(WithActor(ctx, u), q, domain.AuditLoginSuccess, fmt.Sprintf("User %s logged in", username), &u.ID); err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		s.restore(prev)
		s.log.WithError(err).Errorf("login error for %s", username)
		if auditErr := s.audit.Record(ctx, domain.AuditLoginError, fmt.Sprintf("Error logging in %s - %v", username, err), nil); auditErr != nil {
			s.log.WithError(auditErr).Warn("record login error")
		}
		return false, err
	}
	if user == nil {
		s.restore(prev)
		return false, nil
	}

	s.adopt(user)
	if err := s.persist(ctx, user); err != nil {
		s.log.WithError(err).Warn("persist session")
	}
	s.log.WithField("user_id", user.ID).Infof("user %s logged in", user.Username)
	return true, nil
}

// ConfirmPassword re-checks the current user's password without touching the
// session. A mismatch is audited as a failed login.
func (s *SessionService) ConfirmPassword(ctx context.Context, password string) (bool, error) {
	cur := s.CurrentUser()
	if cur == nil {
		return false, nil
	}

	ok := false
	err := s.store.Update(ctx, func(q store.Querier) error {
		u, err := s.users(q).GetActiveByID(ctx, cur.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if u != nil {
			ok, _ = s.passwords.Verify(u.Password, password)
		}
		if ok {
			return nil
		}
		return s.audit.RecordTx(WithActor(ctx, cur), q, domain.AuditLoginFailed, fmt.Sprintf("Failed session resume for %s", cur.Username), &cur.ID)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *SessionService) restore(prev domain.Session) {
	s.mu.Lock()
	s.session = prev
	s.mu.Unlock()
}

// Logout records the logout, then clears the session and its persisted copy.
func (s *SessionService) Logout(ctx context.Context) error {
	cur := s.CurrentUser()
	if cur != nil {
		if err := s.audit.Record(WithActor(ctx, cur), domain.AuditLogout, fmt.Sprintf("User %s logged out", cur.Username), &cur.ID); err != nil {
			s.log.WithError(err).Warn("record logout")
		}
	}

	s.adopt(nil)
	if err := s.kv.Delete(ctx, storage.SessionSlot); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// RestoreSession adopts the persisted session only if its user still exists
// and is active. Otherwise the persisted copy is discarded.
func (s *SessionService) RestoreSession(ctx context.Context) (bool, error) {
	raw, err := s.kv.Get(ctx, storage.SessionSlot)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read session: %w", err)
	}

	var hint domain.User
	if err := json.Unmarshal(raw, &hint); err != nil || hint.ID == 0 {
		s.log.Warn("discarding unreadable persisted session")
		return false, s.discard(ctx)
	}

	user, err := s.activeUser(ctx, hint.ID)
	if err != nil {
		return false, err
	}
	if user == nil {
		s.log.WithField("user_id", hint.ID).Info("persisted session no longer valid")
		return false, s.discard(ctx)
	}

	s.adopt(user)
	if err := s.persist(ctx, user); err != nil {
		s.log.WithError(err).Warn("refresh persisted session")
	}
	return true, nil
}

// Revalidate re-checks the current user against the live store, typically
// after the store was replaced by an import.
func (s *SessionService) Revalidate(ctx context.Context) error {
	cur := s.CurrentUser()
	if cur == nil {
		return nil
	}

	user, err := s.activeUser(ctx, cur.ID)
	if err != nil {
		return err
	}
	if user == nil || user.Username != cur.Username {
		s.log.WithField("user_id", cur.ID).Info("session user missing from replaced store")
		return s.discard(ctx)
	}

	s.adopt(user)
	return s.persist(ctx, user)
}

func (s *SessionService) activeUser(ctx context.Context, id int64) (*domain.User, error) {
	var user *domain.User
	err := s.store.View(ctx, func(q store.Querier) error {
		u, err := s.users(q).GetActiveByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("validate session user: %w", err)
	}
	return user, nil
}

func (s *SessionService) discard(ctx context.Context) error {
	s.adopt(nil)
	if err := s.kv.Delete(ctx, storage.SessionSlot); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *SessionService) persist(ctx context.Context, user *domain.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.kv.Set(ctx, storage.SessionSlot, raw); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// ChangePassword replaces the current user's password after checking old
// against the stored row. The row and the persisted session copy change
// together or not at all.
func (s *SessionService) ChangePassword(ctx context.Context, oldPassword, newPassword string) (bool, error) {
	cur := s.CurrentUser()
	if cur == nil {
		return false, nil
	}

	var (
		updated   *domain.User
		prevSlot  []byte
		slotTaken bool
	)
	err := s.store.Update(ctx, func(q store.Querier) error {
		users := s.users(q)
		row, err := users.GetByID(ctx, cur.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return errRejected
		}
		if err != nil {
			return err
		}
		if ok, _ := s.passwords.Verify(row.Password, oldPassword); !ok {
			return errRejected
		}

		encoded, err := s.passwords.Encode(newPassword)
		if err != nil {
			return err
		}
		if err := users.UpdatePassword(ctx, row.ID, encoded); err != nil {
			return err
		}
		if err := s.audit.RecordTx(WithActor(ctx, cur), q, domain.AuditPasswordChanged, fmt.Sprintf("User %s changed password", cur.Username), &cur.ID); err != nil {
			return err
		}

		row.Password = encoded
		prevSlot, err = s.kv.Get(ctx, storage.SessionSlot)
		if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			return fmt.Errorf("read session: %w", err)
		}
		if err := s.persist(ctx, row); err != nil {
			return err
		}
		slotTaken = true
		updated = row
		return nil
	})
	if err != nil {
		if errors.Is(err, errRejected) {
			return false, nil
		}
		if slotTaken {
			s.rollbackSlot(ctx, prevSlot)
		}
		return false, err
	}

	s.mu.Lock()
	if s.session.CurrentUser != nil && s.session.CurrentUser.ID == updated.ID {
		s.session.CurrentUser = updated
	}
	s.mu.Unlock()
	return true, nil
}

func (s *SessionService) rollbackSlot(ctx context.Context, prev []byte) {
	var err error
	if prev == nil {
		err = s.kv.Delete(ctx, storage.SessionSlot)
	} else {
		err = s.kv.Set(ctx, storage.SessionSlot, prev)
	}
	if err != nil {
		s.log.WithError(err).Error("restore persisted session after failed password change")
	}
}

// admin returns the current user if it holds the admin role.
func (s *SessionService) admin() *domain.User {
	cur := s.CurrentUser()
	if !cur.IsAdmin() {
		return nil
	}
	return cur
}

// CreateUser adds a user. Only admins may call it; a taken username is
// reported as false.
func (s *SessionService) CreateUser(ctx context.Context, username, password string, role domain.Role, active bool) (bool, error) {
	admin := s.admin()
	if admin == nil {
		return false, nil
	}
	username = strings.TrimSpace(username)
	if role == "" {
		role = domain.RoleUser
	}
	if username == "" || !role.Valid() {
		s.log.Warnf("rejected user %q with role %q", username, role)
		return false, nil
	}

	encoded, err := s.passwords.Encode(password)
	if err != nil {
		return false, err
	}

	err = s.store.Update(ctx, func(q store.Querier) error {
		user := &domain.User{Username: username, Password: encoded, Role: role, IsActive: active}
		if _, err := s.users(q).Create(ctx, user); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, q, domain.AuditUserCreated,
			fmt.Sprintf("Admin %s created user %s (%s)", admin.Username, username, role), &admin.ID)
	})
	if errors.Is(err, repository.ErrUserExists) {
		s.log.WithError(err).Warn("create user")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ToggleUserStatus activates or deactivates another user.
func (s *SessionService) ToggleUserStatus(ctx context.Context, userID int64, active bool) (bool, error) {
	verb := "deactivated"
	if active {
		verb = "activated"
	}
	return s.mutateOther(ctx, userID, domain.AuditUserStatusChanged, verb, func(users repository.UserRepository) error {
		return users.SetActive(ctx, userID, active)
	})
}

// DeleteUser removes another user.
func (s *SessionService) DeleteUser(ctx context.Context, userID int64) (bool, error) {
	return s.mutateOther(ctx, userID, domain.AuditUserDeleted, "deleted", func(users repository.UserRepository) error {
		return users.Delete(ctx, userID)
	})
}

// mutateOther runs an admin action against a user other than the caller and
// audits it under the target's username as read in the same transaction.
func (s *SessionService) mutateOther(ctx context.Context, userID int64, action domain.AuditAction, verb string, apply func(repository.UserRepository) error) (bool, error) {
	admin := s.admin()
	if admin == nil || admin.ID == userID {
		return false, nil
	}

	err := s.store.Update(ctx, func(q store.Querier) error {
		users := s.users(q)
		target, err := users.GetByID(ctx, userID)
		if errors.Is(err, repository.ErrNotFound) {
			return errRejected
		}
		if err != nil {
			return err
		}
		if err := apply(users); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, q, action, fmt.Sprintf("Admin %s %s %s", admin.Username, verb, target.Username), &admin.ID)
	})
	if errors.Is(err, errRejected) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Users lists every user, newest first. Non-admins get nothing.
func (s *SessionService) Users(ctx context.Context) ([]domain.User, error) {
	if s.admin() == nil {
		return nil, nil
	}
	var users []domain.User
	err := s.store.View(ctx, func(q store.Querier) error {
		var err error
		users, err = s.users(q).List(ctx)
		return err
	})
	return users, err
}

// SecurityLogs returns the most recent audit entries. Non-admins get nothing.
func (s *SessionService) SecurityLogs(ctx context.Context) ([]domain.SecurityLogEntry, error) {
	if s.admin() == nil {
		return nil, nil
	}
	return s.audit.Recent(ctx, 0)
}
