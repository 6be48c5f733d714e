package dashboard

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	Username     string
	PasswordHash string
	Role         string
}

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

// UserStore persists username/password-hash/role rows. Usernames are
// case-sensitive primary keys; users are never deleted.
type UserStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewUserStore(db *sql.DB, logger *zap.Logger) *UserStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserStore{db: db, logger: logger}
}

// Create stores a new user with a bcrypt hash of password. bcrypt embeds a
// random per-user salt in the hash, so equal passwords produce distinct
// stored values. Returns ErrUserExists if the username is taken.
func (s *UserStore) Create(username, password, role string) error {
	if username == "" {
		return fmt.Errorf("create user: missing username")
	}
	if password == "" {
		return fmt.Errorf("create user %s: missing password", username)
	}
	if role == "" {
		role = RoleUser
	}

	if _, err := s.Lookup(username); err == nil {
		return ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("create user %s: %w", username, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("create user %s: hash password: %w", username, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO users (username, password_hash, role, created_at)
		VALUES (?, ?, ?, ?)
	`, username, string(hash), role, time.Now().UTC().Format(sqliteTimeLayout))
	if err != nil {
		// Two concurrent signups can both pass the lookup above; the
		// loser hits the primary-key constraint here.
		if isUniqueConstraintErr(err) {
			return ErrUserExists
		}
		return fmt.Errorf("create user %s: %w", username, err)
	}

	return nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Lookup returns the stored user or ErrUserNotFound.
func (s *UserStore) Lookup(username string) (User, error) {
	row := s.db.QueryRow(`
		SELECT username, password_hash, role
		FROM users
		WHERE username = ?
	`, username)

	var user User
	if err := row.Scan(&user.Username, &user.PasswordHash, &user.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("lookup user %s: %w", username, err)
	}

	return user, nil
}

// Authenticate reports whether password matches the stored hash for
// username. Unknown users and lookup failures both report false.
func (s *UserStore) Authenticate(username, password string) bool {
	user, err := s.Lookup(username)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			s.logger.Warn("authenticate lookup failed", zap.String("username", username), zap.Error(err))
		}
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

// EnsureAdmin creates the bootstrap admin account when no admin user
// exists yet. A no-op when password is empty or an admin is already
// present.
func (s *UserStore) EnsureAdmin(password string) error {
	if password == "" {
		return nil
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE role = ?`, RoleAdmin).Scan(&count); err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	if count > 0 {
		return nil
	}

	if err := s.Create("admin", password, RoleAdmin); err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}

	s.logger.Info("bootstrap admin user created", zap.String("username", "admin"))
	return nil
}
