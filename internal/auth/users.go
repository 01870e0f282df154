package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Audit log actions and failure reasons.
const (
	ActionLogin    = "login"
	ActionRegister = "register"

	ReasonUnknownUser = "unknown_user"
	ReasonBadPassword = "bad_password"
	ReasonDisabled    = "disabled"
	ReasonTaken       = "username_taken"
	ReasonInvalid     = "invalid_input"
)

type User struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	IsAdmin     bool       `json:"is_admin"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLogin   *time.Time `json:"last_login"`
	LoginCount  int64      `json:"login_count"`
}

type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type LoginLogEntry struct {
	ID        int64     `json:"id"`
	UserID    *int64    `json:"user_id"`
	Username  string    `json:"username"`
	IP        string    `json:"ip"`
	Action    string    `json:"action"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewUser is the input of CreateUser.
type NewUser struct {
	Username    string
	Password    string
	DisplayName string
	IsAdmin     bool
}

const userColumns = `id, username, display_name, is_admin, status, created_at, last_login, login_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner, extra ...any) (User, error) {
	var (
		u         User
		status    string
		createdAt int64
		lastLogin sql.NullInt64
	)
	dest := append([]any{&u.ID, &u.Username, &u.DisplayName, &u.IsAdmin, &status, &createdAt, &lastLogin, &u.LoginCount}, extra...)
	if err := row.Scan(dest...); err != nil {
		return User{}, err
	}
	u.Status = Status(status)
	u.CreatedAt = fromMillis(createdAt)
	if lastLogin.Valid {
		t := fromMillis(lastLogin.Int64)
		u.LastLogin = &t
	}
	return u, nil
}

// NormalizeUsername trims and case-folds a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func (s *Store) validateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	switch {
	case n < s.opts.MinUsername:
		return fmt.Errorf("%w: username must be at least %d characters", ErrInvalidInput, s.opts.MinUsername)
	case n > maxUsername:
		return fmt.Errorf("%w: username must be at most %d characters", ErrInvalidInput, maxUsername)
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: username must not contain whitespace", ErrInvalidInput)
		}
	}
	return nil
}

func (s *Store) validatePassword(password string) error {
	switch {
	case utf8.RuneCountInString(password) < s.opts.MinPassword:
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, s.opts.MinPassword)
	case len(password) > maxPassword:
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPassword)
	}
	return nil
}

// Register creates a regular, active user and audits the attempt. A taken
// username is reported as ErrUsernameTaken, other validation failures as
// ErrInvalidInput.
func (s *Store) Register(ctx context.Context, username, password, displayName, ip string) (User, error) {
	username = NormalizeUsername(username)
	var user User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		user, err = s.createUser(ctx, tx, NewUser{Username: username, Password: password, DisplayName: displayName})
		var userID *int64
		reason := ""
		switch {
		case err == nil:
			userID = &user.ID
		case errors.Is(err, ErrUsernameTaken):
			reason = ReasonTaken
		case errors.Is(err, ErrInvalidInput):
			reason = ReasonInvalid
		default:
			return err
		}
		if logErr := s.audit(ctx, tx, userID, username, ip, ActionRegister, err == nil, reason); logErr != nil {
			return logErr
		}
		if err != nil {
			// the audit row is committed, the error reported after
			user = User{}
			return commitWith(err)
		}
		return nil
	})
	return user, err
}

// CreateUser inserts a user without auditing. It is the only way to create
// admin accounts besides EnsureSeedAdmin.
func (s *Store) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	nu.Username = NormalizeUsername(nu.Username)
	var user User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		user, err = s.createUser(ctx, tx, nu)
		return err
	})
	return user, err
}

func (s *Store) createUser(ctx context.Context, tx *sql.Tx, nu NewUser) (User, error) {
	if err := s.validateUsername(nu.Username); err != nil {
		return User{}, err
	}
	if err := s.validatePassword(nu.Password); err != nil {
		return User{}, err
	}
	displayName := strings.TrimSpace(nu.DisplayName)
	if displayName == "" {
		displayName = nu.Username
	}

	var exists int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE username = ?`, nu.Username).Scan(&exists)
	if err != nil {
		return User{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	if exists > 0 {
		return User{}, ErrUsernameTaken
	}

	salt, err := newSalt()
	if err != nil {
		return User{}, err
	}
	now := s.now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (username, display_name, password_hash, salt, is_admin, status, created_at) VALUES (?,?,?,?,?,?,?)`,
		nu.Username, displayName, hashPassword(nu.Password, salt), salt, nu.IsAdmin, string(StatusActive), millis(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return User{}, ErrUsernameTaken
		}
		return User{}, fmt.Errorf("executing sql insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, err
	}
	return User{
		ID:          id,
		Username:    nu.Username,
		DisplayName: displayName,
		IsAdmin:     nu.IsAdmin,
		Status:      StatusActive,
		CreatedAt:   fromMillis(millis(now)),
	}, nil
}

// Login checks the credentials and opens a session. Every failure returns
// ErrInvalidCredentials, the precise reason is only written to the login log.
func (s *Store) Login(ctx context.Context, username, password, ip string) (Session, User, error) {
	username = NormalizeUsername(username)
	var (
		session Session
		user    User
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var hash, salt string
		row := tx.QueryRowContext(ctx, `SELECT `+userColumns+`, password_hash, salt FROM users WHERE username = ?`, username)
		u, err := scanUser(row, &hash, &salt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			checkPassword(password, dummySalt, "")
			return s.failLogin(ctx, tx, nil, username, ip, ReasonUnknownUser)
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if !checkPassword(password, salt, hash) {
			return s.failLogin(ctx, tx, &u.ID, username, ip, ReasonBadPassword)
		}
		if u.Status != StatusActive {
			return s.failLogin(ctx, tx, &u.ID, username, ip, ReasonDisabled)
		}

		token, err := newToken()
		if err != nil {
			return err
		}
		now := s.now()
		session = Session{
			Token:     token,
			UserID:    u.ID,
			CreatedAt: fromMillis(millis(now)),
			ExpiresAt: fromMillis(millis(now.Add(s.opts.SessionTTL))),
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (token_hash, user_id, created_at, expires_at) VALUES (?,?,?,?)`,
			hashToken(token), u.ID, millis(session.CreatedAt), millis(session.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET login_count = login_count + 1, last_login = ? WHERE id = ?`,
			millis(now), u.ID,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		if err := s.audit(ctx, tx, &u.ID, username, ip, ActionLogin, true, ""); err != nil {
			return err
		}
		u.LoginCount++
		last := session.CreatedAt
		u.LastLogin = &last
		user = u
		return nil
	})
	if err != nil {
		return Session{}, User{}, err
	}
	return session, user, nil
}

func (s *Store) failLogin(ctx context.Context, tx *sql.Tx, userID *int64, username, ip, reason string) error {
	if err := s.audit(ctx, tx, userID, username, ip, ActionLogin, false, reason); err != nil {
		return err
	}
	return commitWith(ErrInvalidCredentials)
}

func (s *Store) audit(ctx context.Context, tx *sql.Tx, userID *int64, username, ip, action string, success bool, reason string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO login_log (user_id, username, ip, action, success, reason, created_at) VALUES (?,?,?,?,?,?,?)`,
		userID, username, ip, action, success, reason, millis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("writing login log failed: %w", err)
	}
	return nil
}

// Verify resolves a session token. Missing and expired sessions, as well as
// sessions of disabled users, are ErrInvalidSession. The expiry is never
// extended.
func (s *Store) Verify(ctx context.Context, token string) (User, error) {
	if strings.TrimSpace(token) == "" {
		return User{}, ErrInvalidSession
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.username, u.display_name, u.is_admin, u.status, u.created_at, u.last_login, u.login_count
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = ? AND s.expires_at > ?`,
		hashToken(token), millis(s.now()),
	)
	u, err := scanUser(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return User{}, ErrInvalidSession
	case err != nil:
		return User{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	if u.Status != StatusActive {
		return User{}, ErrInvalidSession
	}
	return u, nil
}

// Logout deletes the session. Unknown tokens are not an error.
func (s *Store) Logout(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, hashToken(token))
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	return nil
}

func (s *Store) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user failed: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) User(ctx context.Context, id int64) (User, error) {
	return userByID(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func userByID(ctx context.Context, q queryRower, id int64) (User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return User{}, ErrNotFound
	case err != nil:
		return User{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return u, nil
}

// managed loads a user that may be changed through the admin api.
func managed(ctx context.Context, tx *sql.Tx, id int64) (User, error) {
	u, err := userByID(ctx, tx, id)
	if err != nil {
		return User{}, err
	}
	if u.IsAdmin {
		return User{}, ErrProtectedAccount
	}
	return u, nil
}

// ToggleStatus flips a regular user between active and disabled.
func (s *Store) ToggleStatus(ctx context.Context, id int64) (User, error) {
	var user User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := managed(ctx, tx, id)
		if err != nil {
			return err
		}
		if u.Status == StatusActive {
			u.Status = StatusDisabled
		} else {
			u.Status = StatusActive
		}
		_, err = tx.ExecContext(ctx, `UPDATE users SET status = ? WHERE id = ?`, string(u.Status), id)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		user = u
		return nil
	})
	return user, err
}

// DeleteUser removes a regular user together with its sessions. Login log
// rows are kept.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := managed(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, id); err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		return nil
	})
}

// ResetPassword sets a new password of a regular user and invalidates all
// of its sessions.
func (s *Store) ResetPassword(ctx context.Context, id int64, password string) error {
	if err := s.validatePassword(password); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := managed(ctx, tx, id); err != nil {
			return err
		}
		return setPassword(ctx, tx, id, password)
	})
}

// SetPassword changes the password of any user, admins included, and
// invalidates its sessions. It backs the CLI.
func (s *Store) SetPassword(ctx context.Context, username, password string) error {
	if err := s.validatePassword(password); err != nil {
		return err
	}
	username = NormalizeUsername(username)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		return setPassword(ctx, tx, id, password)
	})
}

func setPassword(ctx context.Context, tx *sql.Tx, id int64, password string) error {
	salt, err := newSalt()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE users SET password_hash = ?, salt = ? WHERE id = ?`, hashPassword(password, salt), salt, id)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	return nil
}

// LoginLog returns the newest entries first. limit <= 0 means the default of
// 100, values above 1000 are capped.
func (s *Store) LoginLog(ctx context.Context, limit int) ([]LoginLogEntry, error) {
	switch {
	case limit <= 0:
		limit = defaultLogLimit
	case limit > maxLogLimit:
		limit = maxLogLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, username, ip, action, success, reason, created_at FROM login_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []LoginLogEntry
	for rows.Next() {
		var (
			e         LoginLogEntry
			userID    sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &userID, &e.Username, &e.IP, &e.Action, &e.Success, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning login log failed: %w", err)
		}
		if userID.Valid {
			id := userID.Int64
			e.UserID = &id
		}
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SeedAdmin describes the bootstrap admin account.
type SeedAdmin struct {
	Username    string
	Password    string
	DisplayName string
}

// EnsureSeedAdmin creates the seed admin when no admin exists yet. It is
// idempotent. An empty password is replaced by a generated one, returned so
// the caller can show it once.
func (s *Store) EnsureSeedAdmin(ctx context.Context, seed SeedAdmin) (created bool, generated string, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var admins int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_admin = 1`).Scan(&admins); err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if admins > 0 {
			return nil
		}
		password := seed.Password
		if password == "" {
			var err error
			password, err = GeneratePassword()
			if err != nil {
				return err
			}
			generated = password
		}
		_, err := s.createUser(ctx, tx, NewUser{
			Username:    NormalizeUsername(seed.Username),
			Password:    password,
			DisplayName: seed.DisplayName,
			IsAdmin:     true,
		})
		if err != nil {
			return fmt.Errorf("creating seed admin %q: %w", seed.Username, err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return created, generated, nil
}

// committedError makes withTx commit the transaction and then return err.
type committedError struct {
	err error
}

func (c committedError) Error() string { return c.err.Error() }

func commitWith(err error) error {
	return committedError{err: err}
}
